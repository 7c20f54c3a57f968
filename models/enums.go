package models

// PaymentChannel is the channel a receipt was collected through.
type PaymentChannel string

const (
	PaymentChannelCash PaymentChannel = "CASH"
	PaymentChannelBank PaymentChannel = "BANK"
	PaymentChannelUpi  PaymentChannel = "UPI"
)

func (c PaymentChannel) IsValid() bool {
	switch c {
	case PaymentChannelCash, PaymentChannelBank, PaymentChannelUpi:
		return true
	}
	return false
}

// channel code forms the first segment of the reference prefix,
// e.g. "C01" in "C01/25/R000123". The numeric part identifies the counter;
// a single-counter installation always uses 01.
var channelCodes = map[PaymentChannel]string{
	PaymentChannelCash: "C01",
	PaymentChannelBank: "B01",
	PaymentChannelUpi:  "U01",
}

// CashMovementType distinguishes the two non-receipt cash movements.
type CashMovementType string

const (
	CashMovementTypeDeposit CashMovementType = "DEPOSIT"
	CashMovementTypeExpense CashMovementType = "EXPENSE"
)

func (t CashMovementType) IsValid() bool {
	return t == CashMovementTypeDeposit || t == CashMovementTypeExpense
}

// Denominations is the fixed set of currency notes/coins a tally may count.
var Denominations = []int{2000, 500, 200, 100, 50, 20, 10, 5, 2, 1}

func IsValidDenomination(d int) bool {
	for _, v := range Denominations {
		if v == d {
			return true
		}
	}
	return false
}
