package models

import (
	"context"
	"errors"
	"time"

	"github.com/eduadmin/cashbook_backend/config"
	"github.com/eduadmin/cashbook_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CashDayClosing is the immutable record of a date's reconciliation: the
// manually counted denomination tally against the system-computed expected
// cash. At most one closing exists per date (unique index); re-closing is
// rejected, never overwritten. A non-zero variance is a valid, persisted
// outcome that flags human follow-up; it is not an error.
type CashDayClosing struct {
	ID                int                `gorm:"primary_key" json:"id"`
	ClosingDate       time.Time          `gorm:"not null;uniqueIndex" json:"closing_date"`
	Tally             []CashDayTallyLine `gorm:"foreignKey:ClosingId" json:"tally"`
	PhysicalCashTotal decimal.Decimal    `gorm:"type:decimal(20,4);not null" json:"physical_cash_total"`
	CashReceiptsTotal decimal.Decimal    `gorm:"type:decimal(20,4);not null" json:"cash_receipts_total"`
	DepositsTotal     decimal.Decimal    `gorm:"type:decimal(20,4);not null" json:"deposits_total"`
	ExpensesTotal     decimal.Decimal    `gorm:"type:decimal(20,4);not null" json:"expenses_total"`
	ExpectedCash      decimal.Decimal    `gorm:"type:decimal(20,4);not null" json:"expected_cash"`
	Variance          decimal.Decimal    `gorm:"type:decimal(20,4);not null" json:"variance"`
	ClosedBy          string             `gorm:"size:100" json:"closed_by"`
	ClosedAt          time.Time          `gorm:"autoCreateTime" json:"closed_at"`
}

type CashDayTallyLine struct {
	ID           int `gorm:"primary_key" json:"id"`
	ClosingId    int `gorm:"index;not null" json:"closing_id"`
	Denomination int `gorm:"not null" json:"denomination"`
	Quantity     int `gorm:"not null" json:"quantity"`
}

type NewTallyLine struct {
	Denomination int `json:"denomination" binding:"required"`
	Quantity     int `json:"quantity"`
}

// ValidateTally checks a submitted denomination count: known denominations
// only, no repeats, quantities >= 0.
func ValidateTally(tally []NewTallyLine) error {
	if len(tally) == 0 {
		return utils.ErrInvalidTally
	}
	seen := make(map[int]bool, len(tally))
	for _, line := range tally {
		if !IsValidDenomination(line.Denomination) || line.Quantity < 0 || seen[line.Denomination] {
			return utils.ErrInvalidTally
		}
		seen[line.Denomination] = true
	}
	return nil
}

// TallyTotal computes the physical cash total: sum of denomination x quantity.
func TallyTotal(tally []NewTallyLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range tally {
		total = total.Add(decimal.NewFromInt(int64(line.Denomination)).
			Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return total
}

// ExpectedCash = cash receipts - deposits - expenses. Deposits move cash out
// of the drawer into the bank/safe, so like expenses they reduce cash on hand.
func ExpectedCash(cashReceipts, deposits, expenses decimal.Decimal) decimal.Decimal {
	return cashReceipts.Sub(deposits).Sub(expenses)
}

// ComputeExpectedCashParts aggregates the three inputs for a date. Runs on the
// handle the caller passes so the closing workflow can issue it inside its
// transaction.
func ComputeExpectedCashParts(ctx context.Context, dbCtx *gorm.DB, date time.Time) (cashReceipts, deposits, expenses decimal.Decimal, err error) {
	cashReceipts = decimal.Zero
	deposits = decimal.Zero
	expenses = decimal.Zero

	err = dbCtx.WithContext(ctx).Raw(`
		SELECT COALESCE(SUM(ri.amount), 0)
		FROM receipt_items ri
		JOIN receipts r ON ri.receipt_id = r.id
		WHERE r.payment_channel = ? AND r.receipt_date = ?`,
		PaymentChannelCash, date).Scan(&cashReceipts).Error
	if err != nil {
		return
	}

	err = dbCtx.WithContext(ctx).Model(&CashMovement{}).
		Where("movement_date = ? AND type = ?", date, CashMovementTypeDeposit).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&deposits).Error
	if err != nil {
		return
	}

	err = dbCtx.WithContext(ctx).Model(&CashMovement{}).
		Where("movement_date = ? AND type = ?", date, CashMovementTypeExpense).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&expenses).Error
	return
}

// ComputeExpectedCash is the read-side convenience over the global DB.
func ComputeExpectedCash(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	cashReceipts, deposits, expenses, err := ComputeExpectedCashParts(ctx, config.GetDB(), date)
	if err != nil {
		return decimal.Zero, err
	}
	return ExpectedCash(cashReceipts, deposits, expenses), nil
}

// GetCashDayClosing returns the closing for a date, or nil when the day is
// still open.
func GetCashDayClosing(ctx context.Context, date time.Time) (*CashDayClosing, error) {
	db := config.GetDB()
	var closing CashDayClosing
	err := db.WithContext(ctx).
		Preload("Tally").
		Where("closing_date = ?", date).
		First(&closing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &closing, nil
}

// ensureDayOpen rejects mutations to a date whose reconciliation has been
// committed. This is the cheap pre-check on the common path; the authoritative
// check is ensureDayOpenTx, issued inside the mutation transaction under the
// day advisory lock.
func ensureDayOpen(ctx context.Context, date time.Time) error {
	closing, err := GetCashDayClosing(ctx, date)
	if err != nil {
		return err
	}
	if closing != nil {
		return utils.ErrDateClosed
	}
	return nil
}

// ensureDayOpenTx re-checks the closing row on the caller's transaction. Only
// meaningful while the day advisory lock is held; see runWithDayLock.
func ensureDayOpenTx(ctx context.Context, tx *gorm.DB, date time.Time) error {
	var count int64
	if err := tx.WithContext(ctx).Model(&CashDayClosing{}).
		Where("closing_date = ?", date).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return utils.ErrDateClosed
	}
	return nil
}
