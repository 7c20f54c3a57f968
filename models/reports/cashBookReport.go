package reports

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/eduadmin/cashbook_backend/config"
	"github.com/eduadmin/cashbook_backend/models"
	"github.com/eduadmin/cashbook_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// CashBookRow is one calendar day of the cash book: receipts by channel,
// deposits and expenses, and the closing outcome when the day was closed.
type CashBookRow struct {
	Date          string           `json:"date"`
	CashReceipts  decimal.Decimal  `json:"cash_receipts"`
	BankReceipts  decimal.Decimal  `json:"bank_receipts"`
	UpiReceipts   decimal.Decimal  `json:"upi_receipts"`
	Deposits      decimal.Decimal  `json:"deposits"`
	Expenses      decimal.Decimal  `json:"expenses"`
	ExpectedCash  decimal.Decimal  `json:"expected_cash"`
	Closed        bool             `json:"closed"`
	PhysicalTotal *decimal.Decimal `json:"physical_total,omitempty"`
	Variance      *decimal.Decimal `json:"variance,omitempty"`
}

type cashBookReceiptRow struct {
	ReceiptDate    time.Time
	PaymentChannel models.PaymentChannel
	Total          decimal.Decimal
}

type cashBookMovementRow struct {
	MovementDate time.Time
	Type         models.CashMovementType
	Total        decimal.Decimal
}

// GetCashBookReport aggregates day rows over a date range, computed on read.
func GetCashBookReport(ctx context.Context, fromDate time.Time, toDate time.Time) ([]*CashBookRow, error) {
	db := config.GetDB()

	var receiptRows []cashBookReceiptRow
	if err := db.WithContext(ctx).Raw(`
		SELECT r.receipt_date, r.payment_channel, COALESCE(SUM(ri.amount), 0) AS total
		FROM receipts r
		JOIN receipt_items ri ON ri.receipt_id = r.id
		WHERE r.receipt_date BETWEEN ? AND ?
		GROUP BY r.receipt_date, r.payment_channel`,
		fromDate, toDate).Scan(&receiptRows).Error; err != nil {
		return nil, err
	}

	var movementRows []cashBookMovementRow
	if err := db.WithContext(ctx).Raw(`
		SELECT movement_date, type, COALESCE(SUM(amount), 0) AS total
		FROM cash_movements
		WHERE movement_date BETWEEN ? AND ?
		GROUP BY movement_date, type`,
		fromDate, toDate).Scan(&movementRows).Error; err != nil {
		return nil, err
	}

	var closings []models.CashDayClosing
	if err := db.WithContext(ctx).
		Where("closing_date BETWEEN ? AND ?", fromDate, toDate).
		Find(&closings).Error; err != nil {
		return nil, err
	}

	byDate := make(map[string]*CashBookRow)
	rowFor := func(date time.Time) *CashBookRow {
		key := date.Format(utils.DateLayout)
		row, ok := byDate[key]
		if !ok {
			row = &CashBookRow{
				Date:         key,
				CashReceipts: decimal.Zero,
				BankReceipts: decimal.Zero,
				UpiReceipts:  decimal.Zero,
				Deposits:     decimal.Zero,
				Expenses:     decimal.Zero,
			}
			byDate[key] = row
		}
		return row
	}

	for _, r := range receiptRows {
		row := rowFor(r.ReceiptDate)
		switch r.PaymentChannel {
		case models.PaymentChannelCash:
			row.CashReceipts = r.Total
		case models.PaymentChannelBank:
			row.BankReceipts = r.Total
		case models.PaymentChannelUpi:
			row.UpiReceipts = r.Total
		}
	}
	for _, m := range movementRows {
		row := rowFor(m.MovementDate)
		if m.Type == models.CashMovementTypeDeposit {
			row.Deposits = m.Total
		} else {
			row.Expenses = m.Total
		}
	}
	for i := range closings {
		closing := closings[i]
		row := rowFor(closing.ClosingDate)
		row.Closed = true
		row.PhysicalTotal = &closing.PhysicalCashTotal
		row.Variance = &closing.Variance
	}

	// emit every day of the range in order, including empty days
	results := make([]*CashBookRow, 0, len(byDate))
	for d := fromDate; !d.After(toDate); d = d.AddDate(0, 0, 1) {
		row := rowFor(d)
		row.ExpectedCash = models.ExpectedCash(row.CashReceipts, row.Deposits, row.Expenses)
		results = append(results, row)
	}
	return results, nil
}

// WriteCashBookExcel renders the report rows as an .xlsx workbook.
func WriteCashBookExcel(rows []*CashBookRow, w io.Writer) error {
	f := excelize.NewFile()
	sheet := "Sheet1"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	headers := []string{"Date", "Cash Receipts", "Bank Receipts", "UPI Receipts",
		"Deposits", "Expenses", "Expected Cash", "Closed", "Physical Total", "Variance"}
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		f.SetCellValue(sheet, cell, h)
	}

	for i, row := range rows {
		rowNo := i + 2
		f.SetCellValue(sheet, "A"+fmt.Sprint(rowNo), row.Date)
		f.SetCellValue(sheet, "B"+fmt.Sprint(rowNo), row.CashReceipts.String())
		f.SetCellValue(sheet, "C"+fmt.Sprint(rowNo), row.BankReceipts.String())
		f.SetCellValue(sheet, "D"+fmt.Sprint(rowNo), row.UpiReceipts.String())
		f.SetCellValue(sheet, "E"+fmt.Sprint(rowNo), row.Deposits.String())
		f.SetCellValue(sheet, "F"+fmt.Sprint(rowNo), row.Expenses.String())
		f.SetCellValue(sheet, "G"+fmt.Sprint(rowNo), row.ExpectedCash.String())
		f.SetCellValue(sheet, "H"+fmt.Sprint(rowNo), row.Closed)
		if row.PhysicalTotal != nil {
			f.SetCellValue(sheet, "I"+fmt.Sprint(rowNo), row.PhysicalTotal.String())
		}
		if row.Variance != nil {
			f.SetCellValue(sheet, "J"+fmt.Sprint(rowNo), row.Variance.String())
		}
	}

	return f.Write(w)
}
