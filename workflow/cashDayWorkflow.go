package workflow

import (
	"context"
	"time"

	"github.com/eduadmin/cashbook_backend/config"
	"github.com/eduadmin/cashbook_backend/models"
	"github.com/eduadmin/cashbook_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CloseCashDay commits the OPEN -> CLOSED transition for a date: validates the
// submitted denomination tally, recomputes expected cash inside the closing
// transaction (never reusing an earlier preview), and persists the closing
// atomically. The unique index on closing_date makes a double-submitted close
// fail with ErrAlreadyClosed instead of writing a second record.
func CloseCashDay(ctx context.Context, date time.Time, tally []models.NewTallyLine) (*models.CashDayClosing, error) {

	if err := models.ValidateTally(tally); err != nil {
		return nil, err
	}

	// Cheap pre-check for the common path; the unique index remains the
	// authority under races.
	existing, err := models.GetCashDayClosing(ctx, date)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, utils.ErrAlreadyClosed
	}

	physicalTotal := models.TallyTotal(tally)
	actor, _ := utils.GetUsernameFromContext(ctx)

	db := config.GetDB()
	var closing models.CashDayClosing
	err = db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := models.AcquireCashDayLock(conn, date); err != nil {
			return err
		}
		// released on the pinned connection after the transaction finishes,
		// whether it committed or rolled back; a failed close never strands
		// the lock on a pooled session
		defer models.ReleaseCashDayLock(conn, date)

		return conn.Transaction(func(tx *gorm.DB) error {
			cashReceipts, deposits, expenses, err := models.ComputeExpectedCashParts(ctx, tx, date)
			if err != nil {
				return err
			}
			expected := models.ExpectedCash(cashReceipts, deposits, expenses)

			lines := make([]models.CashDayTallyLine, 0, len(tally))
			for _, line := range tally {
				lines = append(lines, models.CashDayTallyLine{
					Denomination: line.Denomination,
					Quantity:     line.Quantity,
				})
			}

			closing = models.CashDayClosing{
				ClosingDate:       date,
				Tally:             lines,
				PhysicalCashTotal: physicalTotal,
				CashReceiptsTotal: cashReceipts,
				DepositsTotal:     deposits,
				ExpensesTotal:     expenses,
				ExpectedCash:      expected,
				// variance is reported as-is; a shortage stays negative, a
				// surplus positive. Nothing here "corrects" it.
				Variance: physicalTotal.Sub(expected),
				ClosedBy: actor,
			}

			if err := tx.WithContext(ctx).Create(&closing).Error; err != nil {
				if utils.IsDuplicateKeyError(err) {
					return utils.ErrAlreadyClosed
				}
				return err
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return &closing, nil
}

// CashOnHandReport is the read side the closing screen shows before the
// operator counts the drawer.
type CashOnHandReport struct {
	Date          string                 `json:"date"`
	ExpectedCash  decimal.Decimal        `json:"expected_cash"`
	CashReceipts  decimal.Decimal        `json:"cash_receipts_total"`
	TotalDeposits decimal.Decimal        `json:"total_deposits"`
	TotalExpenses decimal.Decimal        `json:"total_expenses"`
	Closed        bool                   `json:"closed"`
	Closing       *models.CashDayClosing `json:"closing,omitempty"`
}

func GetCashOnHandReport(ctx context.Context, date time.Time) (*CashOnHandReport, error) {
	cashReceipts, deposits, expenses, err := models.ComputeExpectedCashParts(ctx, config.GetDB(), date)
	if err != nil {
		return nil, err
	}

	closing, err := models.GetCashDayClosing(ctx, date)
	if err != nil {
		return nil, err
	}

	return &CashOnHandReport{
		Date:          date.Format(utils.DateLayout),
		ExpectedCash:  models.ExpectedCash(cashReceipts, deposits, expenses),
		CashReceipts:  cashReceipts,
		TotalDeposits: deposits,
		TotalExpenses: expenses,
		Closed:        closing != nil,
		Closing:       closing,
	}, nil
}
