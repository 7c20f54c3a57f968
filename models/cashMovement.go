package models

import (
	"context"
	"time"

	"github.com/eduadmin/cashbook_backend/config"
	"github.com/eduadmin/cashbook_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CashMovement records non-receipt cash leaving the drawer: a bank/safe
// deposit or a cash expense. Append-only; corrections are offsetting entries,
// never edits, mirroring the receipt ledger discipline.
type CashMovement struct {
	ID            int              `gorm:"primary_key" json:"id"`
	MovementDate  time.Time        `gorm:"index;not null" json:"movement_date"`
	Type          CashMovementType `gorm:"size:10;not null" json:"type"`
	Amount        decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"amount"`
	ReferenceNote string           `gorm:"size:255" json:"reference_note"`
	CreatedBy     string           `gorm:"size:100" json:"created_by"`
	CreatedAt     time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

type NewCashMovement struct {
	Date          string           `json:"date" binding:"required"`
	Type          CashMovementType `json:"type" binding:"required"`
	Amount        decimal.Decimal  `json:"amount" binding:"required"`
	ReferenceNote string           `json:"reference_note"`
}

func RecordCashMovement(ctx context.Context, input *NewCashMovement) (*CashMovement, error) {
	if !input.Type.IsValid() || !input.Amount.IsPositive() {
		return nil, utils.ErrInvalidMovement
	}
	date, err := utils.ParseDateString(input.Date)
	if err != nil {
		return nil, utils.ErrInvalidMovement
	}

	if err := ensureDayOpen(ctx, date); err != nil {
		return nil, err
	}

	actor, _ := utils.GetUsernameFromContext(ctx)
	movement := CashMovement{
		MovementDate:  date,
		Type:          input.Type,
		Amount:        input.Amount,
		ReferenceNote: input.ReferenceNote,
		CreatedBy:     actor,
	}

	// the closed-day check is repeated inside the locked transaction so the
	// append cannot race a concurrent close (runWithDayLock)
	err = runWithDayLock(ctx, date, func(tx *gorm.DB) error {
		return tx.WithContext(ctx).Create(&movement).Error
	})
	if err != nil {
		return nil, err
	}
	return &movement, nil
}

func GetCashMovementsByDate(ctx context.Context, date time.Time) ([]*CashMovement, error) {
	db := config.GetDB()
	var results []*CashMovement
	if err := db.WithContext(ctx).
		Where("movement_date = ?", date).
		Order("id").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
