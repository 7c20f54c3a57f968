package models

import (
	"context"
	"errors"
	"time"

	"github.com/eduadmin/cashbook_backend/config"
	"gorm.io/gorm"
)

// IdempotencyKey makes receipt commits replay-safe: the row is written in the
// same transaction as the receipt, so a duplicate submission (double-click,
// client retry after a transport error) finds the key and gets the original
// receipt back instead of allocating a second sequence number.
// Unique constraint: (handler_name, idem_key).
type IdempotencyKey struct {
	ID          int       `gorm:"primary_key" json:"id"`
	HandlerName string    `gorm:"size:100;not null;uniqueIndex:uniq_idem,priority:1" json:"handler_name"`
	IdemKey     string    `gorm:"size:255;not null;uniqueIndex:uniq_idem,priority:2" json:"idem_key"`
	ReferenceId int       `gorm:"not null" json:"reference_id"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

const commitReceiptHandler = "commitReceipt"

// findIdempotentReceipt returns the receipt a key already committed, or nil.
func findIdempotentReceipt(ctx context.Context, idemKey string) (*Receipt, error) {
	db := config.GetDB()
	var record IdempotencyKey
	err := db.WithContext(ctx).
		Where("handler_name = ? AND idem_key = ?", commitReceiptHandler, idemKey).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return GetReceipt(ctx, record.ReferenceId)
}

// recordIdempotentCommit writes the key inside the caller's transaction.
func recordIdempotentCommit(ctx context.Context, tx *gorm.DB, idemKey string, receiptId int) error {
	record := IdempotencyKey{
		HandlerName: commitReceiptHandler,
		IdemKey:     idemKey,
		ReferenceId: receiptId,
	}
	return tx.WithContext(ctx).Create(&record).Error
}
