package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/eduadmin/cashbook_backend/config"
	"github.com/eduadmin/cashbook_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// maxAllocationAttempts bounds the allocate-and-commit retry loop. Each retry
// means a concurrent committer won the uniqueness race on
// (reference_prefix, sequence_no) and the max must be re-read.
const maxAllocationAttempts = 5

const allocationLockTTL = 2 * time.Second

// Receipt is one committed payment with one or more fee-type line items.
// (reference_prefix, sequence_no) is unique at the storage layer so even buggy
// callers cannot mint a duplicate receipt number.
type Receipt struct {
	ID              int             `gorm:"primary_key" json:"id"`
	ReceiptDate     time.Time       `gorm:"index;not null" json:"receipt_date"`
	PaymentChannel  PaymentChannel  `gorm:"size:10;not null;index" json:"payment_channel"`
	ReferencePrefix string          `gorm:"size:20;not null;uniqueIndex:uniq_receipt_no,priority:1" json:"reference_prefix"`
	SequenceNo      int64           `gorm:"not null;uniqueIndex:uniq_receipt_no,priority:2" json:"sequence_no"`
	ReceiptNumber   string          `gorm:"size:32;not null" json:"receipt_number"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	Remark          string          `gorm:"type:text" json:"remark"`
	Items           []ReceiptItem   `gorm:"foreignKey:ReceiptId" json:"items"`
	CreatedBy       string          `gorm:"size:100" json:"created_by"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type ReceiptItem struct {
	ID          int             `gorm:"primary_key" json:"id"`
	ReceiptId   int             `gorm:"index;not null" json:"receipt_id"`
	FeeTypeCode string          `gorm:"size:20;not null" json:"fee_type_code"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
}

type NewReceipt struct {
	Date           string           `json:"date" binding:"required"`
	PaymentChannel PaymentChannel   `json:"payment_channel" binding:"required"`
	Items          []NewReceiptItem `json:"items" binding:"required"`
	Remark         string           `json:"remark"`
}

type NewReceiptItem struct {
	FeeTypeCode string          `json:"fee_type_code" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
}

// UpdateReceiptInput edits are limited to line items and remark; channel, date
// and the allocated number are never updatable.
type UpdateReceiptInput struct {
	Items  []NewReceiptItem `json:"items"`
	Remark *string          `json:"remark"`
}

// validateItems checks the line items shared by create and update.
func validateItems(ctx context.Context, items []NewReceiptItem) ([]ReceiptItem, decimal.Decimal, error) {
	if len(items) == 0 {
		return nil, decimal.Zero, utils.ErrInvalidReceipt
	}

	activeCodes, err := getActiveFeeTypeCodes(ctx)
	if err != nil {
		return nil, decimal.Zero, err
	}

	mapped := make([]ReceiptItem, 0, len(items))
	total := decimal.Zero
	for _, item := range items {
		code := strings.ToUpper(strings.TrimSpace(item.FeeTypeCode))
		if code == "" || !item.Amount.IsPositive() {
			return nil, decimal.Zero, utils.ErrInvalidReceipt
		}
		if !activeCodes[code] {
			return nil, decimal.Zero, utils.ErrInactiveFeeType
		}
		mapped = append(mapped, ReceiptItem{
			FeeTypeCode: code,
			Amount:      item.Amount,
		})
		total = total.Add(item.Amount)
	}
	return mapped, total, nil
}

func (input *NewReceipt) validate(ctx context.Context) (time.Time, []ReceiptItem, decimal.Decimal, error) {
	if !input.PaymentChannel.IsValid() {
		return time.Time{}, nil, decimal.Zero, utils.ErrInvalidReceipt
	}
	date, err := utils.ParseDateString(input.Date)
	if err != nil {
		return time.Time{}, nil, decimal.Zero, utils.ErrInvalidReceipt
	}
	items, total, err := validateItems(ctx, input.Items)
	if err != nil {
		return time.Time{}, nil, decimal.Zero, err
	}
	return date, items, total, nil
}

// CreateReceipt is the transactional allocate-and-commit path: the only way a
// sequence number gets minted. The max-read and insert run in one transaction;
// a duplicate-key failure means a concurrent committer took the number, so the
// attempt is rolled back and retried with a fresh max.
//
// idempotencyKey is optional. When supplied, a replayed submission returns the
// originally committed receipt instead of allocating a second number.
func CreateReceipt(ctx context.Context, input *NewReceipt, idempotencyKey string) (*Receipt, error) {
	date, items, total, err := input.validate(ctx)
	if err != nil {
		return nil, err
	}

	if err := ensureDayOpen(ctx, date); err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		if existing, err := findIdempotentReceipt(ctx, idempotencyKey); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}
	}

	actor, _ := utils.GetUsernameFromContext(ctx)
	prefix := ReferencePrefix(input.PaymentChannel, date)

	// Best-effort: serialize committers for the same prefix so that under
	// normal contention the first attempt usually succeeds. Correctness never
	// depends on redis; the unique index is the serialization point.
	if locker := config.GetRedisLock(); locker != nil {
		lock, lerr := locker.Obtain(ctx, "receiptseq:"+prefix, allocationLockTTL, &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 10),
		})
		if lerr == nil {
			defer lock.Release(context.Background())
		}
	}

	for attempt := 1; attempt <= maxAllocationAttempts; attempt++ {
		var receipt Receipt
		retry := false
		// The whole attempt runs under the day advisory lock with the closing
		// row re-checked inside the transaction, so a commit can never slip
		// past a concurrent close (runWithDayLock).
		err := runWithDayLock(ctx, date, func(tx *gorm.DB) error {
			var maxSeq *int64
			if err := tx.WithContext(ctx).Model(&Receipt{}).
				Where("reference_prefix = ?", prefix).
				Select("max(sequence_no)").
				Scan(&maxSeq).Error; err != nil {
				return err
			}
			nextSeq := int64(1)
			if maxSeq != nil {
				nextSeq = *maxSeq + 1
			}

			receipt = Receipt{
				ReceiptDate:     date,
				PaymentChannel:  input.PaymentChannel,
				ReferencePrefix: prefix,
				SequenceNo:      nextSeq,
				ReceiptNumber:   FormatReceiptNumber(prefix, nextSeq),
				TotalAmount:     total,
				Remark:          input.Remark,
				Items:           items,
				CreatedBy:       actor,
			}

			if err := tx.WithContext(ctx).Create(&receipt).Error; err != nil {
				if utils.IsDuplicateKeyError(err) {
					// lost the race to a committer on another date sharing
					// this prefix; re-read the max and try again
					retry = true
				}
				return err
			}

			if idempotencyKey != "" {
				if err := recordIdempotentCommit(ctx, tx, idempotencyKey, receipt.ID); err != nil {
					if utils.IsDuplicateKeyError(err) {
						return errReplayCommitted
					}
					return err
				}
			}
			return nil
		})
		if err == nil {
			return &receipt, nil
		}
		if retry {
			continue
		}
		if errors.Is(err, errReplayCommitted) {
			// a concurrent replay of the same submission committed first
			if existing, ferr := findIdempotentReceipt(ctx, idempotencyKey); ferr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	return nil, utils.ErrAllocationContention
}

// errReplayCommitted signals inside the commit transaction that the
// idempotency key was written by a concurrent replay; the caller rolls back
// and returns that replay's receipt.
var errReplayCommitted = errors.New("idempotency key committed concurrently")

func UpdateReceipt(ctx context.Context, id int, input *UpdateReceiptInput) (*Receipt, error) {
	receipt, err := utils.FetchModel[Receipt](ctx, id, "Items")
	if err != nil {
		return nil, err
	}

	err = runWithDayLock(ctx, receipt.ReceiptDate, func(tx *gorm.DB) error {
		if input.Items != nil {
			items, total, err := validateItems(ctx, input.Items)
			if err != nil {
				return err
			}
			if err := tx.WithContext(ctx).Where("receipt_id = ?", id).Delete(&ReceiptItem{}).Error; err != nil {
				return err
			}
			for i := range items {
				items[i].ReceiptId = id
			}
			if err := tx.WithContext(ctx).Create(&items).Error; err != nil {
				return err
			}
			receipt.Items = items
			receipt.TotalAmount = total
			if err := tx.WithContext(ctx).Model(&Receipt{ID: id}).
				Update("TotalAmount", total).Error; err != nil {
				return err
			}
		}
		if input.Remark != nil {
			receipt.Remark = *input.Remark
			if err := tx.WithContext(ctx).Model(&Receipt{ID: id}).
				Update("Remark", *input.Remark).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func DeleteReceipt(ctx context.Context, id int) (*Receipt, error) {
	receipt, err := utils.FetchModel[Receipt](ctx, id, "Items")
	if err != nil {
		return nil, err
	}

	err = runWithDayLock(ctx, receipt.ReceiptDate, func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Where("receipt_id = ?", id).Delete(&ReceiptItem{}).Error; err != nil {
			return err
		}
		return tx.WithContext(ctx).Delete(&Receipt{}, id).Error
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func GetReceipt(ctx context.Context, id int) (*Receipt, error) {
	return utils.FetchModel[Receipt](ctx, id, "Items")
}

func GetReceiptsByDate(ctx context.Context, date time.Time, channel *PaymentChannel) ([]*Receipt, error) {
	return GetReceiptsByDateRange(ctx, date, date, channel)
}

func GetReceiptsByDateRange(ctx context.Context, from time.Time, to time.Time, channel *PaymentChannel) ([]*Receipt, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).
		Where("receipt_date BETWEEN ? AND ?", from, to)
	if channel != nil && *channel != "" {
		dbCtx = dbCtx.Where("payment_channel = ?", *channel)
	}

	var results []*Receipt
	if err := dbCtx.Preload("Items").
		Order("receipt_date, reference_prefix, sequence_no").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
