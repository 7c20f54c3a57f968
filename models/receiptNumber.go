package models

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/eduadmin/cashbook_backend/config"
)

// Fiscal year runs April through March (institutional policy).
// FiscalYearEnd returns the calendar year in which the fiscal year
// containing date ends, e.g. 2025-01-15 -> 2025, 2025-04-01 -> 2026.
func FiscalYearEnd(date time.Time) int {
	if date.Month() >= time.April {
		return date.Year() + 1
	}
	return date.Year()
}

// ReferencePrefix derives the constant part of a receipt number from the
// channel and the fiscal year containing date. Pure function, no I/O.
// Example: CASH, 2025-01-15 -> "C01/25/R".
func ReferencePrefix(channel PaymentChannel, date time.Time) string {
	return fmt.Sprintf("%s/%02d/R", channelCodes[channel], FiscalYearEnd(date)%100)
}

// FormatReceiptNumber renders the display/legal identifier:
// prefix + zero-padded 6 digit sequence.
func FormatReceiptNumber(prefix string, sequenceNo int64) string {
	return fmt.Sprintf("%s%06d", prefix, sequenceNo)
}

// PreviewNextReceipt returns the prefix and the next sequence a commit would
// most likely get. Read-only and stale by the time of commit; a UI hint,
// never authoritative.
func PreviewNextReceipt(ctx context.Context, channel PaymentChannel, date time.Time) (string, int64, error) {
	prefix := ReferencePrefix(channel, date)
	db := config.GetDB()

	var maxSeq *int64
	if err := db.WithContext(ctx).Model(&Receipt{}).
		Where("reference_prefix = ?", prefix).
		Select("max(sequence_no)").
		Scan(&maxSeq).Error; err != nil {
		return prefix, 0, err
	}
	if maxSeq == nil {
		return prefix, 1, nil
	}
	return prefix, *maxSeq + 1, nil
}

// EstimateNextSequence is the best-effort fallback used when the store is
// unreachable: scan receipt numbers the client already knows, keep those that
// match the expected prefix followed by exactly 6 digits, and propose
// highest+1. Never accepted as a real allocation; only the transactional
// allocator mints persisted sequence numbers.
func EstimateNextSequence(prefix string, knownNumbers []string) int64 {
	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + `(\d{6})$`)
	var maxSeq int64
	for _, number := range knownNumbers {
		m := pattern.FindStringSubmatch(number)
		if m == nil {
			continue
		}
		var seq int64
		fmt.Sscanf(m[1], "%d", &seq)
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	return maxSeq + 1
}
