package models

import (
	"context"
	"fmt"
	"time"

	"github.com/eduadmin/cashbook_backend/config"
	"gorm.io/gorm"
)

// AcquireCashDayLock serializes every writer touching a cash day (receipt and
// movement mutations, day closing) with a MySQL advisory lock.
// NOTE: GET_LOCK is connection-scoped, not transaction-scoped. Callers must
// pin one connection (gorm Connection), acquire on it, run their transaction
// on it, and release on it after the transaction finishes. Releasing on the
// transaction handle itself would run against a finished transaction and
// strand the lock on the pooled session.
func AcquireCashDayLock(conn *gorm.DB, date time.Time) error {
	lockName := cashDayLockName(date)
	var ok int
	if err := conn.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire cash day lock for date=%s", date.Format("2006-01-02"))
	}
	return nil
}

func ReleaseCashDayLock(conn *gorm.DB, date time.Time) {
	var _ok int
	_ = conn.Raw("SELECT RELEASE_LOCK(?)", cashDayLockName(date)).Scan(&_ok).Error
}

func cashDayLockName(date time.Time) string {
	return fmt.Sprintf("cashday:%s", date.Format("2006-01-02"))
}

// runWithDayLock runs a ledger mutation under the date's advisory lock: pin a
// connection, take the lock, re-check the closing row inside the transaction,
// and hold the lock until the transaction has committed. The closing workflow
// holds the same lock across its expected-cash snapshot and commit, so a
// mutation either commits before the snapshot runs or observes the closing
// row and fails with ErrDateClosed. No mutation can land on a closed date.
func runWithDayLock(ctx context.Context, date time.Time, fn func(tx *gorm.DB) error) error {
	db := config.GetDB()
	return db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := AcquireCashDayLock(conn, date); err != nil {
			return err
		}
		defer ReleaseCashDayLock(conn, date)
		return conn.Transaction(func(tx *gorm.DB) error {
			if err := ensureDayOpenTx(ctx, tx, date); err != nil {
				return err
			}
			return fn(tx)
		})
	})
}
