package models

import (
	"github.com/eduadmin/cashbook_backend/config"
	"github.com/eduadmin/cashbook_backend/utils"
)

func MigrateTable() {
	db := config.GetDB()
	err := db.AutoMigrate(
		&FeeType{},
		&Receipt{},
		&ReceiptItem{},
		&CashMovement{},
		&CashDayClosing{},
		&CashDayTallyLine{},
		&IdempotencyKey{},
	)
	utils.ErrorPanic(err)
}
