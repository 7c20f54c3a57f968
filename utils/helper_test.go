package utils_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/eduadmin/cashbook_backend/utils"
	"github.com/go-sql-driver/mysql"
)

func TestParseDateString(t *testing.T) {
	got, err := utils.ParseDateString("2025-01-15")
	if err != nil {
		t.Fatalf("ParseDateString: %v", err)
	}
	want := time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ParseDateString = %s, want %s", got, want)
	}

	for _, bad := range []string{"", "15-01-2025", "2025/01/15", "2025-13-01"} {
		if _, err := utils.ParseDateString(bad); err == nil {
			t.Errorf("ParseDateString(%q) accepted invalid input", bad)
		}
	}
}

func TestConvertToDateCrossesMidnight(t *testing.T) {
	// 20:00 UTC on Jan 14 is already Jan 15 in Asia/Kolkata (+05:30).
	ts := time.Date(2025, time.January, 14, 20, 0, 0, 0, time.UTC)
	got, err := utils.ConvertToDate(ts, "")
	if err != nil {
		t.Fatalf("ConvertToDate: %v", err)
	}
	want := time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ConvertToDate = %s, want %s", got, want)
	}
}

func TestIsDuplicateKeyError(t *testing.T) {
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	if !utils.IsDuplicateKeyError(dup) {
		t.Error("1062 not recognized as duplicate key")
	}
	if !utils.IsDuplicateKeyError(fmt.Errorf("create receipt: %w", dup)) {
		t.Error("wrapped 1062 not recognized")
	}
	if utils.IsDuplicateKeyError(&mysql.MySQLError{Number: 1213}) {
		t.Error("deadlock misclassified as duplicate key")
	}
	if utils.IsDuplicateKeyError(errors.New("plain")) {
		t.Error("plain error misclassified as duplicate key")
	}
}
