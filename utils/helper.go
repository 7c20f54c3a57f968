package utils

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-sql-driver/mysql"
)

const DateLayout = "2006-01-02"

// ConvertToDate truncates a timestamp to its calendar date in the given
// timezone. Ledger rows are day-grained; storing anything finer makes the
// uniqueness and closing queries timezone-sensitive.
func ConvertToDate(t time.Time, timezone string) (time.Time, error) {
	if timezone == "" {
		timezone = "Asia/Kolkata"
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, err
	}
	local := t.In(location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC), nil
}

// ParseDateString parses a yyyy-mm-dd date into the UTC day-grain form used
// by ledger rows.
func ParseDateString(dateString string) (time.Time, error) {
	t, err := time.Parse(DateLayout, dateString)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

// IsDuplicateKeyError reports whether err is a MySQL duplicate-entry error
// (1062), the signal that a concurrent committer won a uniqueness race.
func IsDuplicateKeyError(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// ParseValidationErrors flattens binding failures into field -> failed tag,
// so clients get something actionable instead of the library's error string.
func ParseValidationErrors(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}

	errorResponse := make(map[string]string)
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}

func NewTrue() *bool {
	b := true
	return &b
}

func DereferencePtr[T any](ptr *T) T {
	var zero T
	if ptr == nil {
		return zero
	}
	return *ptr
}
