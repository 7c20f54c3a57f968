package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// Validation errors: rejected synchronously, surfaced verbatim, never retried.
var (
	ErrInvalidReceipt  = errors.New("invalid receipt")
	ErrInactiveFeeType = errors.New("inactive fee type")
	ErrInvalidTally    = errors.New("invalid denomination tally")
	ErrDuplicateCode   = errors.New("duplicate fee type code")
	ErrInvalidMovement = errors.New("invalid cash movement")
)

// Contention errors: retried inside the allocator, surfaced only when
// attempts are exhausted. No partial receipt exists when this is returned.
var ErrAllocationContention = errors.New("receipt number allocation contention")

// State errors: legitimate business rules, never retried.
var (
	ErrAlreadyClosed = errors.New("cash day already closed")
	ErrDateClosed    = errors.New("date has a cash day closing; record is locked")
)

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
