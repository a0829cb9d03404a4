package credit

import "errors"

var (
	// ErrInsufficientCredits is returned when the balance cannot cover a debit
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidAmount is returned when amount is <= 0
	ErrInvalidAmount = errors.New("invalid amount: must be greater than 0")

	// ErrAccountNotFound is returned when no credit account exists for the user
	ErrAccountNotFound = errors.New("credit account not found")

	ErrInternal = errors.New("internal error")
)
