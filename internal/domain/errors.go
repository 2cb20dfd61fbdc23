package domain

import "errors"

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a record whose ID is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInsufficientCredits is returned when a debit would overdraw an account.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrIntentSettled is returned when committing an intent that is already settled.
	ErrIntentSettled = errors.New("intent already settled")
	// ErrLeaseHeld is returned when a lease is owned by someone else.
	ErrLeaseHeld = errors.New("lease held")
)
