package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidConfig     = errors.New("invalid config")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrJobTerminal       = errors.New("job already terminal")
	ErrNotCancelable     = errors.New("job not cancelable")
	ErrNotInReview       = errors.New("job not in review")
	ErrProviderFailure   = errors.New("provider failure")
)
