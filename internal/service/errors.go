package service

import (
	"context"
	"errors"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidDuration     = errors.New("invalid duration")
	ErrJobNotFound         = errors.New("job not found")
	ErrWrongState          = errors.New("job is in the wrong state for this operation")
	ErrNotFound            = errors.New("not found")
	ErrPriceChanged        = errors.New("price changed")
	ErrInvalidInput        = errors.New("invalid input")
)

// Enqueuer hands a persisted job to the asynchronous dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}
