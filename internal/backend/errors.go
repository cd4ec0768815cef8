package backend

import (
	"context"
	"errors"
	"fmt"
)

// ErrCancelled is returned when the caller cancelled the request. It is never shown to
// the user.
var ErrCancelled = errors.New("request cancelled")

// StatusError reports a non-2xx response.
type StatusError struct {
	Op     string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %s", e.Op, e.Status)
}

// classify maps a transport failure to ErrCancelled when ctx was cancelled by the
// caller. Deadline expiry stays a regular error.
func classify(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrCancelled
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: request timed out: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
