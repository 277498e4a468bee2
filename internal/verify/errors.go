package verify

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrInsufficientData = errors.New("insufficient data")
	ErrTimeout          = errors.New("timeout")
	ErrDuplicate        = errors.New("duplicate")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Invalidf builds an ErrInvalidArgument with a message.
func Invalidf(format string, args ...any) error {
	return invalidf(format, args...)
}

// IsCancelled reports whether err came from the caller abandoning the request,
// as opposed to a bounded read running out of time.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
