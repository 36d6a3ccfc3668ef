package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrBind           = errors.New("unable to bind listen address")
	ErrTimeout        = errors.New("message timed out")
	ErrConnection     = errors.New("connection error")
	ErrClosed         = errors.New("transport is shut down")
	ErrUnknownVerb    = errors.New("unknown verb")
	ErrRemote         = errors.New("remote handler rejected message")
	ErrInvalidAddress = errors.New("invalid address")
)

// timeoutErr maps an expired context onto ErrTimeout; cancellation is passed
// through unchanged.
func timeoutErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// remoteErr classifies an error returned by a peer's handler the same way
// fromStatus does for gRPC status codes.
func remoteErr(to string, err error) error {
	switch {
	case errors.Is(err, ErrUnknownVerb):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %v", ErrTimeout, to, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrRemote, to, err)
	}
}
