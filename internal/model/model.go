// Package model defines the decision-service client contract and its
// error taxonomy. The engine never sees a provider wire format; it
// hands a compiled prompt to a Client and gets text back, with errors
// it can classify as retryable or fatal.
package model

import (
	"context"
	"errors"
	"fmt"
)

// Client is the interface every decision-service transport implements.
type Client interface {
	// Decide sends a compiled prompt and returns the raw response text.
	// Errors are classifiable via IsTransient.
	Decide(ctx context.Context, prompt string) (string, error)

	// Ping checks if the service is reachable.
	Ping(ctx context.Context) error
}

// TransientError wraps a failure worth retrying with backoff: timeouts,
// rate limits, 5xx responses, connection-level errors.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure retrying cannot fix: bad credentials,
// a malformed request, a 4xx the caller produced. The loop escalates
// these to a fault.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// Permanent marks err as fatal.
func Permanent(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err is worth retrying. Unclassified
// errors are treated as transient: the network is the common failure
// mode, and the retry budget bounds the damage of a wrong guess.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
