package ai

import (
	"errors"
	"fmt"
)

var (
	// ErrCompletion matches every *CompletionFailure via errors.Is.
	ErrCompletion = errors.New("completion failed")
	// ErrStreamConsumed is yielded when a stream is ranged a second time.
	ErrStreamConsumed = errors.New("completion stream already consumed")
)

// CompletionFailure reports a failed remote call. Reason is safe to show.
type CompletionFailure struct {
	Provider string
	Status   int
	Reason   string
	Err      error
}

func (e *CompletionFailure) Error() string {
	msg := e.Provider + " completion failed: " + e.Reason
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CompletionFailure) Unwrap() error { return e.Err }

func (e *CompletionFailure) Is(target error) bool { return target == ErrCompletion }

func failure(provider, reason string, err error) *CompletionFailure {
	return &CompletionFailure{Provider: provider, Reason: reason, Err: err}
}
