package store

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage matches every backend failure reported as *Failure.
	ErrStorage = errors.New("storage failure")
	// ErrNotFound is returned by update/delete of a missing record.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidRecord reports a record whose shape failed validation.
	ErrInvalidRecord = errors.New("invalid record")
)

// Failure wraps an error from the named store operation.
type Failure struct {
	Op  string
	Err error
}

func (e *Failure) Error() string { return "store " + e.Op + ": " + e.Err.Error() }

func (e *Failure) Unwrap() error { return e.Err }

// Is makes a Failure match ErrStorage unless it wraps ErrNotFound.
func (e *Failure) Is(target error) bool {
	return target == ErrStorage && !errors.Is(e.Err, ErrNotFound)
}

func fail(op string, err error) error {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	return &Failure{Op: op, Err: err}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}
