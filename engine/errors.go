package engine

import (
	"errors"
	"fmt"

	"sigmacore/ledger"
	"sigmacore/matrix"
	"sigmacore/registry"
)

// Code classifies engine failures for callers. Conflicts are retryable;
// capacity and invariant failures are terminal.
type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeCapacityExceeded   Code = "capacity_exceeded"
	CodeConflict           Code = "conflict"
	CodeInvariantViolation Code = "invariant_violation"
	CodeInternal           Code = "internal"
)

// Error wraps a failure with its classification and the operation that
// produced it.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine: %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller should retry the operation.
func (e *Error) Retryable() bool { return e.Code == CodeConflict }

// CodeOf extracts the classification from an error, defaulting to internal.
func CodeOf(err error) Code {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Code
	}
	return CodeInternal
}

func fail(op string, code Code, err error) error {
	return &Error{Code: code, Op: op, Err: err}
}

// classify maps component sentinels onto the taxonomy. Duplicate-key
// failures are passed through here only for writes where a duplicate means a
// lost race rather than corruption; invariant-breaking duplicates are mapped
// explicitly at the call site.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return err
	}
	switch {
	case errors.Is(err, registry.ErrMemberNotFound),
		errors.Is(err, registry.ErrSponsorNotFound),
		errors.Is(err, matrix.ErrSponsorNotPlaced),
		errors.Is(err, ledger.ErrEventNotFound):
		return fail(op, CodeNotFound, err)
	case errors.Is(err, matrix.ErrCapacityExceeded):
		return fail(op, CodeCapacityExceeded, err)
	case errors.Is(err, registry.ErrSponsorCycle),
		errors.Is(err, matrix.ErrAlreadyPlaced),
		errors.Is(err, ledger.ErrAlreadyReversed),
		errors.Is(err, ledger.ErrNothingToReverse):
		return fail(op, CodeInvariantViolation, err)
	default:
		return fail(op, CodeInternal, err)
	}
}
