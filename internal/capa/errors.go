package capa

import (
	"context"
	"errors"
	"fmt"

	"capa-platform/internal/audit"
)

// Error kinds. Callers match with errors.Is; messages carry the detail.
var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("conflict")
	ErrPrecondition = errors.New("precondition failed")
	ErrPersistence  = errors.New("persistence failure")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))
}

func notFound(entity, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, entity, id)
}

// classify keeps domain kinds as they are and folds everything else
// (driver errors, cancellation, audit serialization) into ErrPersistence.
// The original error stays in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range []error{ErrNotFound, ErrValidation, ErrConflict, ErrPrecondition, ErrPersistence} {
		if errors.Is(err, k) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}

// Kind names the error class for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrPrecondition):
		return "precondition"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, audit.ErrUnsupportedValue):
		return "serialization"
	default:
		return "persistence"
	}
}
