package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("already exists")
	ErrUnauthorized     = errors.New("not authenticated")
	ErrForbidden        = errors.New("not allowed")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnknownProcedure = errors.New("unknown procedure")
	ErrUnavailable      = errors.New("backend unavailable")
)

// Error records the failed operation and the backend error code, if any
type Error struct {
	Op   string
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %v (code %s)", e.Op, e.Err, e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap annotates err with op, keeping it matchable with errors.Is
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// CodeOf returns the stable code for err used on the wire
func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrUnknownProcedure):
		return "unknown_procedure"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

// FromCode is the inverse of CodeOf
func FromCode(code string) error {
	switch code {
	case "not_found":
		return ErrNotFound
	case "conflict":
		return ErrConflict
	case "unauthorized":
		return ErrUnauthorized
	case "forbidden":
		return ErrForbidden
	case "invalid_input":
		return ErrInvalidInput
	case "unknown_procedure":
		return ErrUnknownProcedure
	case "unavailable":
		return ErrUnavailable
	default:
		return nil
	}
}
