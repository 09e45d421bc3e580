package coordinator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
)

// ValidationError reports malformed input. Fields names the offending inputs.
type ValidationError struct {
	Fields []string
	Msg    string
}

func (e *ValidationError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return "invalid fields: " + strings.Join(e.Fields, ", ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Fields: []string{field}, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing agent or issue.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports a create that collides with an existing entity.
type ConflictError struct {
	Kind string
	ID   string
	Msg  string
}

func (e *ConflictError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("%s %q already exists", e.Kind, e.ID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
