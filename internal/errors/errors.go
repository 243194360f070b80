// Package errors defines the error taxonomy of the patient store.
//
// Every error is a concrete type that can be matched with errors.As, and each
// kind carries a stable code so HTTP and CLI layers can map it without string
// matching. Import it as storeerrors to avoid clashing with the standard
// library package.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Error codes.
const (
	CodeValidation = "ErrValidation"
	CodeNotFound   = "ErrNotFound"
	CodeStorage    = "ErrStorage"
	CodeIntegrity  = "ErrIntegrity"
)

// Error is the interface implemented by every store error.
type Error interface {
	error
	// Code returns the error code string (e.g. "ErrNotFound").
	Code() string
}

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports malformed input. Nothing is persisted when it is returned.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return CodeValidation + ": invalid input"
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return CodeValidation + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Code() string { return CodeValidation }

// Add appends a field problem.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns e when it holds at least one field problem.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// NewValidation creates a ValidationError for a single field.
func NewValidation(field, format string, args ...any) *ValidationError {
	e := &ValidationError{}
	e.Add(field, format, args...)
	return e
}

// NotFoundError reports that an operation targeted a nonexistent record,
// visit or backup.
type NotFoundError struct {
	Kind string // "record", "visit", "backup"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %s not found", CodeNotFound, e.Kind, e.ID)
}

func (e *NotFoundError) Code() string { return CodeNotFound }

// NewNotFound creates a NotFoundError.
func NewNotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// StorageError reports that the persistence medium failed or returned a
// blob that could not be decoded.
type StorageError struct {
	Op    string
	Key   string
	cause error
}

func (e *StorageError) Error() string {
	msg := CodeStorage + ": " + e.Op
	if e.Key != "" {
		msg += " " + e.Key
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *StorageError) Code() string  { return CodeStorage }
func (e *StorageError) Unwrap() error { return e.cause }

// NewStorage wraps cause as a StorageError. A nil cause yields nil.
func NewStorage(op, key string, cause error) error {
	if cause == nil {
		return nil
	}
	var se *StorageError
	if stderrors.As(cause, &se) {
		return cause
	}
	return &StorageError{Op: op, Key: key, cause: cause}
}

// IntegrityError reports drift between the record store and its indexes.
// It is only ever produced from a health check result.
type IntegrityError struct {
	Issues []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: %d issue(s): %s", CodeIntegrity, len(e.Issues), strings.Join(e.Issues, "; "))
}

func (e *IntegrityError) Code() string { return CodeIntegrity }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return stderrors.As(err, &e)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return stderrors.As(err, &e)
}

// IsStorage reports whether err is a StorageError.
func IsStorage(err error) bool {
	var e *StorageError
	return stderrors.As(err, &e)
}

// IsIntegrity reports whether err is an IntegrityError.
func IsIntegrity(err error) bool {
	var e *IntegrityError
	return stderrors.As(err, &e)
}

// CodeOf returns the code of the first store error in err's chain, or "".
func CodeOf(err error) string {
	var e Error
	if stderrors.As(err, &e) {
		return e.Code()
	}
	return ""
}
