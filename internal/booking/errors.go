package booking

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned when no valid subject drives the request.
	ErrUnauthenticated = errors.New("booking: unauthenticated")

	// ErrSessionExpired is returned when an operation needs a draft that does not exist.
	ErrSessionExpired = errors.New("booking: session expired")

	// ErrInvalidStep is returned for step numbers outside 1..7.
	ErrInvalidStep = errors.New("booking: invalid step")

	// ErrDraftNotFound is the store's "not present" sentinel.
	ErrDraftNotFound = errors.New("booking: draft not found")

	ErrValidation  = errors.New("booking: validation failed")
	ErrPersistence = errors.New("booking: persistence failure")
	ErrUpload      = errors.New("booking: upload failure")
)

// ValidationError carries the user facing message for a missing or malformed field.
type ValidationError struct {
	Step    Step
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func validationError(step Step, message string) error {
	return &ValidationError{Step: step, Message: message}
}

// PersistenceError wraps a downstream repository failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("booking: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// UploadError wraps a blob store failure.
type UploadError struct {
	Filename string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("booking: upload %q: %v", e.Filename, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

func (e *UploadError) Is(target error) bool {
	return target == ErrUpload
}
