package collections

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("collections: record not found")
	// ErrInvalidRecord is returned for payloads the store cannot accept.
	ErrInvalidRecord = errors.New("collections: invalid record")
	// ErrConflict is returned when a write collides with existing data.
	ErrConflict = errors.New("collections: conflict")
	// ErrForbidden is returned when the viewer may not perform the write.
	ErrForbidden = errors.New("collections: forbidden")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ServiceError carries an operation.reason code and the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "collections.service.new"
	opList       = "collections.list"
	opCreate     = "collections.create"
	opUpdate     = "collections.update"
	opDelete     = "collections.delete"
)

// NewServiceError builds a coded error for operation and reason.
func NewServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
