// Package apperror carries the coded error type shared by storage and sync services.
package apperror

import (
	"errors"
	"fmt"
)

// ServiceError reports a failed operation with a stable "<operation>.<reason>" code.
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

// New builds a ServiceError for the operation and reason, wrapping cause.
func New(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Code returns the code of the first ServiceError in err's chain, or "".
func Code(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.code
	}
	return ""
}
