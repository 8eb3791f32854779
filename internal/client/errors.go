package client

import (
	"errors"
	"fmt"
)

// ApplicationError is a request the server understood and rejected: its reply
// carried an explicit error field.
type ApplicationError struct {
	StatusCode int
	Message    string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("client: server error (%d): %s", e.StatusCode, e.Message)
}

// TransportError is a failure to reach the server or to understand its reply.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("client: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsApplicationError reports whether err is or wraps an [ApplicationError].
func IsApplicationError(err error) bool {
	var ae *ApplicationError
	return errors.As(err, &ae)
}
