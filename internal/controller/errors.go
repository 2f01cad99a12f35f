package controller

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when the control plane rejects the
	// credentials or the bearer token.
	ErrUnauthorized = errors.New("control plane rejected credentials")
	// ErrTransport is returned when a request could not be completed.
	ErrTransport = errors.New("control plane transport error")
)

// APIError is a non-success response from the control plane.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}
