package api

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("server status %d", e.Code) }

// ValidationError is a payload that failed its schema parse. Batch endpoints
// drop the offending item; single-entity endpoints fail the whole call.
type ValidationError struct {
	Kind string
	Err  error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid %s payload: %v", e.Kind, e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// IsUnauthorized reports whether err is a 401 from the server.
func IsUnauthorized(err error) bool { return hasStatus(err, http.StatusUnauthorized) }

// IsForbidden reports whether err is a 403 from the server.
func IsForbidden(err error) bool { return hasStatus(err, http.StatusForbidden) }

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

func hasStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
