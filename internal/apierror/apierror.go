// Package apierror carries machine-readable error codes from services to
// HTTP handlers. The code is the response body's detail field.
package apierror

import "fmt"

// Error pairs an HTTP status with a machine-readable code.
type Error struct {
	Status int
	Code   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s", e.Status, e.Code)
}

// New creates an API error.
func New(status int, code string) *Error {
	return &Error{Status: status, Code: code}
}

// Newf creates an API error with a formatted code.
func Newf(status int, format string, args ...interface{}) *Error {
	return &Error{Status: status, Code: fmt.Sprintf(format, args...)}
}
