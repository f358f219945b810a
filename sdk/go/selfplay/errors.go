// Package selfplay provides a Go client for the self-play run control API.
package selfplay

import (
	"errors"
	"fmt"
)

// Error represents an error from the selfplay API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("selfplay: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	return hasStatus(err, 404)
}

// IsInvalid returns true if the server rejected the request as malformed (400).
func IsInvalid(err error) bool {
	return hasStatus(err, 400)
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	return hasStatus(err, 429)
}

// IsConflict returns true if the error is a 409.
func IsConflict(err error) bool {
	return hasStatus(err, 409)
}

func hasStatus(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}
