package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Class partitions transport failures by how callers should react.
// Network and server-side failures may succeed on a later attempt;
// auth and bad-request failures are returned immediately.
type Class string

const (
	// ClassNetwork covers connection failures: refused, reset, timed out.
	ClassNetwork Class = "network"

	// ClassAuth covers 401 and 403 responses. Retrying with the same
	// credentials cannot succeed.
	ClassAuth Class = "auth"

	// ClassBadRequest covers the remaining 4xx responses. The request
	// itself is malformed or refers to something that does not exist.
	ClassBadRequest Class = "bad_request"

	// ClassServer covers 5xx responses.
	ClassServer Class = "server"
)

// Error is a classified transport failure.
// Use errors.As() to recover it from wrapped errors in calling code.
type Error struct {
	Class   Class
	Status  int    // HTTP status code, 0 for network failures
	Op      string // operation that failed, e.g. "submit job"
	Message string // server-provided detail, if any
	cause   error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s error (HTTP %d): %s", e.Op, e.Class, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Class, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the failure may succeed on a later attempt.
func (e *Error) Retryable() bool {
	return e.Class == ClassNetwork || e.Class == ClassServer
}

// Retryable reports whether err carries a transport failure worth retrying.
func Retryable(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Retryable()
}

// classifyStatus maps a non-success HTTP response to an Error.
func classifyStatus(op string, status int, body []byte) *Error {
	msg := serverMessage(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Class: ClassAuth, Status: status, Op: op, Message: msg}
	case status >= 500:
		return &Error{Class: ClassServer, Status: status, Op: op, Message: msg}
	default:
		return &Error{Class: ClassBadRequest, Status: status, Op: op, Message: msg}
	}
}

// netError wraps a connection-level failure.
func netError(op string, err error) *Error {
	return &Error{Class: ClassNetwork, Op: op, cause: err}
}

// serverMessage extracts the error detail from a JSON error body, falling
// back to the raw body text.
func serverMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}
