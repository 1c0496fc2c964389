package errx

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
)

// Sentinels for the failure classes the orchestration core distinguishes.
// Nodes and stores wrap these so callers can branch with errors.Is.
var (
	// ErrOracleUnavailable marks a reasoning-oracle call that failed or timed out.
	ErrOracleUnavailable = errors.New("oracle unavailable")
	// ErrOracleMalformedOutput marks oracle output outside the allowed schema.
	ErrOracleMalformedOutput = errors.New("oracle returned malformed output")
	// ErrRetrievalUnavailable marks a retrieval backend failure.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
	// ErrVersionConflict marks a checkpoint commit that lost an optimistic race.
	ErrVersionConflict = errors.New("checkpoint version conflict")
	// ErrThreadNotFound marks a thread with no checkpoint yet. Not itself a
	// failure: the executor treats it as "start a new conversation".
	ErrThreadNotFound = errors.New("thread not found")
)

// Error wraps an underlying error with an HTTP status and safe message.
type Error struct {
	Err     error
	Status  int
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error with the provided information.
func New(err error, status int, message string) *Error {
	return &Error{
		Err:     err,
		Status:  status,
		Message: message,
	}
}

// WrapOracle tags an oracle transport failure (includes timeouts).
func WrapOracle(err error) *Error {
	if err == nil {
		return nil
	}
	return New(fmt.Errorf("%w: %v", ErrOracleUnavailable, err), http.StatusBadGateway, "oracle call failed")
}

// WrapMalformed tags oracle output that failed schema or enum validation.
func WrapMalformed(err error) *Error {
	if err == nil {
		return nil
	}
	return New(fmt.Errorf("%w: %v", ErrOracleMalformedOutput, err), http.StatusBadGateway, "oracle output rejected")
}

// WrapRetrieval tags a retrieval backend failure.
func WrapRetrieval(err error) *Error {
	if err == nil {
		return nil
	}
	return New(fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err), http.StatusBadGateway, "retrieval failed")
}

// Is reports whether the target matches the underlying error or the Error itself.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// As allows casting to Error or the wrapped error in a chain.
func (e *Error) As(target any) bool {
	if errors.As(e.Err, target) {
		return true
	}
	if t, ok := target.(**Error); ok {
		*t = e
		return true
	}
	return false
}

// Status extracts the HTTP status from an error chain, defaulting to 500.
func Status(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}
