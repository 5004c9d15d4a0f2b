package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

// Caller-facing failure categories. A *FetchError matches exactly one of
// them with errors.Is.
var (
	// ErrTransientExhausted is returned when every attempt failed with a retryable error.
	ErrTransientExhausted = errors.New("upstream unavailable")

	// ErrTerminal is returned for an authoritative negative answer such as "not found".
	ErrTerminal = errors.New("upstream terminal error")

	// ErrInvalidRequest is returned when the operation is rejected before any network call.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrCanceled is returned when the caller abandoned the fetch.
	ErrCanceled = errors.New("fetch canceled")
)

// AttemptKind is the closed set of single-attempt failures.
type AttemptKind int

const (
	// KindNetwork means no HTTP response was received (refused, reset, timeout).
	KindNetwork AttemptKind = iota + 1

	// KindHTTPStatus means the upstream answered with an error status.
	KindHTTPStatus

	// KindNotFound means the upstream answered successfully but the resource does not exist.
	KindNotFound

	// KindMalformed means the upstream response could not be decoded.
	KindMalformed
)

// ErrorClass labels an attempt failure in logs.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassNotFound represents a resource the upstream does not know.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassMalformed represents an undecodable upstream response.
	ErrorClassMalformed ErrorClass = "malformed"
)

// AttemptError describes why one upstream attempt failed.
type AttemptError struct {
	Kind AttemptKind

	// StatusCode is the last observed HTTP status, 0 when no response arrived.
	StatusCode int

	Message string
	Err     error
}

// NetworkError wraps a transport failure.
func NetworkError(err error) *AttemptError {
	return &AttemptError{Kind: KindNetwork, Message: "network error", Err: err}
}

// StatusError records an error status from the upstream.
func StatusError(statusCode int) *AttemptError {
	return &AttemptError{Kind: KindHTTPStatus, StatusCode: statusCode, Message: http.StatusText(statusCode)}
}

// NotFoundError records an authoritative "does not exist" answer.
func NotFoundError(statusCode int, message string) *AttemptError {
	return &AttemptError{Kind: KindNotFound, StatusCode: statusCode, Message: message}
}

// MalformedError records a response that could not be decoded.
func MalformedError(statusCode int, err error) *AttemptError {
	return &AttemptError{Kind: KindMalformed, StatusCode: statusCode, Message: "malformed response", Err: err}
}

// Error implements the error interface.
func (e *AttemptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s error (status %d): %s: %v",
			e.Class(), e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s error (status %d): %s",
		e.Class(), e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *AttemptError) Unwrap() error {
	return e.Err
}

// Class returns the log classification of the failure.
func (e *AttemptError) Class() ErrorClass {
	switch e.Kind {
	case KindNetwork:
		return ErrorClassNetwork
	case KindNotFound:
		return ErrorClassNotFound
	case KindMalformed:
		return ErrorClassMalformed
	case KindHTTPStatus:
		if e.StatusCode >= 500 {
			return ErrorClassServer
		}
		return ErrorClassClient
	default:
		return ""
	}
}

// Disposition is the retry decision for an attempt failure.
type Disposition int

const (
	// Terminal failures end the fetch immediately.
	Terminal Disposition = iota

	// Retryable failures are retried while attempts remain.
	Retryable
)

func (d Disposition) String() string {
	if d == Retryable {
		return "retryable"
	}
	return "terminal"
}

// Classify maps every attempt failure to a retry decision.
//
//   - network errors, 5xx, 408 and 429 are retryable
//   - malformed responses are retryable (a truncated body is usually transient)
//   - other 4xx and not-found answers are terminal
func Classify(e *AttemptError) Disposition {
	if e == nil {
		return Terminal
	}
	switch e.Kind {
	case KindNetwork:
		return Retryable
	case KindMalformed:
		return Retryable
	case KindNotFound:
		return Terminal
	case KindHTTPStatus:
		switch {
		case e.StatusCode >= 500:
			return Retryable
		case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
			return Retryable
		default:
			return Terminal
		}
	default:
		return Terminal
	}
}

// FetchKind is the caller-facing outcome category.
type FetchKind string

const (
	FetchTransientExhausted FetchKind = "transient_exhausted"
	FetchTerminal           FetchKind = "terminal"
	FetchInvalidRequest     FetchKind = "invalid_request"
	FetchCanceled           FetchKind = "canceled"
)

// FetchError is returned by Fetcher.Fetch.
type FetchError struct {
	Kind FetchKind

	// Attempts is the number of upstream attempts made.
	Attempts int

	// Last is the final attempt failure, nil for invalid or canceled fetches.
	Last *AttemptError

	Err error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	switch {
	case e.Last != nil:
		return fmt.Sprintf("%s after %d attempt(s): %v", e.sentinel(), e.Attempts, e.Last)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.sentinel(), e.Err)
	default:
		return e.sentinel().Error()
	}
}

// Unwrap exposes the last attempt failure and the underlying cause.
func (e *FetchError) Unwrap() []error {
	var errs []error
	if e.Last != nil {
		errs = append(errs, e.Last)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Is matches the sentinel for the error's kind.
func (e *FetchError) Is(target error) bool {
	return target == e.sentinel()
}

// StatusCode returns the last observed upstream status, 0 if none.
func (e *FetchError) StatusCode() int {
	if e.Last == nil {
		return 0
	}
	return e.Last.StatusCode
}

func (e *FetchError) sentinel() error {
	switch e.Kind {
	case FetchTransientExhausted:
		return ErrTransientExhausted
	case FetchTerminal:
		return ErrTerminal
	case FetchInvalidRequest:
		return ErrInvalidRequest
	case FetchCanceled:
		return ErrCanceled
	default:
		return ErrTransientExhausted
	}
}
