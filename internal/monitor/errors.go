package monitor

import (
	"errors"
	"fmt"
)

// ErrNoCapacity signals that no healthy proxy is available. The scheduler
// defers the target to its next cycle instead of fetching direct.
var ErrNoCapacity = errors.New("no healthy proxy available")

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// FetchKind is the transport-level error classification.
type FetchKind string

// Fetch error kinds, in rough order of severity.
const (
	FetchTimeout    FetchKind = "timeout"
	FetchConnection FetchKind = "connection"
	FetchBlocked    FetchKind = "blocked"
	FetchClient     FetchKind = "client_error"
	FetchServer     FetchKind = "server_error"
)

// FetchError wraps a failed fetch with its classification. Timeout,
// connection and blocked errors are retryable with a fresh identity/proxy;
// the retry budget belongs to the scheduler, not the fetch client.
type FetchError struct {
	Kind       FetchKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Outcome maps the error kind onto the attempt outcome label.
func (e *FetchError) Outcome() Outcome {
	switch e.Kind {
	case FetchTimeout:
		return OutcomeTimeout
	case FetchConnection:
		return OutcomeConnection
	case FetchBlocked:
		return OutcomeBlocked
	case FetchClient:
		return OutcomeClient
	default:
		return OutcomeServer
	}
}

// IsRetryableFetch reports whether err is a fetch error worth another attempt
// within the same dispatch. Client errors such as 404 describe the target,
// not the attempt, so a fresh identity or proxy cannot change the answer.
func IsRetryableFetch(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Kind {
	case FetchTimeout, FetchConnection, FetchBlocked, FetchServer:
		return true
	}
	return false
}

// IsBlocked reports whether err carries a blocked-response classification.
func IsBlocked(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == FetchBlocked
}

// ExtractionError marks a required field the extractor could not locate or
// coerce. Never retried within a cycle; a stale selector needs an operator.
type ExtractionError struct {
	Field  string
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %q: %s", e.Field, e.Reason)
}

// IsExtraction reports whether err is an extraction failure.
func IsExtraction(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee)
}

// ConfigurationError marks an invalid target definition. Rejected at
// registration time; never reaches the scheduler.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %q: %s", e.Field, e.Reason)
}
