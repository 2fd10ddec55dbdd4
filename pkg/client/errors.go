package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrMalformedEnvelope is returned when a response body is not a
	// valid pagination envelope.
	ErrMalformedEnvelope = errors.New("malformed pagination envelope")
)

// ErrorClass represents a classification of page-fetch errors.
type ErrorClass string

const (
	// ErrorClassNetwork represents network/timeout errors (retryable).
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassServer represents HTTP 5xx errors (retryable).
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents HTTP 429 responses (retryable).
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassClient represents HTTP 4xx errors other than 429 (fatal).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassEnvelope represents a malformed response envelope (fatal).
	ErrorClassEnvelope ErrorClass = "envelope"
)

// FetchError describes a failed page fetch with enough context to record
// a useful per-source failure summary.
type FetchError struct {
	Source     string
	Page       int
	StatusCode int
	Class      ErrorClass
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("source %s page %d: %s error (status %d): %v",
			e.Source, e.Page, e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("source %s page %d: %s error: %v",
		e.Source, e.Page, e.Class, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error class is a transient condition
// worth retrying.
func (e *FetchError) Retryable() bool {
	switch e.Class {
	case ErrorClassNetwork, ErrorClassServer, ErrorClassRateLimit:
		return true
	default:
		// Non-429 4xx and malformed envelopes never resolve by retrying.
		return false
	}
}

// retryable reports whether err is a transient fetch failure.
func retryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}
