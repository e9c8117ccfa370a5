package service

import (
	"errors"
	"fmt"
)

var (
	// ErrBadInput indicates unusable request input, such as material text
	// that normalizes to nothing.
	ErrBadInput = errors.New("bad input")

	// ErrNotFound indicates a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLockHeld indicates another worker holds the generation lock.
	ErrLockHeld = errors.New("generation lock held by another worker")
)

// UpstreamErrorKind classifies failures from the text-generation backend.
type UpstreamErrorKind string

const (
	// UpstreamTransient covers timeouts, refused or reset connections and
	// 5xx responses. Worth retrying.
	UpstreamTransient UpstreamErrorKind = "transient"

	// UpstreamMalformed covers responses whose payload could not be parsed
	// even after repair. Retrying may still help with a sampling model.
	UpstreamMalformed UpstreamErrorKind = "malformed"

	// UpstreamRejected covers 4xx responses. Not retryable.
	UpstreamRejected UpstreamErrorKind = "rejected"
)

// UpstreamError is a classified failure from the LLM backend.
type UpstreamError struct {
	Kind   UpstreamErrorKind
	Status int // HTTP status if the backend responded, 0 otherwise
	Msg    string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("llm %s (HTTP %d): %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("llm %s: %s", e.Kind, e.Msg)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is worth another attempt.
func (e *UpstreamError) Retryable() bool {
	return e.Kind == UpstreamTransient || e.Kind == UpstreamMalformed
}
