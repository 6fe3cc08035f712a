package pool

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind identifies the failure taxonomy for pool operations.
type ErrorKind string

const (
	// KindValidation - malformed request or handle; caller bug, not retryable
	KindValidation ErrorKind = "VALIDATION_ERROR"
	// KindPoolExhausted - transient capacity pressure; retryable with backoff
	KindPoolExhausted ErrorKind = "POOL_EXHAUSTED"
	// KindStaleResource - lease expired before release; not retryable
	KindStaleResource ErrorKind = "RESOURCE_STALE"
)

// staleMessage is the documented failure mode for releasing an expired lease.
const staleMessage = "Resource is stale"

// Error is the structured error shape for every pool failure: a kind from
// the taxonomy, a message, and string context so operators can tell "system
// out of capacity" apart from "you held your lease too long".
type Error struct {
	Kind    ErrorKind         `json:"kind"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
}

// Error implements the error interface. The rendered message carries the
// error code and the structured context as key: value pairs.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}

	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s: %s", k, e.Context[k]))
	}
	return fmt.Sprintf("[%s] %s (%s)", e.Kind, e.Message, strings.Join(pairs, ", "))
}

// Retryable reports whether backing off and retrying can succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindPoolExhausted
}

// NewValidationError creates a VALIDATION_ERROR.
func NewValidationError(message string, context map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: message, Context: context}
}

// NewPoolExhaustedError creates a POOL_EXHAUSTED error.
func NewPoolExhaustedError(message string, context map[string]string) *Error {
	return &Error{Kind: KindPoolExhausted, Message: message, Context: context}
}

// NewStaleResourceError creates a RESOURCE_STALE error with the documented
// "Resource is stale" message.
func NewStaleResourceError(context map[string]string) *Error {
	return &Error{Kind: KindStaleResource, Message: staleMessage, Context: context}
}

// KindOf extracts the taxonomy kind from an error, or "" when the error is
// not a pool error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
