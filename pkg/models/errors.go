package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the failure kinds that carry no extra data. Adapters
// (Discord handler, REST API) translate these to user-visible messages; the
// engine and stores only wrap and propagate them.
var (
	// ErrNotFound is returned when an entity is missing by primary key.
	ErrNotFound = errors.New("entity not found")

	// ErrConstraint is returned on uniqueness or foreign-key violations.
	ErrConstraint = errors.New("constraint violation")

	// ErrStoreUnavailable is returned on transient store I/O failures.
	// Callers may retry with backoff.
	ErrStoreUnavailable = errors.New("store temporarily unavailable")

	// ErrPlatformUnavailable is returned on transient chat-platform
	// failures. Callers may retry with backoff.
	ErrPlatformUnavailable = errors.New("chat platform temporarily unavailable")

	// ErrLLMUnavailable is returned when provider retries are exhausted on a
	// transient failure class.
	ErrLLMUnavailable = errors.New("llm provider temporarily unavailable")

	// ErrLLMRefused is returned when the provider rejects the request for
	// policy reasons. Never retried.
	ErrLLMRefused = errors.New("llm provider refused the request")

	// ErrLLMInvalid is returned on malformed requests or authentication
	// failures against the provider. Never retried.
	ErrLLMInvalid = errors.New("llm request invalid")

	// ErrPromptTooLarge is returned when the prompt exceeds the token budget
	// even after middle elision.
	ErrPromptTooLarge = errors.New("prompt exceeds token budget")

	// ErrPermission is returned when the invoker lacks the required channel
	// read access or admin rights.
	ErrPermission = errors.New("insufficient permissions")

	// ErrAborted is returned to single-flight waiters when the in-flight
	// computation was cancelled before producing a result.
	ErrAborted = errors.New("summarization aborted")
)

// ValidationError reports a user-input failure on a specific field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a field-scoped validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// InsufficientContentError reports that too few messages survived filtering.
type InsufficientContentError struct {
	Got int
	Min int
}

func (e *InsufficientContentError) Error() string {
	return fmt.Sprintf("insufficient content: %d messages after filtering, need at least %d", e.Got, e.Min)
}

// ChannelAccessError reports that the bot itself cannot read a channel.
type ChannelAccessError struct {
	ChannelID string
}

func (e *ChannelAccessError) Error() string {
	return fmt.Sprintf("bot lacks read access to channel %s", e.ChannelID)
}

// RateLimitedError reports that the invoker exceeded a sliding-window limit.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.RetryAfter.Round(time.Second))
}
