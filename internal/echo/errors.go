package echo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a failure surfaced to the presentation layer.
type Kind string

const (
	KindRecommendationFetchFailed Kind = "recommendation_fetch_failed"
	KindContentFetchFailed        Kind = "content_fetch_failed"
	KindImageFetchFailed          Kind = "image_fetch_failed"
	KindNarrationFailed           Kind = "narration_failed"
	KindStorageQuotaExceeded      Kind = "storage_quota_exceeded"
	KindStorageCorrupted          Kind = "storage_corrupted"
)

// Cause records why a phase failed, for logs and metrics.
type Cause string

const (
	CauseProvider Cause = "provider"
	CauseTimeout  Cause = "timeout"
	CauseInvalid  Cause = "invalid"
	CauseStorage  Cause = "storage"
)

// FallbackMessage is shown when a failure carries no usable reason.
const FallbackMessage = "Archive link severed."

// Error is the only error type that crosses the core boundary.
type Error struct {
	Kind    Kind
	Cause   Cause
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// MarshalJSON renders the fields a client may show; the wrapped error stays
// in the logs.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind    Kind   `json:"kind"`
		Cause   Cause  `json:"cause,omitempty"`
		Message string `json:"message"`
	}{e.Kind, e.Cause, e.Error()})
}

// Is matches another *Error by Kind, and by Cause when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Cause == "" || t.Cause == e.Cause
}

// Sentinels for errors.Is.
var (
	ErrRecommendationFetchFailed = &Error{Kind: KindRecommendationFetchFailed}
	ErrContentFetchFailed        = &Error{Kind: KindContentFetchFailed}
	ErrImageFetchFailed          = &Error{Kind: KindImageFetchFailed}
	ErrNarrationFailed           = &Error{Kind: KindNarrationFailed}
	ErrStorageQuotaExceeded      = &Error{Kind: KindStorageQuotaExceeded}
	ErrStorageCorrupted          = &Error{Kind: KindStorageCorrupted}
)

var (
	// ErrSuperseded is returned when a run was reset or replaced while its
	// provider call was outstanding. The late result has been discarded.
	ErrSuperseded = errors.New("run superseded")

	// ErrInvalidPhase is returned when an operation is not allowed in the
	// current phase.
	ErrInvalidPhase = errors.New("operation not allowed in current phase")
)

// UserMessager is implemented by provider errors carrying a message fit for
// display.
type UserMessager interface {
	UserMessage() string
}

// ProviderFailure converts a provider error into a typed Error of the given
// kind. Deadline expiry becomes CauseTimeout.
func ProviderFailure(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) && already.Kind == kind {
		return already
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Kind:    kind,
			Cause:   CauseTimeout,
			Message: "The archive did not answer in time.",
			Err:     err,
		}
	}
	return &Error{Kind: kind, Cause: CauseProvider, Message: messageFor(err), Err: err}
}

// Invalid builds a CauseInvalid error for a malformed provider response.
func Invalid(kind Kind, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Cause: CauseInvalid, Message: err.Error(), Err: err}
}

func messageFor(err error) string {
	var um UserMessager
	if errors.As(err, &um) {
		if msg := um.UserMessage(); msg != "" {
			return msg
		}
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return FallbackMessage
}
