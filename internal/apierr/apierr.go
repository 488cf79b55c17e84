// Package apierr classifies failures from the messaging API into the kinds
// the client-side coordinator reacts to differently.
package apierr

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the failure class.
type Kind int

const (
	// Server is any failure that is none of the others.
	Server Kind = iota
	// RateLimited is HTTP 429; it is the only kind that is retried.
	RateLimited
	// Validation means the input must be corrected by the user.
	Validation
	// NotFoundOrStale means the referenced conversation or user no longer resolves.
	NotFoundOrStale
	// Transport is a network level failure (dial, reset, timeout).
	Transport
)

func (k Kind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case Validation:
		return "validation"
	case NotFoundOrStale:
		return "not_found"
	case Transport:
		return "transport"
	default:
		return "server"
	}
}

// Error is a classified API failure.
type Error struct {
	Kind    Kind
	Status  int    // HTTP status, 0 for transport failures
	Code    string // server error code, e.g. "rate_limited"
	Message string // server supplied message, if any

	// RetryAfter is the validated server hint; zero means absent.
	RetryAfter time.Duration

	Err error // underlying cause for Transport
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Status != 0:
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s (%d)", e.Kind, e.Status)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Constructors used by the client and in tests.

func NewRateLimited(retryAfter time.Duration) *Error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &Error{Kind: RateLimited, Status: 429, Code: "rate_limited", RetryAfter: retryAfter}
}

func NewValidation(msg string) *Error {
	return &Error{Kind: Validation, Status: 400, Code: "validation_error", Message: msg}
}

func NewNotFound(msg string) *Error {
	return &Error{Kind: NotFoundOrStale, Status: 404, Code: "not_found", Message: msg}
}

func NewTransport(err error) *Error {
	return &Error{Kind: Transport, Err: err}
}

// KindOf returns the kind of err, or Server for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Server
}

// IsRateLimited reports whether err is a 429.
func IsRateLimited(err error) bool {
	return err != nil && KindOf(err) == RateLimited
}

// RetryAfterOf returns the validated retry-after hint carried by err.
func RetryAfterOf(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == RateLimited && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// UserMessage renders err for a human. The server's own message wins when
// present; otherwise a generic message per kind is used.
func UserMessage(err error, fallback string) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return fallback
	}
	switch e.Kind {
	case RateLimited:
		return "Too many requests, please try again in a moment."
	case Transport:
		return "Network problem, please check your connection."
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Kind == NotFoundOrStale {
		return "That conversation is no longer available."
	}
	return fallback
}
