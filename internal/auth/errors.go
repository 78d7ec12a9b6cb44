package auth

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a credential could not be resolved to an identity.
type FailureKind string

const (
	FailureMissing          FailureKind = "missing"
	FailureMalformed        FailureKind = "malformed"
	FailureExpired          FailureKind = "expired"
	FailureInvalidSubject   FailureKind = "invalid-subject"
	FailureUserNotFound     FailureKind = "user-not-found"
	FailureInvalidSignature FailureKind = "invalid-signature"
)

var failureMessages = map[FailureKind]string{
	FailureMissing:          "Authentication required.",
	FailureMalformed:        "Invalid token.",
	FailureExpired:          "Token has expired. Please log in again.",
	FailureInvalidSubject:   "Invalid token subject.",
	FailureUserNotFound:     "User not found.",
	FailureInvalidSignature: "Invalid session.",
}

const genericFailureMessage = "Authentication failed."

// Error reports an authentication failure of a specific kind.
type Error struct {
	Kind  FailureKind
	cause error
}

func newError(kind FailureKind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("auth: %s", e.Kind)
	}
	return fmt.Sprintf("auth: %s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Message returns the client-facing description of the failure.
func (e *Error) Message() string {
	if e == nil {
		return genericFailureMessage
	}
	if message, ok := failureMessages[e.Kind]; ok {
		return message
	}
	return genericFailureMessage
}

// KindOf extracts the failure kind from err.
func KindOf(err error) (FailureKind, bool) {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Kind, true
	}
	return "", false
}

// MessageOf returns the client-facing description for any error returned by this package.
func MessageOf(err error) string {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Message()
	}
	return genericFailureMessage
}
