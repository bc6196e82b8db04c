package jmap

import (
	"errors"
	"fmt"
)

// Kind classifies a transport failure for callers that need to branch on
// it without string matching.
type Kind string

const (
	KindAuth       Kind = "AuthError"
	KindNetwork    Kind = "NetworkError"
	KindCapability Kind = "CapabilityError"
	KindValidation Kind = "ValidationError"
	KindCorruption Kind = "CacheCorruptionError"
)

// Error is a typed failure surfaced by the JMAP layer. Hint carries a
// short remediation suggestion for the agent-facing response; it never
// includes credential material or stack detail.
type Error struct {
	Kind    Kind
	Message string
	Hint    string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// AuthError reports invalid or expired credentials.
func AuthError(message string, err error) *Error {
	return &Error{
		Kind:    KindAuth,
		Message: message,
		Hint:    "Check JMAP_USERNAME and JMAP_TOKEN (or JMAP_APP_PASSWORD). Ensure the token is valid and not expired.",
		Err:     err,
	}
}

// NetworkError reports a transport failure after retries are exhausted.
func NetworkError(message string, err error) *Error {
	return &Error{
		Kind:    KindNetwork,
		Message: message,
		Hint:    "Check internet connectivity and the remote service status. Verify JMAP_BASE_URL is correct.",
		Err:     err,
	}
}

// CapabilityError reports that the account does not advertise a
// capability required by the attempted call.
func CapabilityError(capability string) *Error {
	return &Error{
		Kind:    KindCapability,
		Message: fmt.Sprintf("capability %q not available for this account", capability),
		Hint:    "The account may not have access to this feature. Check account permissions with the mail provider.",
	}
}

// ValidationError reports malformed caller input, rejected before any
// network call.
func ValidationError(message string) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: message,
		Hint:    "Adjust the request parameters and retry.",
	}
}

// ErrStateExpired is returned when the remote side can no longer compute
// changes from a stored state token. The sync engine reacts by discarding
// the cache and running a full sync.
var ErrStateExpired = errors.New("jmap: state token expired")

// KindOf extracts the error kind, or an empty string for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return KindOf(err) == KindAuth }
