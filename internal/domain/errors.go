package domain

import (
	"errors"
	"fmt"
)

// ErrKind is used to map domain errors to HTTP status codes consistently.
type ErrKind string

const (
	KindBadRequest  ErrKind = "bad_request"  // 400
	KindAuth        ErrKind = "auth"         // 401
	KindNotFound    ErrKind = "not_found"    // 404
	KindConflict    ErrKind = "conflict"     // 409
	KindValidation  ErrKind = "validation"   // 422
	KindRateLimited ErrKind = "rate_limited" // 429
	KindInternal    ErrKind = "internal"     // 500
)

// Error is a structured domain error.
// - Kind: high-level category for HTTP mapping
// - Code: stable machine code (do not change casually)
// - Message: safe summary for clients (avoid leaking sensitive details)
// - Details: optional structured context emitted to clients
// - Cause: wrapped internal error for logging/diagnostics
type Error struct {
	Kind    ErrKind
	Code    string
	Message string
	Details any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind ErrKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Wrap(kind ErrKind, code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Cause: cause}
}

func WithDetails(err *Error, details any) *Error {
	err.Details = details
	return err
}

func Is(err error, code string) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// Auth (401)

func ErrInvalidToken(msg string) *Error {
	return New(KindAuth, "invalid_token", msg)
}

// Use for login failures to avoid user enumeration.
func ErrInvalidCredentials() *Error {
	return New(KindAuth, "invalid_credentials", "Invalid username or password")
}

func ErrInvalidRefreshToken() *Error {
	return New(KindAuth, "invalid_refresh_token", "Refresh token is invalid or expired")
}

// Bad request (400)

func ErrInvalidTarget() *Error {
	return New(KindBadRequest, "invalid_target", "Cannot create direct conversation with yourself")
}

// Not found (404)

func ErrUserNotFound() *Error {
	return New(KindNotFound, "user_not_found", "User not found")
}

func ErrConversationNotFound() *Error {
	return New(KindNotFound, "conversation_not_found", "Conversation not found")
}

// Conflict (409)

func ErrUsernameTaken() *Error {
	return New(KindConflict, "username_taken", "Username is already in use")
}

func ErrClientMessageConflict() *Error {
	return New(KindConflict, "client_message_conflict", "client_message_id already used for a different conversation")
}

// Validation (422)

func ErrValidation(details any) *Error {
	return WithDetails(New(KindValidation, "validation_error", "Request validation failed"), details)
}

func ErrInvalidAfterSeq(reason string) *Error {
	e := New(KindValidation, "invalid_after_seq", "Invalid after_seq_by_conversation format")
	if reason != "" {
		e.Details = map[string]string{"reason": reason}
	}
	return e
}

// Rate limit (429)

func ErrRateLimited() *Error {
	return New(KindRateLimited, "rate_limited", "Too many authentication requests")
}

// Internal (500)

func ErrInternal(cause error) *Error {
	return Wrap(KindInternal, "internal_error", "Internal server error", cause)
}
