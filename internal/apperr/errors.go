// Package apperr defines the error taxonomy shared by the real-time and HTTP
// paths. Every operation failure is an *Error carrying a Kind (which decides
// how it is reported) and a stable wire code (which clients switch on).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an operation failure.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindPersistence    Kind = "persistence"
	KindRateLimited    Kind = "rate_limited"
	KindInternal       Kind = "internal"
)

// Wire codes. Each rejection path in join/send has its own code so clients
// can tell them apart.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeInvalidParticipants = "invalid_participants"
	CodeTooFewParticipants  = "too_few_participants"
	CodeUnknownParticipant  = "unknown_participant"
	CodeInvalidRoom         = "invalid_room"
	CodeInvalidContent      = "invalid_content"
	CodeMissingCredential   = "missing_credential"
	CodeInvalidCredential   = "invalid_credential"
	CodeTokenExpired        = "token_expired"
	CodeIdentityMismatch    = "identity_mismatch"
	CodeNotParticipant      = "not_participant"
	CodeBlocked             = "blocked"
	CodeRoomNotFound        = "room_not_found"
	CodeRoomConflict        = "room_conflict"
	CodeDeliveryFailed      = "delivery_failed"
	CodeStoreUnavailable    = "store_unavailable"
	CodeRateLimited         = "rate_limited"
	CodeInternal            = "internal"
)

// Error is an operation failure reported to the originating client only.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error

	// RetryAfter is set on rate limit errors when the window reset is known.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind and Code, so sentinel comparisons work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Validation(code, msg string) *Error     { return newError(KindValidation, code, msg) }
func Authentication(code, msg string) *Error { return newError(KindAuthentication, code, msg) }
func Authorization(code, msg string) *Error  { return newError(KindAuthorization, code, msg) }
func NotFound(code, msg string) *Error       { return newError(KindNotFound, code, msg) }
func Conflict(code, msg string) *Error       { return newError(KindConflict, code, msg) }
func RateLimited(msg string) *Error          { return newError(KindRateLimited, CodeRateLimited, msg) }

// RateLimitedFor is RateLimited with a known wait. The wait, rounded up to a
// whole second, is appended to msg.
func RateLimitedFor(msg string, wait time.Duration) *Error {
	if wait <= 0 {
		return RateLimited(msg)
	}
	wait = (wait + time.Second - 1).Truncate(time.Second)
	e := newError(KindRateLimited, CodeRateLimited, fmt.Sprintf("%s, retry in %s", msg, wait))
	e.RetryAfter = wait
	return e
}

// Persistence wraps a store failure. The cause is kept for logs; clients only
// see code and message.
func Persistence(code, msg string, err error) *Error {
	return &Error{Kind: KindPersistence, Code: code, Message: msg, Err: err}
}

// Internal wraps an unexpected failure.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
}

// As returns the *Error in err's chain, or wraps err as Internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// KindOf returns the Kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return As(err).Kind
}

// CodeOf returns the wire code of err.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	return As(err).Code
}

// HTTPStatus maps an error to the response status used by the HTTP API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindPersistence:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
