// Package apierr defines the error taxonomy shared by the gateway: every failure that reaches a
// caller carries a stable machine code, a kind and a human readable message.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind groups codes by who is responsible for the failure.
type Kind string

const (
	KindAuthorization Kind = "authorization"
	KindRedemption    Kind = "redemption"
	KindBackend       Kind = "backend"
	KindStorage       Kind = "storage"
	KindInvalid       Kind = "invalid_request"
	KindNotFound      Kind = "not_found"
	KindInternal      Kind = "internal"
)

// Code is the stable reason code returned to callers.
type Code string

const (
	// 授权
	MissingAPIKey       Code = "MISSING_API_KEY"
	KeyNotFound         Code = "KEY_NOT_FOUND"
	KeyInactive         Code = "KEY_INACTIVE"
	KeyExpired          Code = "KEY_EXPIRED"
	CapabilityNotInPlan Code = "CAPABILITY_NOT_IN_PLAN"
	RateLimited         Code = "RATE_LIMITED"
	AdminUnauthorized   Code = "ADMIN_UNAUTHORIZED"

	// 兑换码
	CodeNotFound       Code = "CODE_NOT_FOUND"
	CodeInactive       Code = "CODE_INACTIVE"
	CodeExpired        Code = "CODE_EXPIRED"
	CodeExhausted      Code = "CODE_EXHAUSTED"
	AlreadyRedeemed    Code = "ALREADY_REDEEMED"
	DuplicateActiveKey Code = "DUPLICATE_ACTIVE_KEY"
	CodeExists         Code = "CODE_EXISTS"

	// 后端
	AttemptTimeout         Code = "ATTEMPT_TIMEOUT"
	AttemptTransportError  Code = "ATTEMPT_TRANSPORT_ERROR"
	AttemptBadResponse     Code = "ATTEMPT_BAD_RESPONSE"
	AllBackendsUnavailable Code = "ALL_BACKENDS_UNAVAILABLE"

	StorageUnavailable Code = "STORAGE_UNAVAILABLE"

	InvalidRequest Code = "INVALID_REQUEST"
	NotFound       Code = "NOT_FOUND"
	Internal       Code = "INTERNAL_ERROR"
)

// Kind returns the group a code belongs to.
func (c Code) Kind() Kind {
	switch c {
	case MissingAPIKey, KeyNotFound, KeyInactive, KeyExpired, CapabilityNotInPlan, RateLimited, AdminUnauthorized:
		return KindAuthorization
	case CodeNotFound, CodeInactive, CodeExpired, CodeExhausted, AlreadyRedeemed, DuplicateActiveKey, CodeExists:
		return KindRedemption
	case AttemptTimeout, AttemptTransportError, AttemptBadResponse, AllBackendsUnavailable:
		return KindBackend
	case StorageUnavailable:
		return KindStorage
	case InvalidRequest:
		return KindInvalid
	case NotFound:
		return KindNotFound
	default:
		return KindInternal
	}
}

// HTTPStatus maps a code to the status written by the HTTP layer.
func (c Code) HTTPStatus() int {
	switch c {
	case MissingAPIKey, KeyNotFound, AdminUnauthorized:
		return http.StatusUnauthorized
	case KeyInactive, KeyExpired, CapabilityNotInPlan:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case CodeNotFound, NotFound:
		return http.StatusNotFound
	case CodeInactive, CodeExpired, CodeExhausted:
		return http.StatusGone
	case AlreadyRedeemed, DuplicateActiveKey, CodeExists:
		return http.StatusConflict
	case AttemptTimeout:
		return http.StatusGatewayTimeout
	case AttemptTransportError, AttemptBadResponse:
		return http.StatusBadGateway
	case AllBackendsUnavailable, StorageUnavailable:
		return http.StatusServiceUnavailable
	case InvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified gateway error.
type Error struct {
	Code    Code
	Message string
	Details interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code, so sentinels match wrapped copies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Kind is shorthand for e.Code.Kind().
func (e *Error) Kind() Kind {
	return e.Code.Kind()
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// Storage wraps an infrastructure failure so callers can tell "cannot check" from "denied".
// Errors that are already classified pass through untouched.
func Storage(err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return &Error{Code: StorageUnavailable, Message: "storage unavailable", Err: err}
}

// CodeOf extracts the code of err, or Internal when err is not classified.
func CodeOf(err error) Code {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Code
	}
	return Internal
}

// As returns the classified error inside err, if any.
func As(err error) (*Error, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified, true
	}
	return nil, false
}

// Sentinels for errors.Is comparisons.
var (
	ErrMissingAPIKey       = New(MissingAPIKey, "api key required")
	ErrKeyNotFound         = New(KeyNotFound, "api key not found")
	ErrKeyInactive         = New(KeyInactive, "api key is disabled")
	ErrKeyExpired          = New(KeyExpired, "api key expired")
	ErrCapabilityNotInPlan = New(CapabilityNotInPlan, "capability not available in plan")
	ErrRateLimited         = New(RateLimited, "rate limit exceeded")

	ErrCodeNotFound       = New(CodeNotFound, "gift code not found")
	ErrCodeInactive       = New(CodeInactive, "gift code is no longer active")
	ErrCodeExpired        = New(CodeExpired, "gift code expired")
	ErrCodeExhausted      = New(CodeExhausted, "gift code has no redemptions left")
	ErrAlreadyRedeemed    = New(AlreadyRedeemed, "gift code already redeemed by this principal")
	ErrDuplicateActiveKey = New(DuplicateActiveKey, "principal already holds an active key for this plan")
	ErrCodeExists         = New(CodeExists, "gift code already exists")

	ErrAttemptTimeout         = New(AttemptTimeout, "backend attempt timed out")
	ErrAttemptTransport       = New(AttemptTransportError, "backend transport error")
	ErrAttemptBadResponse     = New(AttemptBadResponse, "backend returned a malformed response")
	ErrAllBackendsUnavailable = New(AllBackendsUnavailable, "all AI backends unavailable")

	ErrStorageUnavailable = New(StorageUnavailable, "storage unavailable")
	ErrNotFound           = New(NotFound, "not found")
)
