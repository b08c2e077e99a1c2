// Package apperr defines the error taxonomy shared by the services and the
// HTTP layer. Every domain failure is an *Error carrying a Kind (which decides
// the HTTP status) and a Code (which identifies the specific failure).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindForbidden
	KindNotFound
	KindQuota
	KindConflict
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindQuota:
		return "quota_exceeded"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "store_unavailable"
	default:
		return "internal"
	}
}

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two *Error values by code, so a sentinel with a customised
// message still satisfies errors.Is against the sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithMessage returns a copy of e carrying a more specific message.
func (e *Error) WithMessage(msg string) *Error {
	cp := *e
	cp.Message = msg
	return &cp
}

// Wrap returns a copy of e wrapping cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

var (
	ErrInvalidInput       = &Error{Kind: KindValidation, Code: "invalid_input", Message: "invalid input"}
	ErrInvalidCredentials = &Error{Kind: KindAuth, Code: "invalid_credentials", Message: "invalid credentials"}
	ErrNotAuthenticated   = &Error{Kind: KindAuth, Code: "not_authenticated", Message: "not authenticated"}
	ErrForbidden          = &Error{Kind: KindForbidden, Code: "forbidden", Message: "not authorized"}
	ErrProtectedAccount   = &Error{Kind: KindForbidden, Code: "protected_account", Message: "the root administrator cannot be demoted or deleted"}
	ErrNotFound           = &Error{Kind: KindNotFound, Code: "not_found", Message: "not found"}
	ErrQuotaExceeded      = &Error{Kind: KindQuota, Code: "quota_exceeded", Message: "storage quota exceeded, upgrade plan"}
	ErrFileTooLarge       = &Error{Kind: KindQuota, Code: "file_too_large", Message: "file exceeds the maximum size for this plan"}
	ErrDuplicateHandle    = &Error{Kind: KindConflict, Code: "duplicate_handle", Message: "username already exists"}
	ErrAlreadyOnTier      = &Error{Kind: KindConflict, Code: "already_on_tier", Message: "already on this plan"}
	ErrInvalidTier        = &Error{Kind: KindValidation, Code: "invalid_tier", Message: "invalid plan"}
	ErrAlreadyCompleted   = &Error{Kind: KindConflict, Code: "already_completed", Message: "payment already completed"}
	ErrPaymentClosed      = &Error{Kind: KindConflict, Code: "payment_closed", Message: "payment can no longer be verified"}
	ErrUnavailable        = &Error{Kind: KindUnavailable, Code: "store_unavailable", Message: "store unavailable"}
	ErrInternal           = &Error{Kind: KindInternal, Code: "internal", Message: "internal server error"}
)

// Validation builds a validation error with a specific message.
func Validation(msg string) *Error {
	return ErrInvalidInput.WithMessage(msg)
}

// NotFound builds a not-found error naming the missing entity.
func NotFound(entity string) *Error {
	return ErrNotFound.WithMessage(entity + " not found")
}

// Unavailable wraps a store failure so the fallback layer can recognise it.
func Unavailable(op string, cause error) *Error {
	return ErrUnavailable.WithMessage(op + " failed").Wrap(cause)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsDomain reports whether err is a classified failure that must be returned
// to the caller as is, rather than treated as a store outage.
func IsDomain(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind != KindUnavailable && e.Kind != KindInternal
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindQuota:
		return http.StatusRequestEntityTooLarge
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Public returns the message and code safe to show an end user. Internal and
// store failures collapse to a generic message.
func Public(err error) (msg, code string) {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal && e.Kind != KindUnavailable {
		return e.Message, e.Code
	}
	return ErrInternal.Message, ErrInternal.Code
}
