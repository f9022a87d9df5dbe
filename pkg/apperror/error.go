package apperror

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/pkg/jsonapi"
)

// Error represents an application error with HTTP status and error code
type Error struct {
	HTTPStatus int
	Code       string
	Message    string
	Internal   error
	Details    map[string]any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the internal error
func (e *Error) Unwrap() error {
	return e.Internal
}

// ToErrorObject converts the app error to a JSON:API error object.
// Internal details never leave the process; Details do.
func (e *Error) ToErrorObject() jsonapi.ErrorObject {
	obj := jsonapi.ErrorObject{
		Status: strconv.Itoa(e.HTTPStatus),
		Code:   e.Code,
		Title:  http.StatusText(e.HTTPStatus),
		Detail: e.Message,
	}
	if len(e.Details) > 0 {
		obj.Meta = e.Details
	}
	return obj
}

// ToEchoError converts the app error to an echo.HTTPError carrying the
// JSON:API error document as its message.
func (e *Error) ToEchoError() *echo.HTTPError {
	return echo.NewHTTPError(e.HTTPStatus, jsonapi.ErrorDocument{
		Errors:  []jsonapi.ErrorObject{e.ToErrorObject()},
		JSONAPI: jsonapi.VersionObject{Version: jsonapi.Version},
	})
}

// WithInternal returns a copy of the error with an internal error attached
func (e *Error) WithInternal(err error) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    e.Message,
		Internal:   err,
		Details:    e.Details,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    message,
		Internal:   e.Internal,
		Details:    e.Details,
	}
}

// WithDetails returns a copy of the error with details attached
func (e *Error) WithDetails(details map[string]any) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    e.Message,
		Internal:   e.Internal,
		Details:    details,
	}
}

// New creates a new application error
func New(status int, code, message string) *Error {
	return &Error{
		HTTPStatus: status,
		Code:       code,
		Message:    message,
	}
}

// Common error definitions
var (
	// Authentication errors
	ErrUnauthorized = New(http.StatusUnauthorized, "unauthorized", "Authentication required")
	ErrInvalidToken = New(http.StatusUnauthorized, "invalid_token", "Invalid or expired token")
	ErrTokenExpired = New(http.StatusUnauthorized, "token_expired", "Token has expired")
	ErrTokenRevoked = New(http.StatusUnauthorized, "token_revoked", "Token has been revoked")
	ErrMissingToken = New(http.StatusUnauthorized, "missing_token", "Missing authorization token")

	// Authorization errors
	ErrForbidden               = New(http.StatusForbidden, "forbidden", "Access denied")
	ErrInsufficientPermissions = New(http.StatusForbidden, "insufficient_permissions", "Insufficient permissions")

	// Resource errors
	ErrNotFound = New(http.StatusNotFound, "not_found", "Resource not found")
	ErrConflict = New(http.StatusConflict, "conflict", "Resource already exists")

	// Validation errors
	ErrBadRequest = New(http.StatusBadRequest, "bad_request", "Invalid request")
	ErrValidation = New(http.StatusUnprocessableEntity, "validation_error", "Validation failed")

	// Throttling
	ErrRateLimited = New(http.StatusTooManyRequests, "rate_limited", "Too many requests")

	// Upstream dependency errors
	ErrUpstream    = New(http.StatusBadGateway, "upstream_error", "Upstream service failed")
	ErrCircuitOpen = New(http.StatusServiceUnavailable, "circuit_open", "Upstream circuit is open")

	// Server errors
	ErrInternal = New(http.StatusInternalServerError, "internal_error", "An internal error occurred")
	ErrDatabase = New(http.StatusInternalServerError, "database_error", "Database operation failed")
)

// ToHTTPError converts any error into a status code and a JSON:API error
// document body. Unknown errors collapse to a generic 500.
func ToHTTPError(err error) (int, jsonapi.ErrorDocument) {
	if appErr, ok := err.(*Error); ok {
		return appErr.HTTPStatus, jsonapi.ErrorDocument{
			Errors:  []jsonapi.ErrorObject{appErr.ToErrorObject()},
			JSONAPI: jsonapi.VersionObject{Version: jsonapi.Version},
		}
	}

	return http.StatusInternalServerError, jsonapi.ErrorDocument{
		Errors: []jsonapi.ErrorObject{
			jsonapi.NewErrorObject(http.StatusInternalServerError, "internal_error", http.StatusText(http.StatusInternalServerError), "An internal error occurred"),
		},
		JSONAPI: jsonapi.VersionObject{Version: jsonapi.Version},
	}
}

// NewBadRequest creates a bad request error with a custom message
func NewBadRequest(message string) *Error {
	return ErrBadRequest.WithMessage(message)
}

// NewValidation creates a validation error pointing at a body field
func NewValidation(message, pointer string) *Error {
	return ErrValidation.WithMessage(message).WithDetails(map[string]any{"pointer": pointer})
}

// NewNotFound creates a not found error for a resource type and ID
func NewNotFound(resourceType, id string) *Error {
	return ErrNotFound.WithMessage(fmt.Sprintf("%s '%s' not found", resourceType, id))
}

// NewConflict creates a conflict error with a custom message
func NewConflict(message string) *Error {
	return ErrConflict.WithMessage(message)
}

// NewInternal creates an internal error with a message and optional wrapped error
func NewInternal(message string, err error) *Error {
	return &Error{
		HTTPStatus: http.StatusInternalServerError,
		Code:       "internal_error",
		Message:    message,
		Internal:   err,
	}
}

// NewForbidden creates a forbidden error with a custom message
func NewForbidden(message string) *Error {
	return ErrForbidden.WithMessage(message)
}

// NewUpstream wraps an upstream failure
func NewUpstream(service string, err error) *Error {
	return ErrUpstream.
		WithMessage(fmt.Sprintf("%s request failed", service)).
		WithInternal(err)
}
