package apperror

import (
	"errors"
	"net/http"
	"strconv"
	"testing"

	"github.com/opennotes-dev/opennotes-server/pkg/jsonapi"
)

func TestError_Error(t *testing.T) {
	e := &Error{HTTPStatus: http.StatusNotFound, Code: "not_found", Message: "note 'n-1' not found"}
	if got := e.Error(); got != "not_found: note 'n-1' not found" {
		t.Errorf("Error() = %q", got)
	}

	e.Internal = errors.New("row scan failed")
	if got := e.Error(); got != "not_found: note 'n-1' not found (row scan failed)" {
		t.Errorf("Error() with internal = %q", got)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	e := &Error{Code: "internal_error", Internal: cause}
	if !errors.Is(e, cause) {
		t.Error("errors.Is should find the internal cause")
	}

	bare := &Error{Code: "not_found"}
	if bare.Unwrap() != nil {
		t.Error("Unwrap() should be nil without an internal error")
	}
}

func TestError_WithersCopyNotMutate(t *testing.T) {
	base := &Error{
		HTTPStatus: http.StatusUnprocessableEntity,
		Code:       "validation_error",
		Message:    "validation failed",
	}

	cause := errors.New("bad payload")
	withInternal := base.WithInternal(cause)
	withMessage := base.WithMessage("rating out of range")
	withDetails := base.WithDetails(map[string]any{"field": "helpfulness"})

	if withInternal.Internal != cause || withInternal.Code != base.Code {
		t.Error("WithInternal should carry the cause and copy the rest")
	}
	if withMessage.Message != "rating out of range" || withMessage.HTTPStatus != base.HTTPStatus {
		t.Error("WithMessage should swap only the message")
	}
	if withDetails.Details["field"] != "helpfulness" {
		t.Error("WithDetails should attach the details map")
	}
	if base.Internal != nil || base.Details != nil || base.Message != "validation failed" {
		t.Error("base error must not be mutated by withers")
	}
}

func TestConstructors(t *testing.T) {
	e := New(http.StatusConflict, "conflict", "note already promoted")
	if e.HTTPStatus != http.StatusConflict || e.Code != "conflict" || e.Message != "note already promoted" {
		t.Errorf("New() = %+v", e)
	}

	if e := NewBadRequest("missing server id"); e.HTTPStatus != http.StatusBadRequest || e.Code != "bad_request" {
		t.Errorf("NewBadRequest() = %+v", e)
	}

	if e := NewNotFound("fact check", "fc-9"); e.Message != "fact check 'fc-9' not found" || e.HTTPStatus != http.StatusNotFound {
		t.Errorf("NewNotFound() = %+v", e)
	}

	cause := errors.New("pool exhausted")
	if e := NewInternal("score update failed", cause); e.Internal != cause || e.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("NewInternal() = %+v", e)
	}

	if e := NewForbidden("admin access required"); e.HTTPStatus != http.StatusForbidden || e.Code != "forbidden" {
		t.Errorf("NewForbidden() = %+v", e)
	}
}

func TestToEchoError(t *testing.T) {
	e := &Error{
		HTTPStatus: http.StatusBadRequest,
		Code:       "validation_error",
		Message:    "validation failed",
		Details:    map[string]any{"field": "url"},
	}

	he := e.ToEchoError()
	if he.Code != http.StatusBadRequest {
		t.Errorf("echo error code = %d", he.Code)
	}
	doc, ok := he.Message.(jsonapi.ErrorDocument)
	if !ok {
		t.Fatal("echo error message is not a jsonapi.ErrorDocument")
	}
	if len(doc.Errors) != 1 {
		t.Fatalf("error document has %d errors, want 1", len(doc.Errors))
	}
	if doc.Errors[0].Code != "validation_error" {
		t.Errorf("error code = %v", doc.Errors[0].Code)
	}
	if doc.Errors[0].Status != strconv.Itoa(http.StatusBadRequest) {
		t.Errorf("error status = %v", doc.Errors[0].Status)
	}
}

func TestToHTTPError(t *testing.T) {
	status, body := ToHTTPError(&Error{HTTPStatus: http.StatusNotFound, Code: "not_found", Message: "gone"})
	if status != http.StatusNotFound || body.Errors[0].Code != "not_found" {
		t.Errorf("ToHTTPError(app error) = %d %v", status, body.Errors[0].Code)
	}
	if body.JSONAPI.Version != jsonapi.Version {
		t.Errorf("document version = %q", body.JSONAPI.Version)
	}

	// Anything that is not an *Error collapses to a 500 without leaking the
	// original message.
	status, body = ToHTTPError(errors.New("pq: relation does not exist"))
	if status != http.StatusInternalServerError || body.Errors[0].Code != "internal_error" {
		t.Errorf("ToHTTPError(generic) = %d %v", status, body.Errors[0].Code)
	}
}

func TestPredefinedErrors(t *testing.T) {
	tests := []struct {
		err        *Error
		wantStatus int
		wantCode   string
	}{
		{ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{ErrInvalidToken, http.StatusUnauthorized, "invalid_token"},
		{ErrTokenExpired, http.StatusUnauthorized, "token_expired"},
		{ErrTokenRevoked, http.StatusUnauthorized, "token_revoked"},
		{ErrMissingToken, http.StatusUnauthorized, "missing_token"},
		{ErrForbidden, http.StatusForbidden, "forbidden"},
		{ErrInsufficientPermissions, http.StatusForbidden, "insufficient_permissions"},
		{ErrNotFound, http.StatusNotFound, "not_found"},
		{ErrConflict, http.StatusConflict, "conflict"},
		{ErrBadRequest, http.StatusBadRequest, "bad_request"},
		{ErrValidation, http.StatusUnprocessableEntity, "validation_error"},
		{ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{ErrUpstream, http.StatusBadGateway, "upstream_error"},
		{ErrCircuitOpen, http.StatusServiceUnavailable, "circuit_open"},
		{ErrInternal, http.StatusInternalServerError, "internal_error"},
		{ErrDatabase, http.StatusInternalServerError, "database_error"},
	}
	for _, tt := range tests {
		if tt.err.HTTPStatus != tt.wantStatus || tt.err.Code != tt.wantCode {
			t.Errorf("%s: status=%d code=%q, want %d %q",
				tt.wantCode, tt.err.HTTPStatus, tt.err.Code, tt.wantStatus, tt.wantCode)
		}
	}
}
