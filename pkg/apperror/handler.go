package apperror

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opennotes-dev/opennotes-server/pkg/jsonapi"
)

// HTTPErrorHandler returns an Echo error handler that renders every error as
// a JSON:API error document. This is the canonical error handler used by both
// production and test servers.
func HTTPErrorHandler(log *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		obj := jsonapi.NewErrorObject(code, "internal_error", http.StatusText(code), "An internal error occurred")

		if appErr, ok := err.(*Error); ok {
			code = appErr.HTTPStatus
			obj = appErr.ToErrorObject()
		} else if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code

			// ToEchoError wraps a complete document; pass it through.
			if doc, ok := he.Message.(jsonapi.ErrorDocument); ok && len(doc.Errors) > 0 {
				obj = doc.Errors[0]
			} else if msg, ok := he.Message.(string); ok {
				obj = jsonapi.NewErrorObject(code, codeForStatus(code), http.StatusText(code), msg)
			} else {
				obj = jsonapi.NewErrorObject(code, codeForStatus(code), http.StatusText(code), "")
			}
		}

		if code >= 500 {
			log.Error("request error",
				slog.Int("status", code),
				slog.String("error", err.Error()),
			)
		}

		if c.Request().Method == http.MethodHead {
			c.NoContent(code)
			return
		}
		jsonapi.RenderErrors(c, code, obj)
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_error"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusBadGateway:
		return "upstream_error"
	case http.StatusServiceUnavailable:
		return "circuit_open"
	default:
		return "internal_error"
	}
}
