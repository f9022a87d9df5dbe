package audit

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opennotes-dev/opennotes-server/pkg/auth"
)

// Middleware records mutating API calls: method, route, actor from the
// bearer claims, and a truncated request body snapshot.
func Middleware(recorder *Recorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !isMutating(c.Request().Method) {
				return next(c)
			}

			body := snapshotBody(c, recorder.cfg.Audit.MaxBodyBytes)
			err := next(c)

			entry := Entry{
				Action: c.Request().Method + " " + c.Path(),
				Payload: map[string]any{
					"method": c.Request().Method,
					"route":  c.Path(),
					"status": c.Response().Status,
					"body":   body,
				},
			}
			if user := auth.GetUser(c); user != nil {
				entry.ActorID = user.ID
				entry.ActorRole = user.Role
			}
			if serverID := c.Param("platform_id"); serverID != "" {
				entry.CommunityServerID = serverID
			}
			recorder.Record(c.Request().Context(), entry)
			return err
		}
	}
}

// SpanEnrichment sets end-user span attributes from the bearer token.
// Claims are parsed unverified: a forged value only mislabels telemetry.
// Absent or invalid tokens add no attributes and never fail the request.
func SpanEnrichment() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return next(c)
			}

			claims, err := auth.ParseUnverified(token)
			if err != nil {
				return next(c)
			}

			span := trace.SpanFromContext(c.Request().Context())
			if span.IsRecording() {
				attrs := make([]attribute.KeyValue, 0, 3)
				if claims.Subject != "" {
					attrs = append(attrs, attribute.String("enduser.id", claims.Subject))
				}
				if claims.Username != "" {
					attrs = append(attrs, attribute.String("user.username", claims.Username))
				}
				if claims.Role != "" {
					attrs = append(attrs, attribute.String("enduser.role", claims.Role))
				}
				span.SetAttributes(attrs...)
			}
			return next(c)
		}
	}
}

func isMutating(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return false
}

// snapshotBody reads up to maxBytes of the request body and puts it back for
// the handler. JSON bodies are embedded as-is; anything else as a string.
func snapshotBody(c echo.Context, maxBytes int) any {
	req := c.Request()
	if req.Body == nil || maxBytes <= 0 {
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(req.Body, int64(maxBytes)+1))
	if err != nil {
		return nil
	}
	rest, _ := io.ReadAll(req.Body)
	req.Body = io.NopCloser(io.MultiReader(bytes.NewReader(raw), bytes.NewReader(rest)))

	if len(raw) == 0 {
		return nil
	}
	if len(raw) > maxBytes {
		return map[string]any{"truncated": true, "size": len(raw)}
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	return string(raw)
}
