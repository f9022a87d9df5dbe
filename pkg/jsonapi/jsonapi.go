// Package jsonapi renders JSON:API 1.1 documents over echo.
package jsonapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// MediaType is the JSON:API content type.
const MediaType = "application/vnd.api+json"

// Version is the protocol version advertised in every document.
const Version = "1.1"

// Resource is a single JSON:API resource object.
type Resource struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	Attributes any    `json:"attributes,omitempty"`
}

// Document is a top-level JSON:API document with a single primary resource.
type Document struct {
	Data    *Resource      `json:"data"`
	Meta    map[string]any `json:"meta,omitempty"`
	JSONAPI VersionObject  `json:"jsonapi"`
}

// ListDocument is a top-level document with a resource collection.
type ListDocument struct {
	Data    []Resource     `json:"data"`
	Meta    map[string]any `json:"meta,omitempty"`
	JSONAPI VersionObject  `json:"jsonapi"`
}

// ErrorDocument is a top-level document carrying error objects.
type ErrorDocument struct {
	Errors  []ErrorObject `json:"errors"`
	JSONAPI VersionObject `json:"jsonapi"`
}

// VersionObject is the jsonapi member.
type VersionObject struct {
	Version string `json:"version"`
}

// ErrorObject is a single JSON:API error.
type ErrorObject struct {
	Status string         `json:"status"`
	Code   string         `json:"code,omitempty"`
	Title  string         `json:"title,omitempty"`
	Detail string         `json:"detail,omitempty"`
	Source *ErrorSource   `json:"source,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// ErrorSource points at the offending part of the request.
type ErrorSource struct {
	Pointer   string `json:"pointer,omitempty"`
	Parameter string `json:"parameter,omitempty"`
}

func version() VersionObject {
	return VersionObject{Version: Version}
}

// Render writes a single-resource document.
func Render(c echo.Context, status int, resourceType, id string, attributes any) error {
	return render(c, status, Document{
		Data:    &Resource{Type: resourceType, ID: id, Attributes: attributes},
		JSONAPI: version(),
	})
}

// RenderMeta writes a single-resource document with top-level meta.
func RenderMeta(c echo.Context, status int, resourceType, id string, attributes any, meta map[string]any) error {
	return render(c, status, Document{
		Data:    &Resource{Type: resourceType, ID: id, Attributes: attributes},
		Meta:    meta,
		JSONAPI: version(),
	})
}

// RenderList writes a collection document. resources may be empty, never nil
// in the output.
func RenderList(c echo.Context, status int, resources []Resource, meta map[string]any) error {
	if resources == nil {
		resources = []Resource{}
	}
	return render(c, status, ListDocument{
		Data:    resources,
		Meta:    meta,
		JSONAPI: version(),
	})
}

// RenderErrors writes an error document.
func RenderErrors(c echo.Context, status int, errs ...ErrorObject) error {
	return render(c, status, ErrorDocument{
		Errors:  errs,
		JSONAPI: version(),
	})
}

func render(c echo.Context, status int, doc any) error {
	c.Response().Header().Set(echo.HeaderContentType, MediaType)
	c.Response().WriteHeader(status)
	return c.Echo().JSONSerializer.Serialize(c, doc, "")
}

// NewErrorObject builds an error object from plain parts.
func NewErrorObject(status int, code, title, detail string) ErrorObject {
	return ErrorObject{
		Status: strconv.Itoa(status),
		Code:   code,
		Title:  title,
		Detail: detail,
	}
}

// NoContent writes a 204 with no body.
func NoContent(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}
