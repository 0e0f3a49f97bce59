// Package response writes the unified JSON envelope used by every docchat
// HTTP endpoint.
package response

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/docchat/pkg/errors"
)

// HeaderRequestID is echoed into every envelope when present.
const HeaderRequestID = "X-Request-ID"

// Response is the unified API response structure.
type Response struct {
	// Code is the business error code (0 = success)
	Code int `json:"code"`

	// Message is a human-readable message
	Message string `json:"message"`

	// Detail carries the underlying cause for errors the caller can act on.
	Detail string `json:"detail,omitempty"`

	// Data contains the response payload (nil for errors)
	Data interface{} `json:"data,omitempty"`

	// RequestID is the unique request identifier for tracing
	RequestID string `json:"request_id,omitempty"`

	httpStatus int
}

// Success creates a successful response with data.
func Success(data interface{}) *Response {
	return &Response{
		Code:       errors.OK.Code,
		Message:    "success",
		Data:       data,
		httpStatus: http.StatusOK,
	}
}

// Err creates an error response from any error. Non-Errno errors become
// ErrInternal and their text is withheld from the client.
func Err(err error, lang string) *Response {
	e := errors.FromError(err)
	if e == nil {
		return Success(nil)
	}
	r := &Response{
		Code:       e.Code,
		Message:    e.Message(lang),
		httpStatus: e.HTTPStatus(),
	}
	if cause := e.Cause(); cause != nil && !errors.IsCode(e, errors.ErrInternal.Code) && !errors.IsCode(e, errors.ErrPanic.Code) {
		r.Detail = cause.Error()
	}
	return r
}

// HTTPStatus returns the HTTP status code for this response.
func (r *Response) HTTPStatus() int {
	if r.httpStatus != 0 {
		return r.httpStatus
	}
	return http.StatusOK
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Code == errors.OK.Code
}

// OK writes a 200 envelope around data.
func OK(c *gin.Context, data interface{}) {
	write(c, Success(data))
}

// Created writes a 201 envelope around data.
func Created(c *gin.Context, data interface{}) {
	r := Success(data)
	r.httpStatus = http.StatusCreated
	write(c, r)
}

// Fail writes the envelope for err and aborts the handler chain.
func Fail(c *gin.Context, err error) {
	r := Err(err, Lang(c))
	write(c, r)
	c.Abort()
}

// Lang picks "id" when the client prefers Indonesian, otherwise "en".
func Lang(c *gin.Context) string {
	al := strings.ToLower(c.GetHeader("Accept-Language"))
	if strings.HasPrefix(al, "id") {
		return "id"
	}
	return "en"
}

func write(c *gin.Context, r *Response) {
	if r.RequestID == "" {
		r.RequestID = c.Writer.Header().Get(HeaderRequestID)
	}
	c.JSON(r.HTTPStatus(), r)
}
