package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
)

// Supported message languages.
const (
	LangEN = "en"
	LangID = "id"
)

// Errno is a registered error kind. Registered values are templates: the
// With* methods return copies, so a package-level Errno is never mutated.
type Errno struct {
	Code      int        `json:"code"`
	HTTP      int        `json:"-"`
	GRPCCode  codes.Code `json:"-"`
	MessageEN string     `json:"message"`
	MessageID string     `json:"message_id,omitempty"`
	// Parent is the broader kind this one refines. errors.Is against the
	// parent also matches.
	Parent *Errno `json:"-"`

	cause error
}

func (e *Errno) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "errno %d: %s", e.Code, e.MessageEN)
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Errno) Unwrap() error { return e.cause }

// Cause returns the wrapped error, or nil.
func (e *Errno) Cause() error { return e.cause }

// Is matches any Errno carrying the same code, so errors.Is(err, ErrGeneration)
// holds for every copy produced by WithCause or WithMessage. A refined kind
// also matches each of its parents.
func (e *Errno) Is(target error) bool {
	var t *Errno
	if !errors.As(target, &t) {
		return false
	}
	for k := e; k != nil; k = k.Parent {
		if k.Code == t.Code {
			return true
		}
	}
	return false
}

// WithCause returns a copy wrapping cause.
func (e *Errno) WithCause(cause error) *Errno {
	c := *e
	c.cause = cause
	return &c
}

// WithMessage returns a copy with a replaced English message. The Indonesian
// message stays the generic one.
func (e *Errno) WithMessage(msg string) *Errno {
	c := *e
	c.MessageEN = msg
	return &c
}

func (e *Errno) WithMessagef(format string, args ...any) *Errno {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// Message returns the message for lang, falling back to English.
func (e *Errno) Message(lang string) string {
	if strings.HasPrefix(strings.ToLower(lang), LangID) && e.MessageID != "" {
		return e.MessageID
	}
	return e.MessageEN
}

// HTTPStatus returns the HTTP status, 500 when unset.
func (e *Errno) HTTPStatus() int {
	if e.HTTP == 0 {
		return http.StatusInternalServerError
	}
	return e.HTTP
}

// GRPCStatus returns the gRPC code, Internal when unset.
func (e *Errno) GRPCStatus() codes.Code {
	if e.GRPCCode == codes.OK {
		return codes.Internal
	}
	return e.GRPCCode
}
