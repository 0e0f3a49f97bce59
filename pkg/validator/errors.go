package validator

import "strings"

// FieldError is one failed rule on one request field.
type FieldError struct {
	// Field is the JSON name of the field.
	Field string `json:"field"`
	Tag   string `json:"tag"`
	Param string `json:"param,omitempty"`
	// Message is already translated to the request language.
	Message string `json:"message"`
}

// ValidationErrors collects the failed rules of one struct.
type ValidationErrors struct {
	Errors []FieldError `json:"errors"`
}

func (v *ValidationErrors) Error() string {
	if !v.HasErrors() {
		return ""
	}
	msgs := make([]string, len(v.Errors))
	for i, fe := range v.Errors {
		msgs[i] = fe.Message
	}
	return strings.Join(msgs, "; ")
}

// HasErrors is nil-safe.
func (v *ValidationErrors) HasErrors() bool {
	return v != nil && len(v.Errors) > 0
}

// First returns the first message, or "".
func (v *ValidationErrors) First() string {
	if !v.HasErrors() {
		return ""
	}
	return v.Errors[0].Message
}

func single(field, tag, message string) *ValidationErrors {
	return &ValidationErrors{Errors: []FieldError{{Field: field, Tag: tag, Message: message}}}
}
