package model

import (
	"fmt"
	"strings"
)

// ValidationError is one problem found in a document, located by a dotted
// path such as "phases[2].handoffs[0]".
type ValidationError struct {
	FieldPath string
	Message   string
}

func (e ValidationError) Error() string {
	return e.FieldPath + ": " + e.Message
}

// ValidationErrors collects every problem found in one pass so that an
// editor can show them together.
type ValidationErrors struct {
	Errors []ValidationError
}

func (ve *ValidationErrors) Add(fieldPath, message string) {
	ve.Errors = append(ve.Errors, ValidationError{FieldPath: fieldPath, Message: message})
}

// Addf is Add with a formatted message.
func (ve *ValidationErrors) Addf(fieldPath, format string, args ...any) {
	ve.Add(fieldPath, fmt.Sprintf(format, args...))
}

// Merge appends the problems of other, which may be nil.
func (ve *ValidationErrors) Merge(other *ValidationErrors) {
	if other != nil {
		ve.Errors = append(ve.Errors, other.Errors...)
	}
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

// Err returns ve when it holds a problem and a nil error otherwise.
func (ve *ValidationErrors) Err() error {
	if !ve.HasErrors() {
		return nil
	}
	return ve
}

// Paths lists the field path of every problem in order.
func (ve *ValidationErrors) Paths() []string {
	paths := make([]string, len(ve.Errors))
	for i, e := range ve.Errors {
		paths[i] = e.FieldPath
	}
	return paths
}

func (ve *ValidationErrors) Error() string {
	switch len(ve.Errors) {
	case 0:
		return "no validation errors"
	case 1:
		return ve.Errors[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:", len(ve.Errors))
	for _, e := range ve.Errors {
		sb.WriteString("\n  ")
		sb.WriteString(e.Error())
	}
	return sb.String()
}

// FormatStderr renders one "error: <path>: <message>" line per problem.
func (ve *ValidationErrors) FormatStderr() string {
	var sb strings.Builder
	for _, e := range ve.Errors {
		sb.WriteString("error: ")
		sb.WriteString(e.Error())
		sb.WriteByte('\n')
	}
	return sb.String()
}
