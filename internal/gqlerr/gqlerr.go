// Package gqlerr defines the error taxonomy shared by the query pipeline.
// Every error surfaced to a client carries a GraphQL response path and a
// machine-readable code under extensions.code.
package gqlerr

import (
	"errors"
	"fmt"
)

// Code classifies an error into one of the pipeline's taxonomy buckets.
type Code string

const (
	// Validation-time codes.
	CodeFieldNotFound           Code = "FIELD_NOT_FOUND"
	CodeInvalidArgumentType     Code = "INVALID_ARGUMENT_TYPE"
	CodeUnsupportedFilterTarget Code = "UNSUPPORTED_FILTER_TARGET"
	CodeMissingRequiredFilter   Code = "MISSING_REQUIRED_FILTER"
	CodeMaxDepthExceeded        Code = "MAX_DEPTH_EXCEEDED"
	CodeValidationFailed        Code = "VALIDATION_FAILED"

	// Planning-time codes.
	CodePlanningFailed         Code = "PLANNING_FAILED"
	CodeCrossSourceTransaction Code = "CROSS_SOURCE_TRANSACTION"

	// Execution-time codes.
	CodeExecutionFailed     Code = "EXECUTION_FAILED"
	CodeStatementTimeout    Code = "STATEMENT_TIMEOUT"
	CodeTransactionRollback Code = "TRANSACTION_ROLLBACK"

	// Authorization codes.
	CodeFieldDenied Code = "FIELD_DENIED"
)

// Path is a GraphQL response path: a sequence of field aliases and list indexes.
type Path []interface{}

// Child returns a new path extended by one segment.
func (p Path) Child(segment interface{}) Path {
	out := make(Path, 0, len(p)+1)
	out = append(out, p...)
	return append(out, segment)
}

// String renders the path in dotted form for log output.
func (p Path) String() string {
	s := ""
	for i, seg := range p {
		if i > 0 {
			s += "."
		}
		s += fmt.Sprint(seg)
	}
	return s
}

// Error is a classified pipeline error attached to a response path.
type Error struct {
	Code    Code
	Path    Path
	Message string
	wrapped error
}

func (e *Error) Error() string {
	if len(e.Path) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (at %s)", e.Message, e.Path)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New builds a classified error with a formatted message.
func New(code Code, path Path, format string, args ...interface{}) *Error {
	return &Error{Code: code, Path: path, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error without losing its chain.
func Wrap(code Code, path Path, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Path: path, Message: err.Error(), wrapped: err}
}

// CodeOf extracts the taxonomy code of err, or CodeExecutionFailed when the
// error was never classified.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeExecutionFailed
}

// PathOf extracts the response path of err, if any.
func PathOf(err error) Path {
	var e *Error
	if errors.As(err, &e) {
		return e.Path
	}
	return nil
}

// IsValidation reports whether err belongs to the validation bucket.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case CodeFieldNotFound, CodeInvalidArgumentType, CodeUnsupportedFilterTarget,
		CodeMissingRequiredFilter, CodeMaxDepthExceeded, CodeValidationFailed:
		return true
	}
	return false
}

// ResponseError is the wire form of one entry in the errors array.
type ResponseError struct {
	Message    string                 `json:"message"`
	Path       Path                   `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// Response is the partial-success GraphQL response envelope.
type Response struct {
	Data       map[string]interface{} `json:"data"`
	Errors     []ResponseError        `json:"errors,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// AddError appends err to the envelope's errors array, classifying it as it
// lands. A nil err is ignored.
func (r *Response) AddError(err error) {
	if err == nil {
		return
	}
	r.Errors = append(r.Errors, ResponseError{
		Message:    messageOf(err),
		Path:       PathOf(err),
		Extensions: map[string]interface{}{"code": string(CodeOf(err))},
	})
}

func messageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
