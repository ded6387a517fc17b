// SPDX-License-Identifier: Apache-2.0

// Package errors defines FabulaError, the coded error every Fabula package
// returns, and the sentinels to match it with the standard errors.Is.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
)

// ErrorCode classifies a failure for callers, logs and metrics.
type ErrorCode string

const (
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeMissingVariable   ErrorCode = "MISSING_VARIABLE"   // template placeholder without a value
	CodeProviderError     ErrorCode = "PROVIDER_ERROR"     // vendor call failed
	CodeMissingDependency ErrorCode = "MISSING_DEPENDENCY" // node input has no artifact
	CodeUnknownProvider   ErrorCode = "UNKNOWN_PROVIDER"   // vendor selector not registered
	CodeCycleDetected     ErrorCode = "CYCLE_DETECTED"
	CodeContextLost       ErrorCode = "CONTEXT_LOST" // canceled while waiting
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeNotFound          ErrorCode = "NOT_FOUND"
)

// Sentinels match any FabulaError with the same code.
var (
	ErrMissingVariable   = &FabulaError{Code: CodeMissingVariable}
	ErrProvider          = &FabulaError{Code: CodeProviderError}
	ErrMissingDependency = &FabulaError{Code: CodeMissingDependency}
	ErrUnknownProvider   = &FabulaError{Code: CodeUnknownProvider}
	ErrCycleDetected     = &FabulaError{Code: CodeCycleDetected}
	ErrNotFound          = &FabulaError{Code: CodeNotFound}
)

// FabulaError carries a code, an optional cause and the context needed to
// report the failure. Context holds values for humans and logs; Attributes
// holds string values suitable for span attributes.
type FabulaError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]any
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int
}

func New(code ErrorCode, msg string, cause error) *FabulaError {
	return &FabulaError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    map[string]any{},
		Attributes: map[string]string{},
		StatusCode: statusFor(code),
	}
}

func Newf(code ErrorCode, format string, args ...any) *FabulaError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

func (e *FabulaError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
}

func (e *FabulaError) Unwrap() error { return e.Err }

// Is matches on code alone.
func (e *FabulaError) Is(target error) bool {
	t, ok := target.(*FabulaError)
	return ok && t.Code == e.Code
}

// WithContext sets a context value and returns e.
func (e *FabulaError) WithContext(key string, value any) *FabulaError {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

// WithAttribute sets a span attribute and returns e.
func (e *FabulaError) WithAttribute(key, value string) *FabulaError {
	if e.Attributes == nil {
		e.Attributes = map[string]string{}
	}
	e.Attributes[key] = value
	return e
}

func (e *FabulaError) WithRecoverable(recoverable bool) *FabulaError {
	e.Recoverable = recoverable
	return e
}

// WithStatusCode replaces the status derived from the code, typically with
// the vendor's HTTP status.
func (e *FabulaError) WithStatusCode(status int) *FabulaError {
	e.StatusCode = status
	return e
}

func (e *FabulaError) RecoverableString() string {
	return fmt.Sprint(e.Recoverable)
}

type jsonError struct {
	Message     string            `json:"message"`
	Code        ErrorCode         `json:"code"`
	Cause       string            `json:"error,omitempty"`
	Recoverable bool              `json:"recoverable"`
	StatusCode  int               `json:"status_code,omitempty"`
	Context     map[string]any    `json:"context,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

func (e *FabulaError) MarshalJSON() ([]byte, error) {
	out := jsonError{
		Message:     e.Error(),
		Code:        e.Code,
		Recoverable: e.Recoverable,
		StatusCode:  e.StatusCode,
		Context:     e.Context,
		Attributes:  e.Attributes,
	}
	if e.Err != nil {
		out.Cause = e.Err.Error()
	}
	return json.Marshal(out)
}

// LogValue renders the error as a slog group so handlers log code and
// context as separate fields.
func (e *FabulaError) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("code", string(e.Code)),
		slog.String("msg", e.Message),
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("cause", e.Err.Error()))
	}
	if e.Recoverable {
		attrs = append(attrs, slog.Bool("recoverable", true))
	}
	for k, v := range e.Context {
		attrs = append(attrs, slog.Any(k, v))
	}
	return slog.GroupValue(attrs...)
}

// AsFabulaError returns the first FabulaError in err's chain, or err wrapped
// as INTERNAL_ERROR. It returns nil for a nil err.
func AsFabulaError(err error) *FabulaError {
	if err == nil {
		return nil
	}
	var fe *FabulaError
	if stderrors.As(err, &fe) {
		return fe
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of the first FabulaError in the chain, or "".
func CodeOf(err error) ErrorCode {
	var fe *FabulaError
	if stderrors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

func IsCode(err error, code ErrorCode) bool {
	return stderrors.Is(err, &FabulaError{Code: code})
}

func statusFor(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidInput, CodeMissingVariable, CodeUnknownProvider, CodeCycleDetected:
		return http.StatusBadRequest
	case CodeMissingDependency:
		return http.StatusUnprocessableEntity
	case CodeTimeout:
		return http.StatusRequestTimeout
	case CodeProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
