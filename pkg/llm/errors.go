package llm

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"

	"github.com/jllopis/fabula/pkg/errors"
)

// NewProviderError builds a PROVIDER_ERROR for vendor failures.
// status is the HTTP status reported by the vendor, or 0 for transport failures.
func NewProviderError(provider string, status int, detail string, cause error) *errors.FabulaError {
	msg := fmt.Sprintf("%s request failed", provider)
	if status > 0 {
		msg = fmt.Sprintf("%s request failed with status %d", provider, status)
	}
	if detail != "" {
		msg += ": " + detail
	}
	fe := errors.New(errors.CodeProviderError, msg, cause).
		WithContext("provider", provider).
		WithAttribute("provider", provider).
		WithRecoverable(isRecoverable(status, cause))
	if status > 0 {
		fe.WithContext("status", status).WithStatusCode(status)
	}
	return fe
}

// EmptyResponseError reports a reply without any text content.
func EmptyResponseError(provider string) *errors.FabulaError {
	return NewProviderError(provider, 0, "response contained no text", nil).
		WithRecoverable(false)
}

func isRecoverable(status int, cause error) bool {
	switch {
	case status == 429, status == 408:
		return true
	case status >= 500:
		return true
	case status > 0:
		return false
	}
	if cause == nil {
		return false
	}
	if stderrors.Is(cause, context.Canceled) {
		return false
	}
	if stderrors.Is(cause, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if stderrors.As(cause, &netErr) {
		return netErr.Timeout()
	}
	return false
}
