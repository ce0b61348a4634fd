package providers

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a provider failure for fallback decisions.
type ErrorKind string

const (
	ErrKindAuth       ErrorKind = "auth"
	ErrKindRateLimit  ErrorKind = "rate_limit"
	ErrKindBadRequest ErrorKind = "bad_request"
	ErrKindServer     ErrorKind = "server"
	ErrKindTransport  ErrorKind = "transport"
	ErrKindTimeout    ErrorKind = "timeout"
)

// Transient reports whether a retry on another model or provider may help.
func (k ErrorKind) Transient() bool {
	switch k {
	case ErrKindRateLimit, ErrKindServer, ErrKindTransport, ErrKindTimeout:
		return true
	}
	return false
}

// ProviderError is the typed failure surfaced by every adapter.
type ProviderError struct {
	Provider string
	Model    string
	Kind     ErrorKind
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Model != "" {
		return fmt.Sprintf("%s/%s: %s: %s", e.Provider, e.Model, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Transient reports whether the failure is worth a fallback attempt.
func (e *ProviderError) Transient() bool {
	return e.Kind.Transient()
}

// AsProviderError extracts a ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrKindAuth
	case status == 429:
		return ErrKindRateLimit
	case status >= 400 && status < 500:
		return ErrKindBadRequest
	case status >= 500:
		return ErrKindServer
	default:
		return ErrKindTransport
	}
}

// wrapError normalizes an adapter failure into a ProviderError. Status 0
// means the request never got an HTTP response.
func wrapError(provider, model string, status int, err error) *ProviderError {
	if pe, ok := AsProviderError(err); ok {
		return pe
	}
	kind := ErrKindTransport
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrKindTimeout
	case status > 0:
		kind = classifyStatus(status)
	}
	return &ProviderError{
		Provider: provider,
		Model:    model,
		Kind:     kind,
		Status:   status,
		Cause:    err,
	}
}
