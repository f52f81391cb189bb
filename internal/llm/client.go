// Package llm talks to an OpenAI-compatible API for chat completions and
// embeddings. Provider failures are classified so callers can decide what is
// worth retrying without parsing provider payloads.
package llm

import (
	"errors"
	"fmt"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Error kinds for provider failures. These are stable strings that surface in
// API responses, so they carry no provider-specific detail.
const (
	KindRateLimited    = "rate_limited"
	KindTimeout        = "timeout"
	KindInvalidRequest = "invalid_request"
	KindServerError    = "server_error"
)

// ProviderError describes a failed provider call. The message is sanitized;
// raw provider response bodies never travel through Error().
type ProviderError struct {
	Op         string
	StatusCode int
	Kind       string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm %s: %s (status %d)", e.Op, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("llm %s: %s", e.Op, e.Kind)
}

// IsRetryable reports whether err is a provider error worth retrying.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable
}

func classifyStatus(op string, status int) *ProviderError {
	switch {
	case status == 429:
		return &ProviderError{Op: op, StatusCode: status, Kind: KindRateLimited, Retryable: true}
	case status >= 500:
		return &ProviderError{Op: op, StatusCode: status, Kind: KindServerError, Retryable: true}
	default:
		return &ProviderError{Op: op, StatusCode: status, Kind: KindInvalidRequest, Retryable: false}
	}
}

func classifyTransport(op string) *ProviderError {
	return &ProviderError{Op: op, Kind: KindTimeout, Retryable: true}
}
