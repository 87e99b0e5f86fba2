// Package errors defines unified error types for LLM gateway operations.
// All provider-specific errors are mapped to these standard error types.
package errors

import (
	"fmt"
	"net/http"
)

// LLMError represents a standardized error from an LLM provider.
// It contains all necessary information for error handling, logging, and client response.
type LLMError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Retryable  bool   `json:"-"`

	// Kind classifies the failure for the failover table (see Kind*
	// constants below). Empty Kind means the error predates this
	// classification and Type should be consulted instead.
	Kind Kind `json:"kind,omitempty"`
}

// Kind discriminates an upstream attempt failure into one of the
// buckets the failover table keys on. Unlike Type (which mirrors
// OpenAI's error taxonomy for client responses), Kind is what
// FailoverOrchestrator and HealthStore actually branch on.
type Kind string

const (
	KindTTFTTimeout     Kind = "ttft_timeout"
	KindTotalTimeout    Kind = "total_timeout"
	KindConnectTimeout  Kind = "connect_timeout"
	KindStatusCode      Kind = "status_code"
	KindKeywordMatch    Kind = "keyword_match"
	KindEmptyResponse   Kind = "empty_response"
	KindUpstreamOther   Kind = "upstream_other"
	KindConfiguration   Kind = "configuration_error"
)

// HardExclude reports whether this failure kind should remove the
// model from the remainder of the request (all rounds), as opposed to
// only skipping it for the current round. Mirrors spec §7's
// hard-exclude column: 401/403/404 and 429 are hard excludes; 5xx,
// keyword matches, empty responses, and generic upstream errors are
// round-skips only.
func (e *LLMError) HardExclude() bool {
	switch e.Kind {
	case KindStatusCode:
		switch e.StatusCode {
		case http.StatusTooManyRequests, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return true
		}
		return false
	default:
		return false
	}
}

// CooldownSeconds returns how long the model should be excluded from
// selection, per spec §7's table (429 and keyword match -> 60s,
// 401/403 -> 300s, others 0).
func (e *LLMError) CooldownSeconds() int {
	switch e.Kind {
	case KindStatusCode:
		switch e.StatusCode {
		case http.StatusTooManyRequests:
			return 60
		case http.StatusUnauthorized, http.StatusForbidden:
			return 300
		}
		return 0
	case KindKeywordMatch:
		return 60
	default:
		return 0
	}
}

// FailurePenalty returns the failure_score increment this kind adds,
// per spec §7: 429/keyword-match add 10.0, 401/403 add 50.0, all other
// retryable kinds add 1.0, and ttft/connect/total timeouts add 0.5.
func (e *LLMError) FailurePenalty() float64 {
	switch e.Kind {
	case KindStatusCode:
		switch e.StatusCode {
		case http.StatusTooManyRequests:
			return 10.0
		case http.StatusUnauthorized, http.StatusForbidden:
			return 50.0
		case http.StatusNotFound:
			return 1.0
		default:
			return 1.0
		}
	case KindKeywordMatch:
		return 10.0
	case KindTTFTTimeout, KindConnectTimeout, KindTotalTimeout:
		return 0.5
	case KindEmptyResponse, KindUpstreamOther:
		return 1.0
	default:
		return 1.0
	}
}

// Error implements the error interface.
func (e *LLMError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Type, e.Message, e.Provider, e.Model, e.StatusCode)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *LLMError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Common error types as constants for consistency.
const (
	TypeAuthentication     = "authentication_error"
	TypeRateLimit          = "rate_limit_error"
	TypeInvalidRequest     = "invalid_request_error"
	TypeNotFound           = "not_found_error"
	TypeTimeout            = "timeout_error"
	TypeServiceUnavailable = "service_unavailable_error"
	TypeInternalError      = "internal_error"
	TypeContextLength      = "context_length_exceeded"
	TypeContentPolicy      = "content_policy_violation"
)

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeInvalidRequest,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewInternalError creates an internal server error (500).
func NewInternalError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeInternalError,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewTTFTTimeoutError reports that headers did not arrive within the
// tier's connect budget.
func NewTTFTTimeoutError(provider, model string, elapsed int64) *LLMError {
	return &LLMError{
		Kind:      KindTTFTTimeout,
		Type:      TypeTimeout,
		Message:   fmt.Sprintf("TTFT timeout after %dms", elapsed),
		Provider:  provider,
		Model:     model,
		Retryable: true,
	}
}

// NewTotalTimeoutError reports that the stream exceeded its
// generation budget before completing.
func NewTotalTimeoutError(provider, model string, elapsed int64) *LLMError {
	return &LLMError{
		Kind:      KindTotalTimeout,
		Type:      TypeTimeout,
		Message:   fmt.Sprintf("generation timeout after %dms", elapsed),
		Provider:  provider,
		Model:     model,
		Retryable: true,
	}
}

// NewConnectTimeoutError reports a transport-level connect failure
// (DNS, TCP handshake, TLS) distinct from a TTFT budget overrun.
func NewConnectTimeoutError(provider, model string, cause error) *LLMError {
	return &LLMError{
		Kind:      KindConnectTimeout,
		Type:      TypeTimeout,
		Message:   fmt.Sprintf("connect error: %v", cause),
		Provider:  provider,
		Model:     model,
		Retryable: true,
	}
}

// NewStatusCodeError wraps a non-2xx upstream response.
func NewStatusCodeError(provider, model string, statusCode int, body string) *LLMError {
	return &LLMError{
		Kind:       KindStatusCode,
		Type:       typeForStatus(statusCode),
		StatusCode: statusCode,
		Message:    body,
		Provider:   provider,
		Model:      model,
		Retryable:  statusCode >= 500 || statusCode == http.StatusTooManyRequests,
	}
}

func typeForStatus(code int) string {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return TypeAuthentication
	case http.StatusTooManyRequests:
		return TypeRateLimit
	case http.StatusNotFound:
		return TypeNotFound
	case http.StatusBadRequest:
		return TypeInvalidRequest
	default:
		if code >= 500 {
			return TypeServiceUnavailable
		}
		return TypeInternalError
	}
}

// NewKeywordMatchError reports a non-200 response whose status code is
// not a configured retry code but whose body matched a configured error
// keyword.
func NewKeywordMatchError(provider, model, keyword string) *LLMError {
	return &LLMError{
		Kind:      KindKeywordMatch,
		Type:      TypeServiceUnavailable,
		Message:   fmt.Sprintf("error keyword match: %q", keyword),
		Provider:  provider,
		Model:     model,
		Retryable: true,
	}
}

// NewEmptyResponseError reports a stream that produced neither content
// nor tool calls.
func NewEmptyResponseError(provider, model string) *LLMError {
	return &LLMError{
		Kind:      KindEmptyResponse,
		Type:      TypeInternalError,
		Message:   "empty response",
		Provider:  provider,
		Model:     model,
		Retryable: true,
	}
}

// NewUpstreamOtherError wraps any other transport or decode failure
// encountered while talking to an upstream.
func NewUpstreamOtherError(provider, model string, cause error) *LLMError {
	return &LLMError{
		Kind:      KindUpstreamOther,
		Type:      TypeInternalError,
		Message:   cause.Error(),
		Provider:  provider,
		Model:     model,
		Retryable: true,
	}
}

// NewConfigurationError reports a request that cannot be routed at
// all, e.g. an empty tier model pool. Not retryable; the orchestrator
// must fail immediately.
func NewConfigurationError(message string) *LLMError {
	return &LLMError{
		Kind:      KindConfiguration,
		Type:      TypeInvalidRequest,
		Message:   message,
		Retryable: false,
	}
}
