package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestLLMError(t *testing.T) {
	t.Run("error message format", func(t *testing.T) {
		err := NewStatusCodeError("openai", "gpt-4", http.StatusTooManyRequests, "rate limit exceeded")
		msg := err.Error()

		if msg == "" {
			t.Error("error message should not be empty")
		}

		// Should contain key information
		contains := []string{"rate_limit_error", "openai", "gpt-4", "429"}
		for _, s := range contains {
			if !containsString(msg, s) {
				t.Errorf("error message should contain %q, got %q", s, msg)
			}
		}
	})

	t.Run("HTTP status codes", func(t *testing.T) {
		tests := []struct {
			name     string
			err      *LLMError
			wantCode int
		}{
			{"auth error", NewStatusCodeError("p", "m", http.StatusUnauthorized, "msg"), 401},
			{"rate limit", NewStatusCodeError("p", "m", http.StatusTooManyRequests, "msg"), 429},
			{"bad request", NewInvalidRequestError("p", "m", "msg"), 400},
			{"not found", NewStatusCodeError("p", "m", http.StatusNotFound, "msg"), 404},
			{"unavailable", NewStatusCodeError("p", "m", http.StatusServiceUnavailable, "msg"), 503},
			{"internal", NewInternalError("p", "m", "msg"), 500},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if got := tt.err.HTTPStatusCode(); got != tt.wantCode {
					t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.wantCode)
				}
			})
		}
	})

	t.Run("retryable flag", func(t *testing.T) {
		retryable := []*LLMError{
			NewStatusCodeError("p", "m", http.StatusTooManyRequests, "msg"),
			NewStatusCodeError("p", "m", http.StatusServiceUnavailable, "msg"),
		}
		for _, err := range retryable {
			if !err.Retryable {
				t.Errorf("%s should be retryable", err.Type)
			}
		}

		notRetryable := []*LLMError{
			NewStatusCodeError("p", "m", http.StatusUnauthorized, "msg"),
			NewInvalidRequestError("p", "m", "msg"),
			NewStatusCodeError("p", "m", http.StatusNotFound, "msg"),
			NewInternalError("p", "m", "msg"),
		}
		for _, err := range notRetryable {
			if err.Retryable {
				t.Errorf("%s should not be retryable", err.Type)
			}
		}
	})
}

func TestFailoverTable(t *testing.T) {
	t.Run("status code hard-excludes", func(t *testing.T) {
		tests := []struct {
			code        int
			hardExclude bool
			cooldown    int
			penalty     float64
		}{
			{http.StatusTooManyRequests, true, 60, 10.0},
			{http.StatusUnauthorized, true, 300, 50.0},
			{http.StatusForbidden, true, 300, 50.0},
			{http.StatusNotFound, true, 0, 1.0},
			{http.StatusInternalServerError, false, 0, 1.0},
			{http.StatusBadGateway, false, 0, 1.0},
		}
		for _, tt := range tests {
			err := NewStatusCodeError("p", "m", tt.code, "body")
			if got := err.HardExclude(); got != tt.hardExclude {
				t.Errorf("status %d: HardExclude() = %v, want %v", tt.code, got, tt.hardExclude)
			}
			if got := err.CooldownSeconds(); got != tt.cooldown {
				t.Errorf("status %d: CooldownSeconds() = %d, want %d", tt.code, got, tt.cooldown)
			}
			if got := err.FailurePenalty(); got != tt.penalty {
				t.Errorf("status %d: FailurePenalty() = %v, want %v", tt.code, got, tt.penalty)
			}
		}
	})

	t.Run("keyword match is a round-skip with cooldown", func(t *testing.T) {
		err := NewKeywordMatchError("p", "m", "insufficient_quota")
		if err.HardExclude() {
			t.Error("keyword match should not hard-exclude")
		}
		if got := err.CooldownSeconds(); got != 60 {
			t.Errorf("CooldownSeconds() = %d, want 60", got)
		}
		if got := err.FailurePenalty(); got != 10.0 {
			t.Errorf("FailurePenalty() = %v, want 10.0", got)
		}
	})

	t.Run("timeouts are low-penalty round-skips", func(t *testing.T) {
		for _, err := range []*LLMError{
			NewTTFTTimeoutError("p", "m", 5000),
			NewTotalTimeoutError("p", "m", 300000),
			NewConnectTimeoutError("p", "m", nil),
		} {
			if err.HardExclude() {
				t.Errorf("%s should not hard-exclude", err.Kind)
			}
			if got := err.CooldownSeconds(); got != 0 {
				t.Errorf("%s: CooldownSeconds() = %d, want 0", err.Kind, got)
			}
			if got := err.FailurePenalty(); got != 0.5 {
				t.Errorf("%s: FailurePenalty() = %v, want 0.5", err.Kind, got)
			}
		}
	})

	t.Run("empty response and other upstream errors are round-skips", func(t *testing.T) {
		for _, err := range []*LLMError{
			NewEmptyResponseError("p", "m"),
			NewUpstreamOtherError("p", "m", errPlaceholder),
		} {
			if err.HardExclude() {
				t.Errorf("%s should not hard-exclude", err.Kind)
			}
			if got := err.FailurePenalty(); got != 1.0 {
				t.Errorf("%s: FailurePenalty() = %v, want 1.0", err.Kind, got)
			}
		}
	})

	t.Run("configuration error is not retryable", func(t *testing.T) {
		err := NewConfigurationError("no models configured")
		if err.Retryable {
			t.Error("configuration error should not be retryable")
		}
		if err.Kind != KindConfiguration {
			t.Errorf("Kind = %v, want %v", err.Kind, KindConfiguration)
		}
	})
}

var errPlaceholder = fmt.Errorf("boom")

func containsString(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(s) > 0 && containsSubstring(s, substr))
}

func containsSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
