package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/relaymux/gateway/pkg/types"
)

func testConditions() RetryConditions {
	return RetryConditions{
		StatusCodeMatches: func(code int) bool {
			for _, c := range []int{429, 500, 502, 503, 504} {
				if c == code {
					return true
				}
			}
			return false
		},
		KeywordMatch: func(body string) string {
			return ""
		},
		RetryOnEmpty: true,
	}
}

func chatReq() *types.ChatRequest {
	return &types.ChatRequest{
		Model:    "gpt-4",
		Messages: []types.ChatMessage{{Role: "user", Content: []byte(`"hi"`)}},
	}
}

func TestCallChatCompletionsAggregatesSSE(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		lines := []string{
			`data: {"choices":[{"delta":{"role":"assistant"},"finish_reason":null}]}`,
			`data: {"choices":[{"delta":{"content":"Hel"},"finish_reason":null}]}`,
			`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			_, _ = w.Write([]byte(l + "\n"))
			flusher.Flush()
		}
	}))
	defer server.Close()

	caller := New(server.Client())
	target := Target{
		Provider:         "openai",
		OutboundModel:    "gpt-4",
		BaseURL:          server.URL,
		Protocol:         "openai",
		ConnectBudget:    2 * time.Second,
		GenerationBudget: 2 * time.Second,
	}

	agg, failErr := caller.Call(context.Background(), target, Params{}, chatReq(), testConditions(), nil)
	require.Nil(t, failErr)
	require.Equal(t, "upstream", agg.TokenSource)
	require.Equal(t, "stop", agg.Response.Choices[0].FinishReason)
	require.Equal(t, 5, agg.Response.Usage.TotalTokens)

	var content string
	_ = json.Unmarshal(agg.Response.Choices[0].Message.Content, &content)
	require.Equal(t, "Hello", content)
}

func TestCallChatCompletionsMergesToolCallsByIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		lines := []string{
			`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","type":"function","function":{"name":"get_","arguments":""}}]}}]}`,
			`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"name":"weather","arguments":"{\"city\":"}}]}}]}`,
			`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"NY\"}"}}]}}],"finish_reason":"tool_calls"}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			_, _ = w.Write([]byte(l + "\n"))
			flusher.Flush()
		}
	}))
	defer server.Close()

	caller := New(server.Client())
	target := Target{
		Provider: "openai", OutboundModel: "gpt-4", BaseURL: server.URL, Protocol: "openai",
		ConnectBudget: 2 * time.Second, GenerationBudget: 2 * time.Second,
	}

	agg, failErr := caller.Call(context.Background(), target, Params{}, chatReq(), testConditions(), nil)
	require.Nil(t, failErr)
	require.Len(t, agg.Response.Choices[0].Message.ToolCalls, 1)
	tc := agg.Response.Choices[0].Message.ToolCalls[0]
	require.Equal(t, "c1", tc.ID)
	require.Equal(t, "get_weather", tc.Function.Name)
	require.Equal(t, `{"city":"NY"}`, tc.Function.Arguments)
}

func TestCallChatCompletionsStatusCodeClassifiesRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	}))
	defer server.Close()

	caller := New(server.Client())
	target := Target{
		Provider: "openai", OutboundModel: "gpt-4", BaseURL: server.URL, Protocol: "openai",
		ConnectBudget: 2 * time.Second, GenerationBudget: 2 * time.Second,
	}

	_, failErr := caller.Call(context.Background(), target, Params{}, chatReq(), testConditions(), nil)
	require.NotNil(t, failErr)
	require.Equal(t, 429, failErr.StatusCode)
	require.True(t, failErr.HardExclude())
}

func TestCallChatCompletionsEmptyResponseFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: [DONE]\n"))
	}))
	defer server.Close()

	caller := New(server.Client())
	target := Target{
		Provider: "openai", OutboundModel: "gpt-4", BaseURL: server.URL, Protocol: "openai",
		ConnectBudget: 2 * time.Second, GenerationBudget: 2 * time.Second,
	}

	_, failErr := caller.Call(context.Background(), target, Params{}, chatReq(), testConditions(), nil)
	require.NotNil(t, failErr)
	require.Equal(t, "empty_response", string(failErr.Kind))
}

func TestCallChatCompletionsSurvivesStreamLongerThanConnectBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"content":"Hel"},"finish_reason":null}]}` + "\n"))
		flusher.Flush()
		// Headers already landed; this sleep must not be killed by the
		// (much shorter) connect budget, only by the generation budget.
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}` + "\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: [DONE]\n"))
		flusher.Flush()
	}))
	defer server.Close()

	caller := New(server.Client())
	target := Target{
		Provider:         "openai",
		OutboundModel:    "gpt-4",
		BaseURL:          server.URL,
		Protocol:         "openai",
		ConnectBudget:    20 * time.Millisecond,
		GenerationBudget: 2 * time.Second,
	}

	agg, failErr := caller.Call(context.Background(), target, Params{}, chatReq(), testConditions(), nil)
	require.Nil(t, failErr)

	var content string
	_ = json.Unmarshal(agg.Response.Choices[0].Message.Content, &content)
	require.Equal(t, "Hello", content)
}

func TestCallMessagesTranslatesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","model":"claude-3-opus","stop_reason":"end_turn","content":[{"type":"text","text":"hi there"}],"usage":{"input_tokens":4,"output_tokens":2}}`))
	}))
	defer server.Close()

	caller := New(server.Client())
	target := Target{
		Provider: "anthropic", OutboundModel: "claude-3-opus", BaseURL: server.URL, Protocol: "v1-messages",
		ConnectBudget: 2 * time.Second, GenerationBudget: 2 * time.Second,
	}

	agg, failErr := caller.Call(context.Background(), target, Params{}, chatReq(), testConditions(), nil)
	require.Nil(t, failErr)
	require.Equal(t, "upstream", agg.TokenSource)
	require.Equal(t, "end_turn", agg.Response.Choices[0].FinishReason)
	require.Equal(t, 6, agg.Response.Usage.TotalTokens)
}
