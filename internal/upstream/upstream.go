// Package upstream issues a single outbound attempt to one
// (provider, model) pair: payload construction, dual-timeout
// enforcement, response read (SSE-aggregated or plain), and
// status/keyword failure classification.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/relaymux/gateway/internal/httputil"
	"github.com/relaymux/gateway/internal/protocol"
	"github.com/relaymux/gateway/internal/tokenizer"
	llmerrors "github.com/relaymux/gateway/pkg/errors"
	"github.com/relaymux/gateway/pkg/types"
)

// Target describes where and how to send one attempt.
type Target struct {
	Provider         string // display label, e.g. "openai" or the custom provider id
	OutboundModel    string
	DisplayName      string
	BaseURL          string
	APIKey           string
	Protocol         string // "" / "openai" -> chat completions; "v1-messages" -> Anthropic messages
	ConnectBudget    time.Duration
	GenerationBudget time.Duration
}

// Params carries the precedence-ordered parameter layers merged into
// the outbound payload: global_params, then model_params[outbound
// model], then the request's own explicit fields win.
type Params struct {
	Global map[string]any
	Model  map[string]any
}

// AggregatedResponse is the result of a successful attempt, with
// token usage always populated (upstream-reported when available,
// Tokenizer-estimated otherwise).
type AggregatedResponse struct {
	Response    *types.ChatResponse
	TokenSource string // "upstream" or "local"
}

// Caller issues attempts against upstream providers.
type Caller struct {
	httpClient *http.Client

	mu                   sync.Mutex
	headerTimeoutClients map[time.Duration]*http.Client
}

// New creates a Caller using httpClient for all outbound requests.
// The client's Transport should be a shared, keepalive-capped pool;
// per-attempt timeouts are not client.Timeout: the generation budget is
// a context deadline and the TTFT budget is a ResponseHeaderTimeout on
// a cloned transport.
func New(httpClient *http.Client) *Caller {
	return &Caller{httpClient: httpClient, headerTimeoutClients: map[time.Duration]*http.Client{}}
}

// headerTimeoutClient returns an *http.Client whose Transport is
// cloned from the shared pool with ResponseHeaderTimeout set to
// budget. This enforces the TTFT/connect budget independently of the
// request's context, so the request context itself can be scoped to
// the generation budget without the two deadlines colliding on the
// same resp.Body (grounded on the teacher's streamHTTPClient split in
// client.go's New(), generalized from one global timeout to a
// per-tier budget). Clients are cached per distinct budget so repeat
// attempts at the same tier reuse one connection pool.
func (c *Caller) headerTimeoutClient(budget time.Duration) *http.Client {
	base, ok := c.httpClient.Transport.(*http.Transport)
	if !ok {
		return c.httpClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.headerTimeoutClients[budget]; ok {
		return cl
	}
	clone := base.Clone()
	clone.ResponseHeaderTimeout = budget
	cl := &http.Client{Transport: clone}
	c.headerTimeoutClients[budget] = cl
	return cl
}

// Call issues one attempt. onFirstToken, if non-nil, is invoked the
// moment response headers are received (for FIRST_TOKEN trace
// emission); it receives the elapsed duration since dispatch.
func (c *Caller) Call(ctx context.Context, target Target, params Params, req *types.ChatRequest, conditions RetryConditions, onFirstToken func(time.Duration)) (*AggregatedResponse, *llmerrors.LLMError) {
	dispatch := time.Now()

	if target.Protocol == "v1-messages" {
		return c.callMessages(ctx, target, params, req, conditions, dispatch, onFirstToken)
	}
	return c.callChatCompletions(ctx, target, params, req, conditions, dispatch, onFirstToken)
}

// RetryConditions mirrors config.RetryConditions without importing
// the config package, keeping this package free of a config
// dependency cycle risk and easy to unit test in isolation.
type RetryConditions struct {
	StatusCodeMatches func(code int) bool
	KeywordMatch      func(body string) string
	RetryOnEmpty      bool
}

func buildPayload(target Target, params Params, req *types.ChatRequest, forceStream bool) (map[string]any, error) {
	payload := map[string]any{}
	for k, v := range params.Global {
		payload[k] = v
	}
	for k, v := range params.Model {
		payload[k] = v
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var explicit map[string]any
	if err := json.Unmarshal(reqJSON, &explicit); err != nil {
		return nil, fmt.Errorf("unmarshal request fields: %w", err)
	}
	for k, v := range explicit {
		if v == nil {
			continue
		}
		payload[k] = v
	}

	payload["model"] = target.OutboundModel
	if forceStream {
		payload["stream"] = true
		payload["stream_options"] = map[string]any{"include_usage": true}
	} else {
		payload["stream"] = false
		delete(payload, "stream_options")
	}

	return payload, nil
}

func (c *Caller) callChatCompletions(ctx context.Context, target Target, params Params, req *types.ChatRequest, conditions RetryConditions, dispatch time.Time, onFirstToken func(time.Duration)) (*AggregatedResponse, *llmerrors.LLMError) {
	payload, err := buildPayload(target, params, req, true)
	if err != nil {
		return nil, llmerrors.NewUpstreamOtherError(target.Provider, target.OutboundModel, err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, llmerrors.NewUpstreamOtherError(target.Provider, target.OutboundModel, err)
	}

	// The request context is scoped to the generation budget, not the
	// connect budget: resp.Body's lifetime follows whatever context the
	// request was built with, so binding it to a short TTFT deadline
	// would kill a healthy stream mid-flight the moment that deadline
	// passed. TTFT is enforced separately via ResponseHeaderTimeout on
	// a cloned transport, which only guards the header-wait phase and
	// stops applying once headers land.
	genCtx, cancelGen := context.WithTimeout(ctx, target.GenerationBudget)
	defer cancelGen()

	url := strings.TrimSuffix(target.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(genCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, llmerrors.NewUpstreamOtherError(target.Provider, target.OutboundModel, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+target.APIKey)

	resp, err := c.headerTimeoutClient(target.ConnectBudget).Do(httpReq)
	if err != nil {
		elapsed := time.Since(dispatch)
		if isHeaderTimeout(err) {
			return nil, llmerrors.NewTTFTTimeoutError(target.Provider, target.OutboundModel, elapsed.Milliseconds())
		}
		return nil, llmerrors.NewConnectTimeoutError(target.Provider, target.OutboundModel, err)
	}
	defer resp.Body.Close()

	if onFirstToken != nil {
		onFirstToken(time.Since(dispatch))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyNonOK(target, resp, conditions)
	}

	return c.readChatStream(genCtx, target, req, resp.Body, conditions, dispatch)
}

// isHeaderTimeout reports whether err is a timeout-flavored net.Error.
// That covers the ResponseHeaderTimeout of the cloned transport, which
// net/http reports as a *url.Error wrapping such an error, but also a
// dial timeout or the generation-budget context expiring before headers
// arrive; non-timeout connect/DNS/TLS failures report false.
func isHeaderTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func classifyNonOK(target Target, resp *http.Response, conditions RetryConditions) *llmerrors.LLMError {
	bodyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	body, _ := readBounded(bodyCtx, resp.Body, 1<<20)

	bodyStr := string(body)
	if conditions.StatusCodeMatches != nil && conditions.StatusCodeMatches(resp.StatusCode) {
		return llmerrors.NewStatusCodeError(target.Provider, target.OutboundModel, resp.StatusCode, bodyStr)
	}
	if conditions.KeywordMatch != nil {
		if kw := conditions.KeywordMatch(bodyStr); kw != "" {
			return llmerrors.NewKeywordMatchError(target.Provider, target.OutboundModel, kw)
		}
	}
	return llmerrors.NewStatusCodeError(target.Provider, target.OutboundModel, resp.StatusCode, bodyStr)
}

// readBounded reads up to limit bytes from r, aborting promptly if ctx
// is cancelled (client disconnect) rather than blocking until the
// reader itself times out. The size cap is delegated to
// httputil.ReadLimitedBody.
func readBounded(ctx context.Context, r io.Reader, limit int64) ([]byte, error) {
	done := make(chan struct{})
	var data []byte
	var err error
	go func() {
		data, err = httputil.ReadLimitedBody(r, limit)
		close(done)
	}()
	select {
	case <-done:
		return data, err
	case <-ctx.Done():
		return data, ctx.Err()
	}
}

type pendingToolCall struct {
	id        string
	callType  string
	name      string
	arguments strings.Builder
}

func (c *Caller) readChatStream(ctx context.Context, target Target, req *types.ChatRequest, body io.ReadCloser, conditions RetryConditions, dispatch time.Time) (*AggregatedResponse, *llmerrors.LLMError) {
	type lineResult struct {
		line string
		err  error
	}
	lines := make(chan lineResult)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- lineResult{line: scanner.Text()}
		}
		if err := scanner.Err(); err != nil {
			lines <- lineResult{err: err}
		}
	}()

	var contentBuilder strings.Builder
	toolCalls := map[int]*pendingToolCall{}
	maxIndex := -1
	finishReason := ""
	var usage *types.Usage

	for {
		select {
		case <-ctx.Done():
			return nil, llmerrors.NewTotalTimeoutError(target.Provider, target.OutboundModel, time.Since(dispatch).Milliseconds())
		case res, ok := <-lines:
			if !ok {
				return c.finalizeChatResponse(target, req, contentBuilder.String(), toolCalls, maxIndex, finishReason, usage, conditions)
			}
			if res.err != nil {
				return nil, llmerrors.NewUpstreamOtherError(target.Provider, target.OutboundModel, res.err)
			}

			line := strings.TrimSpace(res.line)
			if line == "" {
				continue
			}
			payload, isData := strings.CutPrefix(line, "data:")
			if !isData {
				continue
			}
			payload = strings.TrimSpace(payload)
			if payload == "[DONE]" {
				continue
			}

			var chunk rawStreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			for _, choice := range chunk.Choices {
				contentBuilder.WriteString(choice.Delta.Content)
				for _, tc := range choice.Delta.ToolCalls {
					pending, ok := toolCalls[tc.Index]
					if !ok {
						pending = &pendingToolCall{}
						toolCalls[tc.Index] = pending
					}
					if tc.Index > maxIndex {
						maxIndex = tc.Index
					}
					if tc.ID != "" {
						pending.id = tc.ID
					}
					if tc.Type != "" {
						pending.callType = tc.Type
					}
					if tc.Function.Name != "" {
						pending.name += tc.Function.Name
					}
					pending.arguments.WriteString(tc.Function.Arguments)
				}
				if choice.FinishReason != "" {
					finishReason = choice.FinishReason
				}
			}
		}
	}
}

// rawStreamChunk mirrors the OpenAI SSE chunk shape exactly, including
// each tool-call delta's "index" field used to fan in fragments
// arriving across multiple chunks. types.StreamChunk's ToolCalls use
// the aggregated shape (no index) and so cannot represent this.
type rawStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *types.Usage `json:"usage"`
}

func (c *Caller) finalizeChatResponse(target Target, req *types.ChatRequest, content string, pending map[int]*pendingToolCall, maxIndex int, finishReason string, usage *types.Usage, conditions RetryConditions) (*AggregatedResponse, *llmerrors.LLMError) {
	var toolCalls []types.ToolCall
	for i := 0; i <= maxIndex; i++ {
		p, ok := pending[i]
		if !ok {
			continue
		}
		toolCalls = append(toolCalls, types.ToolCall{
			ID:   p.id,
			Type: p.callType,
			Function: types.ToolCallFunction{
				Name:      p.name,
				Arguments: p.arguments.String(),
			},
		})
	}

	if content == "" && len(toolCalls) == 0 {
		if conditions.RetryOnEmpty {
			return nil, llmerrors.NewEmptyResponseError(target.Provider, target.OutboundModel)
		}
	}

	if finishReason == "" {
		finishReason = "stop"
	}

	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, llmerrors.NewUpstreamOtherError(target.Provider, target.OutboundModel, err)
	}

	message := types.ChatMessage{Role: "assistant", Content: contentJSON}
	if len(toolCalls) > 0 {
		message.ToolCalls = toolCalls
	}

	tokenSource := "upstream"
	if usage == nil {
		tokenSource = "local"
		promptTokens := tokenizer.EstimatePromptTokens(target.OutboundModel, req)
		completionTokens := tokenizer.EstimateCompletionTokensFromText(target.OutboundModel, content)
		usage = &types.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		}
	}

	resp := &types.ChatResponse{
		Object: "chat.completion",
		Model:  target.OutboundModel,
		Choices: []types.Choice{{
			Index:        0,
			Message:      message,
			FinishReason: finishReason,
		}},
		Usage: usage,
	}

	return &AggregatedResponse{Response: resp, TokenSource: tokenSource}, nil
}

func (c *Caller) callMessages(ctx context.Context, target Target, params Params, req *types.ChatRequest, conditions RetryConditions, dispatch time.Time, onFirstToken func(time.Duration)) (*AggregatedResponse, *llmerrors.LLMError) {
	anthropicReq, err := protocol.ToAnthropicRequest(target.OutboundModel, req)
	if err != nil {
		return nil, llmerrors.NewUpstreamOtherError(target.Provider, target.OutboundModel, err)
	}

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, llmerrors.NewUpstreamOtherError(target.Provider, target.OutboundModel, err)
	}

	genCtx, cancelGen := context.WithTimeout(ctx, target.GenerationBudget)
	defer cancelGen()

	url := strings.TrimSuffix(target.BaseURL, "/") + "/messages"
	httpReq, err := http.NewRequestWithContext(genCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, llmerrors.NewUpstreamOtherError(target.Provider, target.OutboundModel, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", target.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.headerTimeoutClient(target.ConnectBudget).Do(httpReq)
	if err != nil {
		elapsed := time.Since(dispatch)
		if isHeaderTimeout(err) {
			return nil, llmerrors.NewTTFTTimeoutError(target.Provider, target.OutboundModel, elapsed.Milliseconds())
		}
		return nil, llmerrors.NewConnectTimeoutError(target.Provider, target.OutboundModel, err)
	}
	defer resp.Body.Close()

	if onFirstToken != nil {
		onFirstToken(time.Since(dispatch))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyNonOK(target, resp, conditions)
	}

	rawBody, readErr := readBounded(genCtx, resp.Body, 8<<20)
	if readErr != nil {
		return nil, llmerrors.NewTotalTimeoutError(target.Provider, target.OutboundModel, time.Since(dispatch).Milliseconds())
	}

	var anthropicResp protocol.AnthropicResponse
	if err := json.Unmarshal(rawBody, &anthropicResp); err != nil {
		return nil, llmerrors.NewUpstreamOtherError(target.Provider, target.OutboundModel, err)
	}

	chat, err := protocol.FromAnthropicResponse(&anthropicResp)
	if err != nil {
		return nil, llmerrors.NewUpstreamOtherError(target.Provider, target.OutboundModel, err)
	}

	tokenSource := "upstream"
	if chat.Usage == nil || chat.Usage.TotalTokens == 0 {
		tokenSource = "local"
		content := extractAssistantText(chat)
		promptTokens := tokenizer.EstimatePromptTokens(target.OutboundModel, req)
		completionTokens := tokenizer.EstimateCompletionTokensFromText(target.OutboundModel, content)
		chat.Usage = &types.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		}
	}

	if len(chat.Choices) == 0 || (extractAssistantText(chat) == "" && len(chat.Choices[0].Message.ToolCalls) == 0) {
		if conditions.RetryOnEmpty {
			return nil, llmerrors.NewEmptyResponseError(target.Provider, target.OutboundModel)
		}
	}

	return &AggregatedResponse{Response: chat, TokenSource: tokenSource}, nil
}

func extractAssistantText(chat *types.ChatResponse) string {
	if len(chat.Choices) == 0 {
		return ""
	}
	var s string
	_ = json.Unmarshal(chat.Choices[0].Message.Content, &s)
	return s
}
