// Package classifier selects the tier a chat-completion request
// routes to, either via an optional router-model call or a
// deterministic heuristic fallback.
package classifier

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/relaymux/gateway/internal/config"
	"github.com/relaymux/gateway/pkg/types"
)

var tierPattern = regexp.MustCompile(`\bT([1-3])\b`)

var complexKeywords = []string{
	"code", "function", "complex", "analysis", "summary", "reasoning", "generate", "create",
	"代码", "函数", "分析", "总结", "推理", "生成", "创建", "搜索", "查询",
}

const heuristicLengthThreshold = 2000

// EventFunc receives classifier lifecycle events (ROUTER_START,
// ROUTER_END, ROUTER_FAIL) for the trace bus. May be nil.
type EventFunc func(stage string)

// Classifier determines a request's tier.
type Classifier struct {
	httpClient *http.Client
}

// New creates a Classifier using httpClient for the optional router
// model call. A client with a short, dedicated timeout should be
// supplied; the call itself is bounded to 5s regardless.
func New(httpClient *http.Client) *Classifier {
	return &Classifier{httpClient: httpClient}
}

// Classify returns the tier for req. If the last message is a tool
// response, the router model is skipped entirely (tool-response
// shortcut) and a tier is picked directly from whichever of t2/t3/t1
// has models configured. Otherwise, if router.enabled, the router
// model is queried; on any failure it falls through to the heuristic.
func (c *Classifier) Classify(ctx context.Context, cfg *config.Config, req *types.ChatRequest, onEvent EventFunc) config.Tier {
	if len(req.Messages) > 0 && req.Messages[len(req.Messages)-1].Role == "tool" {
		if len(cfg.Models.T2) > 0 {
			return config.TierT2
		}
		if len(cfg.Models.T3) > 0 {
			return config.TierT3
		}
		return config.TierT1
	}

	if !cfg.Router.Enabled {
		return config.TierT1
	}

	if onEvent != nil {
		onEvent("ROUTER_START")
	}
	tier, ok := c.classifyWithRouter(ctx, cfg, req)
	if ok {
		if onEvent != nil {
			onEvent("ROUTER_END")
		}
		return tier
	}
	if onEvent != nil {
		onEvent("ROUTER_FAIL")
	}
	return classifyHeuristic(req)
}

func (c *Classifier) classifyWithRouter(ctx context.Context, cfg *config.Config, req *types.ChatRequest) (config.Tier, bool) {
	history := recentUserHistory(req.Messages)
	prompt := strings.ReplaceAll(cfg.Router.PromptTemplate, "{history}", history)

	body, err := json.Marshal(map[string]any{
		"model":       cfg.Router.Model,
		"messages":    []map[string]string{{"role": "user", "content": prompt}},
		"max_tokens":  10,
		"temperature": 0.0,
	})
	if err != nil {
		return "", false
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := strings.TrimSuffix(cfg.Router.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", false
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cfg.Router.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil || len(parsed.Choices) == 0 {
		return "", false
	}

	content := strings.ToUpper(strings.TrimSpace(parsed.Choices[0].Message.Content))
	if match := tierPattern.FindStringSubmatch(content); match != nil {
		return config.Tier(fmt.Sprintf("t%s", match[1])), true
	}
	switch {
	case strings.Contains(content, "T1"):
		return config.TierT1, true
	case strings.Contains(content, "T2"):
		return config.TierT2, true
	case strings.Contains(content, "T3"):
		return config.TierT3, true
	}
	return "", false
}

func recentUserHistory(messages []types.ChatMessage) string {
	var userMessages []types.ChatMessage
	for _, m := range messages {
		if m.Role == "user" {
			userMessages = append(userMessages, m)
		}
	}
	if len(userMessages) > 3 {
		userMessages = userMessages[len(userMessages)-3:]
	}

	lines := make([]string, 0, len(userMessages))
	for _, m := range userMessages {
		text := extractText(m.Content)
		if len(text) > 800 {
			text = text[:800] + "...(truncated)"
		}
		lines = append(lines, "User: "+text)
	}
	return strings.Join(lines, "\n")
}

func classifyHeuristic(req *types.ChatRequest) config.Tier {
	var builder strings.Builder
	for _, m := range req.Messages {
		builder.WriteString(extractText(m.Content))
		builder.WriteString(" ")
	}
	fullText := builder.String()

	if len(fullText) > heuristicLengthThreshold {
		return config.TierT3
	}

	lower := strings.ToLower(fullText)
	for _, kw := range complexKeywords {
		if strings.Contains(lower, kw) {
			return config.TierT2
		}
	}
	return config.TierT1
}

func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []map[string]any
	if err := json.Unmarshal(raw, &parts); err == nil {
		var builder strings.Builder
		for _, p := range parts {
			switch p["type"] {
			case "text":
				if t, ok := p["text"].(string); ok {
					builder.WriteString(t)
				}
			case "image_url", "image":
				builder.WriteString("[图片]")
			}
		}
		return builder.String()
	}
	return ""
}
