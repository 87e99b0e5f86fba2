// Package protocol translates between the gateway's OpenAI-shaped wire
// types and the Anthropic v1/messages wire format, for providers
// configured with protocol "v1-messages".
package protocol

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relaymux/gateway/pkg/types"
)

const defaultMaxTokens = 4096

// AnthropicRequest is the translated outbound payload for a
// v1-messages provider.
type AnthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	ToolChoice    *toolChoice        `json:"tool_choice,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentBlock struct {
	Type      string       `json:"type"`
	Text      string       `json:"text,omitempty"`
	ID        string       `json:"id,omitempty"`
	Name      string       `json:"name,omitempty"`
	Input     any          `json:"input,omitempty"`
	ToolUseID string       `json:"tool_use_id,omitempty"`
	Content   string       `json:"content,omitempty"`
	Source    *imageSource `json:"source,omitempty"`
}

// imageSource is an Anthropic image content block's "source" object:
// either a base64-inlined image or a remote URL.
type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema inputSchema `json:"input_schema"`
}

type inputSchema struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Required   []string       `json:"required,omitempty"`
}

type toolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// AnthropicResponse is the raw v1/messages response shape.
type AnthropicResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ToAnthropicRequest translates a ChatRequest with its outbound model
// already resolved into the Anthropic messages-API shape. Grounded on
// router_engine.py::_convert_to_anthropic_messages: the system message
// is hoisted into the top-level "system" field, assistant tool_calls
// become tool_use blocks, and "tool" role messages become a user
// message carrying a tool_result block.
func ToAnthropicRequest(outboundModel string, req *types.ChatRequest) (*AnthropicRequest, error) {
	out := &AnthropicRequest{
		Model:     outboundModel,
		MaxTokens: defaultMaxTokens,
		Stream:    false,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	out.Temperature = req.Temperature
	out.TopP = req.TopP
	if len(req.Stop) > 0 {
		out.StopSequences = req.Stop
	}

	messages, system, err := convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	out.Messages = messages
	out.System = system

	if len(req.Tools) > 0 {
		out.Tools = convertTools(req.Tools)
	}
	if len(req.ToolChoice) > 0 {
		out.ToolChoice = convertToolChoice(req.ToolChoice)
	}

	return out, nil
}

// convertMessages folds an OpenAI-shaped message list into Anthropic's
// messages shape, grounded on router_engine.py's
// _convert_to_anthropic_messages: consecutive user turns are merged
// (Anthropic rejects back-to-back same-role messages), and "tool"
// messages are buffered into tool_result blocks that flush into the
// preceding (or a new) user turn as soon as a non-tool message is
// seen or the message list ends.
func convertMessages(messages []types.ChatMessage) ([]anthropicMessage, string, error) {
	var result []anthropicMessage
	var system string
	var toolBuffer []contentBlock

	flushToolBuffer := func() {
		if len(toolBuffer) == 0 {
			return
		}
		if len(result) > 0 && result[len(result)-1].Role == "user" {
			switch prev := result[len(result)-1].Content.(type) {
			case []contentBlock:
				result[len(result)-1].Content = append(prev, toolBuffer...)
			case string:
				blocks := append([]contentBlock{{Type: "text", Text: prev}}, toolBuffer...)
				result[len(result)-1].Content = blocks
			}
		} else {
			result = append(result, anthropicMessage{Role: "user", Content: append([]contentBlock{}, toolBuffer...)})
		}
		toolBuffer = nil
	}

	for _, msg := range messages {
		if msg.Role == "system" {
			text := extractText(msg.Content)
			if system != "" {
				system += "\n" + text
			} else {
				system = text
			}
			continue
		}

		if msg.Role != "tool" {
			flushToolBuffer()
		}

		switch msg.Role {
		case "user":
			if len(result) > 0 && result[len(result)-1].Role == "user" {
				newText := extractText(msg.Content)
				prevMsg := &result[len(result)-1]
				switch prev := prevMsg.Content.(type) {
				case string:
					prevMsg.Content = prev + "\n" + newText
				case []contentBlock:
					prevMsg.Content = append(prev, contentBlock{Type: "text", Text: newText})
				}
			} else {
				result = append(result, anthropicMessage{Role: "user", Content: convertContent(msg.Content)})
			}

		case "assistant":
			blocks := make([]contentBlock, 0, len(msg.ToolCalls)+1)
			if text := extractText(msg.Content); text != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: text})
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
					input = tc.Function.Arguments
				}
				blocks = append(blocks, contentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			result = append(result, anthropicMessage{Role: "assistant", Content: blocks})

		case "tool":
			toolBuffer = append(toolBuffer, contentBlock{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   extractText(msg.Content),
			})

		default:
			result = append(result, anthropicMessage{Role: msg.Role, Content: convertContent(msg.Content)})
		}
	}

	flushToolBuffer()

	return result, system, nil
}

// extractText flattens message content down to plain text: a string
// body passes through, a content-part list concatenates its text
// parts and renders any image part as the literal placeholder "[图片]"
// (matches router_engine.py's _extract_text_from_content, used
// wherever only a text rendering is needed: system messages, tool
// results, and consecutive-user-merge folding).
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
	return string(raw)
}

// convertContent renders message content for a first-occurrence
// (non-merged) turn: a plain string passes through unchanged, and a
// content-part list becomes Anthropic content blocks with images
// carried as real image blocks rather than the text placeholder, so
// the model actually receives the image.
func convertContent(raw json.RawMessage) any {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []map[string]any
	if err := json.Unmarshal(raw, &parts); err != nil {
		return string(raw)
	}
	blocks := make([]contentBlock, 0, len(parts))
	for _, p := range parts {
		switch p["type"] {
		case "text":
			if t, ok := p["text"].(string); ok {
				blocks = append(blocks, contentBlock{Type: "text", Text: t})
			}
		case "image_url", "image":
			if src := parseImageSource(p); src != nil {
				blocks = append(blocks, contentBlock{Type: "image", Source: src})
			}
		}
	}
	return blocks
}

// parseImageSource translates an OpenAI image_url part into an
// Anthropic image source: a data: URL becomes a base64 source, any
// other URL is passed through as a url source.
func parseImageSource(part map[string]any) *imageSource {
	var rawURL string
	if iu, ok := part["image_url"].(map[string]any); ok {
		rawURL, _ = iu["url"].(string)
	}
	if rawURL == "" {
		rawURL, _ = part["url"].(string)
	}
	if rawURL == "" {
		return nil
	}

	if rest, ok := strings.CutPrefix(rawURL, "data:"); ok {
		meta, data, ok := strings.Cut(rest, ",")
		if !ok {
			return nil
		}
		mediaType, _, _ := strings.Cut(meta, ";")
		return &imageSource{Type: "base64", MediaType: mediaType, Data: data}
	}
	return &imageSource{Type: "url", URL: rawURL}
}

func convertTools(tools []types.Tool) []anthropicTool {
	result := make([]anthropicTool, 0, len(tools))
	for _, tool := range tools {
		if tool.Type != "function" {
			continue
		}
		var params map[string]any
		if len(tool.Function.Parameters) > 0 {
			_ = json.Unmarshal(tool.Function.Parameters, &params)
		}
		schema := inputSchema{Type: "object", Properties: map[string]any{}}
		if props, ok := params["properties"].(map[string]any); ok {
			schema.Properties = props
		}
		if required, ok := params["required"].([]any); ok {
			for _, r := range required {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		result = append(result, anthropicTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: schema,
		})
	}
	return result
}

func convertToolChoice(raw json.RawMessage) *toolChoice {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		switch str {
		case "auto":
			return &toolChoice{Type: "auto"}
		case "required":
			return &toolChoice{Type: "any"}
		case "none":
			// Anthropic has no "none" tool_choice; omit the field
			// entirely, matching router_engine.py's translation.
			return nil
		}
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	if fn, ok := obj["function"].(map[string]any); ok {
		if name, ok := fn["name"].(string); ok {
			return &toolChoice{Type: "tool", Name: name}
		}
	}
	return nil
}

// FromAnthropicResponse translates a plain (non-streamed) v1/messages
// response into an AggregatedResponse-shaped ChatResponse, per spec
// §4.5: text blocks concatenate, tool_use blocks become tool_calls
// with JSON-encoded arguments, stop_reason passes through verbatim as
// finish_reason, input/output token counts rename to prompt/completion
// tokens.
func FromAnthropicResponse(resp *AnthropicResponse) (*types.ChatResponse, error) {
	var content string
	var toolCalls []types.ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content += block.Text
		case "tool_use":
			argsJSON, err := json.Marshal(block.Input)
			if err != nil {
				return nil, fmt.Errorf("encode tool_use input: %w", err)
			}
			toolCalls = append(toolCalls, types.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      block.Name,
					Arguments: string(argsJSON),
				},
			})
		}
	}

	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}

	message := types.ChatMessage{Role: "assistant", Content: contentJSON}
	if len(toolCalls) > 0 {
		message.ToolCalls = toolCalls
	}

	total := resp.Usage.InputTokens + resp.Usage.OutputTokens

	return &types.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Model:   resp.Model,
		Choices: []types.Choice{{
			Index:        0,
			Message:      message,
			FinishReason: mapStopReason(resp.StopReason),
		}},
		Usage: &types.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      total,
		},
	}, nil
}

// mapStopReason passes stop_reason through to finish_reason verbatim;
// the original does no taxonomy remap, only defaulting to "stop" when
// the upstream didn't set one.
func mapStopReason(reason string) string {
	if reason == "" {
		return "stop"
	}
	return reason
}
