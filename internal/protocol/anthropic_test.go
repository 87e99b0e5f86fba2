package protocol

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/relaymux/gateway/pkg/types"
)

func TestToAnthropicRequestTranslatesToolRoundTrip(t *testing.T) {
	req := &types.ChatRequest{
		Model: "claude-3-opus",
		Messages: []types.ChatMessage{
			{Role: "system", Content: json.RawMessage(`"S"`)},
			{Role: "user", Content: json.RawMessage(`"u1"`)},
			{
				Role:    "assistant",
				Content: json.RawMessage(`null`),
				ToolCalls: []types.ToolCall{{
					ID:   "t1",
					Type: "function",
					Function: types.ToolCallFunction{
						Name:      "f",
						Arguments: `{"x":1}`,
					},
				}},
			},
			{Role: "tool", ToolCallID: "t1", Content: json.RawMessage(`"42"`)},
		},
	}

	out, err := ToAnthropicRequest("claude-3-opus", req)
	require.NoError(t, err)

	require.Equal(t, "S", out.System)
	require.Len(t, out.Messages, 3)

	require.Equal(t, "user", out.Messages[0].Role)
	require.Equal(t, "u1", out.Messages[0].Content)

	require.Equal(t, "assistant", out.Messages[1].Role)
	blocks, ok := out.Messages[1].Content.([]contentBlock)
	require.True(t, ok)
	require.Len(t, blocks, 1)
	require.Equal(t, "tool_use", blocks[0].Type)
	require.Equal(t, "t1", blocks[0].ID)
	require.Equal(t, "f", blocks[0].Name)
	require.Equal(t, map[string]any{"x": float64(1)}, blocks[0].Input)

	require.Equal(t, "user", out.Messages[2].Role)
	resultBlocks, ok := out.Messages[2].Content.([]contentBlock)
	require.True(t, ok)
	require.Len(t, resultBlocks, 1)
	require.Equal(t, "tool_result", resultBlocks[0].Type)
	require.Equal(t, "t1", resultBlocks[0].ToolUseID)
	require.Equal(t, "42", resultBlocks[0].Content)
}

func TestFromAnthropicResponseBuildsToolCallsAndUsage(t *testing.T) {
	resp := &AnthropicResponse{
		ID:         "msg_1",
		Model:      "claude-3-opus",
		StopReason: "tool_use",
		Content: []contentBlock{
			{Type: "text", Text: "thinking..."},
			{Type: "tool_use", ID: "t2", Name: "search", Input: map[string]any{"q": "go"}},
		},
	}
	resp.Usage.InputTokens = 10
	resp.Usage.OutputTokens = 5

	chat, err := FromAnthropicResponse(resp)
	require.NoError(t, err)
	require.Equal(t, "tool_use", chat.Choices[0].FinishReason)
	require.Len(t, chat.Choices[0].Message.ToolCalls, 1)
	require.Equal(t, "search", chat.Choices[0].Message.ToolCalls[0].Function.Name)
	require.JSONEq(t, `{"q":"go"}`, chat.Choices[0].Message.ToolCalls[0].Function.Arguments)
	require.Equal(t, 15, chat.Usage.TotalTokens)
}

func TestMapStopReason(t *testing.T) {
	require.Equal(t, "end_turn", mapStopReason("end_turn"))
	require.Equal(t, "max_tokens", mapStopReason("max_tokens"))
	require.Equal(t, "tool_use", mapStopReason("tool_use"))
	require.Equal(t, "stop", mapStopReason(""))
}

func TestConvertMessagesMergesConsecutiveUserTurns(t *testing.T) {
	req := &types.ChatRequest{
		Messages: []types.ChatMessage{
			{Role: "user", Content: json.RawMessage(`"first"`)},
			{Role: "user", Content: json.RawMessage(`"second"`)},
		},
	}

	out, err := ToAnthropicRequest("claude-3-opus", req)
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	require.Equal(t, "user", out.Messages[0].Role)
	require.Equal(t, "first\nsecond", out.Messages[0].Content)
}

func TestConvertMessagesFoldsToolIntoPrecedingUserTurn(t *testing.T) {
	req := &types.ChatRequest{
		Messages: []types.ChatMessage{
			{Role: "user", Content: json.RawMessage(`"call it"`)},
			{Role: "tool", ToolCallID: "t1", Content: json.RawMessage(`"result"`)},
		},
	}

	out, err := ToAnthropicRequest("claude-3-opus", req)
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	require.Equal(t, "user", out.Messages[0].Role)
	blocks, ok := out.Messages[0].Content.([]contentBlock)
	require.True(t, ok)
	require.Len(t, blocks, 2)
	require.Equal(t, "text", blocks[0].Type)
	require.Equal(t, "call it", blocks[0].Text)
	require.Equal(t, "tool_result", blocks[1].Type)
	require.Equal(t, "t1", blocks[1].ToolUseID)
}

func TestConvertMessagesKeepsImageContentBlock(t *testing.T) {
	req := &types.ChatRequest{
		Messages: []types.ChatMessage{
			{Role: "user", Content: json.RawMessage(`[{"type":"text","text":"see this"},{"type":"image_url","image_url":{"url":"data:image/png;base64,ABC123"}}]`)},
		},
	}

	out, err := ToAnthropicRequest("claude-3-opus", req)
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	blocks, ok := out.Messages[0].Content.([]contentBlock)
	require.True(t, ok)
	require.Len(t, blocks, 2)
	require.Equal(t, "image", blocks[1].Type)
	require.NotNil(t, blocks[1].Source)
	require.Equal(t, "base64", blocks[1].Source.Type)
	require.Equal(t, "image/png", blocks[1].Source.MediaType)
	require.Equal(t, "ABC123", blocks[1].Source.Data)
}

func TestConvertToolChoiceNoneOmitsField(t *testing.T) {
	req := &types.ChatRequest{
		Messages:   []types.ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
		ToolChoice: json.RawMessage(`"none"`),
	}

	out, err := ToAnthropicRequest("claude-3-opus", req)
	require.NoError(t, err)
	require.Nil(t, out.ToolChoice)
}
