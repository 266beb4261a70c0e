package claude

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textMessage(role, text string) Message {
	content, _ := json.Marshal(text)
	return Message{Role: role, Content: content}
}

func blockMessage(role string, blocks []ContentBlock) Message {
	content, _ := json.Marshal(blocks)
	return Message{Role: role, Content: content}
}

func buildAndDecode(t *testing.T, req *MessageRequest) *upstreamRequest {
	t.Helper()
	body, err := BuildUpstreamBody(req, "CLAUDE_SONNET_4_5_20250929_V1_0", "")
	require.NoError(t, err)

	var decoded upstreamRequest
	require.NoError(t, json.Unmarshal(body, &decoded))
	return &decoded
}

func TestBuildUpstreamBodySingleTurn(t *testing.T) {
	decoded := buildAndDecode(t, &MessageRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{textMessage("user", "hello")},
	})

	state := decoded.ConversationState
	assert.Equal(t, "MANUAL", state.ChatTriggerType)
	assert.NotEmpty(t, state.ConversationID)
	assert.Empty(t, state.History)

	current := state.CurrentMessage.UserInputMessage
	require.NotNil(t, current)
	assert.Equal(t, "hello", current.Content)
	assert.Equal(t, "CLAUDE_SONNET_4_5_20250929_V1_0", current.ModelID)
	assert.Equal(t, "AI_EDITOR", current.Origin)
}

func TestBuildUpstreamBodySystemPromptFoldsIntoFirstTurn(t *testing.T) {
	system, _ := json.Marshal("be terse")
	decoded := buildAndDecode(t, &MessageRequest{
		System:   system,
		Messages: []Message{textMessage("user", "hello")},
	})

	current := decoded.ConversationState.CurrentMessage.UserInputMessage
	require.NotNil(t, current)
	assert.Equal(t, "be terse\n\nhello", current.Content)
}

func TestBuildUpstreamBodyMultiTurnHistory(t *testing.T) {
	system, _ := json.Marshal("sys")
	decoded := buildAndDecode(t, &MessageRequest{
		System: system,
		Messages: []Message{
			textMessage("user", "one"),
			textMessage("assistant", "two"),
			textMessage("user", "three"),
		},
	})

	history := decoded.ConversationState.History
	require.Len(t, history, 2)
	require.NotNil(t, history[0].UserInputMessage)
	assert.Equal(t, "sys\n\none", history[0].UserInputMessage.Content)
	require.NotNil(t, history[1].AssistantResponseMessage)
	assert.Equal(t, "two", history[1].AssistantResponseMessage.Content)

	current := decoded.ConversationState.CurrentMessage.UserInputMessage
	require.NotNil(t, current)
	assert.Equal(t, "three", current.Content)
}

func TestBuildUpstreamBodyEnforcesAlternation(t *testing.T) {
	decoded := buildAndDecode(t, &MessageRequest{
		Messages: []Message{
			textMessage("user", "a"),
			textMessage("user", "b"),
			textMessage("user", "c"),
		},
	})

	// Consecutive user turns get assistant fillers between them, and the
	// history closes on an assistant turn.
	history := decoded.ConversationState.History
	require.Len(t, history, 4)
	assert.NotNil(t, history[0].UserInputMessage)
	require.NotNil(t, history[1].AssistantResponseMessage)
	assert.Equal(t, "Continue", history[1].AssistantResponseMessage.Content)
	assert.NotNil(t, history[2].UserInputMessage)
	assert.NotNil(t, history[3].AssistantResponseMessage)
}

func TestBuildUpstreamBodyTrailingAssistantTurn(t *testing.T) {
	decoded := buildAndDecode(t, &MessageRequest{
		Messages: []Message{
			textMessage("user", "question"),
			textMessage("assistant", "partial answer"),
		},
	})

	history := decoded.ConversationState.History
	require.Len(t, history, 2)
	assert.Equal(t, "partial answer", history[1].AssistantResponseMessage.Content)

	current := decoded.ConversationState.CurrentMessage.UserInputMessage
	require.NotNil(t, current)
	assert.Equal(t, "Continue", current.Content)
}

func TestBuildUpstreamBodyToolsAndResults(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)
	decoded := buildAndDecode(t, &MessageRequest{
		Tools: []Tool{{Name: "search", Description: "web search", InputSchema: schema}},
		Messages: []Message{
			textMessage("user", "look this up"),
			blockMessage("assistant", []ContentBlock{
				{Type: "text", Text: "on it"},
				{Type: "tool_use", ID: "t1", Name: "search", Input: json.RawMessage(`{"q":"go"}`)},
			}),
			blockMessage("user", []ContentBlock{
				{Type: "tool_result", ToolUseID: "t1", Content: json.RawMessage(`"found it"`)},
			}),
		},
	})

	history := decoded.ConversationState.History
	require.Len(t, history, 2)
	toolUses := history[1].AssistantResponseMessage.ToolUses
	require.Len(t, toolUses, 1)
	assert.Equal(t, "t1", toolUses[0].ToolUseID)
	assert.Equal(t, "search", toolUses[0].Name)
	assert.JSONEq(t, `{"q":"go"}`, string(toolUses[0].Input))

	current := decoded.ConversationState.CurrentMessage.UserInputMessage
	require.NotNil(t, current)
	require.NotNil(t, current.Context)

	results := current.Context.ToolResults
	require.Len(t, results, 1)
	assert.Equal(t, "t1", results[0].ToolUseID)
	assert.Equal(t, "success", results[0].Status)
	require.Len(t, results[0].Content, 1)
	assert.Equal(t, "found it", results[0].Content[0].Text)

	tools := current.Context.Tools
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].ToolSpecification.Name)
	assert.JSONEq(t, string(schema), string(tools[0].ToolSpecification.InputSchema.JSON))
}

func TestBuildUpstreamBodyErrorToolResult(t *testing.T) {
	decoded := buildAndDecode(t, &MessageRequest{
		Messages: []Message{
			blockMessage("user", []ContentBlock{
				{Type: "tool_result", ToolUseID: "t1", IsError: true, Content: json.RawMessage(`"boom"`)},
			}),
		},
	})

	current := decoded.ConversationState.CurrentMessage.UserInputMessage
	require.NotNil(t, current.Context)
	require.Len(t, current.Context.ToolResults, 1)
	assert.Equal(t, "error", current.Context.ToolResults[0].Status)
	assert.Equal(t, "Continue", current.Content, "a results-only turn still carries content")
}

func TestBuildUpstreamBodyProfileARN(t *testing.T) {
	body, err := BuildUpstreamBody(&MessageRequest{
		Messages: []Message{textMessage("user", "hi")},
	}, "claude-opus-4.5", "arn:aws:codewhisperer:us-east-1:1:profile/x")
	require.NoError(t, err)

	var decoded upstreamRequest
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "arn:aws:codewhisperer:us-east-1:1:profile/x", decoded.ProfileARN)
}

func TestBuildUpstreamBodyRejectsEmptyMessages(t *testing.T) {
	_, err := BuildUpstreamBody(&MessageRequest{}, "m", "")
	assert.Error(t, err)
}

func TestMapModelToUpstream(t *testing.T) {
	assert.Equal(t, "CLAUDE_SONNET_4_5_20250929_V1_0", MapModelToUpstream("claude-sonnet-4-5"))
	assert.Equal(t, "claude-opus-4.5", MapModelToUpstream("claude-opus-4-5-20251101"))
	assert.Equal(t, defaultUpstreamModel, MapModelToUpstream("some-unknown-model"))
}
