package claude

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/kiro-gateway/internal/kiro"
)

func textFrame(content string) *kiro.Frame {
	payload, _ := json.Marshal(kiro.AssistantEvent{Content: content})
	return &kiro.Frame{
		Headers: map[string]string{
			kiro.HeaderMessageType: kiro.MessageTypeEvent,
			kiro.HeaderEventType:   kiro.EventTypeAssistantResponse,
		},
		Payload: payload,
	}
}

func toolFrame(id, name, input string, stop bool) *kiro.Frame {
	payload, _ := json.Marshal(kiro.ToolUseEvent{
		ToolUseID: id,
		Name:      name,
		Input:     input,
		Stop:      stop,
	})
	return &kiro.Frame{
		Headers: map[string]string{
			kiro.HeaderMessageType: kiro.MessageTypeEvent,
			kiro.HeaderEventType:   kiro.EventTypeToolUse,
		},
		Payload: payload,
	}
}

func exceptionFrame(name, message string) *kiro.Frame {
	return &kiro.Frame{
		Headers: map[string]string{
			kiro.HeaderMessageType:   kiro.MessageTypeException,
			kiro.HeaderExceptionType: name,
		},
		Payload: []byte(`{"message":"` + message + `"}`),
	}
}

func TestAssemblerTextOnly(t *testing.T) {
	a := NewAssembler("claude-sonnet-4-5", 12)

	require.NoError(t, a.HandleFrame(textFrame("Hello, ")))
	require.NoError(t, a.HandleFrame(textFrame("world.")))

	resp := a.Build()
	assert.True(t, strings.HasPrefix(resp.ID, "msg_"))
	assert.Equal(t, "message", resp.Type)
	assert.Equal(t, "assistant", resp.Role)
	assert.Equal(t, "claude-sonnet-4-5", resp.Model)
	assert.Equal(t, "end_turn", resp.StopReason)

	require.Len(t, resp.Content, 1)
	assert.Equal(t, "text", resp.Content[0].Type)
	assert.Equal(t, "Hello, world.", resp.Content[0].Text)

	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, len("Hello, world.")/charsPerToken, resp.Usage.OutputTokens)
}

func TestAssemblerToolUseAcrossFragments(t *testing.T) {
	a := NewAssembler("claude-sonnet-4-5", 1)

	require.NoError(t, a.HandleFrame(textFrame("Let me check.")))
	require.NoError(t, a.HandleFrame(toolFrame("t1", "search", `{"q":`, false)))
	require.NoError(t, a.HandleFrame(toolFrame("", "", `"go"}`, false)))
	require.NoError(t, a.HandleFrame(toolFrame("", "", "", true)))

	resp := a.Build()
	assert.Equal(t, "tool_use", resp.StopReason)
	require.Len(t, resp.Content, 2)
	assert.Equal(t, "Let me check.", resp.Content[0].Text)

	tool := resp.Content[1]
	assert.Equal(t, "tool_use", tool.Type)
	assert.Equal(t, "t1", tool.ID)
	assert.Equal(t, "search", tool.Name)
	assert.JSONEq(t, `{"q":"go"}`, string(tool.Input))
}

func TestAssemblerNewToolIDClosesPrevious(t *testing.T) {
	a := NewAssembler("claude-sonnet-4-5", 1)

	require.NoError(t, a.HandleFrame(toolFrame("t1", "first", `{"a":1}`, false)))
	require.NoError(t, a.HandleFrame(toolFrame("t2", "second", `{"b":2}`, true)))

	resp := a.Build()
	require.Len(t, resp.Content, 2)
	assert.Equal(t, "t1", resp.Content[0].ID)
	assert.Equal(t, "t2", resp.Content[1].ID)
}

func TestAssemblerInvalidToolInputFallsBack(t *testing.T) {
	a := NewAssembler("claude-sonnet-4-5", 1)

	require.NoError(t, a.HandleFrame(toolFrame("t1", "broken", `{"q": unterminated`, true)))

	resp := a.Build()
	require.Len(t, resp.Content, 1)
	assert.Equal(t, `{}`, string(resp.Content[0].Input))
}

func TestAssemblerEmptyStream(t *testing.T) {
	resp := NewAssembler("claude-sonnet-4-5", 5).Build()
	assert.NotNil(t, resp.Content)
	assert.Empty(t, resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Zero(t, resp.Usage.OutputTokens)
}

func TestAssemblerExceptionMapping(t *testing.T) {
	a := NewAssembler("claude-sonnet-4-5", 1)

	err := a.HandleFrame(exceptionFrame("ThrottlingException", "slow down"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ErrorTypeRateLimit, apiErr.Type)
	assert.Contains(t, apiErr.Message, "slow down")

	err = a.HandleFrame(exceptionFrame("InternalServerException", "boom"))
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ErrorTypeAPI, apiErr.Type)
}

func TestStreamRelayTextAndTool(t *testing.T) {
	rec := httptest.NewRecorder()
	sse := NewSSEWriter(rec)
	relay := NewStreamRelay(sse, "claude-sonnet-4-5", 7)

	require.NoError(t, relay.Start())
	assert.True(t, relay.Started())

	require.NoError(t, relay.HandleFrame(textFrame("Hi")))
	require.NoError(t, relay.HandleFrame(toolFrame("t1", "search", `{"q":"go"}`, true)))
	require.NoError(t, relay.Finish())

	body := rec.Body.String()
	for _, event := range []string{
		"event: message_start",
		"event: ping",
		"event: content_block_start",
		"event: content_block_delta",
		"event: content_block_stop",
		"event: message_delta",
		"event: message_stop",
	} {
		assert.Contains(t, body, event)
	}
	assert.Contains(t, body, `"text_delta"`)
	assert.Contains(t, body, `"input_json_delta"`)
	assert.Contains(t, body, `"stop_reason":"tool_use"`)

	// Text block at index 0, tool block at index 1.
	assert.Contains(t, body, `"index":1`)
}

func TestStreamRelayEndTurnStopReason(t *testing.T) {
	rec := httptest.NewRecorder()
	relay := NewStreamRelay(NewSSEWriter(rec), "claude-sonnet-4-5", 1)

	require.NoError(t, relay.Start())
	require.NoError(t, relay.HandleFrame(textFrame("just text")))
	require.NoError(t, relay.Finish())

	assert.Contains(t, rec.Body.String(), `"stop_reason":"end_turn"`)
	assert.Equal(t, len("just text")/charsPerToken, relay.OutputTokens())
}

func TestStreamRelaySkipsEmptyTextEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	relay := NewStreamRelay(NewSSEWriter(rec), "claude-sonnet-4-5", 1)

	require.NoError(t, relay.Start())
	require.NoError(t, relay.HandleFrame(textFrame("")))
	require.NoError(t, relay.Finish())

	assert.NotContains(t, rec.Body.String(), "content_block_start")
}
