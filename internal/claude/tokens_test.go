package claude

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCharsToTokens(t *testing.T) {
	assert.Equal(t, 0, charsToTokens(0))
	assert.Equal(t, 1, charsToTokens(1), "any content is at least one token")
	assert.Equal(t, 1, charsToTokens(4))
	assert.Equal(t, 25, charsToTokens(100))
}

func TestEstimateInputTokensPlainText(t *testing.T) {
	req := &MessageRequest{
		Messages: []Message{textMessage("user", strings.Repeat("a", 400))},
	}
	assert.Equal(t, 100, EstimateInputTokens(req))
}

func TestEstimateInputTokensCountsSystemAndTools(t *testing.T) {
	system, _ := json.Marshal(strings.Repeat("s", 40))
	req := &MessageRequest{
		System:   system,
		Messages: []Message{textMessage("user", strings.Repeat("a", 40))},
		Tools: []Tool{{
			Name:        strings.Repeat("n", 10),
			Description: strings.Repeat("d", 10),
			InputSchema: json.RawMessage(strings.Repeat(" ", 20)),
		}},
	}
	assert.Equal(t, (40+40+10+10+20)/charsPerToken, EstimateInputTokens(req))
}

func TestEstimateInputTokensBlockContent(t *testing.T) {
	req := &MessageRequest{
		Messages: []Message{
			blockMessage("assistant", []ContentBlock{
				{Type: "text", Text: strings.Repeat("t", 20)},
				{Type: "tool_use", ID: "t1", Name: "x", Input: json.RawMessage(strings.Repeat("i", 20))},
			}),
			blockMessage("user", []ContentBlock{
				{Type: "tool_result", ToolUseID: "t1", Content: json.RawMessage(`"` + strings.Repeat("r", 18) + `"`)},
			}),
		},
	}
	assert.Equal(t, (20+20+18)/charsPerToken, EstimateInputTokens(req))
}

func TestEstimateTextTokens(t *testing.T) {
	assert.Equal(t, 1, EstimateTextTokens("ok"))
	assert.Equal(t, 3, EstimateTextTokens(strings.Repeat("x", 12)))
}

func TestListModels(t *testing.T) {
	list := ListModels()
	assert.NotEmpty(t, list.Data)
	assert.False(t, list.HasMore)
	assert.Equal(t, list.Data[0].ID, list.FirstID)
	assert.Equal(t, list.Data[len(list.Data)-1].ID, list.LastID)
	for _, m := range list.Data {
		assert.Equal(t, "model", m.Type)
		assert.NotEmpty(t, m.DisplayName)
	}
}
