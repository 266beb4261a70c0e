package claude

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// continueFiller is inserted where the upstream demands a turn the caller
// did not supply: the API requires a user currentMessage and a history
// that alternates user and assistant turns.
const continueFiller = "Continue"

// Upstream conversationState wire types.

type upstreamRequest struct {
	ConversationState conversationState `json:"conversationState"`
	ProfileARN        string            `json:"profileArn,omitempty"`
}

type conversationState struct {
	ChatTriggerType string         `json:"chatTriggerType"`
	ConversationID  string         `json:"conversationId"`
	CurrentMessage  historyEntry   `json:"currentMessage"`
	History         []historyEntry `json:"history,omitempty"`
}

type historyEntry struct {
	UserInputMessage         *userInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *assistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type userInputMessage struct {
	Content string                   `json:"content"`
	ModelID string                   `json:"modelId"`
	Origin  string                   `json:"origin"`
	Context *userInputMessageContext `json:"userInputMessageContext,omitempty"`
}

type userInputMessageContext struct {
	Tools       []toolSpecificationWrapper `json:"tools,omitempty"`
	ToolResults []toolResult               `json:"toolResults,omitempty"`
}

type toolSpecificationWrapper struct {
	ToolSpecification toolSpecification `json:"toolSpecification"`
}

type toolSpecification struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	InputSchema toolSchema `json:"inputSchema"`
}

type toolSchema struct {
	JSON json.RawMessage `json:"json"`
}

type toolResult struct {
	ToolUseID string              `json:"toolUseId"`
	Content   []toolResultContent `json:"content"`
	Status    string              `json:"status"`
}

type toolResultContent struct {
	Text string `json:"text"`
}

type assistantResponseMessage struct {
	Content  string             `json:"content"`
	ToolUses []assistantToolUse `json:"toolUses,omitempty"`
}

type assistantToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// BuildUpstreamBody converts a Claude Messages request into the Kiro
// conversationState body. The system prompt is folded into the first user
// turn, prior turns become history with alternation enforced, and the
// final user turn carries tool definitions and tool results.
func BuildUpstreamBody(req *MessageRequest, upstreamModel, profileARN string) ([]byte, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("no messages in request")
	}

	newUserEntry := func(content string) historyEntry {
		return historyEntry{UserInputMessage: &userInputMessage{
			Content: content,
			ModelID: upstreamModel,
			Origin:  "AI_EDITOR",
		}}
	}

	var history []historyEntry
	messages := req.Messages
	system := req.SystemText()
	systemConsumed := system == ""

	// Fold the system prompt into the first user turn, or prepend it as
	// its own turn when the conversation opens with the assistant.
	if system != "" && len(messages) > 1 {
		if messages[0].Role == "user" {
			content, results := splitUserContent(messages[0])
			entry := newUserEntry(system + "\n\n" + content)
			if len(results) > 0 {
				ensureContext(&entry).ToolResults = results
			}
			history = append(history, entry)
			messages = messages[1:]
		} else {
			history = append(history, newUserEntry(system))
		}
		systemConsumed = true
	}

	// All turns but the last become history, alternation enforced.
	for i := 0; i < len(messages)-1; i++ {
		msg := messages[i]
		switch msg.Role {
		case "user":
			if n := len(history); n > 0 && history[n-1].UserInputMessage != nil {
				history = append(history, assistantFiller())
			}
			content, results := splitUserContent(msg)
			if content == "" {
				content = continueFiller
			}
			entry := newUserEntry(content)
			if len(results) > 0 {
				ensureContext(&entry).ToolResults = results
			}
			history = append(history, entry)
		case "assistant":
			if n := len(history); n == 0 || history[n-1].AssistantResponseMessage != nil {
				history = append(history, newUserEntry(continueFiller))
			}
			history = append(history, assistantEntry(msg))
		}
	}

	// The final turn becomes currentMessage, which must be a user turn.
	last := messages[len(messages)-1]
	var current historyEntry
	if last.Role == "assistant" {
		if n := len(history); n == 0 || history[n-1].AssistantResponseMessage != nil {
			history = append(history, newUserEntry(continueFiller))
		}
		history = append(history, assistantEntry(last))
		current = newUserEntry(continueFiller)
	} else {
		content, results := splitUserContent(last)
		if !systemConsumed {
			content = system + "\n\n" + content
		}
		if content == "" {
			content = continueFiller
		}
		current = newUserEntry(content)
		if len(results) > 0 {
			ensureContext(&current).ToolResults = results
		}
	}

	// History must close on an assistant turn before the user currentMessage.
	if n := len(history); n > 0 && history[n-1].UserInputMessage != nil {
		history = append(history, assistantFiller())
	}

	if len(req.Tools) > 0 {
		ctx := ensureContext(&current)
		for _, tool := range req.Tools {
			schema := tool.InputSchema
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object"}`)
			}
			ctx.Tools = append(ctx.Tools, toolSpecificationWrapper{
				ToolSpecification: toolSpecification{
					Name:        tool.Name,
					Description: tool.Description,
					InputSchema: toolSchema{JSON: schema},
				},
			})
		}
	}

	return json.Marshal(upstreamRequest{
		ConversationState: conversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  uuid.New().String(),
			CurrentMessage:  current,
			History:         history,
		},
		ProfileARN: profileARN,
	})
}

func ensureContext(entry *historyEntry) *userInputMessageContext {
	if entry.UserInputMessage.Context == nil {
		entry.UserInputMessage.Context = &userInputMessageContext{}
	}
	return entry.UserInputMessage.Context
}

func assistantFiller() historyEntry {
	return historyEntry{
		AssistantResponseMessage: &assistantResponseMessage{Content: continueFiller},
	}
}

// assistantEntry converts an assistant turn, carrying its tool uses.
func assistantEntry(msg Message) historyEntry {
	resp := &assistantResponseMessage{}
	for _, block := range msg.Blocks() {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			resp.ToolUses = append(resp.ToolUses, assistantToolUse{
				ToolUseID: block.ID,
				Name:      block.Name,
				Input:     input,
			})
		}
	}
	if resp.Content == "" && len(resp.ToolUses) == 0 {
		resp.Content = continueFiller
	}
	return historyEntry{AssistantResponseMessage: resp}
}

// splitUserContent separates a user turn into its text and tool results.
// Images are tolerated but dropped, the upstream has no equivalent.
func splitUserContent(msg Message) (string, []toolResult) {
	var (
		content string
		results []toolResult
	)
	for _, block := range msg.Blocks() {
		switch block.Type {
		case "text":
			content += block.Text
		case "tool_result":
			status := "success"
			if block.IsError {
				status = "error"
			}
			results = append(results, toolResult{
				ToolUseID: block.ToolUseID,
				Content:   []toolResultContent{{Text: flattenText(block.Content)}},
				Status:    status,
			})
		}
	}
	return content, results
}
