package kiro

// Event-stream header names.
const (
	HeaderMessageType   = ":message-type"
	HeaderEventType     = ":event-type"
	HeaderExceptionType = ":exception-type"
	HeaderContentType   = ":content-type"
)

// Event-stream header value types. Kiro only ever emits strings.
const (
	headerTypeString = 7
)

// Message types.
const (
	MessageTypeEvent     = "event"
	MessageTypeException = "exception"
)

// Event types emitted by generateAssistantResponse.
const (
	EventTypeAssistantResponse = "assistantResponseEvent"
	EventTypeToolUse           = "toolUseEvent"
	EventTypeMessageMetadata   = "messageMetadataEvent"
)

// AssistantEvent is the JSON payload of an assistantResponseEvent frame.
type AssistantEvent struct {
	Content string `json:"content,omitempty"`
}

// ToolUseEvent is the JSON payload of a toolUseEvent frame. Input arrives
// as string fragments across frames and is complete when Stop is set.
type ToolUseEvent struct {
	ToolUseID string `json:"toolUseId,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     string `json:"input,omitempty"`
	Stop      bool   `json:"stop,omitempty"`
}
