package claude

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
)

// bufferPool reuses encode buffers across events.
var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// SSE event payloads.

type messageStartEvent struct {
	Type    string           `json:"type"`
	Message messageStartBody `json:"message"`
}

type messageStartBody struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason *string        `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

type contentBlockStartEvent struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

type contentBlockDeltaEvent struct {
	Type  string   `json:"type"`
	Index int      `json:"index"`
	Delta sseDelta `json:"delta"`
}

type sseDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
}

type contentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type messageDeltaEvent struct {
	Type  string           `json:"type"`
	Delta messageDeltaBody `json:"delta"`
	Usage Usage            `json:"usage"`
}

type messageDeltaBody struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

type messageStopEvent struct {
	Type string `json:"type"`
}

type pingEvent struct {
	Type string `json:"type"`
}

type errorEvent struct {
	Type  string    `json:"type"`
	Error ErrorBody `json:"error"`
}

// SSEWriter writes Claude streaming events to an HTTP response.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter wraps a response writer for SSE output.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher}
}

// WriteHeaders sets the SSE response headers.
func (s *SSEWriter) WriteHeaders() {
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Accel-Buffering", "no")
}

// WriteEvent writes one SSE event and flushes it.
func (s *SSEWriter) WriteEvent(eventType string, data any) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	buf.WriteString("event: ")
	buf.WriteString(eventType)
	buf.WriteString("\ndata: ")

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return err
	}

	// Encode already appended one newline.
	buf.WriteByte('\n')

	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return err
	}
	s.flush()
	return nil
}

// WriteMessageStart opens the stream.
func (s *SSEWriter) WriteMessageStart(messageID, model string, inputTokens int) error {
	return s.WriteEvent("message_start", messageStartEvent{
		Type: "message_start",
		Message: messageStartBody{
			ID:      messageID,
			Type:    "message",
			Role:    "assistant",
			Model:   model,
			Content: []ContentBlock{},
			Usage:   Usage{InputTokens: inputTokens},
		},
	})
}

// WriteTextBlockStart opens a text content block.
func (s *SSEWriter) WriteTextBlockStart(index int) error {
	return s.WriteEvent("content_block_start", contentBlockStartEvent{
		Type:         "content_block_start",
		Index:        index,
		ContentBlock: ContentBlock{Type: "text"},
	})
}

// WriteToolUseBlockStart opens a tool_use content block.
func (s *SSEWriter) WriteToolUseBlockStart(index int, id, name string) error {
	return s.WriteEvent("content_block_start", contentBlockStartEvent{
		Type:  "content_block_start",
		Index: index,
		ContentBlock: ContentBlock{
			Type:  "tool_use",
			ID:    id,
			Name:  name,
			Input: json.RawMessage(`{}`),
		},
	})
}

// WriteTextDelta appends text to an open text block.
func (s *SSEWriter) WriteTextDelta(index int, text string) error {
	return s.WriteEvent("content_block_delta", contentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: index,
		Delta: sseDelta{Type: "text_delta", Text: text},
	})
}

// WriteInputJSONDelta appends an input fragment to an open tool_use block.
func (s *SSEWriter) WriteInputJSONDelta(index int, partial string) error {
	return s.WriteEvent("content_block_delta", contentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: index,
		Delta: sseDelta{Type: "input_json_delta", PartialJSON: partial},
	})
}

// WriteContentBlockStop closes a content block.
func (s *SSEWriter) WriteContentBlockStop(index int) error {
	return s.WriteEvent("content_block_stop", contentBlockStopEvent{
		Type:  "content_block_stop",
		Index: index,
	})
}

// WriteMessageDelta reports the stop reason and output usage.
func (s *SSEWriter) WriteMessageDelta(stopReason string, outputTokens int) error {
	return s.WriteEvent("message_delta", messageDeltaEvent{
		Type:  "message_delta",
		Delta: messageDeltaBody{StopReason: stopReason},
		Usage: Usage{OutputTokens: outputTokens},
	})
}

// WriteMessageStop closes the stream.
func (s *SSEWriter) WriteMessageStop() error {
	return s.WriteEvent("message_stop", messageStopEvent{Type: "message_stop"})
}

// WritePing writes a keep-alive ping.
func (s *SSEWriter) WritePing() error {
	return s.WriteEvent("ping", pingEvent{Type: "ping"})
}

// WriteError writes a terminal error event.
func (s *SSEWriter) WriteError(apiErr *APIError) error {
	return s.WriteEvent("error", errorEvent{
		Type:  "error",
		Error: ErrorBody{Type: apiErr.Type, Message: apiErr.Message},
	})
}

func (s *SSEWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
