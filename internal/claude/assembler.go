package claude

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/kiro-gateway/internal/kiro"
)

// upstreamException is the payload of an exception frame.
type upstreamException struct {
	Message string `json:"message"`
}

// exceptionError converts an exception frame to an APIError.
func exceptionError(frame *kiro.Frame) *APIError {
	var exc upstreamException
	_ = json.Unmarshal(frame.Payload, &exc)
	msg := exc.Message
	if msg == "" {
		msg = strings.TrimSpace(string(frame.Payload))
	}
	name := frame.ExceptionType()
	if name == "" {
		name = "UnknownException"
	}
	if strings.Contains(name, "Throttling") {
		return NewRateLimitError(fmt.Sprintf("%s: %s", name, msg))
	}
	return NewAPIError(fmt.Sprintf("%s: %s", name, msg))
}

// toolUseState accumulates one tool call across frames.
type toolUseState struct {
	id    string
	name  string
	input strings.Builder
}

func (t *toolUseState) block() ContentBlock {
	input := strings.TrimSpace(t.input.String())
	if input == "" || !json.Valid([]byte(input)) {
		input = "{}"
	}
	return ContentBlock{
		Type:  "tool_use",
		ID:    t.id,
		Name:  t.name,
		Input: json.RawMessage(input),
	}
}

// Assembler collects decoded frames into a complete unary response.
type Assembler struct {
	model       string
	messageID   string
	inputTokens int

	text    strings.Builder
	blocks  []ContentBlock
	tool    *toolUseState
	hadTool bool
}

// NewAssembler builds an assembler for one response. inputTokens is the
// estimate recorded before dispatch; the upstream reports no usage.
func NewAssembler(model string, inputTokens int) *Assembler {
	return &Assembler{
		model:       model,
		messageID:   NewMessageID(),
		inputTokens: inputTokens,
	}
}

// MessageID returns the minted message id.
func (a *Assembler) MessageID() string {
	return a.messageID
}

// HandleFrame folds one frame into the response. Exception frames return
// the upstream error.
func (a *Assembler) HandleFrame(frame *kiro.Frame) error {
	if frame.IsException() {
		return exceptionError(frame)
	}

	switch frame.EventType() {
	case kiro.EventTypeAssistantResponse:
		var ev kiro.AssistantEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			return fmt.Errorf("malformed assistant event: %w", err)
		}
		a.closeTool()
		a.text.WriteString(ev.Content)

	case kiro.EventTypeToolUse:
		var ev kiro.ToolUseEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			return fmt.Errorf("malformed tool use event: %w", err)
		}
		a.handleToolUse(&ev)
	}
	return nil
}

func (a *Assembler) handleToolUse(ev *kiro.ToolUseEvent) {
	if a.tool == nil || (ev.ToolUseID != "" && ev.ToolUseID != a.tool.id) {
		a.closeTool()
		a.flushText()
		a.tool = &toolUseState{id: ev.ToolUseID, name: ev.Name}
	}
	if ev.Name != "" {
		a.tool.name = ev.Name
	}
	a.tool.input.WriteString(ev.Input)
	if ev.Stop {
		a.closeTool()
	}
}

func (a *Assembler) flushText() {
	if a.text.Len() > 0 {
		a.blocks = append(a.blocks, ContentBlock{Type: "text", Text: a.text.String()})
		a.text.Reset()
	}
}

func (a *Assembler) closeTool() {
	if a.tool == nil {
		return
	}
	a.blocks = append(a.blocks, a.tool.block())
	a.tool = nil
	a.hadTool = true
}

// Build finalizes the response. Output tokens are estimated from the
// assembled content.
func (a *Assembler) Build() *MessageResponse {
	a.closeTool()
	a.flushText()

	stopReason := "end_turn"
	if a.hadTool {
		stopReason = "tool_use"
	}

	var outputChars int
	for _, block := range a.blocks {
		outputChars += len(block.Text) + len(block.Input)
	}

	content := a.blocks
	if content == nil {
		content = []ContentBlock{}
	}

	return &MessageResponse{
		ID:         a.messageID,
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      a.model,
		StopReason: stopReason,
		Usage: Usage{
			InputTokens:  a.inputTokens,
			OutputTokens: charsToTokens(outputChars),
		},
	}
}

// StreamRelay translates decoded frames into Claude SSE events as they
// arrive.
type StreamRelay struct {
	sse         *SSEWriter
	model       string
	messageID   string
	inputTokens int

	index       int
	textOpen    bool
	toolOpen    bool
	toolID      string
	hadTool     bool
	outputChars int
	started     bool
}

// NewStreamRelay builds a relay writing to sse.
func NewStreamRelay(sse *SSEWriter, model string, inputTokens int) *StreamRelay {
	return &StreamRelay{
		sse:         sse,
		model:       model,
		messageID:   NewMessageID(),
		inputTokens: inputTokens,
	}
}

// MessageID returns the minted message id.
func (r *StreamRelay) MessageID() string {
	return r.messageID
}

// Start emits message_start and the initial ping.
func (r *StreamRelay) Start() error {
	if err := r.sse.WriteMessageStart(r.messageID, r.model, r.inputTokens); err != nil {
		return err
	}
	r.started = true
	return r.sse.WritePing()
}

// HandleFrame relays one frame. Exception frames return the upstream
// error without writing; the caller decides how to surface it.
func (r *StreamRelay) HandleFrame(frame *kiro.Frame) error {
	if frame.IsException() {
		return exceptionError(frame)
	}

	switch frame.EventType() {
	case kiro.EventTypeAssistantResponse:
		var ev kiro.AssistantEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			return fmt.Errorf("malformed assistant event: %w", err)
		}
		if ev.Content == "" {
			return nil
		}
		if err := r.closeToolBlock(); err != nil {
			return err
		}
		if !r.textOpen {
			if err := r.sse.WriteTextBlockStart(r.index); err != nil {
				return err
			}
			r.textOpen = true
		}
		r.outputChars += len(ev.Content)
		return r.sse.WriteTextDelta(r.index, ev.Content)

	case kiro.EventTypeToolUse:
		var ev kiro.ToolUseEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			return fmt.Errorf("malformed tool use event: %w", err)
		}
		return r.relayToolUse(&ev)
	}
	return nil
}

func (r *StreamRelay) relayToolUse(ev *kiro.ToolUseEvent) error {
	if r.toolOpen && ev.ToolUseID != "" && ev.ToolUseID != r.toolID {
		if err := r.closeToolBlock(); err != nil {
			return err
		}
	}
	if !r.toolOpen {
		if err := r.closeTextBlock(); err != nil {
			return err
		}
		if err := r.sse.WriteToolUseBlockStart(r.index, ev.ToolUseID, ev.Name); err != nil {
			return err
		}
		r.toolOpen = true
		r.toolID = ev.ToolUseID
		r.hadTool = true
	}
	if ev.Input != "" {
		r.outputChars += len(ev.Input)
		if err := r.sse.WriteInputJSONDelta(r.index, ev.Input); err != nil {
			return err
		}
	}
	if ev.Stop {
		return r.closeToolBlock()
	}
	return nil
}

func (r *StreamRelay) closeTextBlock() error {
	if !r.textOpen {
		return nil
	}
	if err := r.sse.WriteContentBlockStop(r.index); err != nil {
		return err
	}
	r.textOpen = false
	r.index++
	return nil
}

func (r *StreamRelay) closeToolBlock() error {
	if !r.toolOpen {
		return nil
	}
	if err := r.sse.WriteContentBlockStop(r.index); err != nil {
		return err
	}
	r.toolOpen = false
	r.toolID = ""
	r.index++
	return nil
}

// Started reports whether message_start was written.
func (r *StreamRelay) Started() bool {
	return r.started
}

// Finish closes open blocks and emits message_delta plus message_stop.
func (r *StreamRelay) Finish() error {
	if err := r.closeTextBlock(); err != nil {
		return err
	}
	if err := r.closeToolBlock(); err != nil {
		return err
	}

	stopReason := "end_turn"
	if r.hadTool {
		stopReason = "tool_use"
	}
	if err := r.sse.WriteMessageDelta(stopReason, charsToTokens(r.outputChars)); err != nil {
		return err
	}
	return r.sse.WriteMessageStop()
}

// OutputTokens reports the estimated output tokens relayed so far.
func (r *StreamRelay) OutputTokens() int {
	return charsToTokens(r.outputChars)
}
