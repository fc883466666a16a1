package engine

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/loomchat/loom/pkg/models"
)

// StreamProcessor folds one model stream into an assistant message: it
// accumulates text and reasoning, buffers tool-call argument fragments until
// their input stream ends, and keeps the emission order of tool calls.
//
// It is confined to the goroutine consuming the stream and holds no locks.
type StreamProcessor struct {
	conversationID string
	messageID      string
	turnIndex      int

	emitter *Emitter
	logger  *slog.Logger

	text      strings.Builder
	reasoning strings.Builder

	order   []string
	calls   map[string]*models.ToolCall
	steps   map[string]*models.ExecutionStep
	buffers map[string]*strings.Builder

	finalized bool
}

// NewStreamProcessor creates a processor for one assistant message.
func NewStreamProcessor(conversationID, messageID string, turnIndex int, emitter *Emitter, logger *slog.Logger) *StreamProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamProcessor{
		conversationID: conversationID,
		messageID:      messageID,
		turnIndex:      turnIndex,
		emitter:        emitter,
		logger:         logger,
		calls:          make(map[string]*models.ToolCall),
		steps:          make(map[string]*models.ExecutionStep),
		buffers:        make(map[string]*strings.Builder),
	}
}

// Process applies one stream event. Finish events are handled by the caller;
// everything else routes here.
func (p *StreamProcessor) Process(ev StreamEvent) {
	switch ev.Type {
	case StreamTextDelta:
		p.onTextDelta(ev.Text)
	case StreamReasoningDelta:
		p.onReasoningDelta(ev.Text)
	case StreamToolInputStart:
		p.onToolInputStart(ev.ToolCallID, ev.ToolName)
	case StreamToolInputDelta:
		p.onToolInputDelta(ev.ToolCallID, ev.Fragment)
	case StreamToolInputEnd:
		p.onToolInputEnd(ev.ToolCallID)
	case StreamToolCall:
		p.onToolCallComplete(ev.ToolCallID, ev.ToolName, ev.Args)
	}
}

func (p *StreamProcessor) onTextDelta(text string) {
	if text == "" {
		return
	}
	p.text.WriteString(text)
	if p.emitter != nil {
		p.emitter.TextDelta(p.conversationID, p.messageID, text)
	}
}

func (p *StreamProcessor) onReasoningDelta(text string) {
	if text == "" {
		return
	}
	p.reasoning.WriteString(text)
	if p.emitter != nil {
		p.emitter.ReasoningDelta(p.conversationID, p.messageID, text)
	}
}

// onToolInputStart creates a placeholder call in input-streaming state so the
// UI can surface the step before the arguments are complete.
func (p *StreamProcessor) onToolInputStart(callID, toolName string) {
	if callID == "" {
		callID = uuid.NewString()
	}
	if _, ok := p.calls[callID]; ok {
		return
	}
	call := &models.ToolCall{
		ID:       callID,
		ToolID:   toolName,
		ToolName: toolName,
		Status:   models.ToolCallInputStreaming,
	}
	p.order = append(p.order, callID)
	p.calls[callID] = call
	p.buffers[callID] = &strings.Builder{}

	step := &models.ExecutionStep{
		ID:         uuid.NewString(),
		ToolCallID: callID,
		Title:      toolName,
		TurnIndex:  p.turnIndex,
		Status:     models.ToolCallInputStreaming,
	}
	p.steps[callID] = step

	if p.emitter != nil {
		p.emitter.ToolCall(p.conversationID, p.messageID, call)
		p.emitter.StepAdded(p.conversationID, p.messageID, step)
	}
}

// onToolInputDelta appends one raw argument fragment. Fragment boundaries are
// arbitrary, so nothing is parsed here.
func (p *StreamProcessor) onToolInputDelta(callID, fragment string) {
	buf, ok := p.buffers[callID]
	if !ok || fragment == "" {
		return
	}
	buf.WriteString(fragment)
	if call := p.calls[callID]; call != nil {
		call.StreamingArgs = buf.String()
	}
}

// onToolInputEnd parses the accumulated fragments. A call whose buffered
// arguments do not parse as JSON is discarded entirely; it never reaches the
// dispatcher, and a later atomic event for the same id is honored fresh.
func (p *StreamProcessor) onToolInputEnd(callID string) {
	call, ok := p.calls[callID]
	if !ok || call.Status != models.ToolCallInputStreaming {
		return
	}
	raw := "{}"
	if buf := p.buffers[callID]; buf != nil && buf.Len() > 0 {
		raw = buf.String()
	}
	if !json.Valid([]byte(raw)) {
		p.logger.Warn("discarding tool call with malformed streamed arguments",
			"tool_call_id", callID,
			"tool", call.ToolName,
		)
		p.discard(callID)
		return
	}
	call.Arguments = json.RawMessage(raw)
	call.StreamingArgs = ""
	call.Status = models.ToolCallPending
	delete(p.buffers, callID)

	if step := p.steps[callID]; step != nil {
		step.Status = models.ToolCallPending
		if p.emitter != nil {
			p.emitter.StepUpdated(p.conversationID, p.messageID, step)
		}
	}
	if p.emitter != nil {
		p.emitter.ToolCall(p.conversationID, p.messageID, call)
	}
}

// onToolCallComplete handles the atomic form. When a placeholder from an
// earlier input-start exists it is completed in place, keeping its position
// in the emission order.
func (p *StreamProcessor) onToolCallComplete(callID, toolName string, args json.RawMessage) {
	if callID == "" {
		callID = uuid.NewString()
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	call, ok := p.calls[callID]
	if ok {
		if call.Status != models.ToolCallInputStreaming {
			return
		}
		call.Arguments = args
		call.StreamingArgs = ""
		call.Status = models.ToolCallPending
		delete(p.buffers, callID)
	} else {
		call = &models.ToolCall{
			ID:        callID,
			ToolID:    toolName,
			ToolName:  toolName,
			Arguments: args,
			Status:    models.ToolCallPending,
		}
		p.order = append(p.order, callID)
		p.calls[callID] = call

		step := &models.ExecutionStep{
			ID:         uuid.NewString(),
			ToolCallID: callID,
			Title:      toolName,
			TurnIndex:  p.turnIndex,
			Status:     models.ToolCallPending,
		}
		p.steps[callID] = step
		if p.emitter != nil {
			p.emitter.StepAdded(p.conversationID, p.messageID, step)
		}
	}

	if step := p.steps[callID]; step != nil && step.Status != models.ToolCallPending {
		step.Status = models.ToolCallPending
		if p.emitter != nil {
			p.emitter.StepUpdated(p.conversationID, p.messageID, step)
		}
	}
	if p.emitter != nil {
		p.emitter.ToolCall(p.conversationID, p.messageID, call)
	}
}

// Finalize discards calls whose argument stream never ended. Idempotent.
func (p *StreamProcessor) Finalize() {
	if p.finalized {
		return
	}
	p.finalized = true
	for id, call := range p.calls {
		if call.Status == models.ToolCallInputStreaming {
			p.logger.Warn("discarding tool call with unterminated argument stream",
				"tool_call_id", id,
				"tool", call.ToolName,
			)
			p.discard(id)
		}
	}
}

// Text returns the accumulated visible text.
func (p *StreamProcessor) Text() string { return p.text.String() }

// Reasoning returns the accumulated rationale text.
func (p *StreamProcessor) Reasoning() string { return p.reasoning.String() }

// ToolCalls returns the completed calls in emission order.
func (p *StreamProcessor) ToolCalls() []models.ToolCall {
	out := make([]models.ToolCall, 0, len(p.order))
	for _, id := range p.order {
		if call, ok := p.calls[id]; ok {
			out = append(out, *call)
		}
	}
	return out
}

// Steps returns the execution steps in emission order.
func (p *StreamProcessor) Steps() []models.ExecutionStep {
	out := make([]models.ExecutionStep, 0, len(p.order))
	for _, id := range p.order {
		if step, ok := p.steps[id]; ok {
			out = append(out, *step)
		}
	}
	return out
}

func (p *StreamProcessor) discard(callID string) {
	delete(p.calls, callID)
	delete(p.steps, callID)
	delete(p.buffers, callID)
	for i, id := range p.order {
		if id == callID {
			p.order = append(p.order[:i:i], p.order[i+1:]...)
			break
		}
	}
}
