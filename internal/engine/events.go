package engine

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomchat/loom/pkg/models"
)

// Sink receives UI notifications. Implementations must not block: a slow
// consumer is the consumer's problem, never the turn controller's.
type Sink interface {
	Emit(ev *models.UIEvent)
}

// Emitter fans UI events out to registered sinks, stamping each with a
// process-monotonic sequence number and timestamp.
type Emitter struct {
	mu     sync.RWMutex
	sinks  []Sink
	seq    atomic.Uint64
	logger *slog.Logger
}

// NewEmitter creates an emitter with no sinks attached.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{logger: logger}
}

// AddSink registers a sink for all subsequent events.
func (e *Emitter) AddSink(s Sink) {
	if s == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Emit stamps and delivers one event to every sink.
func (e *Emitter) Emit(ev *models.UIEvent) {
	if ev == nil {
		return
	}
	ev.Sequence = e.seq.Add(1)
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.mu.RLock()
	sinks := e.sinks
	e.mu.RUnlock()
	for _, s := range sinks {
		s.Emit(ev)
	}
}

// TextDelta emits a visible-text delta notification.
func (e *Emitter) TextDelta(conversationID, messageID, text string) {
	e.Emit(&models.UIEvent{Type: models.EventTextDelta, ConversationID: conversationID, MessageID: messageID, Text: text})
}

// ReasoningDelta emits a rationale-channel delta notification.
func (e *Emitter) ReasoningDelta(conversationID, messageID, text string) {
	e.Emit(&models.UIEvent{Type: models.EventReasoningDelta, ConversationID: conversationID, MessageID: messageID, Text: text})
}

// StepAdded emits a snapshot of a newly created execution step.
func (e *Emitter) StepAdded(conversationID, messageID string, step *models.ExecutionStep) {
	snap := *step
	e.Emit(&models.UIEvent{Type: models.EventStepAdded, ConversationID: conversationID, MessageID: messageID, Step: &snap})
}

// StepUpdated emits a snapshot of a mutated execution step.
func (e *Emitter) StepUpdated(conversationID, messageID string, step *models.ExecutionStep) {
	snap := *step
	e.Emit(&models.UIEvent{Type: models.EventStepUpdated, ConversationID: conversationID, MessageID: messageID, Step: &snap})
}

// ToolCall emits a snapshot of a tool call's current state.
func (e *Emitter) ToolCall(conversationID, messageID string, call *models.ToolCall) {
	snap := *call
	e.Emit(&models.UIEvent{Type: models.EventToolCall, ConversationID: conversationID, MessageID: messageID, ToolCall: &snap})
}

// ToolResult emits a terminal tool result.
func (e *Emitter) ToolResult(conversationID, messageID string, res *models.ToolResult) {
	snap := *res
	e.Emit(&models.UIEvent{Type: models.EventToolResult, ConversationID: conversationID, MessageID: messageID, ToolResult: &snap})
}

// ApprovalRequired emits a pending permission prompt.
func (e *Emitter) ApprovalRequired(conversationID, messageID string, prompt *models.ApprovalPrompt) {
	e.Emit(&models.UIEvent{Type: models.EventApprovalRequired, ConversationID: conversationID, MessageID: messageID, Approval: prompt})
}

// StreamComplete emits the final notification for a run.
func (e *Emitter) StreamComplete(conversationID, messageID string, complete *models.StreamComplete) {
	e.Emit(&models.UIEvent{Type: models.EventStreamComplete, ConversationID: conversationID, MessageID: messageID, Complete: complete})
}

// Error emits a conversation-level error message.
func (e *Emitter) Error(conversationID, messageID, msg string) {
	e.Emit(&models.UIEvent{Type: models.EventError, ConversationID: conversationID, MessageID: messageID, Error: msg})
}

// ChannelSink buffers events on a channel for a single consumer. Events are
// dropped, and counted, when the buffer is full.
type ChannelSink struct {
	ch      chan *models.UIEvent
	dropped atomic.Uint64
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChannelSink{ch: make(chan *models.UIEvent, buffer)}
}

// Emit delivers the event without blocking.
func (s *ChannelSink) Emit(ev *models.UIEvent) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan *models.UIEvent { return s.ch }

// Dropped returns how many events were discarded due to backpressure.
func (s *ChannelSink) Dropped() uint64 { return s.dropped.Load() }
