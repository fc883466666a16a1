// Package engine implements the agentic core of Loom: the turn controller,
// stream processor, tool dispatcher, permission gate, and session stream
// registry. It consumes a model stream source and a set of capabilities and
// drives multi-turn conversations with mid-turn confirmation, per-conversation
// cancellation, and deterministic resumption.
package engine

import (
	"context"
	"encoding/json"

	"github.com/loomchat/loom/pkg/models"
)

// StreamEventType identifies an event in an incremental model response.
type StreamEventType string

const (
	// StreamTextDelta carries a fragment of visible answer text.
	StreamTextDelta StreamEventType = "text-delta"

	// StreamReasoningDelta carries a fragment of the rationale channel.
	StreamReasoningDelta StreamEventType = "reasoning-delta"

	// StreamToolInputStart signals the model began streaming a tool call's
	// arguments token by token.
	StreamToolInputStart StreamEventType = "tool-call-start"

	// StreamToolInputDelta carries a raw argument fragment. Fragment
	// boundaries are arbitrary and need not align with JSON structure.
	StreamToolInputDelta StreamEventType = "tool-call-input-delta"

	// StreamToolInputEnd signals the argument stream for one call is done.
	StreamToolInputEnd StreamEventType = "tool-call-input-end"

	// StreamToolCall is the atomic form: a complete tool call with parsed
	// arguments in one event. Providers that never stream arguments emit
	// only this form.
	StreamToolCall StreamEventType = "tool-call"

	// StreamFinish signals the model finished emitting content for the turn.
	StreamFinish StreamEventType = "finish"
)

// StreamEvent is one typed event from a model stream source.
type StreamEvent struct {
	Type StreamEventType

	// Text is the delta payload for text and reasoning events.
	Text string

	// ToolCallID identifies the call for tool events.
	ToolCallID string

	// ToolName is set on tool-call-start and atomic tool-call events.
	ToolName string

	// Fragment is the raw argument text for input-delta events.
	Fragment string

	// Args holds complete structured arguments for atomic tool-call events.
	Args json.RawMessage

	// FinishReason and Usage are set on finish events.
	FinishReason string
	Usage        *models.Usage

	// Err terminates the stream when set. Checked before all other fields.
	Err error
}

// ModelMessage is one entry of the outbound message list sent to a provider.
type ModelMessage struct {
	Role        models.Role
	Content     string
	Reasoning   string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// ToolDescriptor advertises a capability to the model.
type ToolDescriptor struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ModelRequest carries everything a provider needs for one model invocation.
type ModelRequest struct {
	Model     string
	System    string
	Messages  []ModelMessage
	Tools     []ToolDescriptor
	MaxTokens int
}

// ModelStreamSource is an opaque producer of incremental model responses.
//
// Implementations must be safe for concurrent use and must stop producing
// promptly when ctx is cancelled. The returned channel is closed after the
// finish event or a terminal error event.
type ModelStreamSource interface {
	// Stream opens one model invocation and returns its event sequence.
	Stream(ctx context.Context, req *ModelRequest) (<-chan StreamEvent, error)

	// Name returns the provider name for diagnostics.
	Name() string
}
