package models

import "time"

// UIEventType identifies the kind of notification crossing the boundary to
// the presentation layer.
type UIEventType string

const (
	EventTextDelta        UIEventType = "text-delta"
	EventReasoningDelta   UIEventType = "reasoning-delta"
	EventStepAdded        UIEventType = "step-added"
	EventStepUpdated      UIEventType = "step-updated"
	EventToolCall         UIEventType = "tool-call"
	EventToolResult       UIEventType = "tool-result"
	EventApprovalRequired UIEventType = "approval-required"
	EventStreamComplete   UIEventType = "stream-complete"
	EventError            UIEventType = "error"
)

// FinishReason explains why a turn-controller run ended.
type FinishReason string

const (
	FinishCompleted FinishReason = "completed"
	FinishAborted   FinishReason = "aborted"
	FinishStopped   FinishReason = "stopped"
	FinishTurnLimit FinishReason = "turn_limit"
	FinishError     FinishReason = "error"
)

// StreamComplete is the payload of the final notification for a run.
type StreamComplete struct {
	Aborted bool         `json:"aborted,omitempty"`
	Reason  FinishReason `json:"reason,omitempty"`
	Usage   *Usage       `json:"usage,omitempty"`
}

// ApprovalPrompt describes a pending permission request for display.
type ApprovalPrompt struct {
	RequestID   string `json:"request_id"`
	ToolID      string `json:"tool_id"`
	ToolName    string `json:"tool_name"`
	Pattern     string `json:"pattern,omitempty"`
	Description string `json:"description,omitempty"`
}

// UIEvent is a single notification to the presentation layer. Exactly one
// payload field is set for a given Type; Sequence is monotonic per process
// so consumers can re-order across goroutines.
type UIEvent struct {
	Type           UIEventType     `json:"type"`
	Sequence       uint64          `json:"seq"`
	Time           time.Time       `json:"time"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	Text           string          `json:"text,omitempty"`
	Step           *ExecutionStep  `json:"step,omitempty"`
	ToolCall       *ToolCall       `json:"tool_call,omitempty"`
	ToolResult     *ToolResult     `json:"tool_result,omitempty"`
	Approval       *ApprovalPrompt `json:"approval,omitempty"`
	Complete       *StreamComplete `json:"complete,omitempty"`
	Error          string          `json:"error,omitempty"`
}
