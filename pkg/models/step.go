package models

import "time"

// ExecutionStep is the UI-facing trace record for one tool call. It mirrors
// the call's status and orders itself against interleaved text via TurnIndex.
// Its status is always derivable from the owning ToolCall.
type ExecutionStep struct {
	ID         string         `json:"id"`
	ToolCallID string         `json:"tool_call_id"`
	Title      string         `json:"title"`
	TurnIndex  int            `json:"turn_index"`
	Status     ToolCallStatus `json:"status"`
	Output     string         `json:"output,omitempty"`
	Diff       *DiffPayload   `json:"diff,omitempty"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
}
