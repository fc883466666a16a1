// Package models provides domain types for the Loom conversation engine.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// OperatingMode restricts what the engine is allowed to do in a conversation.
type OperatingMode string

const (
	// ModeDefault places no extra restrictions on tool execution.
	ModeDefault OperatingMode = "default"

	// ModePlan blocks every capability that is not read-only.
	ModePlan OperatingMode = "plan"
)

// CommandType classifies what a tool call may do to the host system.
type CommandType string

const (
	// CommandReadOnly marks calls that observe state without changing it.
	CommandReadOnly CommandType = "read-only"

	// CommandDangerous marks calls that mutate state and require confirmation
	// unless a grant is on file.
	CommandDangerous CommandType = "dangerous"

	// CommandForbidden marks calls that are never executed.
	CommandForbidden CommandType = "forbidden"
)

// ToolCallStatus is the lifecycle state of a single tool call.
type ToolCallStatus string

const (
	ToolCallInputStreaming       ToolCallStatus = "input-streaming"
	ToolCallPending              ToolCallStatus = "pending"
	ToolCallAwaitingConfirmation ToolCallStatus = "awaiting-confirmation"
	ToolCallExecuting            ToolCallStatus = "executing"
	ToolCallCompleted            ToolCallStatus = "completed"
	ToolCallFailed               ToolCallStatus = "failed"
	ToolCallCancelled            ToolCallStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s ToolCallStatus) Terminal() bool {
	switch s {
	case ToolCallCompleted, ToolCallFailed, ToolCallCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// transition. Terminal states never transition; any non-terminal state may
// move to cancelled.
func (s ToolCallStatus) CanTransition(next ToolCallStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == ToolCallCancelled {
		return true
	}
	switch s {
	case ToolCallInputStreaming:
		return next == ToolCallPending
	case ToolCallPending:
		return next == ToolCallAwaitingConfirmation || next == ToolCallExecuting || next == ToolCallFailed
	case ToolCallAwaitingConfirmation:
		return next == ToolCallExecuting || next == ToolCallFailed
	case ToolCallExecuting:
		return next == ToolCallCompleted || next == ToolCallFailed
	}
	return false
}

// FailureReason distinguishes why a tool call ended in failed or cancelled,
// so the model can be told on the next turn why a tool did not run.
type FailureReason string

const (
	FailureNone             FailureReason = ""
	FailurePolicyBlocked    FailureReason = "policy_blocked"
	FailurePermissionDenied FailureReason = "permission_denied"
	FailureAborted          FailureReason = "aborted_by_user"
	FailureExecution        FailureReason = "execution_error"
	FailureMalformedInput   FailureReason = "malformed_input"
	FailureSkipped          FailureReason = "skipped_after_rejection"
)

// ToolCall is a single invocation request/result pair. Exactly one exists per
// (conversation, message, tool-call id) triple.
type ToolCall struct {
	ID                   string          `json:"id"`
	ToolID               string          `json:"tool_id"`
	ToolName             string          `json:"tool_name"`
	Arguments            json.RawMessage `json:"arguments,omitempty"`
	StreamingArgs        string          `json:"streaming_args,omitempty"`
	Status               ToolCallStatus  `json:"status"`
	Result               *ToolResult     `json:"result,omitempty"`
	Error                string          `json:"error,omitempty"`
	FailureReason        FailureReason   `json:"failure_reason,omitempty"`
	RequiresConfirmation bool            `json:"requires_confirmation,omitempty"`
	CommandType          CommandType     `json:"command_type,omitempty"`
	StartedAt            time.Time       `json:"started_at,omitempty"`
	FinishedAt           time.Time       `json:"finished_at,omitempty"`
}

// ToolResult is the output of a tool execution, folded back into the message
// list the next model turn consumes.
type ToolResult struct {
	ToolCallID string       `json:"tool_call_id"`
	Content    string       `json:"content"`
	IsError    bool         `json:"is_error,omitempty"`
	Diff       *DiffPayload `json:"diff,omitempty"`
}

// DiffPayload is the structured diff a file-modifying capability reports
// through its progress sink. It is preserved across later status updates.
type DiffPayload struct {
	Path    string `json:"path"`
	Before  string `json:"before,omitempty"`
	After   string `json:"after,omitempty"`
	Unified string `json:"unified,omitempty"`
}

// Message holds one conversation entry: accumulated text, reasoning, the
// ordered tool calls the model emitted in that turn, and their UI steps.
// This shape alone is sufficient to reconstruct a paused turn.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Reasoning      string          `json:"reasoning,omitempty"`
	Streaming      bool            `json:"streaming,omitempty"`
	TurnIndex      int             `json:"turn_index"`
	ToolCalls      []ToolCall      `json:"tool_calls,omitempty"`
	ToolResults    []ToolResult    `json:"tool_results,omitempty"`
	Steps          []ExecutionStep `json:"steps,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Conversation is one chat thread with its workspace boundary and mode.
type Conversation struct {
	ID        string        `json:"id"`
	Title     string        `json:"title,omitempty"`
	Workspace string        `json:"workspace,omitempty"`
	Mode      OperatingMode `json:"mode,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Usage reports token consumption for one model invocation.
type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}
