package engine

import (
	"errors"
	"fmt"

	"github.com/loomchat/loom/pkg/models"
)

// Sentinel errors for engine operations.
var (
	// ErrNoProvider indicates no model stream source is configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrTurnLimit indicates the run reached its maximum turn count.
	ErrTurnLimit = errors.New("turn limit reached")

	// ErrNothingToResume indicates a resume call found no resolved tool
	// calls waiting to be folded back.
	ErrNothingToResume = errors.New("nothing to resume")

	// ErrResumeConflict indicates a resume call found tool calls that are
	// still pending, streaming, executing, or awaiting confirmation.
	ErrResumeConflict = errors.New("conversation has unresolved tool calls")

	// ErrUnknownRequest indicates a permission decision referenced a
	// request id with no outstanding ask.
	ErrUnknownRequest = errors.New("unknown permission request")

	// ErrConversationBusy indicates a run is already active for the
	// conversation.
	ErrConversationBusy = errors.New("conversation already has an active run")
)

// ProviderError wraps a failure of the model stream itself. Provider errors
// are not recoverable locally: they terminate the current turn and the
// in-progress assistant message is discarded.
type ProviderError struct {
	Provider string
	Cause    error
}

func (e *ProviderError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("provider stream failed: %v", e.Cause)
	}
	return fmt.Sprintf("provider %s stream failed: %v", e.Provider, e.Cause)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// DispatchError describes why a tool call ended in failed or cancelled.
// Tool-level failures are recoverable: they become a failed tool result fed
// back to the model and never abort the conversation.
type DispatchError struct {
	Reason     models.FailureReason
	ToolID     string
	ToolCallID string
	Cause      error
	Message    string
}

func (e *DispatchError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		return fmt.Sprintf("[%s] %s", e.Reason, e.ToolID)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Reason, e.ToolID, msg)
}

func (e *DispatchError) Unwrap() error { return e.Cause }

// newDispatchError builds a DispatchError for one call.
func newDispatchError(reason models.FailureReason, call *models.ToolCall, cause error, msg string) *DispatchError {
	return &DispatchError{
		Reason:     reason,
		ToolID:     call.ToolID,
		ToolCallID: call.ID,
		Cause:      cause,
		Message:    msg,
	}
}

// FailureReasonOf extracts the dispatch failure reason from an error chain.
func FailureReasonOf(err error) models.FailureReason {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Reason
	}
	return models.FailureNone
}
