package engine

import (
	"context"

	"github.com/loomchat/loom/pkg/models"
)

// Resume restarts the turn loop for an assistant message whose tool calls all
// reached a terminal state but whose results were never folded back, as after
// a process restart or a crash between dispatch and fold.
//
// The turn is reconstructed entirely from storage: the message's ordered tool
// calls carry their results, so folding them and invoking the model again is
// deterministic. Resume rejects a message with unresolved calls
// (ErrResumeConflict) and a message with nothing left to fold
// (ErrNothingToResume).
func (e *Engine) Resume(ctx context.Context, conversationID, messageID string) error {
	if e.provider == nil {
		return ErrNoProvider
	}
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if e.streams.Active(conversationID) {
		return ErrConversationBusy
	}

	msg, err := e.store.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		return err
	}
	if msg.Role != models.RoleAssistant || len(msg.ToolCalls) == 0 {
		return ErrNothingToResume
	}
	for i := range msg.ToolCalls {
		if !msg.ToolCalls[i].Status.Terminal() {
			return ErrResumeConflict
		}
	}

	// Already folded: a tool-role message following this one means the
	// results reached the model (or are about to on the next Send).
	after, err := e.store.MessagesAfter(ctx, conversationID, messageID)
	if err != nil {
		return err
	}
	for _, m := range after {
		if m.Role == models.RoleTool {
			return ErrNothingToResume
		}
	}

	handle := e.streams.Acquire(ctx, conversationID)
	defer handle.Release()
	e.metrics.streamStarted()
	defer e.metrics.streamEnded()

	rctx := handle.Context()
	if err := e.foldResults(rctx, conv, msg, msg.TurnIndex); err != nil {
		return err
	}
	e.logger.Info("resuming conversation",
		"conversation_id", conversationID,
		"message_id", messageID,
		"tool_calls", len(msg.ToolCalls),
	)
	return e.run(rctx, conv, msg.TurnIndex+1)
}
