package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loomchat/loom/internal/store"
	"github.com/loomchat/loom/pkg/models"
)

// Engine is the turn controller. One Engine serves many conversations; each
// conversation has at most one run in flight, tracked by the stream registry.
type Engine struct {
	provider   ModelStreamSource
	registry   *Registry
	gate       *Gate
	dispatcher *Dispatcher
	store      store.Store
	streams    *StreamRegistry
	emitter    *Emitter
	metrics    *Metrics
	opts       Options
	logger     *slog.Logger
}

// New creates an engine. grants and metrics may be nil.
func New(provider ModelStreamSource, registry *Registry, st store.Store, grants WorkspaceGrants, metrics *Metrics, opts Options) *Engine {
	opts.sanitize()
	if registry == nil {
		registry = NewRegistry()
	}
	emitter := NewEmitter(opts.Logger)
	gate := NewGate(grants, emitter, opts.Logger)
	return &Engine{
		provider:   provider,
		registry:   registry,
		gate:       gate,
		dispatcher: NewDispatcher(registry, gate, emitter, metrics, opts.Logger),
		store:      st,
		streams:    NewStreamRegistry(),
		emitter:    emitter,
		metrics:    metrics,
		opts:       opts,
		logger:     opts.Logger,
	}
}

// Emitter returns the engine's event emitter, for attaching sinks.
func (e *Engine) Emitter() *Emitter { return e.emitter }

// Registry returns the capability registry.
func (e *Engine) Registry() *Registry { return e.registry }

// ResolvePermission supplies the decision for an outstanding permission
// request, waking the suspended dispatcher.
func (e *Engine) ResolvePermission(requestID string, dec Decision) error {
	return e.gate.Resolve(requestID, dec)
}

// PendingPermissions returns the outstanding permission requests for a
// conversation.
func (e *Engine) PendingPermissions(conversationID string) []*Request {
	return e.gate.Pending(conversationID)
}

// NewConversation creates and persists a conversation.
func (e *Engine) NewConversation(ctx context.Context, title, workspace string, mode models.OperatingMode) (*models.Conversation, error) {
	if mode == "" {
		mode = models.ModeDefault
	}
	conv := &models.Conversation{Title: title, Workspace: workspace, Mode: mode}
	if err := e.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Cancel aborts the conversation's in-flight run. The run's context is
// cancelled, which unwinds the model stream, any executing tool, and any
// suspended permission ask. Returns false when no run is active.
func (e *Engine) Cancel(conversationID string) bool {
	return e.streams.Cancel(conversationID)
}

// DismissPermissions rejects every outstanding permission ask for the
// conversation without cancelling the run.
func (e *Engine) DismissPermissions(conversationID string) {
	e.gate.CancelConversation(conversationID)
}

// Send appends a user message and runs the turn loop to completion. It blocks
// until the run finishes, aborts, or errors; UI state flows through the
// emitter while it runs. A conversation with an active run is rejected.
func (e *Engine) Send(ctx context.Context, conversationID, text string) error {
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

	user := &models.Message{
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        text,
	}
	if err := e.store.AppendMessage(ctx, conversationID, user); err != nil {
		return err
	}

	handle := e.streams.Acquire(ctx, conversationID)
	defer handle.Release()
	e.metrics.streamStarted()
	defer e.metrics.streamEnded()

	return e.run(handle.Context(), conv, 0)
}

// run is the turn loop shared by Send and Resume. startTurn seeds the turn
// index so resumed runs keep step ordering stable.
func (e *Engine) run(ctx context.Context, conv *models.Conversation, startTurn int) error {
	var total models.Usage
	lastMessageID := ""

	for turn := startTurn; turn < startTurn+e.opts.MaxTurns; turn++ {
		assistant, err := e.runTurn(ctx, conv, turn, &total)
		if assistant != nil {
			lastMessageID = assistant.ID
		}
		if err != nil {
			return err
		}
		if assistant == nil {
			// Turn ended the run (abort, completion, or stop).
			return nil
		}

		outcome := e.dispatchBatch(ctx, conv, assistant)
		if outcome.Aborted {
			// Cancelled calls still carry results, and the history must
			// pair every call with one or the next request is rejected.
			if err := e.foldResults(ctx, conv, assistant, turn); err != nil {
				e.logger.Warn("failed to fold results after abort",
					"conversation_id", conv.ID,
					"message_id", assistant.ID,
					"error", err,
				)
			}
			e.emitter.StreamComplete(conv.ID, assistant.ID, &models.StreamComplete{
				Aborted: true,
				Reason:  models.FinishAborted,
				Usage:   &total,
			})
			return nil
		}

		if err := e.foldResults(ctx, conv, assistant, turn); err != nil {
			return err
		}

		if outcome.Rejected && outcome.RejectMode == RejectStop {
			e.emitter.StreamComplete(conv.ID, assistant.ID, &models.StreamComplete{
				Reason: models.FinishStopped,
				Usage:  &total,
			})
			return nil
		}
	}

	e.logger.Warn("turn limit reached", "conversation_id", conv.ID, "max_turns", e.opts.MaxTurns)
	e.emitter.StreamComplete(conv.ID, lastMessageID, &models.StreamComplete{
		Reason: models.FinishTurnLimit,
		Usage:  &total,
	})
	return ErrTurnLimit
}

// runTurn performs one model invocation and returns the finalized assistant
// message when it carries tool calls for dispatch. A nil message with nil
// error means the run is over: the model produced a final answer or the
// stream was aborted. total accumulates usage across the run.
func (e *Engine) runTurn(ctx context.Context, conv *models.Conversation, turn int, total *models.Usage) (*models.Message, error) {
	history, err := e.store.History(ctx, conv.ID, e.opts.HistoryLimit)
	if err != nil {
		return nil, err
	}
	req := &ModelRequest{
		Model:     e.opts.Model,
		System:    e.opts.System,
		Messages:  buildModelMessages(history),
		Tools:     e.registry.Descriptors(),
		MaxTokens: e.opts.MaxTokens,
	}

	assistant := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Streaming:      true,
		TurnIndex:      turn,
	}
	if err := e.store.AppendMessage(ctx, conv.ID, assistant); err != nil {
		return nil, err
	}

	e.metrics.observeTurn()
	ch, err := e.provider.Stream(ctx, req)
	if err != nil {
		e.discardMessage(ctx, conv.ID, assistant.ID)
		perr := &ProviderError{Provider: e.provider.Name(), Cause: err}
		e.emitter.Error(conv.ID, "", perr.Error())
		e.emitter.StreamComplete(conv.ID, "", &models.StreamComplete{Reason: models.FinishError})
		return nil, perr
	}

	proc := NewStreamProcessor(conv.ID, assistant.ID, turn, e.emitter, e.logger)
	var streamErr error
	for ev := range ch {
		if ev.Err != nil {
			streamErr = ev.Err
			break
		}
		if ev.Type == StreamFinish {
			if ev.Usage != nil {
				total.Add(*ev.Usage)
			}
			continue
		}
		proc.Process(ev)
	}

	if streamErr != nil {
		if ctx.Err() != nil {
			// User abort mid-stream: keep the partial text, cancel any
			// incomplete calls, and finish cleanly.
			e.finalizeAborted(ctx, conv, assistant, proc, total)
			return nil, nil
		}
		e.discardMessage(ctx, conv.ID, assistant.ID)
		perr := &ProviderError{Provider: e.provider.Name(), Cause: streamErr}
		e.emitter.Error(conv.ID, assistant.ID, perr.Error())
		e.emitter.StreamComplete(conv.ID, assistant.ID, &models.StreamComplete{Reason: models.FinishError})
		return nil, perr
	}

	proc.Finalize()
	assistant.Content = proc.Text()
	assistant.Reasoning = proc.Reasoning()
	assistant.ToolCalls = proc.ToolCalls()
	assistant.Steps = proc.Steps()
	assistant.Streaming = false
	if err := e.store.UpdateMessage(ctx, assistant); err != nil {
		return nil, err
	}

	if len(assistant.ToolCalls) == 0 {
		e.emitter.StreamComplete(conv.ID, assistant.ID, &models.StreamComplete{
			Reason: models.FinishCompleted,
			Usage:  total,
		})
		return nil, nil
	}
	return assistant, nil
}

// dispatchBatch runs the message's tool calls sequentially in emission order.
// A rejection stops dispatch for the remainder of the batch; an abort cancels
// the remainder.
func (e *Engine) dispatchBatch(ctx context.Context, conv *models.Conversation, assistant *models.Message) DispatchOutcome {
	env := &DispatchEnv{
		Conversation: conv,
		MessageID:    assistant.ID,
		Persist: func(pctx context.Context) error {
			return e.store.UpdateMessage(pctx, assistant)
		},
	}

	var batch DispatchOutcome
	for i := range assistant.ToolCalls {
		call := &assistant.ToolCalls[i]
		step := stepFor(assistant, call.ID)

		if batch.Aborted {
			e.dispatcher.CancelRemaining(ctx, env, []*models.ToolCall{call}, []*models.ExecutionStep{step})
			continue
		}
		if batch.Rejected {
			e.dispatcher.Skip(ctx, env, call, step)
			continue
		}

		outcome := e.dispatcher.Dispatch(ctx, env, call, step)
		if outcome.Aborted {
			batch.Aborted = true
		}
		if outcome.Rejected {
			batch.Rejected = true
			batch.RejectMode = outcome.RejectMode
		}
	}
	return batch
}

// foldResults appends the tool-role message carrying the batch's results, in
// call order, so the next turn's request is deterministic.
func (e *Engine) foldResults(ctx context.Context, conv *models.Conversation, assistant *models.Message, turn int) error {
	results := make([]models.ToolResult, 0, len(assistant.ToolCalls))
	for i := range assistant.ToolCalls {
		if res := assistant.ToolCalls[i].Result; res != nil {
			results = append(results, *res)
		}
	}
	msg := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleTool,
		TurnIndex:      turn,
		ToolResults:    results,
	}
	return e.store.AppendMessage(context.WithoutCancel(ctx), conv.ID, msg)
}

// finalizeAborted persists the partial assistant message after a user abort.
// Partial text is preserved; incomplete tool calls are cancelled.
func (e *Engine) finalizeAborted(ctx context.Context, conv *models.Conversation, assistant *models.Message, proc *StreamProcessor, total *models.Usage) {
	proc.Finalize()
	assistant.Content = proc.Text()
	assistant.Reasoning = proc.Reasoning()
	assistant.ToolCalls = proc.ToolCalls()
	assistant.Steps = proc.Steps()
	assistant.Streaming = false

	now := time.Now()
	for i := range assistant.ToolCalls {
		call := &assistant.ToolCalls[i]
		if call.Status.Terminal() {
			continue
		}
		call.Status = models.ToolCallCancelled
		call.FailureReason = models.FailureAborted
		call.FinishedAt = now
		call.Result = &models.ToolResult{
			ToolCallID: call.ID,
			Content:    "cancelled by user",
			IsError:    true,
		}
		if step := stepFor(assistant, call.ID); step != nil {
			step.Status = models.ToolCallCancelled
			step.FinishedAt = now
		}
	}

	pctx := context.WithoutCancel(ctx)
	if err := e.store.UpdateMessage(pctx, assistant); err != nil {
		e.logger.Warn("failed to persist aborted message",
			"conversation_id", conv.ID,
			"message_id", assistant.ID,
			"error", err,
		)
	}
	if len(assistant.ToolCalls) > 0 {
		// Pair the cancelled calls with results so the next run's request
		// never carries a tool call without one.
		if err := e.foldResults(ctx, conv, assistant, assistant.TurnIndex); err != nil {
			e.logger.Warn("failed to fold results after abort",
				"conversation_id", conv.ID,
				"message_id", assistant.ID,
				"error", err,
			)
		}
	}
	e.emitter.StreamComplete(conv.ID, assistant.ID, &models.StreamComplete{
		Aborted: true,
		Reason:  models.FinishAborted,
		Usage:   total,
	})
}

// discardMessage removes an assistant message whose stream never produced
// durable content.
func (e *Engine) discardMessage(ctx context.Context, conversationID, messageID string) {
	pctx := context.WithoutCancel(ctx)
	if err := e.store.DeleteMessage(pctx, conversationID, messageID); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("failed to discard message",
			"conversation_id", conversationID,
			"message_id", messageID,
			"error", err,
		)
	}
}

// stepFor returns the message's step for a tool call id.
func stepFor(msg *models.Message, toolCallID string) *models.ExecutionStep {
	for i := range msg.Steps {
		if msg.Steps[i].ToolCallID == toolCallID {
			return &msg.Steps[i]
		}
	}
	return nil
}

// buildModelMessages converts stored history into the provider request shape.
// Messages still marked streaming are skipped; they belong to a run that
// never finalized.
func buildModelMessages(history []*models.Message) []ModelMessage {
	out := make([]ModelMessage, 0, len(history))
	for _, msg := range history {
		if msg.Streaming {
			continue
		}
		out = append(out, ModelMessage{
			Role:        msg.Role,
			Content:     msg.Content,
			Reasoning:   msg.Reasoning,
			ToolCalls:   msg.ToolCalls,
			ToolResults: msg.ToolResults,
		})
	}
	return out
}
