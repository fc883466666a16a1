package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loomchat/loom/internal/tools/policy"
	"github.com/loomchat/loom/pkg/models"
)

// Dispatcher takes the completed tool calls of one assistant message through
// their lifecycle: resolve, classify, validate, confirm when required, and
// execute. Calls are dispatched one at a time in emission order, so results
// fold back deterministically.
type Dispatcher struct {
	registry *Registry
	gate     *Gate
	emitter  *Emitter
	metrics  *Metrics
	rules    *policy.Ruleset
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. metrics may be nil.
func NewDispatcher(registry *Registry, gate *Gate, emitter *Emitter, metrics *Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		gate:     gate,
		emitter:  emitter,
		metrics:  metrics,
		rules:    policy.DefaultRuleset(),
		logger:   logger,
	}
}

// DispatchEnv is the per-message environment shared by a batch of calls.
type DispatchEnv struct {
	Conversation *models.Conversation
	MessageID    string

	// Persist writes the owning assistant message back to the store. The
	// dispatcher calls it at every observable state change, so a paused or
	// killed process can reconstruct the turn from storage alone.
	Persist func(ctx context.Context) error
}

// DispatchOutcome reports what one dispatched call means for the rest of the
// batch and the turn loop.
type DispatchOutcome struct {
	// Rejected is set when the user denied the call at the gate.
	Rejected   bool
	RejectMode RejectMode

	// Aborted is set when cancellation ended the call.
	Aborted bool
}

// Dispatch drives one tool call to a terminal state, mutating call and step
// in place. The call's result is attached to the call; a failed call carries
// an error-flagged result so the model learns why the tool did not run.
func (d *Dispatcher) Dispatch(ctx context.Context, env *DispatchEnv, call *models.ToolCall, step *models.ExecutionStep) DispatchOutcome {
	started := time.Now()

	if ctx.Err() != nil {
		d.finishCancelled(ctx, env, call, step, started)
		return DispatchOutcome{Aborted: true}
	}

	res, ok := d.registry.Resolve(call.ToolID)
	if !ok {
		d.finishFailed(ctx, env, call, step, started,
			newDispatchError(models.FailureExecution, call, nil, "tool not found"))
		return DispatchOutcome{}
	}
	cap := res.Capability

	ct := cap.Classification()
	if classifier, ok := cap.(Classifier); ok {
		ct = classifier.ClassifyArgs(call.Arguments)
	}
	call.CommandType = ct

	if !policy.Allowed(env.Conversation.Mode, ct) {
		d.finishFailed(ctx, env, call, step, started,
			newDispatchError(models.FailurePolicyBlocked, call, nil,
				fmt.Sprintf("%s call blocked in %s mode", ct, env.Conversation.Mode)))
		return DispatchOutcome{}
	}

	if err := d.registry.ValidateArgs(call.ToolID, call.Arguments); err != nil {
		d.finishFailed(ctx, env, call, step, started,
			newDispatchError(models.FailureMalformedInput, call, err, ""))
		return DispatchOutcome{}
	}

	if policy.RequiresConfirmation(ct) {
		outcome, granted := d.confirm(ctx, env, call, step, started)
		if !granted {
			return outcome
		}
	}

	d.transition(ctx, env, call, step, models.ToolCallExecuting)
	call.StartedAt = time.Now()
	if step != nil {
		step.StartedAt = call.StartedAt
	}
	d.persist(ctx, env)
	if d.emitter != nil {
		d.emitter.ToolCall(env.Conversation.ID, env.MessageID, call)
		if step != nil {
			d.emitter.StepUpdated(env.Conversation.ID, env.MessageID, step)
		}
	}

	result, err := d.execute(ctx, env, cap, call, step)
	if err != nil {
		if ctx.Err() != nil {
			d.finishCancelled(ctx, env, call, step, started)
			return DispatchOutcome{Aborted: true}
		}
		d.finishFailed(ctx, env, call, step, started,
			newDispatchError(models.FailureExecution, call, err, ""))
		return DispatchOutcome{}
	}

	result.ToolCallID = call.ID
	call.Result = result
	d.transition(ctx, env, call, step, models.ToolCallCompleted)
	call.FinishedAt = time.Now()
	if step != nil {
		if result.Diff != nil && step.Diff == nil {
			step.Diff = result.Diff
		}
		step.FinishedAt = call.FinishedAt
		if result.Content != "" && step.Output == "" {
			step.Output = result.Content
		}
	}
	d.persist(ctx, env)
	if d.emitter != nil {
		if step != nil {
			d.emitter.StepUpdated(env.Conversation.ID, env.MessageID, step)
		}
		d.emitter.ToolResult(env.Conversation.ID, env.MessageID, result)
	}
	d.metrics.observeTool(call.ToolID, string(models.ToolCallCompleted), started)
	return DispatchOutcome{}
}

// Skip marks an undispatched call as failed without running any of the
// lifecycle. Used for the remainder of a batch after a rejection.
func (d *Dispatcher) Skip(ctx context.Context, env *DispatchEnv, call *models.ToolCall, step *models.ExecutionStep) {
	d.finishFailed(ctx, env, call, step, time.Now(),
		newDispatchError(models.FailureSkipped, call, nil, "skipped: an earlier tool call in this batch was rejected"))
}

// CancelRemaining marks a batch's undispatched calls cancelled after an abort.
func (d *Dispatcher) CancelRemaining(ctx context.Context, env *DispatchEnv, calls []*models.ToolCall, steps []*models.ExecutionStep) {
	for i, call := range calls {
		if call.Status.Terminal() {
			continue
		}
		var step *models.ExecutionStep
		if i < len(steps) {
			step = steps[i]
		}
		d.finishCancelled(ctx, env, call, step, time.Now())
	}
}

// confirm suspends on the permission gate. The awaiting state is persisted
// before asking, so storage always reflects the suspension point.
func (d *Dispatcher) confirm(ctx context.Context, env *DispatchEnv, call *models.ToolCall, step *models.ExecutionStep, started time.Time) (DispatchOutcome, bool) {
	pattern, description := call.ToolID, call.ToolName
	if res, ok := d.registry.Resolve(call.ToolID); ok {
		if desc, ok := res.Capability.(ConfirmationDescriber); ok {
			pattern, description = desc.ConfirmationScope(call.Arguments)
		}
	}

	call.RequiresConfirmation = true
	d.transition(ctx, env, call, step, models.ToolCallAwaitingConfirmation)
	d.persist(ctx, env)
	if d.emitter != nil {
		d.emitter.ToolCall(env.Conversation.ID, env.MessageID, call)
		if step != nil {
			d.emitter.StepUpdated(env.Conversation.ID, env.MessageID, step)
		}
	}

	dec, err := d.gate.Ask(ctx, &Request{
		ConversationID: env.Conversation.ID,
		MessageID:      env.MessageID,
		ToolCallID:     call.ID,
		ToolID:         call.ToolID,
		ToolName:       call.ToolName,
		Pattern:        pattern,
		Description:    description,
	}, env.Conversation.Workspace)
	if err != nil {
		// ctx cancelled while suspended: implicit rejection.
		d.finishCancelled(ctx, env, call, step, started)
		return DispatchOutcome{Aborted: true}, false
	}
	d.metrics.observeDecision(dec.Kind)

	if !dec.Granted() {
		d.finishFailed(ctx, env, call, step, started,
			newDispatchError(models.FailurePermissionDenied, call, nil, "permission denied by user"))
		return DispatchOutcome{Rejected: true, RejectMode: dec.RejectMode}, false
	}
	return DispatchOutcome{}, true
}

// execute runs the capability with panic recovery and a progress sink wired
// to the call's step.
func (d *Dispatcher) execute(ctx context.Context, env *DispatchEnv, cap Capability, call *models.ToolCall, step *models.ExecutionStep) (result *models.ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool execution panicked",
				"tool", call.ToolID,
				"tool_call_id", call.ID,
				"panic", r,
			)
			result = nil
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()

	ec := &ExecContext{
		ConversationID: env.Conversation.ID,
		MessageID:      env.MessageID,
		ToolCallID:     call.ID,
		Workspace:      env.Conversation.Workspace,
		Progress: &stepSink{
			dispatcher: d,
			env:        env,
			step:       step,
		},
	}
	result, err = cap.Execute(ctx, call.Arguments, ec)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &models.ToolResult{}
	}
	return result, nil
}

func (d *Dispatcher) finishFailed(ctx context.Context, env *DispatchEnv, call *models.ToolCall, step *models.ExecutionStep, started time.Time, derr *DispatchError) {
	call.Error = derr.Error()
	call.FailureReason = derr.Reason
	call.Result = &models.ToolResult{
		ToolCallID: call.ID,
		Content:    derr.Error(),
		IsError:    true,
	}
	d.transition(ctx, env, call, step, models.ToolCallFailed)
	call.FinishedAt = time.Now()
	if step != nil {
		step.FinishedAt = call.FinishedAt
		if step.Output == "" {
			step.Output = derr.Error()
		}
	}
	d.persist(ctx, env)
	if d.emitter != nil {
		if step != nil {
			d.emitter.StepUpdated(env.Conversation.ID, env.MessageID, step)
		}
		d.emitter.ToolResult(env.Conversation.ID, env.MessageID, call.Result)
	}
	d.metrics.observeTool(call.ToolID, string(models.ToolCallFailed), started)
	d.logger.Debug("tool call failed",
		"tool", call.ToolID,
		"tool_call_id", call.ID,
		"reason", derr.Reason,
	)
}

func (d *Dispatcher) finishCancelled(ctx context.Context, env *DispatchEnv, call *models.ToolCall, step *models.ExecutionStep, started time.Time) {
	call.FailureReason = models.FailureAborted
	call.Result = &models.ToolResult{
		ToolCallID: call.ID,
		Content:    "cancelled by user",
		IsError:    true,
	}
	d.transition(ctx, env, call, step, models.ToolCallCancelled)
	call.FinishedAt = time.Now()
	if step != nil {
		step.FinishedAt = call.FinishedAt
	}
	// Persist with a fresh context: the run's own context is already gone.
	d.persist(context.WithoutCancel(ctx), env)
	if d.emitter != nil && step != nil {
		d.emitter.StepUpdated(env.Conversation.ID, env.MessageID, step)
	}
	d.metrics.observeTool(call.ToolID, string(models.ToolCallCancelled), started)
}

// transition applies a lifecycle transition, logging any attempt the state
// machine does not allow. Step status mirrors the call.
func (d *Dispatcher) transition(ctx context.Context, env *DispatchEnv, call *models.ToolCall, step *models.ExecutionStep, next models.ToolCallStatus) {
	if !call.Status.CanTransition(next) {
		d.logger.Error("illegal tool call transition",
			"tool_call_id", call.ID,
			"from", call.Status,
			"to", next,
		)
		return
	}
	call.Status = next
	if step != nil {
		step.Status = next
	}
}

func (d *Dispatcher) persist(ctx context.Context, env *DispatchEnv) {
	if env.Persist == nil {
		return
	}
	if err := env.Persist(ctx); err != nil {
		d.logger.Warn("failed to persist tool call state",
			"conversation_id", env.Conversation.ID,
			"message_id", env.MessageID,
			"error", err,
		)
	}
}

// stepSink folds capability progress into the execution step and notifies
// the UI on every change. Capabilities may report progress from multiple
// goroutines (a process's stdout and stderr copiers, for example), so every
// mutation and the snapshot emitted from it happen under one lock.
type stepSink struct {
	dispatcher *Dispatcher
	env        *DispatchEnv
	mu         sync.Mutex
	step       *models.ExecutionStep
}

func (s *stepSink) UpdateTitle(title string) {
	if title == "" || s.step == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step.Title = title
	s.emitLocked()
}

func (s *stepSink) AppendOutput(chunk string) {
	if chunk == "" || s.step == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step.Output += chunk
	s.emitLocked()
}

func (s *stepSink) SetDiff(diff *models.DiffPayload) {
	if diff == nil || s.step == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step.Diff = diff
	s.emitLocked()
}

func (s *stepSink) emitLocked() {
	if s.dispatcher.emitter != nil {
		s.dispatcher.emitter.StepUpdated(s.env.Conversation.ID, s.env.MessageID, s.step)
	}
}
