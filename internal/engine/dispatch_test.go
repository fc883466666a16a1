package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/loomchat/loom/pkg/models"
)

// fakeCap is a configurable test capability.
type fakeCap struct {
	name     string
	class    models.CommandType
	schema   json.RawMessage
	classify func(json.RawMessage) models.CommandType
	scope    func(json.RawMessage) (string, string)
	execute  func(ctx context.Context, args json.RawMessage, ec *ExecContext) (*models.ToolResult, error)
}

func (f *fakeCap) Name() string                       { return f.name }
func (f *fakeCap) Description() string                { return "test capability" }
func (f *fakeCap) Schema() json.RawMessage            { return f.schema }
func (f *fakeCap) Classification() models.CommandType { return f.class }

func (f *fakeCap) Execute(ctx context.Context, args json.RawMessage, ec *ExecContext) (*models.ToolResult, error) {
	if f.execute != nil {
		return f.execute(ctx, args, ec)
	}
	return &models.ToolResult{Content: "ok"}, nil
}

// classifierCap adds per-call classification.
type classifierCap struct{ *fakeCap }

func (c *classifierCap) ClassifyArgs(args json.RawMessage) models.CommandType {
	return c.classify(args)
}

// describerCap adds a confirmation scope.
type describerCap struct{ *fakeCap }

func (d *describerCap) ConfirmationScope(args json.RawMessage) (string, string) {
	return d.scope(args)
}

func newDispatchFixture(caps ...Capability) (*Dispatcher, *Gate, *DispatchEnv) {
	registry := NewRegistry()
	for _, c := range caps {
		registry.Register(c)
	}
	emitter := NewEmitter(nil)
	gate := NewGate(nil, emitter, nil)
	d := NewDispatcher(registry, gate, emitter, nil, nil)
	env := &DispatchEnv{
		Conversation: &models.Conversation{ID: "conv-1", Workspace: "/ws", Mode: models.ModeDefault},
		MessageID:    "msg-1",
	}
	return d, gate, env
}

func pendingCall(tool string, args string) (*models.ToolCall, *models.ExecutionStep) {
	call := &models.ToolCall{
		ID:        "tc-1",
		ToolID:    tool,
		ToolName:  tool,
		Arguments: json.RawMessage(args),
		Status:    models.ToolCallPending,
	}
	step := &models.ExecutionStep{ID: "st-1", ToolCallID: "tc-1", Title: tool, Status: models.ToolCallPending}
	return call, step
}

func TestDispatchUnknownTool(t *testing.T) {
	d, _, env := newDispatchFixture()
	call, step := pendingCall("missing", `{}`)

	out := d.Dispatch(context.Background(), env, call, step)

	if out.Rejected || out.Aborted {
		t.Errorf("outcome = %+v", out)
	}
	if call.Status != models.ToolCallFailed {
		t.Errorf("status = %v, want failed", call.Status)
	}
	if call.FailureReason != models.FailureExecution {
		t.Errorf("reason = %v", call.FailureReason)
	}
	if call.Result == nil || !call.Result.IsError {
		t.Error("failed call must carry an error result")
	}
}

func TestDispatchReadOnlyRunsWithoutConfirmation(t *testing.T) {
	d, gate, env := newDispatchFixture(&fakeCap{name: "read_file", class: models.CommandReadOnly})
	call, step := pendingCall("read_file", `{}`)

	out := d.Dispatch(context.Background(), env, call, step)

	if out.Rejected || out.Aborted {
		t.Errorf("outcome = %+v", out)
	}
	if call.Status != models.ToolCallCompleted {
		t.Errorf("status = %v, want completed", call.Status)
	}
	if call.Result == nil || call.Result.Content != "ok" {
		t.Errorf("result = %+v", call.Result)
	}
	if len(gate.Pending("conv-1")) != 0 {
		t.Error("read-only call must not reach the gate")
	}
	if step.Status != models.ToolCallCompleted {
		t.Errorf("step status = %v", step.Status)
	}
}

func TestDispatchPlanModeBlocksDangerous(t *testing.T) {
	d, _, env := newDispatchFixture(&fakeCap{name: "exec", class: models.CommandDangerous})
	env.Conversation.Mode = models.ModePlan
	call, step := pendingCall("exec", `{}`)

	d.Dispatch(context.Background(), env, call, step)

	if call.Status != models.ToolCallFailed {
		t.Errorf("status = %v, want failed", call.Status)
	}
	if call.FailureReason != models.FailurePolicyBlocked {
		t.Errorf("reason = %v, want policy_blocked", call.FailureReason)
	}
}

func TestDispatchForbiddenAlwaysBlocked(t *testing.T) {
	cap := &classifierCap{&fakeCap{
		name:  "exec",
		class: models.CommandDangerous,
		classify: func(json.RawMessage) models.CommandType {
			return models.CommandForbidden
		},
	}}
	d, _, env := newDispatchFixture(cap)
	call, step := pendingCall("exec", `{"command":"sudo rm"}`)

	d.Dispatch(context.Background(), env, call, step)

	if call.FailureReason != models.FailurePolicyBlocked {
		t.Errorf("reason = %v, want policy_blocked", call.FailureReason)
	}
	if call.CommandType != models.CommandForbidden {
		t.Errorf("command type = %v", call.CommandType)
	}
}

func TestDispatchSchemaValidationFailure(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`)
	d, _, env := newDispatchFixture(&fakeCap{name: "read_file", class: models.CommandReadOnly, schema: schema})
	call, step := pendingCall("read_file", `{"wrong":1}`)

	d.Dispatch(context.Background(), env, call, step)

	if call.Status != models.ToolCallFailed {
		t.Errorf("status = %v, want failed", call.Status)
	}
	if call.FailureReason != models.FailureMalformedInput {
		t.Errorf("reason = %v, want malformed_input", call.FailureReason)
	}
}

func TestDispatchConfirmationGranted(t *testing.T) {
	executed := false
	cap := &fakeCap{
		name:  "exec",
		class: models.CommandDangerous,
		execute: func(ctx context.Context, args json.RawMessage, ec *ExecContext) (*models.ToolResult, error) {
			executed = true
			return &models.ToolResult{Content: "done"}, nil
		},
	}
	d, gate, env := newDispatchFixture(cap)
	call, step := pendingCall("exec", `{}`)

	go func() {
		waitFor(t, func() bool { return len(gate.Pending("conv-1")) == 1 })
		req := gate.Pending("conv-1")[0]
		gate.Resolve(req.ID, Decision{Kind: DecisionOnce})
	}()

	out := d.Dispatch(context.Background(), env, call, step)

	if out.Rejected {
		t.Error("granted call reported as rejected")
	}
	if !executed {
		t.Error("capability never executed")
	}
	if call.Status != models.ToolCallCompleted {
		t.Errorf("status = %v", call.Status)
	}
	if !call.RequiresConfirmation {
		t.Error("RequiresConfirmation not recorded")
	}
}

func TestDispatchConfirmationRejected(t *testing.T) {
	d, gate, env := newDispatchFixture(&fakeCap{name: "exec", class: models.CommandDangerous})
	call, step := pendingCall("exec", `{}`)

	go func() {
		waitFor(t, func() bool { return len(gate.Pending("conv-1")) == 1 })
		req := gate.Pending("conv-1")[0]
		gate.Resolve(req.ID, Decision{Kind: DecisionReject, RejectMode: RejectContinue})
	}()

	out := d.Dispatch(context.Background(), env, call, step)

	if !out.Rejected || out.RejectMode != RejectContinue {
		t.Errorf("outcome = %+v", out)
	}
	if call.Status != models.ToolCallFailed {
		t.Errorf("status = %v, want failed", call.Status)
	}
	if call.FailureReason != models.FailurePermissionDenied {
		t.Errorf("reason = %v", call.FailureReason)
	}
}

func TestDispatchConfirmationScopePattern(t *testing.T) {
	cap := &describerCap{&fakeCap{
		name:  "exec",
		class: models.CommandDangerous,
		scope: func(json.RawMessage) (string, string) {
			return "rm*", "rm -rf build"
		},
	}}
	d, gate, env := newDispatchFixture(cap)
	call, step := pendingCall("exec", `{"command":"rm -rf build"}`)

	go func() {
		waitFor(t, func() bool { return len(gate.Pending("conv-1")) == 1 })
		req := gate.Pending("conv-1")[0]
		if req.Pattern != "rm*" {
			t.Errorf("pattern = %q, want rm*", req.Pattern)
		}
		gate.Resolve(req.ID, Decision{Kind: DecisionSession})
	}()

	d.Dispatch(context.Background(), env, call, step)

	// The session grant now covers a second identical call without asking.
	call2, step2 := pendingCall("exec", `{"command":"rm -rf build"}`)
	call2.ID = "tc-2"
	out := d.Dispatch(context.Background(), env, call2, step2)
	if out.Rejected {
		t.Error("session grant did not cover second call")
	}
	if call2.Status != models.ToolCallCompleted {
		t.Errorf("second call status = %v", call2.Status)
	}
}

func TestDispatchCancelledContext(t *testing.T) {
	d, _, env := newDispatchFixture(&fakeCap{name: "exec", class: models.CommandReadOnly})
	call, step := pendingCall("exec", `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := d.Dispatch(ctx, env, call, step)

	if !out.Aborted {
		t.Error("expected aborted outcome")
	}
	if call.Status != models.ToolCallCancelled {
		t.Errorf("status = %v, want cancelled", call.Status)
	}
	if call.FailureReason != models.FailureAborted {
		t.Errorf("reason = %v", call.FailureReason)
	}
}

func TestDispatchCancelDuringConfirmation(t *testing.T) {
	d, gate, env := newDispatchFixture(&fakeCap{name: "exec", class: models.CommandDangerous})
	call, step := pendingCall("exec", `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitFor(t, func() bool { return len(gate.Pending("conv-1")) == 1 })
		cancel()
	}()

	out := d.Dispatch(ctx, env, call, step)

	if !out.Aborted {
		t.Error("expected aborted outcome")
	}
	if call.Status != models.ToolCallCancelled {
		t.Errorf("status = %v, want cancelled", call.Status)
	}
}

func TestDispatchExecutionPanicBecomesFailure(t *testing.T) {
	cap := &fakeCap{
		name:  "exec",
		class: models.CommandReadOnly,
		execute: func(ctx context.Context, args json.RawMessage, ec *ExecContext) (*models.ToolResult, error) {
			panic("boom")
		},
	}
	d, _, env := newDispatchFixture(cap)
	call, step := pendingCall("exec", `{}`)

	out := d.Dispatch(context.Background(), env, call, step)

	if out.Aborted || out.Rejected {
		t.Errorf("outcome = %+v", out)
	}
	if call.Status != models.ToolCallFailed {
		t.Errorf("status = %v, want failed", call.Status)
	}
	if call.FailureReason != models.FailureExecution {
		t.Errorf("reason = %v", call.FailureReason)
	}
}

func TestDispatchSkip(t *testing.T) {
	d, _, env := newDispatchFixture()
	call, step := pendingCall("exec", `{}`)

	d.Skip(context.Background(), env, call, step)

	if call.Status != models.ToolCallFailed {
		t.Errorf("status = %v, want failed", call.Status)
	}
	if call.FailureReason != models.FailureSkipped {
		t.Errorf("reason = %v, want skipped_after_rejection", call.FailureReason)
	}
}

func TestDispatchProgressSinkDiffPreserved(t *testing.T) {
	diff := &models.DiffPayload{Path: "a.txt", Unified: "-x\n+y\n"}
	cap := &fakeCap{
		name:  "edit_file",
		class: models.CommandReadOnly,
		execute: func(ctx context.Context, args json.RawMessage, ec *ExecContext) (*models.ToolResult, error) {
			ec.Progress.UpdateTitle("edit a.txt")
			ec.Progress.SetDiff(diff)
			ec.Progress.AppendOutput("patched")
			return &models.ToolResult{Content: "patched", Diff: diff}, nil
		},
	}
	d, _, env := newDispatchFixture(cap)
	call, step := pendingCall("edit_file", `{}`)

	d.Dispatch(context.Background(), env, call, step)

	if step.Diff == nil || step.Diff.Path != "a.txt" {
		t.Errorf("step diff = %+v", step.Diff)
	}
	if step.Title != "edit a.txt" {
		t.Errorf("step title = %q", step.Title)
	}
	if step.Output != "patched" {
		t.Errorf("step output = %q", step.Output)
	}
}

func TestDispatchProgressFromConcurrentGoroutines(t *testing.T) {
	// A subprocess capability reports stdout and stderr from separate copier
	// goroutines; the sink must absorb both streams without losing chunks.
	const chunks = 100
	cap := &fakeCap{
		name:  "exec",
		class: models.CommandReadOnly,
		execute: func(ctx context.Context, args json.RawMessage, ec *ExecContext) (*models.ToolResult, error) {
			var wg sync.WaitGroup
			for _, chunk := range []string{"a", "b"} {
				wg.Add(1)
				go func(chunk string) {
					defer wg.Done()
					for i := 0; i < chunks; i++ {
						ec.Progress.AppendOutput(chunk)
					}
				}(chunk)
			}
			wg.Wait()
			return &models.ToolResult{Content: "done"}, nil
		},
	}
	d, _, env := newDispatchFixture(cap)
	call, step := pendingCall("exec", `{}`)

	out := d.Dispatch(context.Background(), env, call, step)

	if out.Aborted || out.Rejected {
		t.Errorf("outcome = %+v", out)
	}
	if call.Status != models.ToolCallCompleted {
		t.Errorf("status = %v", call.Status)
	}
	if got := strings.Count(step.Output, "a"); got != chunks {
		t.Errorf("stream one delivered %d chunks, want %d", got, chunks)
	}
	if got := strings.Count(step.Output, "b"); got != chunks {
		t.Errorf("stream two delivered %d chunks, want %d", got, chunks)
	}
}

func TestDispatchWithoutStep(t *testing.T) {
	d, _, env := newDispatchFixture(&fakeCap{name: "read_file", class: models.CommandReadOnly})
	call, _ := pendingCall("read_file", `{}`)

	out := d.Dispatch(context.Background(), env, call, nil)

	if out.Aborted || out.Rejected {
		t.Errorf("outcome = %+v", out)
	}
	if call.Status != models.ToolCallCompleted {
		t.Errorf("status = %v, want completed", call.Status)
	}
	if call.Result == nil || call.Result.Content != "ok" {
		t.Errorf("result = %+v", call.Result)
	}
}
