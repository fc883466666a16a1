package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomchat/loom/internal/tools/policy"
	"github.com/loomchat/loom/pkg/models"
)

// DecisionKind is the outcome class of a permission request.
type DecisionKind string

const (
	// DecisionOnce approves this call only.
	DecisionOnce DecisionKind = "once"

	// DecisionSession approves all future matches for this conversation.
	DecisionSession DecisionKind = "session"

	// DecisionWorkspace approves all future matches for this working
	// directory, persisted beyond the conversation.
	DecisionWorkspace DecisionKind = "workspace"

	// DecisionReject denies the call.
	DecisionReject DecisionKind = "reject"
)

// RejectMode qualifies a rejection: stop the turn loop entirely, or continue
// and let the model try an alternative approach.
type RejectMode string

const (
	RejectStop     RejectMode = "stop"
	RejectContinue RejectMode = "continue"
)

// Decision is the resolution of one permission request.
type Decision struct {
	Kind       DecisionKind
	RejectMode RejectMode
}

// Granted reports whether the decision allows execution.
func (d Decision) Granted() bool {
	switch d.Kind {
	case DecisionOnce, DecisionSession, DecisionWorkspace:
		return true
	}
	return false
}

// Request identifies what a dangerous tool call wants to do, in a form the
// user can match future calls against.
type Request struct {
	ID             string
	ConversationID string
	MessageID      string
	ToolCallID     string
	ToolID         string
	ToolName       string

	// Pattern is the matchable shape of the call (a command prefix, a
	// target path). Grants are recorded against it.
	Pattern string

	// Description is display metadata for the prompt.
	Description string

	CreatedAt time.Time
}

// WorkspaceGrants persists workspace-scoped approvals beyond the process.
type WorkspaceGrants interface {
	// Has reports whether a grant covering the tool and pattern exists.
	Has(workspace, toolID, pattern string) bool

	// Add records a grant for the workspace.
	Add(workspace, toolID, pattern string) error
}

type pendingAsk struct {
	req *Request
	ch  chan Decision
}

// Gate arbitrates whether a dangerous tool call may proceed. Ask suspends the
// invoking goroutine until a decision arrives from outside the core, or
// resolves immediately when a matching session or workspace grant exists.
// Cancelling a conversation resolves its outstanding asks as implicit
// rejections, so a dispatcher never hangs on a gate call whose conversation
// no longer exists.
type Gate struct {
	mu      sync.Mutex
	session map[string]map[string][]string // conversation id -> tool id -> granted patterns
	pending map[string]*pendingAsk         // request id -> ask
	byConv  map[string]map[string]struct{} // conversation id -> request ids

	grants  WorkspaceGrants
	emitter *Emitter
	logger  *slog.Logger
}

// NewGate creates a permission gate. grants may be nil, in which case
// workspace-scoped decisions behave like session-scoped ones.
func NewGate(grants WorkspaceGrants, emitter *Emitter, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		session: make(map[string]map[string][]string),
		pending: make(map[string]*pendingAsk),
		byConv:  make(map[string]map[string]struct{}),
		grants:  grants,
		emitter: emitter,
		logger:  logger,
	}
}

// Ask requests approval for one tool call within the given workspace. It
// returns immediately when a blanket grant is on file; otherwise it emits an
// approval-required notification and suspends until Resolve supplies a
// decision or ctx is cancelled. A cancelled ctx yields a rejection decision
// together with the context error.
func (g *Gate) Ask(ctx context.Context, req *Request, workspace string) (Decision, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	if kind, ok := g.granted(req, workspace); ok {
		return Decision{Kind: kind}, nil
	}

	ask := &pendingAsk{req: req, ch: make(chan Decision, 1)}
	g.mu.Lock()
	g.pending[req.ID] = ask
	ids := g.byConv[req.ConversationID]
	if ids == nil {
		ids = make(map[string]struct{})
		g.byConv[req.ConversationID] = ids
	}
	ids[req.ID] = struct{}{}
	g.mu.Unlock()

	if g.emitter != nil {
		g.emitter.ApprovalRequired(req.ConversationID, req.MessageID, &models.ApprovalPrompt{
			RequestID:   req.ID,
			ToolID:      req.ToolID,
			ToolName:    req.ToolName,
			Pattern:     req.Pattern,
			Description: req.Description,
		})
	}

	select {
	case dec := <-ask.ch:
		g.record(req, workspace, dec)
		return dec, nil
	case <-ctx.Done():
		g.drop(req)
		return Decision{Kind: DecisionReject, RejectMode: RejectStop}, ctx.Err()
	}
}

// Resolve supplies the decision for an outstanding request.
func (g *Gate) Resolve(requestID string, dec Decision) error {
	g.mu.Lock()
	ask, ok := g.pending[requestID]
	if ok {
		delete(g.pending, requestID)
		if ids := g.byConv[ask.req.ConversationID]; ids != nil {
			delete(ids, requestID)
			if len(ids) == 0 {
				delete(g.byConv, ask.req.ConversationID)
			}
		}
	}
	g.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}
	ask.ch <- dec
	return nil
}

// Pending returns the outstanding requests for a conversation.
func (g *Gate) Pending(conversationID string) []*Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Request
	for id := range g.byConv[conversationID] {
		if ask, ok := g.pending[id]; ok {
			out = append(out, ask.req)
		}
	}
	return out
}

// CancelConversation rejects every outstanding ask for the conversation.
// Used alongside stream-handle cancellation so no dispatcher stays suspended
// for a conversation that no longer runs.
func (g *Gate) CancelConversation(conversationID string) {
	g.mu.Lock()
	var asks []*pendingAsk
	for id := range g.byConv[conversationID] {
		if ask, ok := g.pending[id]; ok {
			asks = append(asks, ask)
			delete(g.pending, id)
		}
	}
	delete(g.byConv, conversationID)
	g.mu.Unlock()

	for _, ask := range asks {
		ask.ch <- Decision{Kind: DecisionReject, RejectMode: RejectStop}
	}
}

// GrantSession records a session grant directly, without an outstanding ask.
func (g *Gate) GrantSession(conversationID, toolID, pattern string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addSessionLocked(conversationID, toolID, pattern)
}

func (g *Gate) granted(req *Request, workspace string) (DecisionKind, bool) {
	g.mu.Lock()
	patterns := g.session[req.ConversationID][req.ToolID]
	g.mu.Unlock()
	if policy.MatchAny(patterns, req.Pattern) {
		return DecisionSession, true
	}
	if g.grants != nil && workspace != "" && g.grants.Has(workspace, req.ToolID, req.Pattern) {
		return DecisionWorkspace, true
	}
	return "", false
}

func (g *Gate) record(req *Request, workspace string, dec Decision) {
	switch dec.Kind {
	case DecisionSession:
		g.mu.Lock()
		g.addSessionLocked(req.ConversationID, req.ToolID, req.Pattern)
		g.mu.Unlock()
	case DecisionWorkspace:
		if g.grants == nil || workspace == "" {
			g.mu.Lock()
			g.addSessionLocked(req.ConversationID, req.ToolID, req.Pattern)
			g.mu.Unlock()
			return
		}
		if err := g.grants.Add(workspace, req.ToolID, req.Pattern); err != nil {
			g.logger.Warn("failed to persist workspace grant",
				"error", err,
				"tool_id", req.ToolID,
				"pattern", req.Pattern,
			)
		}
	}
}

func (g *Gate) addSessionLocked(conversationID, toolID, pattern string) {
	byTool := g.session[conversationID]
	if byTool == nil {
		byTool = make(map[string][]string)
		g.session[conversationID] = byTool
	}
	for _, p := range byTool[toolID] {
		if p == pattern {
			return
		}
	}
	byTool[toolID] = append(byTool[toolID], pattern)
}

func (g *Gate) drop(req *Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, req.ID)
	if ids := g.byConv[req.ConversationID]; ids != nil {
		delete(ids, req.ID)
		if len(ids) == 0 {
			delete(g.byConv, req.ConversationID)
		}
	}
}
