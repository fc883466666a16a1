package engine

import (
	"context"
	"sync"
)

// StreamHandle is the per-conversation cancellation token. Exactly one live
// handle exists per conversation id; a new turn-controller run replaces (and
// cancels) the previous one. Holders release it exactly once.
type StreamHandle struct {
	conversationID string
	ctx            context.Context
	cancel         context.CancelFunc
	registry       *StreamRegistry
	release        sync.Once
}

// Context returns the context cancelled when this conversation is aborted.
func (h *StreamHandle) Context() context.Context { return h.ctx }

// ConversationID returns the owning conversation id.
func (h *StreamHandle) ConversationID() string { return h.conversationID }

// Release removes the handle from the registry and cancels its context.
// Safe to call once per holder; subsequent calls are no-ops.
func (h *StreamHandle) Release() {
	h.release.Do(func() {
		h.registry.remove(h)
		h.cancel()
	})
}

// StreamRegistry is the process-wide map from conversation id to its active
// stream handle. It is the only shared mutable state in the core; every
// mutation is atomic with respect to concurrent cancellation of the same id.
type StreamRegistry struct {
	mu     sync.Mutex
	active map[string]*StreamHandle
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{active: make(map[string]*StreamHandle)}
}

// Acquire registers a new handle for the conversation, cancelling and
// replacing any previous one.
func (r *StreamRegistry) Acquire(parent context.Context, conversationID string) *StreamHandle {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	handle := &StreamHandle{
		conversationID: conversationID,
		ctx:            ctx,
		cancel:         cancel,
		registry:       r,
	}

	r.mu.Lock()
	prev := r.active[conversationID]
	r.active[conversationID] = handle
	r.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	return handle
}

// Cancel aborts the conversation's in-flight run, if any. Lookup and cancel
// happen under one lock so a concurrent removal cannot race.
func (r *StreamRegistry) Cancel(conversationID string) bool {
	r.mu.Lock()
	handle := r.active[conversationID]
	if handle != nil {
		handle.cancel()
	}
	r.mu.Unlock()
	return handle != nil
}

// Active reports whether the conversation currently has a live handle.
func (r *StreamRegistry) Active(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[conversationID]
	return ok
}

// Len returns the number of live handles.
func (r *StreamRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// remove deletes the handle only if it is still the current one for its
// conversation; a replacement handle is left untouched.
func (r *StreamRegistry) remove(h *StreamHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[h.conversationID] == h {
		delete(r.active, h.conversationID)
	}
}
