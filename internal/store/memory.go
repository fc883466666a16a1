package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomchat/loom/pkg/models"
)

// MemoryStore is an in-memory Store for tests and ephemeral chats.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
	}
}

func (m *MemoryStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil {
		return ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if _, ok := m.conversations[conv.ID]; ok {
		return ErrConflict
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	conv.UpdatedAt = conv.CreatedAt
	clone := *conv
	m.conversations[conv.ID] = &clone
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *conv
	return &clone, nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, conversationID string, msg *models.Message) error {
	if msg == nil {
		return ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m.messages[conversationID] = append(m.messages[conversationID], cloneMessage(msg))
	conv.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[msg.ConversationID]
	for i, existing := range msgs {
		if existing.ID == msg.ID {
			msgs[i] = cloneMessage(msg)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[conversationID]
	for i, existing := range msgs {
		if existing.ID == messageID {
			m.messages[conversationID] = append(msgs[:i:i], msgs[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) GetMessage(ctx context.Context, conversationID, messageID string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, existing := range m.messages[conversationID] {
		if existing.ID == messageID {
			return cloneMessage(existing), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) History(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func (m *MemoryStore) MessagesAfter(ctx context.Context, conversationID, messageID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	idx := -1
	for i, existing := range msgs {
		if existing.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrNotFound
	}
	out := make([]*models.Message, 0, len(msgs)-idx-1)
	for _, msg := range msgs[idx+1:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

// cloneMessage deep-copies a message so callers cannot mutate stored state.
func cloneMessage(msg *models.Message) *models.Message {
	clone := *msg
	if msg.ToolCalls != nil {
		clone.ToolCalls = make([]models.ToolCall, len(msg.ToolCalls))
		copy(clone.ToolCalls, msg.ToolCalls)
		for i := range clone.ToolCalls {
			if res := clone.ToolCalls[i].Result; res != nil {
				r := *res
				clone.ToolCalls[i].Result = &r
			}
		}
	}
	if msg.ToolResults != nil {
		clone.ToolResults = make([]models.ToolResult, len(msg.ToolResults))
		copy(clone.ToolResults, msg.ToolResults)
	}
	if msg.Steps != nil {
		clone.Steps = make([]models.ExecutionStep, len(msg.Steps))
		copy(clone.Steps, msg.Steps)
		for i := range clone.Steps {
			if d := clone.Steps[i].Diff; d != nil {
				diff := *d
				clone.Steps[i].Diff = &diff
			}
		}
	}
	return &clone
}
