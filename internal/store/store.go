// Package store persists conversations and their messages. The stored message
// shape (text, reasoning, ordered tool calls, steps) is sufficient on its own
// to reconstruct a paused turn.
package store

import (
	"context"
	"errors"

	"github.com/loomchat/loom/pkg/models"
)

var (
	// ErrNotFound indicates the conversation or message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates an insert collided with an existing id.
	ErrConflict = errors.New("already exists")
)

// Store is the conversation persistence interface consumed by the engine.
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateConversation inserts a new conversation, assigning an id and
	// timestamps when absent.
	CreateConversation(ctx context.Context, conv *models.Conversation) error

	// GetConversation returns a conversation by id.
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)

	// AppendMessage appends a message to a conversation in order.
	AppendMessage(ctx context.Context, conversationID string, msg *models.Message) error

	// UpdateMessage replaces a stored message wholesale.
	UpdateMessage(ctx context.Context, msg *models.Message) error

	// DeleteMessage removes a message and its tool calls and steps.
	DeleteMessage(ctx context.Context, conversationID, messageID string) error

	// GetMessage returns one message by id.
	GetMessage(ctx context.Context, conversationID, messageID string) (*models.Message, error)

	// History returns the conversation's messages in append order. A
	// limit of 0 means no limit; otherwise the most recent limit messages
	// are returned.
	History(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)

	// MessagesAfter returns the messages appended strictly after the
	// given message, in order.
	MessagesAfter(ctx context.Context, conversationID, messageID string) ([]*models.Message, error)
}
