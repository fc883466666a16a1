package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/loomchat/loom/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	workspace  TEXT NOT NULL DEFAULT '',
	mode       TEXT NOT NULL DEFAULT 'default',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	seq             INTEGER NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	reasoning       TEXT NOT NULL DEFAULT '',
	streaming       INTEGER NOT NULL DEFAULT 0,
	turn_index      INTEGER NOT NULL DEFAULT 0,
	tool_calls      TEXT,
	tool_results    TEXT,
	steps           TEXT,
	created_at      TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conv_seq
	ON messages(conversation_id, seq);
`

// SQLiteStore persists conversations in a local SQLite database. The driver
// is pure Go (modernc.org/sqlite), which suits a desktop client with no
// native build step.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path. Use ":memory:"
// for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite handles one writer at a time; serialize on the pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	conv.UpdatedAt = conv.CreatedAt
	mode := conv.Mode
	if mode == "" {
		mode = models.ModeDefault
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, workspace, mode, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.Workspace, string(mode), conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, workspace, mode, created_at, updated_at
		 FROM conversations WHERE id = ?`, id)
	var conv models.Conversation
	var mode string
	err := row.Scan(&conv.ID, &conv.Title, &conv.Workspace, &mode, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	conv.Mode = models.OperatingMode(mode)
	return &conv, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	calls, results, steps, err := encodeMessageJSON(msg)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM conversations WHERE id = ?`, conversationID).Scan(&exists); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&seq); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages
		 (id, conversation_id, seq, role, content, reasoning, streaming, turn_index,
		  tool_calls, tool_results, steps, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, seq, string(msg.Role), msg.Content, msg.Reasoning,
		boolToInt(msg.Streaming), msg.TurnIndex, calls, results, steps, msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now(), conversationID); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	calls, results, steps, err := encodeMessageJSON(msg)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, reasoning = ?, streaming = ?, turn_index = ?,
		 tool_calls = ?, tool_results = ?, steps = ?
		 WHERE id = ? AND conversation_id = ?`,
		msg.Content, msg.Reasoning, boolToInt(msg.Streaming), msg.TurnIndex,
		calls, results, steps, msg.ID, msg.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ? AND conversation_id = ?`,
		messageID, conversationID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, conversationID, messageID string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, role, content, reasoning, streaming, turn_index,
		        tool_calls, tool_results, steps, created_at
		 FROM messages WHERE id = ? AND conversation_id = ?`,
		messageID, conversationID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

func (s *SQLiteStore) History(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	query := `SELECT id, conversation_id, role, content, reasoning, streaming, turn_index,
	                 tool_calls, tool_results, steps, created_at
	          FROM messages WHERE conversation_id = ? ORDER BY seq`
	args := []any{conversationID}
	if limit > 0 {
		// Most recent N, still returned in append order.
		query = `SELECT id, conversation_id, role, content, reasoning, streaming, turn_index,
		                tool_calls, tool_results, steps, created_at
		          FROM (
			SELECT * FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *SQLiteStore) MessagesAfter(ctx context.Context, conversationID, messageID string) ([]*models.Message, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM messages WHERE id = ? AND conversation_id = ?`,
		messageID, conversationID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("messages after: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, reasoning, streaming, turn_index,
		        tool_calls, tool_results, steps, created_at
		 FROM messages WHERE conversation_id = ? AND seq > ? ORDER BY seq`,
		conversationID, seq)
	if err != nil {
		return nil, fmt.Errorf("messages after: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var role string
	var streaming int
	var calls, results, steps sql.NullString
	err := row.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &msg.Reasoning,
		&streaming, &msg.TurnIndex, &calls, &results, &steps, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	msg.Streaming = streaming != 0
	if calls.Valid && calls.String != "" {
		if err := json.Unmarshal([]byte(calls.String), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls: %w", err)
		}
	}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &msg.ToolResults); err != nil {
			return nil, fmt.Errorf("decode tool results: %w", err)
		}
	}
	if steps.Valid && steps.String != "" {
		if err := json.Unmarshal([]byte(steps.String), &msg.Steps); err != nil {
			return nil, fmt.Errorf("decode steps: %w", err)
		}
	}
	return &msg, nil
}

func collectMessages(rows *sql.Rows) ([]*models.Message, error) {
	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func encodeMessageJSON(msg *models.Message) (calls, results, steps any, err error) {
	if len(msg.ToolCalls) > 0 {
		b, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode tool calls: %w", err)
		}
		calls = string(b)
	}
	if len(msg.ToolResults) > 0 {
		b, err := json.Marshal(msg.ToolResults)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode tool results: %w", err)
		}
		results = string(b)
	}
	if len(msg.Steps) > 0 {
		b, err := json.Marshal(msg.Steps)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode steps: %w", err)
		}
		steps = string(b)
	}
	return calls, results, steps, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
