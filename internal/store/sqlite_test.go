package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/loomchat/loom/pkg/models"
)

func newSQLiteFixture(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteConversationRoundTrip(t *testing.T) {
	s := newSQLiteFixture(t)
	ctx := context.Background()

	conv := &models.Conversation{Title: "t", Workspace: "/ws", Mode: models.ModePlan}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.ID == "" {
		t.Fatal("conversation id not assigned")
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "t" || got.Workspace != "/ws" || got.Mode != models.ModePlan {
		t.Errorf("conversation = %+v", got)
	}

	if _, err := s.GetConversation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteMessageRoundTrip(t *testing.T) {
	s := newSQLiteFixture(t)
	ctx := context.Background()

	conv := &models.Conversation{Title: "t"}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	msg := &models.Message{
		Role:      models.RoleAssistant,
		Content:   "checking",
		Reasoning: "because",
		TurnIndex: 2,
		ToolCalls: []models.ToolCall{{
			ID:        "tc-1",
			ToolID:    "exec",
			ToolName:  "exec",
			Arguments: json.RawMessage(`{"command":"ls"}`),
			Status:    models.ToolCallCompleted,
			Result:    &models.ToolResult{ToolCallID: "tc-1", Content: "ok"},
		}},
		Steps: []models.ExecutionStep{{
			ID:         "st-1",
			ToolCallID: "tc-1",
			Title:      "ls",
			Status:     models.ToolCallCompleted,
			Diff:       &models.DiffPayload{Path: "a.txt", Unified: "-x\n+y\n"},
		}},
	}
	if err := s.AppendMessage(ctx, conv.ID, msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	got, err := s.GetMessage(ctx, conv.ID, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Content != "checking" || got.Reasoning != "because" || got.TurnIndex != 2 {
		t.Errorf("message = %+v", got)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Status != models.ToolCallCompleted {
		t.Fatalf("tool calls = %+v", got.ToolCalls)
	}
	if got.ToolCalls[0].Result == nil || got.ToolCalls[0].Result.Content != "ok" {
		t.Errorf("result = %+v", got.ToolCalls[0].Result)
	}
	if len(got.Steps) != 1 || got.Steps[0].Diff == nil || got.Steps[0].Diff.Path != "a.txt" {
		t.Errorf("steps = %+v", got.Steps)
	}
}

func TestSQLiteAppendToMissingConversation(t *testing.T) {
	s := newSQLiteFixture(t)
	err := s.AppendMessage(context.Background(), "missing", &models.Message{Role: models.RoleUser})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteHistoryOrderAndLimit(t *testing.T) {
	s := newSQLiteFixture(t)
	ctx := context.Background()

	conv := &models.Conversation{Title: "t"}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	contents := []string{"m1", "m2", "m3", "m4"}
	ids := make([]string, len(contents))
	for i, c := range contents {
		msg := &models.Message{Role: models.RoleUser, Content: c}
		if err := s.AppendMessage(ctx, conv.ID, msg); err != nil {
			t.Fatalf("AppendMessage %s: %v", c, err)
		}
		ids[i] = msg.ID
	}

	all, err := s.History(ctx, conv.ID, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len = %d", len(all))
	}
	for i, msg := range all {
		if msg.Content != contents[i] {
			t.Errorf("all[%d] = %q, want %q", i, msg.Content, contents[i])
		}
	}

	last, err := s.History(ctx, conv.ID, 2)
	if err != nil {
		t.Fatalf("History limit: %v", err)
	}
	if len(last) != 2 || last[0].Content != "m3" || last[1].Content != "m4" {
		t.Errorf("limited history = %+v", last)
	}

	after, err := s.MessagesAfter(ctx, conv.ID, ids[1])
	if err != nil {
		t.Fatalf("MessagesAfter: %v", err)
	}
	if len(after) != 2 || after[0].Content != "m3" || after[1].Content != "m4" {
		t.Errorf("after = %+v", after)
	}
}

func TestSQLiteUpdateAndDelete(t *testing.T) {
	s := newSQLiteFixture(t)
	ctx := context.Background()

	conv := &models.Conversation{Title: "t"}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	msg := &models.Message{Role: models.RoleAssistant, Content: "v1", Streaming: true}
	if err := s.AppendMessage(ctx, conv.ID, msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msg.Content = "v2"
	msg.Streaming = false
	if err := s.UpdateMessage(ctx, msg); err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}
	got, err := s.GetMessage(ctx, conv.ID, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Content != "v2" || got.Streaming {
		t.Errorf("message = %+v", got)
	}

	if err := s.UpdateMessage(ctx, &models.Message{ID: "missing", ConversationID: conv.ID}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: err = %v", err)
	}

	if err := s.DeleteMessage(ctx, conv.ID, msg.ID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if _, err := s.GetMessage(ctx, conv.ID, msg.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("get deleted: err = %v", err)
	}
	if err := s.DeleteMessage(ctx, conv.ID, msg.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete twice: err = %v", err)
	}
}
