package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loomchat/loom/internal/engine"
	"github.com/loomchat/loom/pkg/models"
)

// WriteTool creates or overwrites a workspace file.
type WriteTool struct{}

// NewWriteTool creates the write capability.
func NewWriteTool() *WriteTool { return &WriteTool{} }

func (t *WriteTool) Name() string { return "write_file" }

func (t *WriteTool) Description() string {
	return "Create or overwrite a file in the workspace."
}

func (t *WriteTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File path (relative to workspace).",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Full file content to write.",
			},
		},
		"required": []string{"path", "content"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *WriteTool) Classification() models.CommandType {
	return models.CommandDangerous
}

// ConfirmationScope keys grants to the target path, so approving one file for
// the session does not cover others.
func (t *WriteTool) ConfirmationScope(args json.RawMessage) (string, string) {
	var input writeInput
	if err := json.Unmarshal(args, &input); err != nil {
		return t.Name(), ""
	}
	return "write:" + input.Path, "write " + input.Path
}

type writeInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *WriteTool) Execute(ctx context.Context, args json.RawMessage, ec *engine.ExecContext) (*models.ToolResult, error) {
	var input writeInput
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	path, err := resolve(ec.Workspace, input.Path)
	if err != nil {
		return nil, err
	}

	ec.Progress.UpdateTitle("write " + input.Path)

	before := ""
	if data, err := os.ReadFile(path); err == nil {
		before = string(data)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(input.Content), 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}

	diff := &models.DiffPayload{
		Path:    input.Path,
		Before:  before,
		After:   input.Content,
		Unified: unifiedDiff(input.Path, before, input.Content),
	}
	ec.Progress.SetDiff(diff)

	return &models.ToolResult{
		Content: fmt.Sprintf("wrote %d bytes to %s", len(input.Content), input.Path),
		Diff:    diff,
	}, nil
}
