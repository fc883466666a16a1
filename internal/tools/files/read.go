package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/loomchat/loom/internal/engine"
	"github.com/loomchat/loom/pkg/models"
)

// ReadTool returns workspace file contents.
type ReadTool struct{}

// NewReadTool creates the read capability.
func NewReadTool() *ReadTool { return &ReadTool{} }

func (t *ReadTool) Name() string { return "read_file" }

func (t *ReadTool) Description() string {
	return "Read a file from the workspace, optionally a line range."
}

func (t *ReadTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File path (relative to workspace).",
			},
			"offset": map[string]interface{}{
				"type":        "integer",
				"description": "First line to return (1-based).",
				"minimum":     1,
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of lines to return.",
				"minimum":     1,
			},
		},
		"required": []string{"path"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *ReadTool) Classification() models.CommandType {
	return models.CommandReadOnly
}

func (t *ReadTool) Execute(ctx context.Context, args json.RawMessage, ec *engine.ExecContext) (*models.ToolResult, error) {
	var input struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	path, err := resolve(ec.Workspace, input.Path)
	if err != nil {
		return nil, err
	}

	ec.Progress.UpdateTitle("read " + input.Path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	content := string(data)
	if input.Offset > 0 || input.Limit > 0 {
		lines := strings.Split(content, "\n")
		start := 0
		if input.Offset > 0 {
			start = input.Offset - 1
		}
		if start > len(lines) {
			start = len(lines)
		}
		end := len(lines)
		if input.Limit > 0 && start+input.Limit < end {
			end = start + input.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return &models.ToolResult{Content: content}, nil
}
