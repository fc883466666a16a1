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

// EditTool performs an exact string replacement in a workspace file. The old
// string must match exactly once unless replace_all is set.
type EditTool struct{}

// NewEditTool creates the edit capability.
func NewEditTool() *EditTool { return &EditTool{} }

func (t *EditTool) Name() string { return "edit_file" }

func (t *EditTool) Description() string {
	return "Replace an exact string in a workspace file."
}

func (t *EditTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File path (relative to workspace).",
			},
			"old_string": map[string]interface{}{
				"type":        "string",
				"description": "Exact text to replace.",
			},
			"new_string": map[string]interface{}{
				"type":        "string",
				"description": "Replacement text.",
			},
			"replace_all": map[string]interface{}{
				"type":        "boolean",
				"description": "Replace every occurrence instead of requiring a unique match.",
			},
		},
		"required": []string{"path", "old_string", "new_string"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *EditTool) Classification() models.CommandType {
	return models.CommandDangerous
}

func (t *EditTool) ConfirmationScope(args json.RawMessage) (string, string) {
	var input editInput
	if err := json.Unmarshal(args, &input); err != nil {
		return t.Name(), ""
	}
	return "write:" + input.Path, "edit " + input.Path
}

type editInput struct {
	Path       string `json:"path"`
	OldString  string `json:"old_string"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all"`
}

func (t *EditTool) Execute(ctx context.Context, args json.RawMessage, ec *engine.ExecContext) (*models.ToolResult, error) {
	var input editInput
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if input.OldString == input.NewString {
		return nil, fmt.Errorf("old_string and new_string are identical")
	}
	path, err := resolve(ec.Workspace, input.Path)
	if err != nil {
		return nil, err
	}

	ec.Progress.UpdateTitle("edit " + input.Path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	before := string(data)

	count := strings.Count(before, input.OldString)
	if count == 0 {
		return nil, fmt.Errorf("old_string not found in %s", input.Path)
	}
	if count > 1 && !input.ReplaceAll {
		return nil, fmt.Errorf("old_string matches %d times in %s; provide more context or set replace_all", count, input.Path)
	}

	after := strings.Replace(before, input.OldString, input.NewString, 1)
	replaced := 1
	if input.ReplaceAll {
		after = strings.ReplaceAll(before, input.OldString, input.NewString)
		replaced = count
	}

	if err := os.WriteFile(path, []byte(after), 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}

	diff := &models.DiffPayload{
		Path:    input.Path,
		Before:  before,
		After:   after,
		Unified: unifiedDiff(input.Path, before, after),
	}
	ec.Progress.SetDiff(diff)

	return &models.ToolResult{
		Content: fmt.Sprintf("replaced %d occurrence(s) in %s", replaced, input.Path),
		Diff:    diff,
	}, nil
}
