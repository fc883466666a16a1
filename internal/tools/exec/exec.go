// Package exec provides the shell command capability.
package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loomchat/loom/internal/engine"
	"github.com/loomchat/loom/internal/tools/policy"
	"github.com/loomchat/loom/pkg/models"
)

// DefaultTimeout bounds commands that specify no timeout of their own.
const DefaultTimeout = 2 * time.Minute

// Tool runs shell commands inside the workspace, streaming output through
// the progress sink as it arrives.
type Tool struct {
	name  string
	rules *policy.Ruleset
}

// New creates an exec tool. rules may be nil, in which case the default
// ruleset classifies commands.
func New(rules *policy.Ruleset) *Tool {
	if rules == nil {
		rules = policy.DefaultRuleset()
	}
	return &Tool{name: "exec", rules: rules}
}

func (t *Tool) Name() string { return t.name }

func (t *Tool) Description() string {
	return "Run a shell command in the workspace and return its output."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"cwd": map[string]interface{}{
				"type":        "string",
				"description": "Working directory (relative to workspace).",
			},
			"timeout_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "Timeout in seconds (0 = default).",
				"minimum":     0,
			},
		},
		"required": []string{"command"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Classification is the static fallback; per-call classification comes from
// ClassifyArgs.
func (t *Tool) Classification() models.CommandType {
	return models.CommandDangerous
}

// ClassifyArgs classifies the command string itself, so `ls` needs no
// confirmation while `rm` does.
func (t *Tool) ClassifyArgs(args json.RawMessage) models.CommandType {
	var input execInput
	if err := json.Unmarshal(args, &input); err != nil {
		return models.CommandDangerous
	}
	return t.rules.ClassifyCommand(input.Command)
}

// ConfirmationScope keys grants to the command's first token, so approving
// "go test ./..." for the session covers future go invocations.
func (t *Tool) ConfirmationScope(args json.RawMessage) (string, string) {
	var input execInput
	if err := json.Unmarshal(args, &input); err != nil {
		return t.name, ""
	}
	command := strings.TrimSpace(input.Command)
	fields := strings.Fields(command)
	pattern := t.name
	if len(fields) > 0 {
		pattern = fields[0] + "*"
	}
	return pattern, command
}

type execInput struct {
	Command        string `json:"command"`
	Cwd            string `json:"cwd"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type execOutput struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage, ec *engine.ExecContext) (*models.ToolResult, error) {
	var input execInput
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}

	dir, err := resolveCwd(ec.Workspace, input.Cwd)
	if err != nil {
		return nil, err
	}

	timeout := DefaultTimeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ec.Progress.UpdateTitle(command)

	cmd := osexec.CommandContext(cctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdout, stderr strings.Builder
	cmd.Stdout = io.MultiWriter(&stdout, progressWriter{ec.Progress})
	cmd.Stderr = io.MultiWriter(&stderr, progressWriter{ec.Progress})

	runErr := cmd.Run()
	out := execOutput{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		out.TimedOut = true
	}
	if runErr != nil {
		var exitErr *osexec.ExitError
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.As(runErr, &exitErr):
			out.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("run command: %w", runErr)
		}
	}

	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &models.ToolResult{
		Content: string(payload),
		IsError: out.ExitCode != 0 || out.TimedOut,
	}, nil
}

// resolveCwd confines the working directory to the workspace root.
func resolveCwd(workspace, cwd string) (string, error) {
	root := strings.TrimSpace(workspace)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	clean := strings.TrimSpace(cwd)
	if clean == "" {
		return rootAbs, nil
	}
	target := clean
	if !filepath.IsAbs(target) {
		target = filepath.Join(rootAbs, target)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve cwd: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve cwd: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("cwd escapes workspace")
	}
	return targetAbs, nil
}

type progressWriter struct {
	sink engine.ProgressSink
}

func (w progressWriter) Write(p []byte) (int, error) {
	w.sink.AppendOutput(string(p))
	return len(p), nil
}
