package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/loomchat/loom/internal/engine"
	"github.com/loomchat/loom/pkg/models"
)

// recordingSink captures progress updates. Execute reports stdout and stderr
// from separate copier goroutines, so it locks like a real sink must.
type recordingSink struct {
	mu     sync.Mutex
	title  string
	output strings.Builder
	diff   *models.DiffPayload
}

func (s *recordingSink) UpdateTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.title = title
}

func (s *recordingSink) AppendOutput(chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output.WriteString(chunk)
}

func (s *recordingSink) SetDiff(diff *models.DiffPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diff = diff
}

func (s *recordingSink) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

func (s *recordingSink) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.String()
}

func execContext(workspace string) (*engine.ExecContext, *recordingSink) {
	sink := &recordingSink{}
	return &engine.ExecContext{
		ConversationID: "conv-1",
		MessageID:      "msg-1",
		ToolCallID:     "tc-1",
		Workspace:      workspace,
		Progress:       sink,
	}, sink
}

func TestClassifyArgs(t *testing.T) {
	tool := New(nil)

	tests := []struct {
		command string
		want    models.CommandType
	}{
		{"ls -la", models.CommandReadOnly},
		{"git status", models.CommandReadOnly},
		{"git push origin main", models.CommandDangerous},
		{"rm -rf build", models.CommandDangerous},
		{"sudo apt install", models.CommandForbidden},
		{"rm -rf /", models.CommandForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			args, _ := json.Marshal(map[string]string{"command": tt.command})
			if got := tool.ClassifyArgs(args); got != tt.want {
				t.Errorf("ClassifyArgs(%q) = %v, want %v", tt.command, got, tt.want)
			}
		})
	}

	if got := tool.ClassifyArgs(json.RawMessage(`not json`)); got != models.CommandDangerous {
		t.Errorf("unparsable args = %v, want dangerous", got)
	}
}

func TestConfirmationScope(t *testing.T) {
	tool := New(nil)

	pattern, desc := tool.ConfirmationScope(json.RawMessage(`{"command":"go test ./..."}`))
	if pattern != "go*" {
		t.Errorf("pattern = %q, want go*", pattern)
	}
	if desc != "go test ./..." {
		t.Errorf("description = %q", desc)
	}

	pattern, _ = tool.ConfirmationScope(json.RawMessage(`{"command":"  "}`))
	if pattern != "exec" {
		t.Errorf("empty command pattern = %q, want exec", pattern)
	}
}

func TestResolveCwd(t *testing.T) {
	ws := t.TempDir()

	tests := []struct {
		name    string
		cwd     string
		want    string
		wantErr bool
	}{
		{"empty is workspace root", "", ws, false},
		{"relative inside", "sub", filepath.Join(ws, "sub"), false},
		{"parent escape", "..", "", true},
		{"deep escape", "sub/../..", "", true},
		{"absolute outside", "/tmp", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveCwd(ws, tt.cwd)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolveCwd(%q) = %q, %v, wantErr %v", tt.cwd, got, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("resolveCwd(%q) = %q, want %q", tt.cwd, got, tt.want)
			}
		})
	}
}

func TestExecuteCapturesOutput(t *testing.T) {
	ec, sink := execContext(t.TempDir())

	res, err := New(nil).Execute(context.Background(), json.RawMessage(`{"command":"echo hello"}`), ec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Errorf("result = %+v", res)
	}

	var out struct {
		ExitCode int    `json:"exit_code"`
		Stdout   string `json:"stdout"`
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("result content not JSON: %v", err)
	}
	if out.ExitCode != 0 || out.Stdout != "hello\n" {
		t.Errorf("out = %+v", out)
	}
	if sink.Title() != "echo hello" {
		t.Errorf("title = %q", sink.Title())
	}
	if !strings.Contains(sink.Output(), "hello") {
		t.Errorf("progress output = %q", sink.Output())
	}
}

func TestExecuteStreamsBothChannels(t *testing.T) {
	ec, sink := execContext(t.TempDir())

	args := json.RawMessage(`{"command":"for i in 1 2 3 4 5; do echo out$i; echo err$i 1>&2; done"}`)
	res, err := New(nil).Execute(context.Background(), args, ec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("result = %+v", res)
	}

	got := sink.Output()
	for i := 1; i <= 5; i++ {
		for _, prefix := range []string{"out", "err"} {
			line := fmt.Sprintf("%s%d", prefix, i)
			if !strings.Contains(got, line) {
				t.Errorf("progress output missing %q: %q", line, got)
			}
		}
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	ec, _ := execContext(t.TempDir())

	res, err := New(nil).Execute(context.Background(), json.RawMessage(`{"command":"exit 3"}`), ec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("non-zero exit must be an error result")
	}
	var out struct {
		ExitCode int `json:"exit_code"`
	}
	json.Unmarshal([]byte(res.Content), &out)
	if out.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", out.ExitCode)
	}
}

func TestExecuteTimeout(t *testing.T) {
	ec, _ := execContext(t.TempDir())

	res, err := New(nil).Execute(context.Background(), json.RawMessage(`{"command":"sleep 5","timeout_seconds":1}`), ec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("timed-out command must be an error result")
	}
	var out struct {
		TimedOut bool `json:"timed_out"`
	}
	json.Unmarshal([]byte(res.Content), &out)
	if !out.TimedOut {
		t.Errorf("result = %s", res.Content)
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	ec, _ := execContext(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := New(nil).Execute(ctx, json.RawMessage(`{"command":"sleep 5"}`), ec); err == nil {
		t.Error("expected context error")
	}
}

func TestExecuteMissingCommand(t *testing.T) {
	ec, _ := execContext(t.TempDir())
	if _, err := New(nil).Execute(context.Background(), json.RawMessage(`{"command":"  "}`), ec); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestExecuteRunsInCwd(t *testing.T) {
	ws := t.TempDir()
	ec, _ := execContext(ws)

	res, err := New(nil).Execute(context.Background(), json.RawMessage(`{"command":"mkdir -p sub && cd sub && pwd"}`), ec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Content, "sub") {
		t.Errorf("command did not run in workspace: %s", res.Content)
	}
}
