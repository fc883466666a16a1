package policy

import (
	"testing"

	"github.com/loomchat/loom/pkg/models"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		value   string
		want    bool
	}{
		{"exact match", "git status", "git status", true},
		{"exact mismatch", "git status", "git log", false},
		{"wildcard", "*", "anything", true},
		{"prefix", "git*", "git push", true},
		{"prefix mismatch", "git*", "rm -rf", false},
		{"suffix", "*.go", "main.go", true},
		{"suffix mismatch", "*.go", "main.py", false},
		{"empty pattern", "", "ls", false},
		{"empty value", "ls", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(tt.pattern, tt.value); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.value, got, tt.want)
			}
		})
	}
}

func TestClassifyCommand(t *testing.T) {
	rules := DefaultRuleset()

	tests := []struct {
		command string
		want    models.CommandType
	}{
		{"ls -la", models.CommandReadOnly},
		{"cat main.go", models.CommandReadOnly},
		{"git status", models.CommandReadOnly},
		{"git log --oneline", models.CommandReadOnly},
		{"git push origin main", models.CommandDangerous},
		{"rm -rf build", models.CommandDangerous},
		{"rm -rf /", models.CommandForbidden},
		{"sudo apt install", models.CommandForbidden},
		{"shutdown -h now", models.CommandForbidden},
		{"go test ./...", models.CommandDangerous},
		{"", models.CommandDangerous},
		{"   ", models.CommandDangerous},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			if got := rules.ClassifyCommand(tt.command); got != tt.want {
				t.Errorf("ClassifyCommand(%q) = %v, want %v", tt.command, got, tt.want)
			}
		})
	}
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		name string
		mode models.OperatingMode
		ct   models.CommandType
		want bool
	}{
		{"default allows read-only", models.ModeDefault, models.CommandReadOnly, true},
		{"default allows dangerous", models.ModeDefault, models.CommandDangerous, true},
		{"default blocks forbidden", models.ModeDefault, models.CommandForbidden, false},
		{"plan allows read-only", models.ModePlan, models.CommandReadOnly, true},
		{"plan blocks dangerous", models.ModePlan, models.CommandDangerous, false},
		{"plan blocks forbidden", models.ModePlan, models.CommandForbidden, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Allowed(tt.mode, tt.ct); got != tt.want {
				t.Errorf("Allowed(%v, %v) = %v, want %v", tt.mode, tt.ct, got, tt.want)
			}
		})
	}
}

func TestRequiresConfirmation(t *testing.T) {
	if RequiresConfirmation(models.CommandReadOnly) {
		t.Error("read-only should not require confirmation")
	}
	if !RequiresConfirmation(models.CommandDangerous) {
		t.Error("dangerous should require confirmation")
	}
	if RequiresConfirmation(models.CommandForbidden) {
		t.Error("forbidden is blocked outright, not confirmed")
	}
}
