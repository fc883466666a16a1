// Package policy classifies tool calls and decides what the active operating
// mode allows. It owns the pattern language used by permission grants and
// configuration lists.
package policy

import (
	"strings"

	"github.com/loomchat/loom/pkg/models"
)

// Match reports whether value matches pattern. Supported forms: exact match,
// "*" (everything), "prefix*", and "*suffix".
func Match(pattern, value string) bool {
	if pattern == "" || value == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if pattern == value {
		return true
	}
	if len(pattern) > 1 && strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, pattern[:len(pattern)-1])
	}
	if len(pattern) > 1 && strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(value, pattern[1:])
	}
	return false
}

// MatchAny reports whether value matches any pattern in the list.
func MatchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if Match(p, value) {
			return true
		}
	}
	return false
}

// Ruleset classifies shell commands by their first token. Forbidden wins over
// read-only; anything unlisted is dangerous.
type Ruleset struct {
	// ReadOnly lists command patterns that only observe state.
	ReadOnly []string `yaml:"read_only" json:"read_only"`

	// Forbidden lists command patterns that are never executed.
	Forbidden []string `yaml:"forbidden" json:"forbidden"`
}

// DefaultRuleset returns the built-in shell classification rules.
func DefaultRuleset() *Ruleset {
	return &Ruleset{
		ReadOnly: []string{
			"ls", "cat", "head", "tail", "wc", "sort", "uniq", "grep",
			"find", "pwd", "echo", "which", "file", "stat", "du", "df",
			"git status", "git log", "git diff", "git show", "git branch",
		},
		Forbidden: []string{
			"sudo*", "shutdown*", "reboot*", "mkfs*",
			"rm -rf /", "rm -rf /*",
		},
	}
}

// ClassifyCommand classifies one shell command string.
func (r *Ruleset) ClassifyCommand(command string) models.CommandType {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return models.CommandDangerous
	}
	for _, p := range r.Forbidden {
		if Match(p, cmd) || Match(p, firstToken(cmd)) {
			return models.CommandForbidden
		}
	}
	for _, p := range r.ReadOnly {
		if Match(p, cmd) {
			return models.CommandReadOnly
		}
		// Multi-word read-only patterns ("git status") match by prefix.
		if strings.Contains(p, " ") && strings.HasPrefix(cmd, p) {
			return models.CommandReadOnly
		}
		if p == firstToken(cmd) {
			return models.CommandReadOnly
		}
	}
	return models.CommandDangerous
}

// Allowed reports whether the operating mode permits executing a call of the
// given classification. Plan mode blocks everything that is not read-only;
// forbidden calls are blocked in every mode.
func Allowed(mode models.OperatingMode, ct models.CommandType) bool {
	if ct == models.CommandForbidden {
		return false
	}
	if mode == models.ModePlan {
		return ct == models.CommandReadOnly
	}
	return true
}

// RequiresConfirmation reports whether the classification needs a permission
// decision before execution.
func RequiresConfirmation(ct models.CommandType) bool {
	return ct == models.CommandDangerous
}

func firstToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
