package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/loomchat/loom/internal/tools/policy"
)

// GrantFile persists workspace-scoped permission grants to a YAML file. It
// implements the engine's WorkspaceGrants interface.
type GrantFile struct {
	mu   sync.Mutex
	path string

	// grants: workspace -> tool id -> patterns
	grants map[string]map[string][]string
}

type grantDoc struct {
	Workspaces map[string]map[string][]string `yaml:"workspaces"`
}

// OpenGrantFile loads (or initializes) the grant file at path.
func OpenGrantFile(path string) (*GrantFile, error) {
	g := &GrantFile{
		path:   path,
		grants: make(map[string]map[string][]string),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, fmt.Errorf("read grants: %w", err)
	}
	var doc grantDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse grants: %w", err)
	}
	if doc.Workspaces != nil {
		g.grants = doc.Workspaces
	}
	return g, nil
}

// Has reports whether a grant covering the tool and pattern exists for the
// workspace.
func (g *GrantFile) Has(workspace, toolID, pattern string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return policy.MatchAny(g.grants[workspace][toolID], pattern)
}

// Add records a grant and writes the file through.
func (g *GrantFile) Add(workspace, toolID, pattern string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	byTool := g.grants[workspace]
	if byTool == nil {
		byTool = make(map[string][]string)
		g.grants[workspace] = byTool
	}
	for _, p := range byTool[toolID] {
		if p == pattern {
			return nil
		}
	}
	byTool[toolID] = append(byTool[toolID], pattern)
	return g.saveLocked()
}

func (g *GrantFile) saveLocked() error {
	data, err := yaml.Marshal(grantDoc{Workspaces: g.grants})
	if err != nil {
		return fmt.Errorf("encode grants: %w", err)
	}
	if dir := filepath.Dir(g.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create grants directory: %w", err)
		}
	}
	if err := os.WriteFile(g.path, data, 0o600); err != nil {
		return fmt.Errorf("write grants: %w", err)
	}
	return nil
}
