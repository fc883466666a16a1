package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomchat/loom/pkg/models"
)

// Source tags where a capability comes from, so dispatch logic never relies
// on string-prefix sniffing of tool ids.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourcePlugin  Source = "plugin"
	SourceBridge  Source = "bridge"
)

// ProgressSink receives incremental updates from an executing capability and
// folds them into the call's execution step in real time. Implementations
// must be safe for concurrent use: a capability may report from multiple
// goroutines, such as a subprocess's stdout and stderr copiers.
type ProgressSink interface {
	// UpdateTitle replaces the step's human-readable title.
	UpdateTitle(title string)

	// AppendOutput appends textual output to the step.
	AppendOutput(chunk string)

	// SetDiff attaches a structured diff. A diff set once is preserved
	// across all subsequent status updates.
	SetDiff(diff *models.DiffPayload)
}

// ExecContext carries per-invocation context into a capability.
type ExecContext struct {
	ConversationID string
	MessageID      string
	ToolCallID     string

	// Workspace is the working-directory boundary for capabilities that
	// touch a filesystem or execute commands.
	Workspace string

	// Progress is never nil during dispatch.
	Progress ProgressSink
}

// Capability is an executable tool. Cancellation is cooperative: Execute must
// return promptly when ctx is done.
type Capability interface {
	Name() string
	Description() string
	Schema() json.RawMessage

	// Classification declares the capability's command type. Capabilities
	// whose danger depends on their arguments also implement Classifier.
	Classification() models.CommandType

	Execute(ctx context.Context, args json.RawMessage, ec *ExecContext) (*models.ToolResult, error)
}

// Classifier refines a capability's classification per call. An exec tool,
// for example, classifies `ls` as read-only and `rm` as dangerous.
type Classifier interface {
	ClassifyArgs(args json.RawMessage) models.CommandType
}

// ConfirmationDescriber lets a capability shape the matchable pattern and
// display text of its permission requests. Without it the pattern is the
// tool id.
type ConfirmationDescriber interface {
	ConfirmationScope(args json.RawMessage) (pattern, description string)
}

// Resolution is the result of a registry lookup.
type Resolution struct {
	Capability Capability
	Source     Source
}

// Registry resolves tool ids to executable capabilities and validates call
// arguments against each capability's declared schema.
type Registry struct {
	mu      sync.RWMutex
	caps    map[string]Resolution
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{
		caps:    make(map[string]Resolution),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a builtin capability, replacing any existing one by name.
func (r *Registry) Register(cap Capability) {
	r.RegisterFrom(cap, SourceBuiltin)
}

// RegisterFrom adds a capability with an explicit source tag.
func (r *Registry) RegisterFrom(cap Capability, source Source) {
	if cap == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[cap.Name()] = Resolution{Capability: cap, Source: source}
	delete(r.schemas, cap.Name())
}

// Unregister removes a capability by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.caps, name)
	delete(r.schemas, name)
}

// Resolve returns the capability registered under the given tool id.
func (r *Registry) Resolve(toolID string) (Resolution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.caps[toolID]
	return res, ok
}

// Descriptors returns all registered capabilities as model-facing tool
// descriptors, sorted by name for a stable request shape.
func (r *Registry) Descriptors() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(r.caps))
	for _, res := range r.caps {
		out = append(out, ToolDescriptor{
			Name:        res.Capability.Name(),
			Description: res.Capability.Description(),
			Schema:      res.Capability.Schema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateArgs checks structured arguments against the capability's JSON
// schema. A tool with unparsable or schema-violating input is never executed.
func (r *Registry) ValidateArgs(toolID string, args json.RawMessage) error {
	sch, err := r.schemaFor(toolID)
	if err != nil {
		return err
	}
	if sch == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var value any
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := sch.Validate(value); err != nil {
		return fmt.Errorf("arguments do not match schema for %s: %w", toolID, err)
	}
	return nil
}

// schemaFor compiles and caches the capability's schema.
func (r *Registry) schemaFor(toolID string) (*jsonschema.Schema, error) {
	r.mu.RLock()
	if sch, ok := r.schemas[toolID]; ok {
		r.mu.RUnlock()
		return sch, nil
	}
	res, ok := r.caps[toolID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", toolID)
	}

	raw := res.Capability.Schema()
	if len(raw) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	url := "loom://tools/" + toolID + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load schema for %s: %w", toolID, err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", toolID, err)
	}

	r.mu.Lock()
	r.schemas[toolID] = sch
	r.mu.Unlock()
	return sch, nil
}
