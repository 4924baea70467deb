package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/skeinlabs/skein/runtime/model"
)

type (
	// Registry holds the tools exposed to one session. Argument schemas are
	// compiled once at registration; every call validates against the
	// compiled schema before the tool runs. Lookup and invocation are safe
	// for concurrent use with registration, which external providers perform
	// while connections come up.
	Registry struct {
		mu    sync.RWMutex
		tools map[string]*registration
		order []string
	}

	registration struct {
		tool   Tool
		schema *jsonschema.Schema
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registration)}
}

// Register adds a tool. The tool's schema is compiled here so malformed
// schemas fail loudly at wiring time instead of at first call.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("tool: register nil tool")
	}
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool: register tool with empty name")
	}
	schema, err := compileSchema(t.Schema())
	if err != nil {
		return fmt.Errorf("tool: compile schema for %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool: %q already registered", name)
	}
	r.tools[name] = &registration{tool: t, schema: schema}
	r.order = append(r.order, name)
	return nil
}

// Unregister removes a tool by name, reporting whether it was present.
// External providers unregister their tools when a connection closes.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		return false
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Lookup returns the registered tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return reg.tool, true
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions returns the tool schemas in registration order, in the shape
// model requests carry.
func (r *Registry) Definitions() []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]model.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name].tool
		defs = append(defs, model.ToolDefinition{
			Name:        name,
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	return defs
}

// Without returns a registry containing every tool except the named ones.
// Subagent turns run against such a restricted copy; later registrations on
// either registry do not affect the other.
func (r *Registry) Without(names ...string) *Registry {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	child := NewRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if drop[name] {
			continue
		}
		child.tools[name] = r.tools[name]
		child.order = append(child.order, name)
	}
	return child
}

// Validate checks args against the tool's compiled schema. It returns nil
// when the call may proceed, or an invalid_args Result to record without
// invoking the tool. Unknown tools fail the same way: the model named
// something that does not exist.
func (r *Registry) Validate(name string, args json.RawMessage) *Result {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Failf(ErrorKindInvalidArgs, "no tool named %q is registered", name)
	}
	if reg.schema == nil {
		return nil
	}
	payload, err := decodeArgs(args)
	if err != nil {
		return Failf(ErrorKindInvalidArgs, "arguments are not valid JSON: %v", err)
	}
	if err := reg.schema.Validate(payload); err != nil {
		return Failf(ErrorKindInvalidArgs, "invalid arguments for %s: %v", name, err)
	}
	return nil
}

// Invoke runs a tool and always produces a Result: harness errors and nil
// results are synthesized into failures so sibling calls in the same step
// are never aborted by one bad invocation.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) *Result {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Failf(ErrorKindInvalidArgs, "no tool named %q is registered", name)
	}
	res, err := reg.tool.Invoke(ctx, args)
	if err != nil {
		// The context state classifies better than the error text when the
		// call was cut off from outside.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Synthesize(ctxErr)
		}
		return Synthesize(err)
	}
	if res == nil {
		return Synthesize(nil)
	}
	return res
}

// compileSchema normalizes the schema document through JSON so the compiler
// sees the same value shapes it would read from a file, then compiles it.
func compileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	if doc == nil {
		return nil, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	plain, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", plain); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("schema.json")
}

func decodeArgs(args json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(args)) == 0 {
		return map[string]any{}, nil
	}
	payload, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return nil, err
	}
	return payload, nil
}
