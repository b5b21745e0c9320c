package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/loomworks/loom/runtime/contract"
)

// Registry maps tool names to definitions and dispatches calls. Registration
// order is not significant; List returns names sorted for determinism.
// Thread-safe for concurrent registration and execution.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Definition
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Definition)}
}

// Register adds a tool definition. Names must be unique, and definitions
// missing ValidateArgs or Execute are rejected.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return contract.NewValidationError("tool_definition", contract.FieldIssue{Field: "name", Constraint: "missing_field"})
	}
	if def.ValidateArgs == nil {
		return contract.NewValidationError("tool_definition", contract.FieldIssue{Field: "validateArgs", Constraint: "missing_field"})
	}
	if def.Execute == nil {
		return contract.NewValidationError("tool_definition", contract.FieldIssue{Field: "execute", Constraint: "missing_field"})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return contract.Validationf("tool_definition", "name", "duplicate", "tool %q already registered", def.Name)
	}
	r.tools[def.Name] = def
	return nil
}

// Lookup returns the definition for name, if registered.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// List returns the definitions available to the scope, sorted by name. Tools
// with an Authorizer are included only when it reports true for the scope.
func (r *Registry) List(scope contract.Scope) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, def := range r.tools {
		if def.IsAuthorized != nil && !def.IsAuthorized(scope) {
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the tool names available to the scope, sorted.
func (r *Registry) Names(scope contract.Scope) []string {
	defs := r.List(scope)
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return names
}

// Execute dispatches a call: tenant authorization first, then argument
// validation (all issues joined into a single validation error), then the
// handler. An unknown tool is a validation error.
func (r *Registry) Execute(ctx context.Context, call Call) (Result, error) {
	def, ok := r.Lookup(call.ToolName)
	if !ok {
		return Result{}, contract.Validationf("tool_call", "toolName", "unknown_tool", "tool %q is not registered", call.ToolName)
	}
	if def.IsAuthorized != nil && !def.IsAuthorized(call.Scope) {
		return Result{}, contract.Validationf("tool_call", "toolName", "unauthorized", "tool %q is not authorized for scope %s", call.ToolName, call.Scope)
	}
	if issues := def.ValidateArgs(call.Args); len(issues) > 0 {
		return Result{}, contract.NewValidationError("tool_args", issues...)
	}
	return def.Execute(ctx, call)
}
