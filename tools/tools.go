// Package tools provides the registry of callable tools exposed to the
// model. Arguments are validated against each tool's JSON Schema before
// execution, and every invocation runs under a deadline.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"rag.evalgo.org/common"
)

// Tool is one callable unit. Invoke returns the result payload serialized
// for the model.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Invoke(ctx context.Context, args json.RawMessage) (string, error)
}

// CostHinted is optionally implemented by tools whose invocations are
// expensive (remote calls, long computations). The hint is advertised so the
// model can prefer cheaper tools.
type CostHinted interface {
	CostHint() string
}

// Definition is the advertised shape of a registered tool.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	CostHint    string          `json:"cost_hint,omitempty"`
}

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds the registered tools. Registration happens at startup;
// lookups and invocations are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*registered
	timeout time.Duration
}

// NewRegistry builds an empty registry. timeout bounds each invocation; zero
// means no deadline beyond the caller's context.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		tools:   make(map[string]*registered),
		timeout: timeout,
	}
}

// Register adds a tool, compiling its input schema. Registering a duplicate
// name fails with a conflict.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return common.E(common.KindValidation, "TOOL_NAME", "tool name is required")
	}

	schema, err := compileSchema(name, tool.InputSchema())
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return common.E(common.KindConflict, "TOOL_EXISTS", "tool "+name+" is already registered")
	}
	r.tools[name] = &registered{tool: tool, schema: schema}
	return nil
}

// List returns the registered tool definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, reg := range r.tools {
		def := Definition{
			Name:        reg.tool.Name(),
			Description: reg.tool.Description(),
			InputSchema: reg.tool.InputSchema(),
		}
		if hinted, ok := reg.tool.(CostHinted); ok {
			def.CostHint = hinted.CostHint()
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Invoke validates the arguments and runs the named tool under the
// registry's deadline. Unknown tools fail with not found; schema violations
// fail with validation.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", common.E(common.KindNotFound, "TOOL_NOT_FOUND", "tool "+name+" is not registered")
	}

	if reg.schema != nil {
		payload, err := jsonschema.UnmarshalJSON(bytes.NewReader(normalizeArgs(args)))
		if err != nil {
			return "", common.Wrap(common.KindValidation, "TOOL_ARGS", "tool arguments are not valid JSON", err)
		}
		if err := reg.schema.Validate(payload); err != nil {
			return "", common.Wrap(common.KindValidation, "TOOL_ARGS",
				"tool arguments do not match the schema for "+name, err)
		}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	result, err := reg.tool.Invoke(ctx, normalizeArgs(args))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", common.Wrap(common.KindUnavailable, "TOOL_TIMEOUT", "tool "+name+" timed out", err)
		}
		return "", err
	}
	return result, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, common.Wrap(common.KindValidation, "TOOL_SCHEMA",
			"input schema for "+name+" is not valid JSON", err)
	}
	compiler := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, common.Wrap(common.KindValidation, "TOOL_SCHEMA",
			"input schema for "+name+" could not be registered", err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, common.Wrap(common.KindValidation, "TOOL_SCHEMA",
			"input schema for "+name+" does not compile", err)
	}
	return schema, nil
}

func normalizeArgs(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("{}")
	}
	return args
}
