package wasm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danielsimonjr/nexus-core/internal/agent"
)

// ToolAdapter exposes one PreparedModule as an agent.Tool, bridging the
// LLM's JSON tool-call arguments onto the module's uint64 "execute" export.
// Parameters are matched to export params by name and must be JSON numbers
// (the wazero-level calling convention has no concept of strings); this
// keeps the bridge honest about what a raw WASM export can actually accept
// without inventing a string-marshaling ABI the spec never asked for.
type ToolAdapter struct {
	runtime *ToolRuntime
	module  *PreparedModule
	schema  *jsonschema.Schema
}

// NewToolAdapter compiles schema once (failing fast on an invalid schema
// document) and wraps module for registration with an agent runtime.
func NewToolAdapter(runtime *ToolRuntime, module *PreparedModule) (*ToolAdapter, error) {
	if runtime == nil || module == nil {
		return nil, newError(ErrorInvalidArguments, "runtime and module must be non-nil")
	}

	raw, err := module.schemaJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %q: %w", module.Name, err)
	}

	compiled, err := jsonschema.CompileString(module.Name+"_params", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", module.Name, err)
	}

	return &ToolAdapter{runtime: runtime, module: module, schema: compiled}, nil
}

func (t *ToolAdapter) Name() string        { return t.module.Name }
func (t *ToolAdapter) Description() string { return t.module.Description }

func (t *ToolAdapter) Schema() json.RawMessage {
	raw, err := t.module.schemaJSON()
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}

// Execute validates params against the module's declared schema, converts
// each named argument to a uint64, runs the module, and reports the raw
// uint64 outputs plus fuel/duration telemetry as the tool result.
func (t *ToolAdapter) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var decoded any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &decoded); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	} else {
		decoded = map[string]any{}
	}

	if err := t.schema.Validate(decoded); err != nil {
		return nil, fmt.Errorf("params failed schema validation: %w", err)
	}

	obj, _ := decoded.(map[string]any)
	names := t.module.ParamNames
	args := make([]uint64, 0, len(names))
	for _, name := range names {
		v, ok := obj[name]
		if !ok {
			args = append(args, 0)
			continue
		}
		n, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("parameter %q must be a number for wasm execution", name)
		}
		args = append(args, uint64(n))
	}

	result, err := t.runtime.Execute(ctx, t.module, args...)
	if err != nil {
		return nil, err
	}

	content, err := json.Marshal(map[string]any{
		"output":    result.Output,
		"fuel_used": result.FuelUsed,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal wasm result: %w", err)
	}

	return &agent.ToolResult{Content: string(content)}, nil
}

var _ agent.Tool = (*ToolAdapter)(nil)
