package wasm

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/experimental"
)

// RuntimeConfig configures a ToolRuntime.
type RuntimeConfig struct {
	DefaultLimits ResourceLimits
	FuelConfig    FuelConfig
	CacheCompiled bool
}

// DefaultRuntimeConfig matches production defaults: fuel-limited execution,
// compiled modules cached across calls.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DefaultLimits: DefaultResourceLimits(),
		FuelConfig:    DefaultFuelConfig(),
		CacheCompiled: true,
	}
}

// ForTesting returns a config tuned for fast, uncached test execution.
func ForTesting() RuntimeConfig {
	return RuntimeConfig{
		DefaultLimits: DefaultResourceLimits().WithMemory(1024 * 1024).WithFuel(100_000).WithTimeout(5 * time.Second),
		FuelConfig:    FuelConfigWithLimit(100_000),
		CacheCompiled: false,
	}
}

// PreparedModule is a compiled WASM module cached by tool name, with
// metadata extracted once at preparation time so repeated executions skip
// recompilation.
type PreparedModule struct {
	Name        string
	Description string
	Schema      map[string]any
	// ParamNames holds the "execute" export's parameter names in their
	// actual call-signature order. Schema["properties"] is a map and
	// cannot preserve this order, so callers that build positional
	// arguments must use ParamNames, not range over the schema.
	ParamNames []string
	Limits     ResourceLimits

	compiled wazero.CompiledModule
	bytes    []byte
}

// Bytes returns the original WASM module bytes.
func (p *PreparedModule) Bytes() []byte { return p.bytes }

// ToolRuntime manages a wazero runtime and a cache of prepared modules.
// Follows the compile-once, instantiate-fresh-per-call discipline: a
// module is compiled exactly once in Prepare, and every Execute call gets
// its own isolated module instance so tool invocations cannot see each
// other's memory or globals.
type ToolRuntime struct {
	runtime wazero.Runtime
	config  RuntimeConfig
	logger  *slog.Logger

	mu      sync.RWMutex
	modules map[string]*PreparedModule
}

// NewToolRuntime creates a runtime with the given configuration. The
// returned runtime owns a wazero.Runtime and should be closed via Close
// when no longer needed.
func NewToolRuntime(ctx context.Context, config RuntimeConfig, logger *slog.Logger) (*ToolRuntime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true)

	rt := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	return &ToolRuntime{
		runtime: rt,
		config:  config,
		logger:  logger.With("component", "tools.wasm"),
		modules: make(map[string]*PreparedModule),
	}, nil
}

// Close releases the underlying wazero runtime and all compiled modules.
func (r *ToolRuntime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// Config returns the runtime's configuration.
func (r *ToolRuntime) Config() RuntimeConfig { return r.config }

// Prepare compiles wasmBytes and caches the result under name. A second
// Prepare call for the same name returns the cached module without
// recompiling.
func (r *ToolRuntime) Prepare(ctx context.Context, name string, wasmBytes []byte, limits *ResourceLimits) (*PreparedModule, error) {
	r.mu.RLock()
	if existing, ok := r.modules[name]; ok {
		r.mu.RUnlock()
		return existing, nil
	}
	r.mu.RUnlock()

	compiled, err := r.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, newError(ErrorCompilation, "%v", err)
	}

	effectiveLimits := r.config.DefaultLimits
	if limits != nil {
		effectiveLimits = *limits
	}

	prepared := &PreparedModule{
		Name:        name,
		Description: extractDescription(compiled),
		Schema:      extractSchema(compiled),
		ParamNames:  extractParamNames(compiled),
		Limits:      effectiveLimits,
		compiled:    compiled,
		bytes:       wasmBytes,
	}

	if r.config.CacheCompiled {
		r.mu.Lock()
		r.modules[name] = prepared
		r.mu.Unlock()
	}

	r.logger.Info("prepared wasm tool", "name", name)
	return prepared, nil
}

// Get returns a cached prepared module, or nil if not present.
func (r *ToolRuntime) Get(name string) *PreparedModule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.modules[name]
}

// Remove evicts a prepared module from the cache, returning it if present.
func (r *ToolRuntime) Remove(name string) *PreparedModule {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	if !ok {
		return nil
	}
	delete(r.modules, name)
	return m
}

// List returns the names of all cached prepared modules.
func (r *ToolRuntime) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	return names
}

// Clear evicts every cached prepared module.
func (r *ToolRuntime) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules = make(map[string]*PreparedModule)
}

// ExecuteResult is the outcome of invoking a prepared module's "execute"
// export.
type ExecuteResult struct {
	Output    []uint64
	FuelUsed  uint64
	Duration  time.Duration
}

// Execute instantiates a fresh module from a PreparedModule and calls its
// "execute" export with args, enforcing the module's resource limits.
//
// wazero has no native fuel counter, so CPU limiting is approximated by
// counting function-call boundary crossings via a FunctionListener and
// cancelling the context once the budget is exhausted; wazero's
// WithCloseOnContextDone aborts the running instance on cancellation the
// same way a real fuel trap would. Wall-clock limiting uses a real
// context.WithTimeout, which is the epoch-deadline equivalent.
func (r *ToolRuntime) Execute(ctx context.Context, module *PreparedModule, args ...uint64) (ExecuteResult, error) {
	if module == nil {
		return ExecuteResult{}, newError(ErrorInvalidArguments, "nil prepared module")
	}

	deadline := module.Limits.Timeout
	if deadline <= 0 {
		deadline = r.config.DefaultLimits.Timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	fuelLimit := module.Limits.Fuel
	if fuelLimit == 0 {
		fuelLimit = r.config.DefaultLimits.Fuel
	}
	counter := &fuelCounter{limit: fuelLimit, cancel: cancel}
	if r.config.FuelConfig.Enabled && fuelLimit > 0 {
		execCtx = experimental.WithFunctionListenerFactory(execCtx, counter)
	}

	modConfig := wazero.NewModuleConfig().WithName("")

	start := time.Now()
	instance, err := r.runtime.InstantiateModule(execCtx, module.compiled, modConfig)
	if err != nil {
		if execCtx.Err() != nil && counter.exhausted.Load() {
			return ExecuteResult{}, newError(ErrorFuelExhausted, "fuel budget of %d exceeded during instantiation", fuelLimit)
		}
		return ExecuteResult{}, newError(ErrorInstantiation, "%v", err)
	}
	defer instance.Close(ctx)

	fn := instance.ExportedFunction("execute")
	if fn == nil {
		return ExecuteResult{}, newError(ErrorMissingExport, "module %q does not export \"execute\"", module.Name)
	}

	out, err := fn.Call(execCtx, args...)
	duration := time.Since(start)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return ExecuteResult{Duration: duration}, newError(ErrorTimeout, "execution exceeded %s", deadline)
		}
		if counter.exhausted.Load() {
			return ExecuteResult{Duration: duration}, newError(ErrorFuelExhausted, "fuel budget of %d exceeded", fuelLimit)
		}
		return ExecuteResult{Duration: duration}, newError(ErrorExecutionTrapped, "%v", err)
	}

	return ExecuteResult{Output: out, FuelUsed: counter.used.Load(), Duration: duration}, nil
}

func extractDescription(compiled wazero.CompiledModule) string {
	for name := range compiled.ExportedFunctions() {
		if name == "description" {
			return "WASM sandboxed tool"
		}
	}
	return "WASM sandboxed tool"
}

func extractSchema(compiled wazero.CompiledModule) map[string]any {
	exports := compiled.ExportedFunctions()
	execFn, hasExecute := exports["execute"]
	if !hasExecute {
		return emptySchema()
	}

	names := execFn.ParamNames()
	if len(names) == 0 {
		return emptySchema()
	}

	properties := make(map[string]any, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		properties[n] = map[string]any{"type": "string"}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": true,
	}
}

func extractParamNames(compiled wazero.CompiledModule) []string {
	execFn, hasExecute := compiled.ExportedFunctions()["execute"]
	if !hasExecute {
		return nil
	}
	names := execFn.ParamNames()
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

func emptySchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": true,
	}
}

// schemaJSON renders a PreparedModule's schema as JSON, for argument
// validation via santhosh-tekuri/jsonschema.
func (p *PreparedModule) schemaJSON() ([]byte, error) {
	return json.Marshal(p.Schema)
}
