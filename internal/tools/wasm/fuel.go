package wasm

import (
	"context"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// fuelCounter approximates wasmtime-style fuel accounting on top of wazero,
// which has no native instruction-budget primitive. Every call boundary
// crossing (Before a function body runs) counts as one unit of fuel; once
// the budget is exhausted the execution context is cancelled, which
// wazero's WithCloseOnContextDone turns into an aborted instance the same
// way an exhausted wasmtime fuel counter traps.
type fuelCounter struct {
	limit     uint64
	used      atomic.Uint64
	exhausted atomic.Bool
	cancel    context.CancelFunc
}

var _ experimental.FunctionListenerFactory = (*fuelCounter)(nil)

// NewFunctionListener attaches fuel accounting to every function defined
// in the module (host imports are not billed).
func (c *fuelCounter) NewFunctionListener(def api.FunctionDefinition) experimental.FunctionListener {
	if def.GoFunction() != nil {
		return nil
	}
	return c
}

func (c *fuelCounter) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, stack experimental.StackIterator) context.Context {
	used := c.used.Add(1)
	if used > c.limit {
		c.exhausted.Store(true)
		c.cancel()
	}
	return ctx
}

func (c *fuelCounter) After(ctx context.Context, mod api.Module, def api.FunctionDefinition, results []uint64) {}
