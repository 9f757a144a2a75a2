package wasm

import (
	"context"
	"testing"
	"time"
)

func TestRuntimeConfigDefault(t *testing.T) {
	config := DefaultRuntimeConfig()
	if !config.CacheCompiled {
		t.Fatal("expected caching enabled by default")
	}
	if !config.FuelConfig.Enabled {
		t.Fatal("expected fuel enabled by default")
	}
}

func TestRuntimeConfigForTesting(t *testing.T) {
	config := ForTesting()
	if config.CacheCompiled {
		t.Fatal("expected caching disabled for test config")
	}
	if config.DefaultLimits.MemoryBytes != 1024*1024 {
		t.Fatalf("expected 1MB memory limit, got %d", config.DefaultLimits.MemoryBytes)
	}
}

func TestRuntimeCreation(t *testing.T) {
	config := ForTesting()
	runtime, err := NewToolRuntime(context.Background(), config, nil)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	defer runtime.Close(context.Background())

	if !runtime.Config().FuelConfig.Enabled {
		t.Fatal("expected fuel enabled in runtime config")
	}
}

func TestModuleCacheOperationsEmpty(t *testing.T) {
	config := ForTesting()
	runtime, err := NewToolRuntime(context.Background(), config, nil)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	defer runtime.Close(context.Background())

	if len(runtime.List()) != 0 {
		t.Fatal("expected empty module list")
	}
	if runtime.Get("missing") != nil {
		t.Fatal("expected nil for missing module")
	}
}

func TestPreparedModuleLimits(t *testing.T) {
	limits := DefaultResourceLimits().WithMemory(5 * 1024 * 1024).WithFuel(500_000)
	if limits.MemoryBytes != 5*1024*1024 {
		t.Fatalf("unexpected memory: %d", limits.MemoryBytes)
	}
	if limits.Fuel != 500_000 {
		t.Fatalf("unexpected fuel: %d", limits.Fuel)
	}
}

func TestPrepareCachesByName(t *testing.T) {
	// A minimal valid WASM module: just the magic number + version, no
	// sections — wazero accepts this as an empty module with no exports.
	emptyModule := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	runtime, err := NewToolRuntime(context.Background(), DefaultRuntimeConfig(), nil)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	defer runtime.Close(context.Background())

	first, err := runtime.Prepare(context.Background(), "noop", emptyModule, nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if first.Name != "noop" {
		t.Fatalf("unexpected name: %s", first.Name)
	}

	second, err := runtime.Prepare(context.Background(), "noop", emptyModule, nil)
	if err != nil {
		t.Fatalf("prepare (cached): %v", err)
	}
	if second != first {
		t.Fatal("expected cached module to be returned, not recompiled")
	}

	names := runtime.List()
	if len(names) != 1 || names[0] != "noop" {
		t.Fatalf("unexpected module list: %v", names)
	}

	removed := runtime.Remove("noop")
	if removed == nil {
		t.Fatal("expected Remove to return the evicted module")
	}
	if len(runtime.List()) != 0 {
		t.Fatal("expected empty list after Remove")
	}
}

func TestExecuteMissingExportErrors(t *testing.T) {
	emptyModule := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	runtime, err := NewToolRuntime(context.Background(), ForTesting(), nil)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	defer runtime.Close(context.Background())

	prepared, err := runtime.Prepare(context.Background(), "empty", emptyModule, nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	_, err = runtime.Execute(context.Background(), prepared)
	if err == nil {
		t.Fatal("expected error for module missing execute export")
	}
	wasmErr, ok := err.(*Error)
	if !ok || wasmErr.Kind != ErrorMissingExport {
		t.Fatalf("expected ErrorMissingExport, got %v", err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	limits := DefaultResourceLimits().WithTimeout(1 * time.Millisecond)
	if limits.Timeout != time.Millisecond {
		t.Fatalf("unexpected timeout: %v", limits.Timeout)
	}
}
