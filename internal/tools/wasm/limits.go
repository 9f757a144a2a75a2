package wasm

import "time"

// ResourceLimits bounds what a single tool execution may consume.
type ResourceLimits struct {
	MemoryBytes uint32
	Fuel        uint64
	Timeout     time.Duration
}

// DefaultResourceLimits is a conservative ceiling suitable for most tools.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MemoryBytes: 64 * 1024 * 1024,
		Fuel:        10_000_000,
		Timeout:     30 * time.Second,
	}
}

// WithMemory returns a copy of l with MemoryBytes set.
func (l ResourceLimits) WithMemory(bytes uint32) ResourceLimits {
	l.MemoryBytes = bytes
	return l
}

// WithFuel returns a copy of l with Fuel set.
func (l ResourceLimits) WithFuel(fuel uint64) ResourceLimits {
	l.Fuel = fuel
	return l
}

// WithTimeout returns a copy of l with Timeout set.
func (l ResourceLimits) WithTimeout(d time.Duration) ResourceLimits {
	l.Timeout = d
	return l
}

// FuelConfig controls whether execution-step counting is enforced.
type FuelConfig struct {
	Enabled bool
	Limit   uint64
}

// DefaultFuelConfig enables fuel limiting at a generous default.
func DefaultFuelConfig() FuelConfig {
	return FuelConfig{Enabled: true, Limit: 10_000_000}
}

// FuelConfigWithLimit builds an enabled FuelConfig with the given limit.
func FuelConfigWithLimit(limit uint64) FuelConfig {
	return FuelConfig{Enabled: true, Limit: limit}
}
