package vm

import (
	"io"
	"os"
)

// Stack and call limits
const (
	// MinStack is the number of free slots guaranteed to a Go function.
	MinStack = 20
	// BasicStackSize is the initial stack size of a coroutine.
	BasicStackSize = 2 * MinStack
	// ExtraStack is slack kept past the usable end of every stack.
	ExtraStack = 5

	basicCISize = 8

	DefaultMaxStackSize   = 1000000
	DefaultMaxCalls       = 20000
	DefaultMaxNativeCalls = 200

	// errorStackSize is the headroom granted while reporting a stack
	// overflow.
	errorStackSize = 200
)

// Collector pacing defaults
const (
	DefaultGCPause    = 200
	DefaultGCStepMul  = 200
	DefaultGCStepSize = 1024
)

// Config tunes a Runtime. The zero value of any numeric field selects the
// default.
type Config struct {
	// GCPause is the heap growth, as a percentage of the live estimate,
	// that starts the next cycle.
	GCPause int
	// GCStepMul scales the work done per incremental step.
	GCStepMul int
	// GCStepSize is the allocation debt, in bytes, that triggers a step.
	GCStepSize int
	// MemoryLimit caps the accounted heap size in bytes. Zero is unlimited.
	MemoryLimit int64

	MaxStackSize   int
	MaxCalls       int
	MaxNativeCalls int

	// Stdout receives output from the print builtin.
	Stdout io.Writer

	// PanicHook observes errors that escape Runtime.Call with no enclosing
	// protected call.
	PanicHook func(err *Error)
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	return Config{
		GCPause:        DefaultGCPause,
		GCStepMul:      DefaultGCStepMul,
		GCStepSize:     DefaultGCStepSize,
		MaxStackSize:   DefaultMaxStackSize,
		MaxCalls:       DefaultMaxCalls,
		MaxNativeCalls: DefaultMaxNativeCalls,
		Stdout:         os.Stdout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GCPause <= 0 {
		c.GCPause = d.GCPause
	}
	if c.GCStepMul <= 0 {
		c.GCStepMul = d.GCStepMul
	}
	if c.GCStepSize <= 0 {
		c.GCStepSize = d.GCStepSize
	}
	if c.MaxStackSize <= 0 {
		c.MaxStackSize = d.MaxStackSize
	}
	if c.MaxCalls <= 0 {
		c.MaxCalls = d.MaxCalls
	}
	if c.MaxNativeCalls <= 0 {
		c.MaxNativeCalls = d.MaxNativeCalls
	}
	if c.Stdout == nil {
		c.Stdout = d.Stdout
	}
	return c
}
