// Package engine drives diagram executions: it schedules ready nodes,
// invokes their handlers on a bounded worker pool, commits transitions to
// the state store, and streams progress events.
package engine

import (
	"runtime"
	"time"

	"github.com/diaflow/diaflow/pkg/handler"
	"github.com/diaflow/diaflow/pkg/models"
)

// Default engine limits.
const (
	DefaultNodeTimeout      = 300 * time.Second
	DefaultGlobalIterations = 100
	defaultEventBuffer      = 1024
)

// ExecutionOptions configures one execution.
type ExecutionOptions struct {
	// ExecutionID overrides the generated ID. Useful for idempotent
	// retriggering and tests.
	ExecutionID models.ExecutionID

	// Variables seeds the execution-scoped variable map.
	Variables map[string]any

	// Debug is carried on the options; the engine does not read it.
	Debug bool

	// Timeout bounds the whole execution. Zero means unbounded.
	Timeout time.Duration

	// NodeTimeout is the default per-node deadline; nodes may override it
	// with their own timeout field.
	NodeTimeout time.Duration

	// MaxIterationsGlobal is the iteration ceiling applied to loop nodes
	// without their own max_iterations.
	MaxIterationsGlobal int

	// ContinueOnError keeps independent branches running after a node
	// failure instead of failing the execution.
	ContinueOnError bool

	// WorkerPoolSize bounds concurrent handler invocations for this
	// execution. Defaults to the CPU count, minimum 1.
	WorkerPoolSize int

	// Interactive answers interactive_prompt requests raised by handlers.
	Interactive handler.InteractiveHandler
}

// withDefaults fills unset options from engine defaults.
func (o *ExecutionOptions) withDefaults(defaults Defaults) *ExecutionOptions {
	opts := &ExecutionOptions{}
	if o != nil {
		*opts = *o
	}

	if opts.NodeTimeout <= 0 {
		opts.NodeTimeout = defaults.NodeTimeout
	}
	if opts.MaxIterationsGlobal <= 0 {
		opts.MaxIterationsGlobal = defaults.MaxIterationsGlobal
	}
	if opts.WorkerPoolSize <= 0 {
		opts.WorkerPoolSize = defaults.WorkerPoolSize
	}
	if opts.WorkerPoolSize < 1 {
		opts.WorkerPoolSize = 1
	}
	if opts.Variables == nil {
		opts.Variables = map[string]any{}
	}

	return opts
}

// Defaults are process-wide fallbacks for per-execution options.
type Defaults struct {
	NodeTimeout         time.Duration
	MaxIterationsGlobal int
	WorkerPoolSize      int
}

// DefaultDefaults returns the standard engine defaults.
func DefaultDefaults() Defaults {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}

	return Defaults{
		NodeTimeout:         DefaultNodeTimeout,
		MaxIterationsGlobal: DefaultGlobalIterations,
		WorkerPoolSize:      workers,
	}
}

// LoopStatus exposes loop bookkeeping to condition handlers without
// handing them the whole controller.
type LoopStatus interface {
	AllLoopsAtMax() bool
	IterationCount(nodeID models.NodeID) int
}
