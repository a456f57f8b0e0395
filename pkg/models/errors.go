package models

import (
	"errors"
	"strings"
)

// Common error types for DiaFlow.
var (
	// Graph errors
	ErrNodeNotFound     = errors.New("node not found")
	ErrArrowNotFound    = errors.New("arrow not found")
	ErrPersonNotFound   = errors.New("person not found")
	ErrCyclicDependency = errors.New("cyclic dependency detected")
	ErrInvalidDiagram   = errors.New("invalid diagram")

	// Execution errors
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrExecutionFailed    = errors.New("execution failed")
	ErrExecutionCancelled = errors.New("execution cancelled")
	ErrExecutionNotActive = errors.New("execution is not active")
	ErrDeadlock           = errors.New("deadlock: no node is ready and none is running")
	ErrNodeTimeout        = errors.New("node execution timed out")

	// Handler errors
	ErrHandlerNotFound = errors.New("no executor registered for node type")
	ErrInvalidProps    = errors.New("invalid node props")

	// Storage errors
	ErrStorage = errors.New("state storage failure")

	// Router errors
	ErrConnectionNotFound = errors.New("connection not found")
	ErrQueueFull          = errors.New("connection queue full")

	// Conversation errors
	ErrInvalidConversation = errors.New("invalid conversation shape")
)

// ValidationError represents a single validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors collects every violation found while building a graph.
// Build never exposes a partial graph; the caller gets the full list.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}

	parts := make([]string, len(e))
	for i, ve := range e {
		parts[i] = ve.Error()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ExecutionError wraps an error with its execution and node context.
type ExecutionError struct {
	ExecutionID ExecutionID
	NodeID      NodeID
	Err         error
}

func (e *ExecutionError) Error() string {
	msg := "execution " + string(e.ExecutionID)
	if e.NodeID != "" {
		msg += " node " + string(e.NodeID)
	}
	return msg + ": " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
