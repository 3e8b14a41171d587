// Package nodes defines the node type contract consumed by the scheduler and
// the worker loop, plus a handful of built-in node types.
package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"flowqueue/backend/pkg/models"
)

// JoinMode declares when a node with several incoming edges becomes ready.
type JoinMode string

const (
	// JoinAll waits for every predecessor and every required input pin.
	JoinAll JoinMode = "all"
	// JoinAny fires on the first delivered input.
	JoinAny JoinMode = "any"
)

// Pin is a named input or output of a node type.
type Pin struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
}

// Schema is the declared shape of a node type.
type Schema struct {
	Inputs  []Pin    `json:"inputs"`
	Outputs []Pin    `json:"outputs"`
	Join    JoinMode `json:"join"`
}

// HasInput reports whether name is a declared input pin.
func (s Schema) HasInput(name string) bool {
	for _, p := range s.Inputs {
		if p.Name == name {
			return true
		}
	}
	return false
}

// HasOutput reports whether name is a declared output pin.
func (s Schema) HasOutput(name string) bool {
	for _, p := range s.Outputs {
		if p.Name == name {
			return true
		}
	}
	return false
}

// RequiredInputs returns the names of the required input pins.
func (s Schema) RequiredInputs() []string {
	var names []string
	for _, p := range s.Inputs {
		if p.Required {
			names = append(names, p.Name)
		}
	}
	return names
}

// JoinOrDefault returns the join mode, JoinAll when unset.
func (s Schema) JoinOrDefault() JoinMode {
	if s.Join == "" {
		return JoinAll
	}
	return s.Join
}

// NodeExecutor runs one node invocation. Errors of type *NodeExecutionError
// tell the worker whether the failure is worth retrying; any other error is
// treated as non-retryable.
type NodeExecutor interface {
	Execute(ctx context.Context, req models.NodeExecutionRequest) (models.NodeExecutionResult, error)
}

// ExecutorFunc adapts a function to NodeExecutor.
type ExecutorFunc func(ctx context.Context, req models.NodeExecutionRequest) (models.NodeExecutionResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req models.NodeExecutionRequest) (models.NodeExecutionResult, error) {
	return f(ctx, req)
}

// NodeType is a tagged variant: a type name, its pin schema, a config
// validator and the executor.
type NodeType interface {
	NodeExecutor
	Type() string
	Schema() Schema
	// ValidateConfig checks a node's config at workflow save time.
	ValidateConfig(config json.RawMessage) error
}

// NodeExecutionError is returned by executors to signal a node failure.
type NodeExecutionError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *NodeExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }

// Retryable wraps err as a retryable node failure.
func Retryable(code string, err error) *NodeExecutionError {
	return &NodeExecutionError{Code: code, Message: err.Error(), Retryable: true, Err: err}
}

// Permanent wraps err as a non-retryable node failure.
func Permanent(code string, err error) *NodeExecutionError {
	return &NodeExecutionError{Code: code, Message: err.Error(), Err: err}
}

// AsNodeError normalizes any executor error into a *NodeExecutionError.
func AsNodeError(err error) *NodeExecutionError {
	var nerr *NodeExecutionError
	if errors.As(err, &nerr) {
		return nerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &NodeExecutionError{Code: "timeout", Message: err.Error(), Retryable: true, Err: err}
	}
	return &NodeExecutionError{Code: "node_error", Message: err.Error(), Err: err}
}
