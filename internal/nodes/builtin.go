package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"flowqueue/backend/pkg/models"
)

// TriggerInputPin is the input key under which an entry node receives the
// run's trigger payload.
const TriggerInputPin = "trigger"

// Builtins returns the node types shipped with the service.
func Builtins() []NodeType {
	return []NodeType{
		triggerNode{},
		passthroughNode{},
		branchNode{},
		mergeNode{},
		delayNode{},
		NewHTTPNode(nil),
	}
}

// decodeConfig strictly decodes a node config; an empty config decodes to the
// zero value.
func decodeConfig(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func emptyObject() json.RawMessage { return json.RawMessage(`{}`) }

type triggerNode struct{}

func (triggerNode) Type() string { return "trigger" }

func (triggerNode) Schema() Schema {
	return Schema{Outputs: []Pin{{Name: "out"}}}
}

func (triggerNode) ValidateConfig(config json.RawMessage) error {
	var cfg struct{}
	return decodeConfig(config, &cfg)
}

func (triggerNode) Execute(_ context.Context, req models.NodeExecutionRequest) (models.NodeExecutionResult, error) {
	out, ok := req.Inputs[TriggerInputPin]
	if !ok || len(out) == 0 {
		out = emptyObject()
	}
	return models.NodeExecutionResult{Outputs: map[string]json.RawMessage{"out": out}}, nil
}

type passthroughNode struct{}

func (passthroughNode) Type() string { return "passthrough" }

func (passthroughNode) Schema() Schema {
	return Schema{
		Inputs:  []Pin{{Name: "in", Required: true}},
		Outputs: []Pin{{Name: "out"}},
	}
}

func (passthroughNode) ValidateConfig(config json.RawMessage) error {
	var cfg struct{}
	return decodeConfig(config, &cfg)
}

func (passthroughNode) Execute(_ context.Context, req models.NodeExecutionRequest) (models.NodeExecutionResult, error) {
	return models.NodeExecutionResult{Outputs: map[string]json.RawMessage{"out": req.Inputs["in"]}}, nil
}

// branchConfig routes to "true" when input[Field] equals Equals. With no
// Field the whole input is compared.
type branchConfig struct {
	Field  string          `json:"field"`
	Equals json.RawMessage `json:"equals"`
}

type branchNode struct{}

func (branchNode) Type() string { return "branch" }

func (branchNode) Schema() Schema {
	return Schema{
		Inputs:  []Pin{{Name: "in", Required: true}},
		Outputs: []Pin{{Name: "true"}, {Name: "false"}},
	}
}

func (branchNode) ValidateConfig(config json.RawMessage) error {
	var cfg branchConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if len(cfg.Equals) == 0 {
		return errors.New("invalid config: equals is required")
	}
	return nil
}

func (branchNode) Execute(_ context.Context, req models.NodeExecutionRequest) (models.NodeExecutionResult, error) {
	var cfg branchConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return models.NodeExecutionResult{}, Permanent("invalid_config", err)
	}

	in := req.Inputs["in"]
	var subject any
	if len(in) > 0 {
		if err := json.Unmarshal(in, &subject); err != nil {
			return models.NodeExecutionResult{}, Permanent("invalid_input", err)
		}
	}
	if cfg.Field != "" {
		obj, _ := subject.(map[string]any)
		subject = obj[cfg.Field]
	}
	var want any
	if err := json.Unmarshal(cfg.Equals, &want); err != nil {
		return models.NodeExecutionResult{}, Permanent("invalid_config", err)
	}

	pin := "false"
	if reflect.DeepEqual(subject, want) {
		pin = "true"
	}
	if len(in) == 0 {
		in = emptyObject()
	}
	return models.NodeExecutionResult{Outputs: map[string]json.RawMessage{pin: in}}, nil
}

type mergeNode struct{}

func (mergeNode) Type() string { return "merge" }

func (mergeNode) Schema() Schema {
	return Schema{
		Inputs:  []Pin{{Name: "in"}},
		Outputs: []Pin{{Name: "out"}},
		Join:    JoinAny,
	}
}

func (mergeNode) ValidateConfig(config json.RawMessage) error {
	var cfg struct{}
	return decodeConfig(config, &cfg)
}

func (mergeNode) Execute(_ context.Context, req models.NodeExecutionRequest) (models.NodeExecutionResult, error) {
	out := req.Inputs["in"]
	if len(out) == 0 {
		out = emptyObject()
	}
	return models.NodeExecutionResult{Outputs: map[string]json.RawMessage{"out": out}}, nil
}

type delayConfig struct {
	Duration string `json:"duration"`
}

type delayNode struct{}

func (delayNode) Type() string { return "delay" }

func (delayNode) Schema() Schema {
	return Schema{
		Inputs:  []Pin{{Name: "in"}},
		Outputs: []Pin{{Name: "out"}},
	}
}

func (delayNode) ValidateConfig(config json.RawMessage) error {
	var cfg delayConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if _, err := time.ParseDuration(cfg.Duration); err != nil {
		return fmt.Errorf("invalid config: duration: %w", err)
	}
	return nil
}

func (delayNode) Execute(ctx context.Context, req models.NodeExecutionRequest) (models.NodeExecutionResult, error) {
	var cfg delayConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return models.NodeExecutionResult{}, Permanent("invalid_config", err)
	}
	d, err := time.ParseDuration(cfg.Duration)
	if err != nil {
		return models.NodeExecutionResult{}, Permanent("invalid_config", err)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return models.NodeExecutionResult{}, Retryable("interrupted", ctx.Err())
	case <-timer.C:
	}

	out := req.Inputs["in"]
	if len(out) == 0 {
		out = emptyObject()
	}
	return models.NodeExecutionResult{Outputs: map[string]json.RawMessage{"out": out}}, nil
}
