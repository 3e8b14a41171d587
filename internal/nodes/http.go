package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"flowqueue/backend/pkg/models"
)

type httpConfig struct {
	URL     string `json:"url"`
	Method  string `json:"method,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// HTTPNode posts its inputs as JSON to a remote service and emits the
// decoded response on "out". 5xx, 429 and transport failures are
// retryable; other non-2xx statuses are not.
type HTTPNode struct {
	client *http.Client
}

// NewHTTPNode creates an HTTPNode. A nil client uses http.DefaultClient.
func NewHTTPNode(client *http.Client) *HTTPNode {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPNode{client: client}
}

func (*HTTPNode) Type() string { return "http" }

func (*HTTPNode) Schema() Schema {
	return Schema{
		Inputs:  []Pin{{Name: "in"}},
		Outputs: []Pin{{Name: "out"}},
	}
}

func (*HTTPNode) ValidateConfig(config json.RawMessage) error {
	_, err := parseHTTPConfig(config)
	return err
}

func parseHTTPConfig(config json.RawMessage) (httpConfig, error) {
	var cfg httpConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return cfg, err
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return cfg, fmt.Errorf("invalid config: url %q must be an absolute http(s) url", cfg.URL)
	}
	switch cfg.Method {
	case "":
		cfg.Method = http.MethodPost
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return cfg, fmt.Errorf("invalid config: unsupported method %q", cfg.Method)
	}
	if cfg.Timeout != "" {
		if _, err := time.ParseDuration(cfg.Timeout); err != nil {
			return cfg, fmt.Errorf("invalid config: timeout: %w", err)
		}
	}
	return cfg, nil
}

func (n *HTTPNode) Execute(ctx context.Context, req models.NodeExecutionRequest) (models.NodeExecutionResult, error) {
	cfg, err := parseHTTPConfig(req.Config)
	if err != nil {
		return models.NodeExecutionResult{}, Permanent("invalid_config", err)
	}
	if cfg.Timeout != "" {
		d, _ := time.ParseDuration(cfg.Timeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	body := req.Inputs["in"]
	if len(body) == 0 {
		body = emptyObject()
	}
	httpReq, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return models.NodeExecutionResult{}, Permanent("invalid_request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Execution-Id", req.Context.ExecutionID.String())

	resp, err := n.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return models.NodeExecutionResult{}, Retryable("interrupted", err)
		}
		return models.NodeExecutionResult{}, Retryable("http_unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return models.NodeExecutionResult{}, Retryable("http_read", err)
	}

	code := fmt.Sprintf("http_%d", resp.StatusCode)
	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return models.NodeExecutionResult{}, Retryable(code, fmt.Errorf("status code %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return models.NodeExecutionResult{}, Permanent(code, fmt.Errorf("status code %d", resp.StatusCode))
	}

	if len(bytes.TrimSpace(data)) == 0 {
		data = emptyObject()
	}
	if !json.Valid(data) {
		return models.NodeExecutionResult{}, Permanent("invalid_response", errors.New("response body is not JSON"))
	}
	return models.NodeExecutionResult{Outputs: map[string]json.RawMessage{"out": data}}, nil
}
