// Package clients holds the outbound adapters behind the workflow
// collaborator seams: the step invoker, the notification webhook, the
// RBAC authorizer and the evidence document store.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/evidentra/testcycle-orchestrator/pkg/errors"
	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
	"github.com/evidentra/testcycle-orchestrator/pkg/workflow"
)

const invokerComponent = "collaborator-invoker"

// InvokerConfig configures the HTTP collaborator client.
type InvokerConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxIdle     int           `yaml:"max_idle_conns"`
	IdleTimeout time.Duration `yaml:"idle_conn_timeout"`
}

func DefaultInvokerConfig() InvokerConfig {
	return InvokerConfig{
		Timeout:     60 * time.Second,
		MaxIdle:     32,
		IdleTimeout: 90 * time.Second,
	}
}

// HTTPInvoker calls collaborator services over HTTP. Each automatic step
// maps to POST {base}/collaborators/{step}; undo, where a collaborator
// supports it, is POST {base}/collaborators/{step}/undo.
type HTTPInvoker struct {
	config     InvokerConfig
	httpClient *http.Client
	logger     *logging.StructuredLogger
}

func NewHTTPInvoker(config InvokerConfig, logger *logging.StructuredLogger) *HTTPInvoker {
	transport := &http.Transport{
		MaxIdleConns:        config.MaxIdle,
		MaxIdleConnsPerHost: config.MaxIdle,
		IdleConnTimeout:     config.IdleTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &HTTPInvoker{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		logger: logger.WithComponent(invokerComponent),
	}
}

// Invoke runs one collaborator call. Non-2xx responses come back as typed
// errors so the executor can tell transient from fatal.
func (c *HTTPInvoker) Invoke(ctx context.Context, sc workflow.StepContext) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/collaborators/%s", c.config.BaseURL, sc.StepName)
	return c.post(ctx, url, sc)
}

// Undo reverses a collaborator call during compensation.
func (c *HTTPInvoker) Undo(ctx context.Context, sc workflow.StepContext) error {
	url := fmt.Sprintf("%s/collaborators/%s/undo", c.config.BaseURL, sc.StepName)
	_, err := c.post(ctx, url, sc)
	return err
}

func (c *HTTPInvoker) post(ctx context.Context, url string, sc workflow.StepContext) (json.RawMessage, error) {
	body, err := json.Marshal(sc)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, invokerComponent, "invoke", "marshal step context")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, invokerComponent, "invoke", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeExternal, invokerComponent, "invoke", "collaborator unreachable").
			WithInstance(sc.InstanceID).WithStep(sc.StepID)
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeExternal, invokerComponent, "invoke", "read response")
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return payload, nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// The collaborator understood the request and says it can never
		// succeed; retrying is pointless.
		e := errors.New(errors.ErrorTypeFatal, invokerComponent, "invoke",
			fmt.Sprintf("collaborator rejected %s: %s", sc.StepName, truncate(payload))).
			WithInstance(sc.InstanceID).WithStep(sc.StepID)
		return nil, e
	default:
		e := errors.New(errors.ErrorTypeExternal, invokerComponent, "invoke",
			fmt.Sprintf("collaborator %s returned %d", sc.StepName, resp.StatusCode)).
			WithInstance(sc.InstanceID).WithStep(sc.StepID)
		return nil, e
	}
}

func truncate(b []byte) string {
	const max = 256
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
