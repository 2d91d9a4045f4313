// Package worker is the client side of the Supervisor control plane: it
// registers, heartbeats, and reports task results over HTTP with retry.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/taskfleet/supervisor/internal/api"
	"github.com/taskfleet/supervisor/internal/backoff"
	"github.com/taskfleet/supervisor/internal/registry"
	"github.com/taskfleet/supervisor/internal/types"
)

const maxResponseBodyBytes = 64 * 1024

// StatusError is a non-retriable HTTP error from the Supervisor.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("supervisor returned %d: %s", e.Code, e.Message)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Retry      backoff.Policy
}

// Client talks to the Supervisor control plane. Transient failures (network
// errors and 5xx responses) are retried under the configured backoff policy;
// 4xx responses fail immediately.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      backoff.Policy
}

// NewClient creates a Client. Zero config fields take defaults.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = backoff.DefaultPolicy()
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: httpClient,
		retry:      retry,
	}
}

// BaseURL returns the Supervisor base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Register announces the worker to the Supervisor.
func (c *Client) Register(ctx context.Context, reg registry.Registration) (*types.Worker, error) {
	var out api.WorkerResponse
	if err := c.doJSON(ctx, http.MethodPost, "/workers/register", reg, &out); err != nil {
		return nil, err
	}
	return out.Worker, nil
}

// Heartbeat posts a liveness update.
func (c *Client) Heartbeat(ctx context.Context, hb registry.Heartbeat) (*types.Worker, error) {
	var out api.WorkerResponse
	if err := c.doJSON(ctx, http.MethodPost, "/workers/heartbeat", hb, &out); err != nil {
		return nil, err
	}
	return out.Worker, nil
}

// ListWorkers fetches the Supervisor's worker table, including the
// supervisor-tracked assignment load per worker.
func (c *Client) ListWorkers(ctx context.Context) ([]*api.WorkerView, error) {
	var out api.ListWorkersResponse
	if err := c.doJSON(ctx, http.MethodGet, "/workers", nil, &out); err != nil {
		return nil, err
	}
	return out.Workers, nil
}

// ReportResult posts a task result. Returns whether the Supervisor applied it;
// a false return means the task was no longer active (timed out or resolved).
func (c *Client) ReportResult(ctx context.Context, result *types.TaskResult) (bool, error) {
	body := api.ReportResultRequest{
		WorkerID:   string(result.WorkerID),
		Success:    result.Success,
		Result:     result.Result,
		Error:      result.Error,
		DurationMs: result.DurationMs,
	}

	var out api.ReportResultResponse
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/tasks/%s/result", result.TaskID), body, &out); err != nil {
		return false, err
	}
	return out.Success, nil
}

// Unregister removes the worker from the Supervisor.
func (c *Client) Unregister(ctx context.Context, id types.WorkerID) (bool, error) {
	var out api.UnregisterResponse
	if err := c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/workers/%s", id), nil, &out); err != nil {
		return false, err
	}
	return out.Success, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
		if err != nil {
			return err
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("supervisor returned %s", resp.Status)
		}
		if resp.StatusCode >= 400 {
			msg := resp.Status
			var apiErr api.ErrorResponse
			if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
				msg = apiErr.Error
			}
			return backoff.Permanent(&StatusError{Code: resp.StatusCode, Message: msg})
		}

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
		}
		return nil
	}

	return backoff.Retry(ctx, c.retry, op, func(attempt int, err error, delayMs int64) {
		log.Printf("worker client: %s %s attempt %d failed (%v), retrying in %dms", method, path, attempt, err, delayMs)
	})
}
