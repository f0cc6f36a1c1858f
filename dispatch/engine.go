package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxEngineResponseBody caps response reads from the automation engine.
const maxEngineResponseBody int64 = 1 << 20

// TaskSpec is everything the automation engine needs to drive one
// submission in a real browser session.
type TaskSpec struct {
	ApplicationID string `json:"application_id"`
	JobID         string `json:"job_id"`
	ApplyURL      string `json:"apply_url"`
	ScriptRef     string `json:"script_ref"`
	CallbackURL   string `json:"callback_url"` // where the engine polls for verification codes
	Identifier    string `json:"identifier"`   // login identifier, usually the account email
	CVPath        string `json:"cv_path,omitempty"`
}

// Engine starts browser automation tasks. The returned task ID is the
// engine's own handle; results come back asynchronously on the task-result
// webhook, keyed by that handle.
type Engine interface {
	StartTask(ctx context.Context, spec TaskSpec) (taskID string, err error)
}

// HTTPEngineConfig configures the HTTP engine client.
type HTTPEngineConfig struct {
	// BaseURL of the automation engine, e.g. "http://engine:8700".
	BaseURL string
	// AuthToken is sent as a bearer token when non-empty.
	AuthToken string
	Timeout   time.Duration

	HTTPClient *http.Client
}

func (c *HTTPEngineConfig) defaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
}

// HTTPEngine is an Engine over a plain JSON-over-HTTP API: POST /tasks with
// the task spec, get {"task_id": "..."} back.
type HTTPEngine struct {
	cfg HTTPEngineConfig
}

// NewHTTPEngine returns a client for the engine at cfg.BaseURL.
func NewHTTPEngine(cfg HTTPEngineConfig) (*HTTPEngine, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("dispatch: engine base URL is required")
	}
	cfg.defaults()
	return &HTTPEngine{cfg: cfg}, nil
}

// StartTask posts the task spec and returns the engine's task handle.
func (e *HTTPEngine) StartTask(ctx context.Context, spec TaskSpec) (string, error) {
	payload, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("dispatch: marshal task spec: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.cfg.BaseURL+"/tasks", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("dispatch: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.AuthToken)
	}

	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("dispatch: engine request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEngineResponseBody))
	if err != nil {
		return "", fmt.Errorf("dispatch: read engine response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("dispatch: engine status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("dispatch: decode engine response: %w", err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("dispatch: engine returned no task_id")
	}
	return out.TaskID, nil
}
