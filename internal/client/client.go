// Package client is the HTTP client used by the remote CLI commands to
// drive a ccswarm server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nwiizo/ccswarm/internal/common/apperr"
)

// Client talks to a ccswarm HTTP server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the given base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SessionInfo is one session as reported by the server.
type SessionInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	State        string    `json:"state"`
	WorkingDir   string    `json:"working_dir"`
	CommandCount int       `json:"command_count"`
	TokenCount   int64     `json:"token_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// CreateSession creates and starts a remote session.
func (c *Client) CreateSession(ctx context.Context, name, workingDir string, aiFeatures bool) (*SessionInfo, error) {
	var out SessionInfo
	err := c.do(ctx, http.MethodPost, "/sessions", map[string]any{
		"name":               name,
		"working_dir":        workingDir,
		"enable_ai_features": aiFeatures,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions returns the remote session pool.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var out struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// ExecuteResult is the outcome of a remote command.
type ExecuteResult struct {
	Success         bool   `json:"success"`
	Output          string `json:"output"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

// Execute runs a command in a remote session.
func (c *Client) Execute(ctx context.Context, name, command string) (*ExecuteResult, error) {
	var out ExecuteResult
	err := c.do(ctx, http.MethodPost, "/sessions/"+name+"/execute", map[string]any{
		"command": command,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Output fetches a remote session's captured output.
func (c *Client) Output(ctx context.Context, name string) (string, error) {
	var out struct {
		Output string `json:"output"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions/"+name+"/output", nil, &out); err != nil {
		return "", err
	}
	return out.Output, nil
}

// Status fetches a remote session's status document.
func (c *Client) Status(ctx context.Context, name string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/sessions/"+name+"/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a remote session.
func (c *Client) Delete(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+name, nil, nil)
}

// Health fetches the server health document.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindBackendIO, "server unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	msg := body.Detail
	if msg == "" {
		msg = body.Error
	}
	if msg == "" {
		msg = resp.Status
	}

	kind := apperr.KindInternal
	switch resp.StatusCode {
	case http.StatusNotFound:
		kind = apperr.KindNotFound
	case http.StatusConflict:
		kind = apperr.KindAlreadyExists
	case http.StatusBadRequest:
		kind = apperr.KindInvalidArgument
	case http.StatusRequestTimeout:
		kind = apperr.KindTimeout
	}
	return apperr.New(kind, msg)
}
