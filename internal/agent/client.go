package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/opencode-studio/studio/internal/common/config"
	"github.com/opencode-studio/studio/internal/common/logger"
)

const defaultMcpTimeout = 10 * time.Second

// Client is the HTTP client for the agent runtime.
type Client struct {
	baseURL    string
	model      string
	mcpTimeout time.Duration
	http       *http.Client
	logger     *logger.Logger
}

// NewClient creates a runtime client. Prompt calls have no hard timeout;
// the caller's context bounds them. MCP registration calls are bounded by
// the configured mcpTimeout.
func NewClient(cfg config.AgentConfig, log *logger.Logger) *Client {
	mcpTimeout := cfg.McpTimeoutDuration()
	if mcpTimeout <= 0 {
		mcpTimeout = defaultMcpTimeout
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		mcpTimeout: mcpTimeout,
		http:       &http.Client{},
		logger:     log.WithFields(zap.String("component", "agent-client")),
	}
}

// BaseURL returns the runtime endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type createSessionRequest struct {
	Title string `json:"title,omitempty"`
	Cwd   string `json:"cwd,omitempty"`
}

type createSessionResponse struct {
	ID string `json:"id"`
}

// CreateSession creates a runtime session rooted at workingDir and returns
// its opaque id.
func (c *Client) CreateSession(ctx context.Context, title, workingDir string) (string, error) {
	var resp createSessionResponse
	err := c.do(ctx, http.MethodPost, "/session", createSessionRequest{Title: title, Cwd: workingDir}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &RuntimeError{Op: "createSession", Err: fmt.Errorf("empty session id")}
	}
	c.logger.Debug("created agent session", zap.String("agent_session_id", resp.ID))
	return resp.ID, nil
}

type promptRequest struct {
	Model string `json:"model,omitempty"`
	Parts []Part `json:"parts"`
}

type promptResponse struct {
	Parts []Part `json:"parts"`
}

// SendPrompt sends a text prompt to the session and blocks until the
// runtime returns the full set of response parts.
func (c *Client) SendPrompt(ctx context.Context, sessionID, text string) ([]Part, error) {
	req := promptRequest{
		Model: c.model,
		Parts: []Part{{Type: PartText, Text: text}},
	}
	var resp promptResponse
	path := fmt.Sprintf("/session/%s/message", sessionID)
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return resp.Parts, nil
}

// AbortSession asks the runtime to interrupt the session's in-flight work.
func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/session/%s/abort", sessionID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

type mcpServerRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// AddMCPServer registers an MCP server with the runtime by URL.
func (c *Client) AddMCPServer(ctx context.Context, name, url string) error {
	ctx, cancel := context.WithTimeout(ctx, c.mcpTimeout)
	defer cancel()
	return c.do(ctx, http.MethodPost, "/mcp", mcpServerRequest{Name: name, URL: url}, nil)
}

// ConnectMCP connects a previously registered MCP server.
func (c *Client) ConnectMCP(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, c.mcpTimeout)
	defer cancel()
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/mcp/%s/connect", name), nil, nil)
}

// DisconnectMCP disconnects an MCP server. Safe to call when not connected.
func (c *Client) DisconnectMCP(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, c.mcpTimeout)
	defer cancel()
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/mcp/%s/disconnect", name), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &RuntimeError{Op: op, Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &RuntimeError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &RuntimeError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RuntimeError{Op: op, StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &RuntimeError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
