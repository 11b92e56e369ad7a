package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-studio/studio/internal/common/config"
	"github.com/opencode-studio/studio/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func testClient(t *testing.T, baseURL, model string) *Client {
	t.Helper()
	return NewClient(config.AgentConfig{BaseURL: baseURL, Model: model, McpTimeout: 10}, testLogger(t))
}

func TestCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/session", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Plan: fix the race", req["title"])
		assert.Equal(t, "/ws/task-1", req["cwd"])

		json.NewEncoder(w).Encode(map[string]string{"id": "ses_abc"})
	}))
	defer srv.Close()

	client := testClient(t, srv.URL, "claude-sonnet")
	id, err := client.CreateSession(context.Background(), "Plan: fix the race", "/ws/task-1")
	require.NoError(t, err)
	assert.Equal(t, "ses_abc", id)
}

func TestSendPrompt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/session/ses_abc/message", r.URL.Path)

		var req promptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-sonnet", req.Model)
		require.Len(t, req.Parts, 1)
		assert.Equal(t, PartText, req.Parts[0].Type)

		json.NewEncoder(w).Encode(promptResponse{Parts: []Part{
			{Type: PartToolUse, Tool: "bash", State: ToolStateCompleted, CallID: "c1"},
			{Type: PartText, Text: "done, see plan"},
		}})
	}))
	defer srv.Close()

	client := testClient(t, srv.URL, "claude-sonnet")
	parts, err := client.SendPrompt(context.Background(), "ses_abc", "write the plan")
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "done, see plan", CombinedText(parts))
}

func TestRuntimeErrorOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL, "")
	_, err := client.SendPrompt(context.Background(), "nope", "hi")
	require.Error(t, err)

	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusNotFound, rerr.StatusCode)
}

func TestMCPOperations(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL, "")
	ctx := context.Background()
	require.NoError(t, client.AddMCPServer(ctx, "findings", "http://localhost:9250/mcp"))
	require.NoError(t, client.ConnectMCP(ctx, "findings"))
	require.NoError(t, client.DisconnectMCP(ctx, "findings"))

	assert.Equal(t, []string{"/mcp", "/mcp/findings/connect", "/mcp/findings/disconnect"}, calls)
}

func TestMCPTimeoutBoundsRegistration(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	client := testClient(t, srv.URL, "")
	client.mcpTimeout = 20 * time.Millisecond

	err := client.AddMCPServer(context.Background(), "findings", "http://localhost:9250/mcp")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/event", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "data: {\"type\":\"message.part\",\"session_id\":\"ses_abc\",\"part\":{\"type\":\"text\",\"text\":\"p%d\"}}\n\n", i)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := testClient(t, srv.URL, "")
	ch := client.StreamEvents(ctx)

	for i := 0; i < 3; i++ {
		ev := <-ch
		assert.Equal(t, "message.part", ev.Type)
		assert.Equal(t, "ses_abc", ev.SessionID)
		require.NotNil(t, ev.Part)
		assert.Equal(t, fmt.Sprintf("p%d", i), ev.Part.Text)
	}
	cancel()
}
