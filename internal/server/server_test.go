package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-studio/studio/internal/activity"
	"github.com/opencode-studio/studio/internal/agent"
	"github.com/opencode-studio/studio/internal/common/config"
	"github.com/opencode-studio/studio/internal/common/logger"
	"github.com/opencode-studio/studio/internal/events/bus"
	"github.com/opencode-studio/studio/internal/executor"
	"github.com/opencode-studio/studio/internal/gateway/websocket"
	"github.com/opencode-studio/studio/internal/project"
	"github.com/opencode-studio/studio/internal/task/models"
	"github.com/opencode-studio/studio/internal/task/repository"
	"github.com/opencode-studio/studio/internal/vcs"
	"github.com/opencode-studio/studio/internal/workspace"
)

// fakeRuntime satisfies executor.Runtime without a real agent process.
type fakeRuntime struct {
	parts []agent.Part
}

func (f *fakeRuntime) CreateSession(ctx context.Context, title, workingDir string) (string, error) {
	return "agent-session", nil
}

func (f *fakeRuntime) SendPrompt(ctx context.Context, sessionID, text string) ([]agent.Part, error) {
	return f.parts, nil
}

func (f *fakeRuntime) AbortSession(ctx context.Context, sessionID string) error { return nil }
func (f *fakeRuntime) AddMCPServer(ctx context.Context, name, url string) error { return nil }
func (f *fakeRuntime) ConnectMCP(ctx context.Context, name string) error        { return nil }
func (f *fakeRuntime) DisconnectMCP(ctx context.Context, name string) error     { return nil }

type apiHarness struct {
	srv      *httptest.Server
	repo     *repository.SQLiteRepository
	repoRoot string
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	base := t.TempDir()
	repoRoot := filepath.Join(base, "repo")
	require.NoError(t, os.MkdirAll(repoRoot, 0o755))

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = repoRoot
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "README.md"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	layout, err := project.NewLayout(repoRoot)
	require.NoError(t, err)
	require.NoError(t, layout.Ensure())
	meta, err := layout.LoadMeta()
	require.NoError(t, err)

	repo, err := repository.NewSQLiteRepository(layout.DatabasePath())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	broadcaster := bus.NewBroadcaster(log)
	emitter := bus.NewEmitter(broadcaster)
	activities := activity.NewRegistry()

	cfg := &config.Config{
		Executor: config.ExecutorConfig{
			MaxReviewIterations:  3,
			RequirePlanApproval:  true,
			ImplementationPhases: 1,
		},
		Workspace: config.WorkspaceConfig{VCS: "git"},
	}

	backend := vcs.NewGit(repoRoot, filepath.Join(base, ".workspaces"))
	workspaces := workspace.NewManager(backend, repoRoot, cfg.Workspace, emitter, log)

	runtime := &fakeRuntime{parts: []agent.Part{{Type: agent.PartText, Text: "# Plan\nstep one"}}}
	engine := executor.New(repo, runtime, workspaces, nil, activities, emitter, layout, cfg.Executor, log)

	handler := NewHandler(repo, engine, workspaces, activities, emitter, layout, meta, cfg, log)
	router := NewRouter(handler, websocket.NewHandler(broadcaster, log), log)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &apiHarness{srv: srv, repo: repo, repoRoot: repoRoot}
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}) (int, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]json.RawMessage
	if resp.StatusCode != http.StatusNoContent {
		dec := json.NewDecoder(resp.Body)
		if dec.More() {
			require.NoError(t, dec.Decode(&out))
		}
	}
	return resp.StatusCode, out
}

func (h *apiHarness) doList(t *testing.T, path string) (int, []map[string]json.RawMessage) {
	t.Helper()
	resp, err := http.Get(h.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out []map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func str(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}

func (h *apiHarness) createTask(t *testing.T, title string) string {
	t.Helper()
	status, body := h.do(t, http.MethodPost, "/api/tasks", gin.H{"title": title})
	require.Equal(t, http.StatusCreated, status)
	return str(t, body["id"])
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t)
	status, body := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", str(t, body["status"]))
	assert.Equal(t, Version, str(t, body["version"]))
}

func TestGetProject(t *testing.T) {
	h := newAPIHarness(t)
	h.createTask(t, "one")
	h.createTask(t, "two")

	status, body := h.do(t, http.MethodGet, "/api/project", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "repo", str(t, body["name"]))
	assert.Equal(t, "git", str(t, body["vcs"]))
	assert.Equal(t, "2", string(body["tasks_count"]))
}

func TestTaskCRUD(t *testing.T) {
	h := newAPIHarness(t)

	id := h.createTask(t, "Ship feature")

	status, body := h.do(t, http.MethodGet, "/api/tasks/"+id, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Ship feature", str(t, body["title"]))
	assert.Equal(t, "todo", str(t, body["status"]))

	status, body = h.do(t, http.MethodPatch, "/api/tasks/"+id, gin.H{"description": "details"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "details", str(t, body["description"]))
	assert.Equal(t, "Ship feature", str(t, body["title"]), "unset fields stay put")

	status, list := h.doList(t, "/api/tasks")
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, list, 1)

	status, _ = h.do(t, http.MethodDelete, "/api/tasks/"+id, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, body = h.do(t, http.MethodGet, "/api/tasks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "task_not_found", str(t, body["error"]))
}

func TestCreateTaskRequiresTitle(t *testing.T) {
	h := newAPIHarness(t)
	status, body := h.do(t, http.MethodPost, "/api/tasks", gin.H{"description": "no title"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", str(t, body["error"]))
}

func TestTransitionTask(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createTask(t, "t")

	status, body := h.do(t, http.MethodPost, "/api/tasks/"+id+"/transition", gin.H{"to": "planning"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "planning", str(t, body["status"]))

	status, body = h.do(t, http.MethodPost, "/api/tasks/"+id+"/transition", gin.H{"to": "done"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_transition", str(t, body["error"]))

	status, body = h.do(t, http.MethodPost, "/api/tasks/"+id+"/transition", gin.H{"to": "sideways"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", str(t, body["error"]))
}

func TestExecuteTask(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createTask(t, "Plan me")

	status, body := h.do(t, http.MethodPost, "/api/tasks/"+id+"/execute", nil)
	require.Equal(t, http.StatusAccepted, status)
	sessionID := str(t, body["session_id"])
	assert.NotEmpty(t, sessionID)
	assert.Equal(t, "planning", str(t, body["phase"]))

	require.Eventually(t, func() bool {
		s, err := h.repo.GetSession(context.Background(), sessionID)
		return err == nil && s.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	status, list := h.doList(t, "/api/tasks/"+id+"/sessions")
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, list, 1)
	assert.Equal(t, "completed", str(t, list[0]["status"]))

	status, body = h.do(t, http.MethodGet, "/api/tasks/"+id, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "planning_review", str(t, body["status"]))
}

func TestExecuteMissingTask(t *testing.T) {
	h := newAPIHarness(t)
	status, body := h.do(t, http.MethodPost, "/api/tasks/nope/execute", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "task_not_found", str(t, body["error"]))
}

func TestComments(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createTask(t, "t")

	status, body := h.do(t, http.MethodPost, "/api/tasks/"+id+"/comments",
		gin.H{"file_path": "main.go", "line": 12, "comment": "rename this"})
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "rename this", str(t, body["comment"]))

	status, _ = h.do(t, http.MethodPost, "/api/tasks/"+id+"/comments", gin.H{"file_path": "main.go"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, list := h.doList(t, "/api/tasks/"+id+"/comments")
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, list, 1)
}

func TestSessionEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()
	id := h.createTask(t, "t")

	session := &models.Session{TaskID: id, Phase: models.PhasePlanning, Status: models.SessionCompleted}
	require.NoError(t, h.repo.CreateSession(ctx, session))

	status, body := h.do(t, http.MethodGet, "/api/sessions/"+session.ID, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, id, str(t, body["task_id"]))

	// aborting a finished session is a conflict
	status, body = h.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/abort", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "session_not_active", str(t, body["error"]))

	status, body = h.do(t, http.MethodGet, "/api/sessions/"+session.ID+"/activities?since=abc", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", str(t, body["error"]))

	status, list := h.doList(t, "/api/sessions/"+session.ID+"/activities")
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, list)

	status, _ = h.do(t, http.MethodDelete, "/api/sessions/"+session.ID, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, body = h.do(t, http.MethodGet, "/api/sessions/"+session.ID, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "session_not_found", str(t, body["error"]))
}

func TestWorkspaceLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createTask(t, "t")

	status, body := h.do(t, http.MethodPost, "/api/tasks/"+id+"/workspace", nil)
	require.Equal(t, http.StatusCreated, status)
	wsPath := str(t, body["path"])
	assert.DirExists(t, wsPath)

	status, body = h.do(t, http.MethodPost, "/api/tasks/"+id+"/workspace", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "workspace_exists", str(t, body["error"]))

	status, list := h.doList(t, "/api/workspaces")
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, list, 1)

	status, body = h.do(t, http.MethodGet, "/api/workspaces/"+id, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "status")

	status, body = h.do(t, http.MethodGet, "/api/workspaces/"+id+"/diff", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "diff")

	status, _ = h.do(t, http.MethodPost, "/api/workspaces/"+id+"/viewed", gin.H{"file_path": "main.go"})
	assert.Equal(t, http.StatusNoContent, status)
	status, files := h.doList(t, "/api/workspaces/"+id+"/viewed")
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, files, 1)

	// commit a change in the workspace so the merge carries something
	require.NoError(t, os.WriteFile(filepath.Join(wsPath, "feature.txt"), []byte("new\n"), 0o644))
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", "feature"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = wsPath
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	status, body = h.do(t, http.MethodPost, "/api/workspaces/"+id+"/merge", gin.H{"message": "merge feature"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", str(t, body["result"]))
	assert.FileExists(t, filepath.Join(h.repoRoot, "feature.txt"))

	status, body = h.do(t, http.MethodGet, "/api/workspaces/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "workspace_not_found", str(t, body["error"]))
}

func TestWorkspaceNotFound(t *testing.T) {
	h := newAPIHarness(t)
	status, body := h.do(t, http.MethodGet, "/api/workspaces/ghost", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "workspace_not_found", str(t, body["error"]))
}
