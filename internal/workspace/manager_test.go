package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-studio/studio/internal/common/config"
	"github.com/opencode-studio/studio/internal/common/logger"
	"github.com/opencode-studio/studio/internal/events/bus"
	"github.com/opencode-studio/studio/internal/vcs"
)

func testManager(t *testing.T, cfg config.WorkspaceConfig) (*Manager, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	base := t.TempDir()
	repo := filepath.Join(base, "repo")
	require.NoError(t, os.MkdirAll(repo, 0o755))

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	backend := vcs.NewGit(repo, filepath.Join(base, ".workspaces"))
	emitter := bus.NewEmitter(bus.NewBroadcaster(log))
	return NewManager(backend, repo, cfg, emitter, log), repo
}

func TestSetupCopiesAndSymlinks(t *testing.T) {
	cfg := config.WorkspaceConfig{
		CopyFiles:   []string{".env", "missing.env"},
		SymlinkDirs: []string{"node_modules"},
	}
	m, repo := testManager(t, cfg)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(repo, ".env"), []byte("KEY=1\n"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "node_modules", "pkg"), 0o755))

	ws, err := m.Setup(ctx, "100")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(ws.Path, ".env"))
	require.NoError(t, err)
	assert.Equal(t, "KEY=1\n", string(data))

	link, err := os.Readlink(filepath.Join(ws.Path, "node_modules"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, "node_modules"), link)
}

func TestSetupRunsInitHook(t *testing.T) {
	cfg := config.WorkspaceConfig{InitHook: "echo ready > hook.out"}
	m, _ := testManager(t, cfg)

	ws, err := m.Setup(context.Background(), "101")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(ws.Path, "hook.out"))
	require.NoError(t, err)
	assert.Equal(t, "ready\n", string(data))
}

func TestSetupFailureCleansUp(t *testing.T) {
	cfg := config.WorkspaceConfig{InitHook: "exit 1"}
	m, _ := testManager(t, cfg)
	ctx := context.Background()

	_, err := m.Setup(ctx, "102")
	require.Error(t, err)

	// a fresh setup for the same task must succeed after the rollback
	m.cfg.InitHook = ""
	ws, err := m.Setup(ctx, "102")
	require.NoError(t, err)
	assert.DirExists(t, ws.Path)
}

func TestMergeCleansUpOnSuccess(t *testing.T) {
	m, repo := testManager(t, config.WorkspaceConfig{})
	ctx := context.Background()

	ws, err := m.Setup(ctx, "103")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "done.txt"), []byte("x\n"), 0o644))
	require.NoError(t, m.Commit(ctx, ws, "work"))

	result, err := m.Merge(ctx, ws, "Merge task-103")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.FileExists(t, filepath.Join(repo, "done.txt"))
	assert.NoDirExists(t, ws.Path)

	_, err = m.Get(ctx, "103")
	assert.ErrorIs(t, err, vcs.ErrWorkspaceNotFound)
}

func TestListWithSummaries(t *testing.T) {
	m, _ := testManager(t, config.WorkspaceConfig{})
	ctx := context.Background()

	ws, err := m.Setup(ctx, "105")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "change.txt"), []byte("a\nb\n"), 0o644))
	require.NoError(t, m.Commit(ctx, ws, "change"))

	_, err = m.Setup(ctx, "106")
	require.NoError(t, err)

	overviews, err := m.ListWithSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, overviews, 2)

	byTask := map[string]*Overview{}
	for _, o := range overviews {
		byTask[o.TaskID] = o
	}
	require.NotNil(t, byTask["105"].Summary)
	assert.Equal(t, 1, byTask["105"].Summary.FilesChanged)
	assert.Equal(t, 2, byTask["105"].Summary.Insertions)
	require.NotNil(t, byTask["106"].Summary)
	assert.Zero(t, byTask["106"].Summary.FilesChanged)
}

func TestGetFindsWorkspace(t *testing.T) {
	m, _ := testManager(t, config.WorkspaceConfig{})
	ctx := context.Background()

	created, err := m.Setup(ctx, "104")
	require.NoError(t, err)

	got, err := m.Get(ctx, "104")
	require.NoError(t, err)
	assert.Equal(t, created.BranchName, got.BranchName)

	_, err = m.Get(ctx, "nope")
	assert.ErrorIs(t, err, vcs.ErrWorkspaceNotFound)
}
