package executor

import (
	"context"
	"errors"
	"os"
	osexec "os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-studio/studio/internal/activity"
	"github.com/opencode-studio/studio/internal/agent"
	"github.com/opencode-studio/studio/internal/common/config"
	"github.com/opencode-studio/studio/internal/common/logger"
	"github.com/opencode-studio/studio/internal/events"
	"github.com/opencode-studio/studio/internal/events/bus"
	"github.com/opencode-studio/studio/internal/project"
	"github.com/opencode-studio/studio/internal/task/models"
	"github.com/opencode-studio/studio/internal/task/repository"
	"github.com/opencode-studio/studio/internal/vcs"
	"github.com/opencode-studio/studio/internal/workspace"
)

// fakeRuntime scripts the agent runtime for engine tests. When replies is
// set, each prompt consumes the next entry; parts is the fallback.
type fakeRuntime struct {
	mu          sync.Mutex
	parts       []agent.Part
	replies     [][]agent.Part
	promptErr   error
	panicPrompt bool
	blockPrompt bool
	aborted     []string
	prompts     []string
}

func (f *fakeRuntime) CreateSession(ctx context.Context, title, workingDir string) (string, error) {
	return "agent-" + title[:4], nil
}

func (f *fakeRuntime) SendPrompt(ctx context.Context, sessionID, text string) ([]agent.Part, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, text)
	reply := f.parts
	if len(f.replies) > 0 {
		reply = f.replies[0]
		f.replies = f.replies[1:]
	}
	f.mu.Unlock()

	if f.panicPrompt {
		panic("runtime exploded")
	}
	if f.blockPrompt {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.promptErr != nil {
		return nil, f.promptErr
	}
	return reply, nil
}

func textReply(text string) []agent.Part {
	return []agent.Part{{Type: agent.PartText, Text: text}}
}

func (f *fakeRuntime) AbortSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, sessionID)
	return nil
}

func (f *fakeRuntime) AddMCPServer(ctx context.Context, name, url string) error { return nil }
func (f *fakeRuntime) ConnectMCP(ctx context.Context, name string) error        { return nil }
func (f *fakeRuntime) DisconnectMCP(ctx context.Context, name string) error     { return nil }

type harness struct {
	exec    *Executor
	repo    *repository.SQLiteRepository
	bus     *bus.Broadcaster
	layout  project.Layout
	runtime *fakeRuntime
}

func newHarness(t *testing.T, runtime *fakeRuntime) *harness {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	dir := t.TempDir()
	layout, err := project.NewLayout(dir)
	require.NoError(t, err)
	require.NoError(t, layout.Ensure())

	repo, err := repository.NewSQLiteRepository(layout.DatabasePath())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	broadcaster := bus.NewBroadcaster(log)
	emitter := bus.NewEmitter(broadcaster)

	cfg := config.ExecutorConfig{
		MaxReviewIterations:  3,
		RequirePlanApproval:  true,
		ImplementationPhases: 1,
	}

	exec := New(repo, runtime, nil, nil, activity.NewRegistry(), emitter, layout, cfg, log)
	return &harness{exec: exec, repo: repo, bus: broadcaster, layout: layout, runtime: runtime}
}

// newGitHarness backs the engine with a real git repository so phases that
// need a workspace can run end to end.
func newGitHarness(t *testing.T, runtime *fakeRuntime, maxIterations int) (*harness, *workspace.Manager) {
	t.Helper()
	if _, err := osexec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	base := t.TempDir()
	repoRoot := filepath.Join(base, "repo")
	require.NoError(t, os.MkdirAll(repoRoot, 0o755))

	run := func(args ...string) {
		t.Helper()
		cmd := osexec.Command("git", args...)
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

	repo, err := repository.NewSQLiteRepository(layout.DatabasePath())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	broadcaster := bus.NewBroadcaster(log)
	emitter := bus.NewEmitter(broadcaster)

	cfg := config.ExecutorConfig{
		MaxReviewIterations:  maxIterations,
		RequirePlanApproval:  true,
		ImplementationPhases: 1,
	}

	backend := vcs.NewGit(repoRoot, filepath.Join(base, ".workspaces"))
	workspaces := workspace.NewManager(backend, repoRoot, config.WorkspaceConfig{VCS: "git"}, emitter, log)

	engine := New(repo, runtime, workspaces, nil, activity.NewRegistry(), emitter, layout, cfg, log)
	h := &harness{exec: engine, repo: repo, bus: broadcaster, layout: layout, runtime: runtime}
	return h, workspaces
}

func waitForTaskStatus(t *testing.T, repo *repository.SQLiteRepository, taskID string, want models.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := repo.GetTask(context.Background(), taskID)
		return err == nil && got.Status == want
	}, 10*time.Second, 20*time.Millisecond)
}

func waitForTerminalSession(t *testing.T, repo *repository.SQLiteRepository, sessionID string) *models.Session {
	t.Helper()
	var session *models.Session
	require.Eventually(t, func() bool {
		s, err := repo.GetSession(context.Background(), sessionID)
		if err != nil {
			return false
		}
		session = s
		return s.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return session
}

func TestExecutePlanningHappyPath(t *testing.T) {
	runtime := &fakeRuntime{parts: []agent.Part{
		{Type: agent.PartToolUse, Tool: "read", State: agent.ToolStateCompleted, CallID: "c1"},
		{Type: agent.PartText, Text: "# Plan\n1. do the thing"},
	}}
	h := newHarness(t, runtime)
	ctx := context.Background()

	sub := h.bus.Subscribe()
	defer sub.Close()

	task := &models.Task{Title: "Ship feature"}
	require.NoError(t, h.repo.CreateTask(ctx, task))

	session, err := h.exec.Execute(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhasePlanning, session.Phase)

	final := waitForTerminalSession(t, h.repo, session.ID)
	assert.Equal(t, models.SessionCompleted, final.Status)
	assert.NotEmpty(t, final.AgentSessionID)
	assert.NotNil(t, final.CompletedAt)

	got, err := h.repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPlanningReview, got.Status)

	plan, err := os.ReadFile(h.layout.PlanPath(task.ID))
	require.NoError(t, err)
	assert.Contains(t, string(plan), "do the thing")

	activities, err := h.repo.ListActivitiesSince(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, activities, 3) // tool_call, agent_message, finished
	assert.Equal(t, activity.TypeFinished, activities[2].ActivityType)

	// status events: todo->planning then planning->planning_review, plus
	// session.started and session.ended
	seen := map[string]int{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case env := <-sub.Chan():
			seen[env.Event.EventType()]++
		case <-deadline:
			t.Fatalf("timed out waiting for events, saw %v", seen)
		}
	}
	assert.GreaterOrEqual(t, seen[events.TypeTaskStatusChanged], 1)
	assert.Equal(t, 1, seen[events.TypeSessionStarted])
}

func TestExecuteRejectsActiveSession(t *testing.T) {
	runtime := &fakeRuntime{blockPrompt: true}
	h := newHarness(t, runtime)
	ctx := context.Background()

	task := &models.Task{Title: "Busy task"}
	require.NoError(t, h.repo.CreateTask(ctx, task))

	session, err := h.exec.Execute(ctx, task.ID)
	require.NoError(t, err)

	_, err = h.exec.Execute(ctx, task.ID)
	assert.ErrorIs(t, err, ErrSessionExists)

	require.NoError(t, h.exec.Abort(ctx, session.ID))
}

func TestExecuteDoneTask(t *testing.T) {
	h := newHarness(t, &fakeRuntime{})
	ctx := context.Background()

	task := &models.Task{Title: "Finished", Status: models.StatusDone}
	require.NoError(t, h.repo.CreateTask(ctx, task))

	_, err := h.exec.Execute(ctx, task.ID)
	assert.ErrorIs(t, err, ErrTaskComplete)
}

func TestExecuteMissingTask(t *testing.T) {
	h := newHarness(t, &fakeRuntime{})
	_, err := h.exec.Execute(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)
}

func TestPlanningFailureRecoversToTodo(t *testing.T) {
	runtime := &fakeRuntime{promptErr: errors.New("runtime down")}
	h := newHarness(t, runtime)
	ctx := context.Background()

	task := &models.Task{Title: "Doomed"}
	require.NoError(t, h.repo.CreateTask(ctx, task))

	session, err := h.exec.Execute(ctx, task.ID)
	require.NoError(t, err)

	final := waitForTerminalSession(t, h.repo, session.ID)
	assert.Equal(t, models.SessionFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "runtime down")

	require.Eventually(t, func() bool {
		got, err := h.repo.GetTask(ctx, task.ID)
		return err == nil && got.Status == models.StatusTodo
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPanicInPromptFailsSessionViaGuard(t *testing.T) {
	runtime := &fakeRuntime{panicPrompt: true}
	h := newHarness(t, runtime)
	ctx := context.Background()

	sub := h.bus.Subscribe()
	defer sub.Close()

	task := &models.Task{Title: "Panics"}
	require.NoError(t, h.repo.CreateTask(ctx, task))

	session, err := h.exec.Execute(ctx, task.ID)
	require.NoError(t, err)

	final := waitForTerminalSession(t, h.repo, session.ID)
	assert.Equal(t, models.SessionFailed, final.Status)
	assert.NotNil(t, final.CompletedAt)

	// the guard must emit session.ended so no client sees a stuck session
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-sub.Chan():
			if ended, ok := env.Event.(events.SessionEnded); ok {
				assert.False(t, ended.Success)
				return
			}
		case <-deadline:
			t.Fatal("no session.ended event after panic")
		}
	}
}

func TestAbortActiveSession(t *testing.T) {
	runtime := &fakeRuntime{blockPrompt: true}
	h := newHarness(t, runtime)
	ctx := context.Background()

	task := &models.Task{Title: "Long running"}
	require.NoError(t, h.repo.CreateTask(ctx, task))

	session, err := h.exec.Execute(ctx, task.ID)
	require.NoError(t, err)

	// wait until the session reaches running so the runtime id is recorded
	require.Eventually(t, func() bool {
		s, err := h.repo.GetSession(ctx, session.ID)
		return err == nil && s.Status == models.SessionRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.exec.Abort(ctx, session.ID))

	final, err := h.repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionAborted, final.Status)

	runtime.mu.Lock()
	defer runtime.mu.Unlock()
	assert.Len(t, runtime.aborted, 1)
}

func TestAbortInactiveSession(t *testing.T) {
	h := newHarness(t, &fakeRuntime{})
	ctx := context.Background()

	task := &models.Task{Title: "t"}
	require.NoError(t, h.repo.CreateTask(ctx, task))
	session := &models.Session{TaskID: task.ID, Phase: models.PhasePlanning, Status: models.SessionCompleted}
	require.NoError(t, h.repo.CreateSession(ctx, session))

	assert.ErrorIs(t, h.exec.Abort(ctx, session.ID), ErrSessionNotActive)
}

func TestRecoverStartup(t *testing.T) {
	h := newHarness(t, &fakeRuntime{})
	ctx := context.Background()

	task := &models.Task{Title: "t"}
	require.NoError(t, h.repo.CreateTask(ctx, task))
	orphan := &models.Session{TaskID: task.ID, Phase: models.PhasePlanning, Status: models.SessionRunning}
	require.NoError(t, h.repo.CreateSession(ctx, orphan))

	require.NoError(t, h.exec.RecoverStartup(ctx))

	got, err := h.repo.GetSession(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, got.Status)
	assert.Equal(t, "orchestrator restarted", got.ErrorMessage)
}

func TestApplyTransitionRejectsIllegal(t *testing.T) {
	h := newHarness(t, &fakeRuntime{})
	ctx := context.Background()

	task := &models.Task{Title: "t"}
	require.NoError(t, h.repo.CreateTask(ctx, task))

	err := h.exec.ApplyTransition(ctx, task, models.StatusDone)
	require.Error(t, err)

	got, err := h.repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTodo, got.Status, "illegal transition must not persist")
}

func TestReviewFixLoopEscalatesAfterBudget(t *testing.T) {
	// with a budget of two the task gets two fix passes; the third review
	// still requesting changes hands the task to a human
	runtime := &fakeRuntime{replies: [][]agent.Part{
		textReply("CHANGES_REQUESTED\n- tighten the nil check"),
		textReply("tightened the nil check"),
		textReply("CHANGES_REQUESTED\n- the check still misses the zero case"),
		textReply("covered the zero case"),
		textReply("CHANGES_REQUESTED\n- now the error path leaks"),
	}}
	h, _ := newGitHarness(t, runtime, 2)
	ctx := context.Background()

	task := &models.Task{Title: "Harden parser", Status: models.StatusAiReview}
	require.NoError(t, h.repo.CreateTask(ctx, task))

	_, err := h.exec.Execute(ctx, task.ID)
	require.NoError(t, err)

	waitForTaskStatus(t, h.repo, task.ID, models.StatusReview)

	sessions, err := h.repo.ListSessionsByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 5)

	counts := map[models.SessionPhase]int{}
	for _, s := range sessions {
		counts[s.Phase]++
		assert.Equal(t, models.SessionCompleted, s.Status)
	}
	assert.Equal(t, 3, counts[models.PhaseReview])
	assert.Equal(t, 2, counts[models.PhaseFix])
}

func TestWorkspaceFailureDoesNotStrandSession(t *testing.T) {
	runtime := &fakeRuntime{parts: textReply("implemented")}
	h, workspaces := newGitHarness(t, runtime, 2)
	ctx := context.Background()

	task := &models.Task{Title: "Conflicted", Status: models.StatusPlanningReview}
	require.NoError(t, h.repo.CreateTask(ctx, task))

	// claim the task's branch out of band so workspace setup fails before
	// the agent session ever starts
	_, err := workspaces.Setup(ctx, task.ID)
	require.NoError(t, err)

	session, err := h.exec.Execute(ctx, task.ID)
	require.NoError(t, err)

	final := waitForTerminalSession(t, h.repo, session.ID)
	assert.Equal(t, models.SessionFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "already exists")

	waitForTaskStatus(t, h.repo, task.ID, models.StatusPlanningReview)

	// the failed session must not block the task
	second, err := h.exec.Execute(ctx, task.ID)
	require.NotErrorIs(t, err, ErrSessionExists)
	require.NoError(t, err)
	waitForTerminalSession(t, h.repo, second.ID)
}

func TestFixWithoutFindingsServerUsesSavedReview(t *testing.T) {
	runtime := &fakeRuntime{parts: textReply("addressed the feedback")}
	h, _ := newGitHarness(t, runtime, 2)
	ctx := context.Background()

	task := &models.Task{Title: "Patch logging", Status: models.StatusFix}
	require.NoError(t, h.repo.CreateTask(ctx, task))
	require.NoError(t, project.SaveArtifact(h.layout.ReviewPath(task.ID), []byte("CHANGES_REQUESTED\n- the logger swallows errors")))

	session, err := h.exec.Execute(ctx, task.ID)
	require.NoError(t, err)

	final := waitForTerminalSession(t, h.repo, session.ID)
	assert.Equal(t, models.SessionCompleted, final.Status)

	waitForTaskStatus(t, h.repo, task.ID, models.StatusAiReview)

	runtime.mu.Lock()
	defer runtime.mu.Unlock()
	require.Len(t, runtime.prompts, 1)
	assert.Contains(t, runtime.prompts[0], "the logger swallows errors")
}
