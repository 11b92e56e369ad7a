package phases

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-studio/studio/internal/common/logger"
	"github.com/opencode-studio/studio/internal/project"
	"github.com/opencode-studio/studio/internal/task/lifecycle"
	"github.com/opencode-studio/studio/internal/task/models"
)

// recordingApplier validates transitions like the engine does and records
// them without persistence.
type recordingApplier struct {
	applied []models.TaskStatus
}

func (a *recordingApplier) ApplyTransition(ctx context.Context, task *models.Task, to models.TaskStatus) error {
	if err := lifecycle.ValidateTransition(task.Status, to); err != nil {
		return err
	}
	task.Status = to
	a.applied = append(a.applied, to)
	return nil
}

func testDeps(t *testing.T) (Deps, *recordingApplier) {
	t.Helper()
	layout, err := project.NewLayout(t.TempDir())
	require.NoError(t, err)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	applier := &recordingApplier{}
	return Deps{Layout: layout, Status: applier, Logger: log}, applier
}

func TestPlanningSavesPlanAndParks(t *testing.T) {
	deps, applier := testDeps(t)
	p := NewPlanning(deps, true)
	task := &models.Task{ID: "t1", Title: "Add caching", Status: models.StatusPlanning}

	outcome, err := p.ProcessResult(context.Background(), task, &Output{Text: "# Plan\nsteps"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAwaitingApproval, outcome.Kind)
	assert.Equal(t, []models.TaskStatus{models.StatusPlanningReview}, applier.applied)

	data, err := os.ReadFile(deps.Layout.PlanPath("t1"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "steps")
}

func TestPlanningAutoAdvances(t *testing.T) {
	deps, applier := testDeps(t)
	p := NewPlanning(deps, false)
	task := &models.Task{ID: "t2", Title: "x", Status: models.StatusPlanning}

	outcome, err := p.ProcessResult(context.Background(), task, &Output{Text: "plan"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransition, outcome.Kind)
	assert.Equal(t, models.StatusInProgress, outcome.NextStatus)
	assert.Equal(t, []models.TaskStatus{models.StatusPlanningReview, models.StatusInProgress}, applier.applied)
}

func TestPlanningPromptForbidsCodeChanges(t *testing.T) {
	deps, _ := testDeps(t)
	p := NewPlanning(deps, true)
	task := &models.Task{ID: "t3", Title: "Refactor auth", Description: "details here"}

	cfg, err := p.BuildConfig(context.Background(), task)
	require.NoError(t, err)
	assert.Contains(t, cfg.Prompt, "Refactor auth")
	assert.Contains(t, cfg.Prompt, "details here")
	assert.Contains(t, cfg.Prompt, "Do NOT modify any code")
	assert.Equal(t, deps.Layout.Root, cfg.WorkingDir)
}

func TestReviewApprovedEscalatesToHuman(t *testing.T) {
	deps, applier := testDeps(t)
	p := NewReview(deps, 0, false)
	task := &models.Task{ID: "r1", Title: "x", Status: models.StatusAiReview}

	outcome, err := p.ProcessResult(context.Background(), task, &Output{Text: "Looks good.\nAPPROVED"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransition, outcome.Kind)
	assert.Equal(t, models.StatusReview, outcome.NextStatus)
	assert.Equal(t, []models.TaskStatus{models.StatusReview}, applier.applied)

	review, err := os.ReadFile(deps.Layout.ReviewPath("r1"))
	require.NoError(t, err)
	assert.Contains(t, string(review), "APPROVED")
}

func TestReviewChangesRequestedIterates(t *testing.T) {
	deps, applier := testDeps(t)
	p := NewReview(deps, 0, false)
	task := &models.Task{ID: "r2", Title: "x", Status: models.StatusAiReview}

	outcome, err := p.ProcessResult(context.Background(), task, &Output{Text: "CHANGES_REQUESTED\n- fix nil check"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIterate, outcome.Kind)
	assert.Equal(t, 1, outcome.Iteration)
	assert.Contains(t, outcome.Feedback, "fix nil check")
	assert.Empty(t, applier.applied, "iterate must not move the task yet")
}

func TestReviewLateIterationStillIterates(t *testing.T) {
	deps, applier := testDeps(t)
	p := NewReview(deps, 5, false)
	task := &models.Task{ID: "r3", Title: "x", Status: models.StatusAiReview}

	outcome, err := p.ProcessResult(context.Background(), task, &Output{Text: "CHANGES_REQUESTED again"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIterate, outcome.Kind)
	assert.Equal(t, 6, outcome.Iteration)
	assert.Empty(t, applier.applied)
}

func TestReviewNoVerdictIsConservative(t *testing.T) {
	deps, _ := testDeps(t)
	p := NewReview(deps, 0, false)
	task := &models.Task{ID: "r4", Title: "x", Status: models.StatusAiReview}

	outcome, err := p.ProcessResult(context.Background(), task, &Output{Text: "I am not sure about this change."})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransition, outcome.Kind)
	assert.Equal(t, models.StatusReview, outcome.NextStatus)
}

func TestFixPromptModes(t *testing.T) {
	deps, _ := testDeps(t)
	ctx := context.Background()
	task := &models.Task{ID: "f1", Title: "x", WorkspacePath: "/ws/task-f1", Status: models.StatusFix}

	feedback := NewFeedbackFix(deps, "rename the helper")
	cfg, err := feedback.BuildConfig(ctx, task)
	require.NoError(t, err)
	assert.Contains(t, cfg.Prompt, "rename the helper")
	assert.Empty(t, cfg.MCPServers)
	assert.Equal(t, "/ws/task-f1", cfg.WorkingDir)

	comments := NewUserCommentsFix(deps, []*models.ReviewComment{
		{FilePath: "auth.go", Line: 30, Comment: "handle expiry"},
	})
	cfg, err = comments.BuildConfig(ctx, task)
	require.NoError(t, err)
	assert.Contains(t, cfg.Prompt, "auth.go:30")
	assert.Contains(t, cfg.Prompt, "handle expiry")
}

func TestResources(t *testing.T) {
	deps, _ := testDeps(t)

	assert.Equal(t, Resources{}, NewPlanning(deps, true).Resources())
	assert.Equal(t, Resources{NeedsWorkspace: true}, NewImplementation(deps, 1, 1).Resources())
	assert.Equal(t,
		Resources{NeedsWorkspace: true, NeedsDiff: true, NeedsMcpFindings: true},
		NewReview(deps, 0, true).Resources())
	assert.Equal(t,
		Resources{NeedsWorkspace: true, NeedsMcpFindings: true},
		NewFindingsFix(deps).Resources())
	assert.Equal(t,
		Resources{NeedsWorkspace: true},
		NewFeedbackFix(deps, "f").Resources())
}

func TestImplementationSubPhaseMetadata(t *testing.T) {
	deps, _ := testDeps(t)
	task := &models.Task{ID: "i1", Title: "x", WorkspacePath: "/ws/task-i1"}

	p := NewImplementation(deps, 2, 3)
	cfg, err := p.BuildConfig(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, cfg.SkipStatusUpdate)
	assert.Equal(t, "2", cfg.Metadata["phase_number"])
	assert.Equal(t, "3", cfg.Metadata["total_phases"])
	assert.Contains(t, cfg.Prompt, "step 2 of 3")
}
