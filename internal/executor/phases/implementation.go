package phases

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/opencode-studio/studio/internal/project"
	"github.com/opencode-studio/studio/internal/task/models"
	"github.com/opencode-studio/studio/internal/vcs"
)

const implementationPromptTemplate = `Implement the plan for the following task in this workspace.

Task: %s

The approved plan is at %s. Read it first and follow it. Write production
quality code and keep the changes scoped to the plan.%s

When you are done, summarize what you changed.`

// Implementation runs the agent against the task workspace. A multi-step
// variant splits the work into sequential sub-phases; each one commits its
// progress to the task branch.
type Implementation struct {
	deps        Deps
	phaseNumber int
	totalPhases int
}

// NewImplementation creates sub-phase phaseNumber of totalPhases (both
// 1-based; 1 of 1 is single-shot).
func NewImplementation(deps Deps, phaseNumber, totalPhases int) *Implementation {
	return &Implementation{deps: deps, phaseNumber: phaseNumber, totalPhases: totalPhases}
}

func (p *Implementation) Type() models.SessionPhase {
	return models.PhaseImplementation
}

func (p *Implementation) Resources() Resources {
	return Resources{NeedsWorkspace: true}
}

func (p *Implementation) BuildConfig(ctx context.Context, task *models.Task) (*Config, error) {
	var stepNote string
	if p.totalPhases > 1 {
		stepNote = fmt.Sprintf("\n\nThis is step %d of %d. Complete only this step's share of the plan; later steps continue from your commits.", p.phaseNumber, p.totalPhases)
	}
	return &Config{
		Prompt:     fmt.Sprintf(implementationPromptTemplate, task.Title, p.deps.Layout.PlanPath(task.ID), stepNote),
		WorkingDir: task.WorkspacePath,
		// sub-phases after the first resume with the task already in_progress
		SkipStatusUpdate: p.phaseNumber > 1,
		Metadata: map[string]string{
			"phase_number": strconv.Itoa(p.phaseNumber),
			"total_phases": strconv.Itoa(p.totalPhases),
		},
	}, nil
}

func (p *Implementation) ProcessResult(ctx context.Context, task *models.Task, output *Output) (Outcome, error) {
	ws := &vcs.Workspace{
		TaskID:     task.ID,
		Path:       task.WorkspacePath,
		BranchName: vcs.BranchName(task.ID),
	}
	message := fmt.Sprintf("Implement: %s", task.Title)
	if p.totalPhases > 1 {
		message = fmt.Sprintf("Implement (%d/%d): %s", p.phaseNumber, p.totalPhases, task.Title)
	}
	if err := p.deps.Workspaces.Commit(ctx, ws, message); err != nil {
		return Outcome{}, fmt.Errorf("failed to commit implementation: %w", err)
	}

	if p.phaseNumber < p.totalPhases {
		notesPath := p.deps.Layout.PhasePath(task.ID, p.phaseNumber)
		if err := project.SaveArtifact(notesPath, []byte(output.Text)); err != nil {
			p.deps.Logger.Warn("failed to save phase notes",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
		return Continue(), nil
	}

	if err := p.deps.Status.ApplyTransition(ctx, task, models.StatusAiReview); err != nil {
		return Outcome{}, err
	}
	return Transition(models.StatusAiReview), nil
}
