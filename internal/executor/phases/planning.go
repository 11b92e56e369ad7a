package phases

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/opencode-studio/studio/internal/project"
	"github.com/opencode-studio/studio/internal/task/models"
)

const planningPromptTemplate = `You are planning the following development task. Do NOT modify any code.

Task: %s

%s

Study the repository and write a concrete implementation plan:
- the files to change and why
- the order of changes
- how the result will be tested
- risks and open questions

Reply with the plan as markdown. It will be saved for review before any implementation starts.`

// Planning asks the agent to author a plan without touching code. The plan
// is saved under kanban/plans and the task parks in planning_review.
type Planning struct {
	deps                Deps
	requirePlanApproval bool
}

// NewPlanning creates the planning phase.
func NewPlanning(deps Deps, requirePlanApproval bool) *Planning {
	return &Planning{deps: deps, requirePlanApproval: requirePlanApproval}
}

func (p *Planning) Type() models.SessionPhase {
	return models.PhasePlanning
}

func (p *Planning) Resources() Resources {
	return Resources{}
}

func (p *Planning) BuildConfig(ctx context.Context, task *models.Task) (*Config, error) {
	return &Config{
		Prompt:     fmt.Sprintf(planningPromptTemplate, task.Title, task.Description),
		WorkingDir: p.deps.Layout.Root,
	}, nil
}

func (p *Planning) ProcessResult(ctx context.Context, task *models.Task, output *Output) (Outcome, error) {
	planPath := p.deps.Layout.PlanPath(task.ID)
	if err := project.SaveArtifact(planPath, []byte(output.Text)); err != nil {
		return Outcome{}, fmt.Errorf("failed to save plan: %w", err)
	}
	p.deps.Logger.Info("plan saved",
		zap.String("task_id", task.ID),
		zap.String("path", planPath))

	if err := p.deps.Status.ApplyTransition(ctx, task, models.StatusPlanningReview); err != nil {
		return Outcome{}, err
	}

	if !p.requirePlanApproval {
		if err := p.deps.Status.ApplyTransition(ctx, task, models.StatusInProgress); err != nil {
			return Outcome{}, err
		}
		return Transition(models.StatusInProgress), nil
	}
	return AwaitingApproval(models.PhasePlanning), nil
}
