package phases

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/opencode-studio/studio/internal/mcp/findings"
	"github.com/opencode-studio/studio/internal/project"
	"github.com/opencode-studio/studio/internal/task/models"
	"github.com/opencode-studio/studio/internal/vcs"
)

// Review verdict markers. Agents are instructed to end their review with
// exactly one marker; classification is a substring match on the reply.
const (
	verdictApproved         = "APPROVED"
	verdictChangesRequested = "CHANGES_REQUESTED"
)

const reviewPromptTemplate = `Review the following change for the task below. Judge quality, correctness, test coverage, and security.

Task: %s

Diff against main:
` + "```diff\n%s\n```" + `
%s
Write a thorough review. End your reply with exactly one verdict line:
APPROVED if the change is ready for human review, or
CHANGES_REQUESTED followed by the list of required changes.`

const reviewMcpNote = `
Report each distinct issue through the report_finding tool as you go, then
summarize in text.
`

// Review runs an AI review pass over the workspace diff. Iteration counts
// how many review/fix round-trips already happened; the engine owns the
// iteration budget.
type Review struct {
	deps      Deps
	iteration int
	useMcp    bool
}

// NewReview creates review pass number iteration (0-based).
func NewReview(deps Deps, iteration int, useMcp bool) *Review {
	return &Review{deps: deps, iteration: iteration, useMcp: useMcp}
}

func (p *Review) Type() models.SessionPhase {
	return models.PhaseReview
}

func (p *Review) Resources() Resources {
	return Resources{NeedsWorkspace: true, NeedsDiff: true, NeedsMcpFindings: p.useMcp}
}

func (p *Review) BuildConfig(ctx context.Context, task *models.Task) (*Config, error) {
	ws := &vcs.Workspace{
		TaskID:     task.ID,
		Path:       task.WorkspacePath,
		BranchName: vcs.BranchName(task.ID),
	}
	diff, err := p.deps.Workspaces.Diff(ctx, ws)
	if err != nil {
		return nil, fmt.Errorf("failed to get diff for review: %w", err)
	}

	var mcpServers []string
	mcpNote := ""
	if p.useMcp {
		mcpServers = []string{findings.ServerName}
		mcpNote = reviewMcpNote
		p.deps.Findings.Reset(task.ID)
	}

	return &Config{
		Prompt:     fmt.Sprintf(reviewPromptTemplate, task.Title, diff, mcpNote),
		WorkingDir: task.WorkspacePath,
		MCPServers: mcpServers,
		Metadata: map[string]string{
			"iteration": strconv.Itoa(p.iteration),
		},
	}, nil
}

func (p *Review) ProcessResult(ctx context.Context, task *models.Task, output *Output) (Outcome, error) {
	reviewPath := p.deps.Layout.ReviewPath(task.ID)
	if err := project.SaveArtifact(reviewPath, []byte(output.Text)); err != nil {
		return Outcome{}, fmt.Errorf("failed to save review: %w", err)
	}

	if p.useMcp {
		if n, err := p.deps.Findings.Flush(task.ID); err != nil {
			p.deps.Logger.Warn("failed to flush findings",
				zap.String("task_id", task.ID),
				zap.Error(err))
		} else if n > 0 {
			p.deps.Logger.Info("findings recorded",
				zap.String("task_id", task.ID),
				zap.Int("count", n))
		}
	}

	switch {
	case strings.Contains(output.Text, verdictApproved):
		if err := p.deps.Status.ApplyTransition(ctx, task, models.StatusReview); err != nil {
			return Outcome{}, err
		}
		return Transition(models.StatusReview), nil

	case strings.Contains(output.Text, verdictChangesRequested):
		return Iterate(output.Text, p.iteration+1), nil

	default:
		// no verdict marker: escalate rather than loop
		if err := p.deps.Status.ApplyTransition(ctx, task, models.StatusReview); err != nil {
			return Outcome{}, err
		}
		return Transition(models.StatusReview), nil
	}
}
