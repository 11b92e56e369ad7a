package phases

import (
	"context"
	"fmt"
	"strings"

	"github.com/opencode-studio/studio/internal/mcp/findings"
	"github.com/opencode-studio/studio/internal/task/models"
	"github.com/opencode-studio/studio/internal/vcs"
)

// FixMode selects where the fix phase takes its work items from.
type FixMode int

const (
	// FixModeMcpFindings reads structured findings collected during review.
	FixModeMcpFindings FixMode = iota
	// FixModeFeedback templates the prompt from the review text.
	FixModeFeedback
	// FixModeUserComments templates the prompt from user diff comments.
	FixModeUserComments
)

const fixPromptHeader = `Address the review feedback on the task below. Work in this workspace and keep changes minimal and targeted.

Task: %s

`

const fixPromptFooter = `
When every item is addressed, summarize what you changed. The work will be
re-reviewed automatically.`

// Fix addresses review feedback in the workspace and hands the task back to
// AI review.
type Fix struct {
	deps     Deps
	mode     FixMode
	feedback string
	comments []*models.ReviewComment
}

// NewFindingsFix creates a fix pass driven by structured MCP findings.
func NewFindingsFix(deps Deps) *Fix {
	return &Fix{deps: deps, mode: FixModeMcpFindings}
}

// NewFeedbackFix creates a fix pass driven by free-text review feedback.
func NewFeedbackFix(deps Deps, feedback string) *Fix {
	return &Fix{deps: deps, mode: FixModeFeedback, feedback: feedback}
}

// NewUserCommentsFix creates a fix pass driven by user diff comments.
func NewUserCommentsFix(deps Deps, comments []*models.ReviewComment) *Fix {
	return &Fix{deps: deps, mode: FixModeUserComments, comments: comments}
}

func (p *Fix) Type() models.SessionPhase {
	return models.PhaseFix
}

func (p *Fix) Resources() Resources {
	return Resources{
		NeedsWorkspace:   true,
		NeedsMcpFindings: p.mode == FixModeMcpFindings,
	}
}

func (p *Fix) BuildConfig(ctx context.Context, task *models.Task) (*Config, error) {
	var body strings.Builder
	var mcpServers []string

	switch p.mode {
	case FixModeMcpFindings:
		var items []findings.Finding
		if p.deps.Findings != nil {
			mcpServers = []string{findings.ServerName}
			items = p.deps.Findings.Findings(task.ID)
		}
		switch {
		case len(items) > 0:
			body.WriteString("Review findings to address:\n")
			for i, f := range items {
				fmt.Fprintf(&body, "%d. [%s] %s", i+1, f.Severity, f.Title)
				if f.FilePath != "" {
					fmt.Fprintf(&body, " (%s:%d)", f.FilePath, f.Line)
				}
				body.WriteString("\n")
				if f.Description != "" {
					fmt.Fprintf(&body, "   %s\n", f.Description)
				}
			}
		case len(mcpServers) > 0:
			body.WriteString("Use the list_findings tool to retrieve the review findings, then address each one.\n")
		default:
			body.WriteString("Address every issue raised in the latest review.\n")
		}

	case FixModeFeedback:
		body.WriteString("Review feedback:\n\n")
		body.WriteString(p.feedback)
		body.WriteString("\n")

	case FixModeUserComments:
		body.WriteString("Reviewer comments on the diff:\n")
		for i, c := range p.comments {
			fmt.Fprintf(&body, "%d. %s:%d: %s\n", i+1, c.FilePath, c.Line, c.Comment)
		}
	}

	return &Config{
		Prompt:     fmt.Sprintf(fixPromptHeader, task.Title) + body.String() + fixPromptFooter,
		WorkingDir: task.WorkspacePath,
		MCPServers: mcpServers,
	}, nil
}

func (p *Fix) ProcessResult(ctx context.Context, task *models.Task, output *Output) (Outcome, error) {
	ws := &vcs.Workspace{
		TaskID:     task.ID,
		Path:       task.WorkspacePath,
		BranchName: vcs.BranchName(task.ID),
	}
	if err := p.deps.Workspaces.Commit(ctx, ws, fmt.Sprintf("Fix: %s", task.Title)); err != nil {
		return Outcome{}, fmt.Errorf("failed to commit fix: %w", err)
	}

	// fixes always go back through AI review
	if err := p.deps.Status.ApplyTransition(ctx, task, models.StatusAiReview); err != nil {
		return Outcome{}, err
	}
	return Transition(models.StatusAiReview), nil
}
