// Package phases implements the four task phases the engine can run:
// planning, implementation, review, and fix. Each phase declares the
// resources it needs, builds its prompt, and decides what happens after the
// agent returns.
package phases

import (
	"context"

	"github.com/opencode-studio/studio/internal/agent"
	"github.com/opencode-studio/studio/internal/common/logger"
	"github.com/opencode-studio/studio/internal/mcp/findings"
	"github.com/opencode-studio/studio/internal/project"
	"github.com/opencode-studio/studio/internal/task/models"
	"github.com/opencode-studio/studio/internal/task/repository"
	"github.com/opencode-studio/studio/internal/workspace"
)

// Resources declares what the engine must acquire before running a phase.
type Resources struct {
	NeedsWorkspace   bool
	NeedsMcpFindings bool
	NeedsDiff        bool
}

// Config is the phase's execution configuration handed to the engine.
type Config struct {
	// Prompt is the full text sent to the agent.
	Prompt string

	// WorkingDir is the directory the agent session is rooted at.
	WorkingDir string

	// MCPServers are server names to connect before the prompt.
	MCPServers []string

	// SkipStatusUpdate suppresses the engine's entry transition, for phases
	// resumed in-place.
	SkipStatusUpdate bool

	// Metadata carries phase-private values (e.g. sub-phase counters).
	Metadata map[string]string
}

// Output is what the agent produced for one phase session.
type Output struct {
	Text  string
	Parts []agent.Part
}

// OutcomeKind discriminates Outcome.
type OutcomeKind int

const (
	// OutcomeTransition means the next status has already been applied.
	OutcomeTransition OutcomeKind = iota
	// OutcomeAwaitingApproval means the task parked in a *_review state
	// waiting for a human.
	OutcomeAwaitingApproval
	// OutcomeIterate means the review loop continues with a fix pass.
	OutcomeIterate
	// OutcomeContinue means the same phase type needs another invocation.
	OutcomeContinue
	// OutcomeComplete means the task is finished.
	OutcomeComplete
)

// Outcome is the phase's verdict after post-processing.
type Outcome struct {
	Kind       OutcomeKind
	NextStatus models.TaskStatus
	Phase      models.SessionPhase
	Feedback   string
	Iteration  int
}

// Transition reports that the task moved to next.
func Transition(next models.TaskStatus) Outcome {
	return Outcome{Kind: OutcomeTransition, NextStatus: next}
}

// AwaitingApproval reports that the task is parked for human review.
func AwaitingApproval(phase models.SessionPhase) Outcome {
	return Outcome{Kind: OutcomeAwaitingApproval, Phase: phase}
}

// Iterate reports that review requested changes; the engine runs a fix pass
// with the given feedback.
func Iterate(feedback string, iteration int) Outcome {
	return Outcome{Kind: OutcomeIterate, Feedback: feedback, Iteration: iteration}
}

// Continue reports that the same phase type needs another invocation.
func Continue() Outcome {
	return Outcome{Kind: OutcomeContinue}
}

// Complete reports that the task is done.
func Complete() Outcome {
	return Outcome{Kind: OutcomeComplete}
}

// StatusApplier validates and applies a task status transition, persisting
// and emitting task.status_changed. The engine implements this.
type StatusApplier interface {
	ApplyTransition(ctx context.Context, task *models.Task, to models.TaskStatus) error
}

// Phase is one runnable phase. Implementations are stateless apart from
// their instantiation parameters; the engine owns all session bookkeeping.
type Phase interface {
	Type() models.SessionPhase
	Resources() Resources
	BuildConfig(ctx context.Context, task *models.Task) (*Config, error)
	ProcessResult(ctx context.Context, task *models.Task, output *Output) (Outcome, error)
}

// Deps are the collaborators phases share.
type Deps struct {
	Layout     project.Layout
	Workspaces *workspace.Manager
	Findings   *findings.Server
	Repo       repository.Repository
	Status     StatusApplier
	Logger     *logger.Logger
}
