// Package executor drives phase executions end to end: resource
// acquisition, agent session lifecycle, activity recording, post-processing
// and the review/fix loop. It is the only component that moves tasks
// between statuses during execution.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opencode-studio/studio/internal/activity"
	"github.com/opencode-studio/studio/internal/agent"
	"github.com/opencode-studio/studio/internal/common/config"
	"github.com/opencode-studio/studio/internal/common/logger"
	"github.com/opencode-studio/studio/internal/events"
	"github.com/opencode-studio/studio/internal/events/bus"
	"github.com/opencode-studio/studio/internal/executor/phases"
	"github.com/opencode-studio/studio/internal/mcp/findings"
	"github.com/opencode-studio/studio/internal/project"
	"github.com/opencode-studio/studio/internal/task/lifecycle"
	"github.com/opencode-studio/studio/internal/task/models"
	"github.com/opencode-studio/studio/internal/task/repository"
	"github.com/opencode-studio/studio/internal/workspace"
)

// Runtime is the slice of the agent client the engine needs. agent.Client
// implements it; tests substitute a fake.
type Runtime interface {
	CreateSession(ctx context.Context, title, workingDir string) (string, error)
	SendPrompt(ctx context.Context, sessionID, text string) ([]agent.Part, error)
	AbortSession(ctx context.Context, sessionID string) error
	AddMCPServer(ctx context.Context, name, url string) error
	ConnectMCP(ctx context.Context, name string) error
	DisconnectMCP(ctx context.Context, name string) error
}

// FindingsServer is the slice of the findings MCP server the engine needs.
type FindingsServer interface {
	URL() string
}

// Executor is the phase engine.
type Executor struct {
	repo       repository.Repository
	runtime    Runtime
	workspaces *workspace.Manager
	findings   FindingsServer
	activities *activity.Registry
	emitter    *bus.Emitter
	layout     project.Layout
	cfg        config.ExecutorConfig
	logger     *logger.Logger
	deps       phases.Deps

	mu     sync.Mutex
	cancel map[string]context.CancelFunc // session id -> abort
}

// New creates the phase engine.
func New(
	repo repository.Repository,
	runtime Runtime,
	workspaces *workspace.Manager,
	findingsSrv *findings.Server,
	activities *activity.Registry,
	emitter *bus.Emitter,
	layout project.Layout,
	cfg config.ExecutorConfig,
	log *logger.Logger,
) *Executor {
	// keep the interface nil when no findings server is configured
	var findingsIface FindingsServer
	if findingsSrv != nil {
		findingsIface = findingsSrv
	}
	e := &Executor{
		repo:       repo,
		runtime:    runtime,
		workspaces: workspaces,
		findings:   findingsIface,
		activities: activities,
		emitter:    emitter,
		layout:     layout,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "executor")),
		cancel:     make(map[string]context.CancelFunc),
	}
	e.deps = phases.Deps{
		Layout:     layout,
		Workspaces: workspaces,
		Findings:   findingsSrv,
		Repo:       repo,
		Status:     e,
		Logger:     e.logger,
	}
	return e
}

// RecoverStartup fails every session left pending or running by a previous
// process. Called once at boot, before the API starts serving.
func (e *Executor) RecoverStartup(ctx context.Context) error {
	n, err := e.repo.FailActiveSessions(ctx, "orchestrator restarted")
	if err != nil {
		return err
	}
	if n > 0 {
		e.logger.Warn("recovered orphaned sessions", zap.Int("count", n))
	}
	return nil
}

// ApplyTransition validates the transition, persists it, and emits
// task.status_changed. Implements phases.StatusApplier.
func (e *Executor) ApplyTransition(ctx context.Context, task *models.Task, to models.TaskStatus) error {
	from := task.Status
	if err := lifecycle.ValidateTransition(from, to); err != nil {
		return err
	}
	if err := e.repo.UpdateTaskStatus(ctx, task.ID, to); err != nil {
		return err
	}
	task.Status = to

	e.logger.Info("task status changed",
		zap.String("task_id", task.ID),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	e.emitter.Emit(events.TaskStatusChanged{ID: task.ID, From: from.String(), To: to.String()})
	return nil
}

// Execute starts the phase implied by the task's current status. The
// session record is created synchronously; the phase itself runs in the
// background. Returns ErrSessionExists when the task already has an active
// session.
func (e *Executor) Execute(ctx context.Context, taskID string) (*models.Session, error) {
	task, err := e.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if _, err := e.repo.GetActiveSession(ctx, taskID); err == nil {
		return nil, ErrSessionExists
	} else if err != repository.ErrSessionNotFound {
		return nil, err
	}

	phase, entry, err := e.phaseForStatus(ctx, task)
	if err != nil {
		return nil, err
	}
	if entry != "" && task.Status != entry {
		if err := e.ApplyTransition(ctx, task, entry); err != nil {
			return nil, err
		}
	}

	session := &models.Session{TaskID: task.ID, Phase: phase.Type(), Status: models.SessionPending}
	if err := e.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel[session.ID] = cancel
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.cancel, session.ID)
			e.mu.Unlock()
			cancel()
		}()
		e.drive(runCtx, task, phase, session)
	}()

	return session, nil
}

// phaseForStatus picks the phase to run for the task's current status and
// the status the task must enter before the phase starts.
func (e *Executor) phaseForStatus(ctx context.Context, task *models.Task) (phases.Phase, models.TaskStatus, error) {
	switch task.Status {
	case models.StatusTodo, models.StatusPlanning:
		return phases.NewPlanning(e.deps, e.cfg.RequirePlanApproval), models.StatusPlanning, nil

	case models.StatusPlanningReview, models.StatusInProgress:
		return phases.NewImplementation(e.deps, 1, e.cfg.ImplementationPhases), models.StatusInProgress, nil

	case models.StatusAiReview:
		return phases.NewReview(e.deps, 0, e.findings != nil), "", nil

	case models.StatusFix:
		if e.findings == nil {
			// no findings server: fix against the saved review text
			feedback := ""
			if data, err := project.LoadArtifact(e.layout.ReviewPath(task.ID)); err == nil {
				feedback = string(data)
			}
			return phases.NewFeedbackFix(e.deps, feedback), "", nil
		}
		return phases.NewFindingsFix(e.deps), "", nil

	case models.StatusReview:
		// a human sent the task back: fix against their diff comments
		comments, err := e.repo.ListReviewComments(ctx, task.ID)
		if err != nil {
			return nil, "", err
		}
		if len(comments) == 0 {
			return nil, "", &lifecycle.InvalidTransitionError{From: task.Status, To: models.StatusFix}
		}
		return phases.NewUserCommentsFix(e.deps, comments), models.StatusFix, nil

	case models.StatusDone:
		return nil, "", ErrTaskComplete

	default:
		return nil, "", fmt.Errorf("no phase for status %s", task.Status)
	}
}

// drive runs the phase and whatever the outcome demands: fix/review loops,
// multi-step continuation, completion. It never panics outward.
func (e *Executor) drive(ctx context.Context, task *models.Task, phase phases.Phase, session *models.Session) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("phase execution panicked",
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
			e.recoverTask(task, phase.Type())
		}
	}()

	subPhase := 1
	for {
		outcome, err := e.runPhase(ctx, task, phase, session)
		session = nil // only the first pass reuses the pre-created record
		if err != nil {
			e.logger.Error("phase failed",
				zap.String("task_id", task.ID),
				zap.String("phase", phase.Type().String()),
				zap.Error(err))
			e.recoverTask(task, phase.Type())
			return
		}

		switch outcome.Kind {
		case phases.OutcomeTransition, phases.OutcomeAwaitingApproval:
			return

		case phases.OutcomeComplete:
			if task.Status != models.StatusDone {
				bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := e.ApplyTransition(bg, task, models.StatusDone); err != nil {
					e.logger.Error("failed to complete task", zap.Error(err))
				}
				cancel()
			}
			return

		case phases.OutcomeContinue:
			subPhase++
			phase = phases.NewImplementation(e.deps, subPhase, e.cfg.ImplementationPhases)

		case phases.OutcomeIterate:
			// the engine owns the iteration budget: outcome.Iteration is the
			// number of review passes that have requested changes so far
			if outcome.Iteration > e.cfg.MaxReviewIterations {
				e.logger.Info("review iteration budget exhausted, escalating to human review",
					zap.String("task_id", task.ID),
					zap.Int("iterations", outcome.Iteration))
				bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := e.ApplyTransition(bg, task, models.StatusReview); err != nil {
					e.logger.Error("failed to escalate to human review", zap.Error(err))
				}
				cancel()
				return
			}

			if err := e.ApplyTransition(ctx, task, models.StatusFix); err != nil {
				e.logger.Error("failed to enter fix", zap.Error(err))
				return
			}
			fix := phases.NewFeedbackFix(e.deps, outcome.Feedback)
			if _, err := e.runPhase(ctx, task, fix, nil); err != nil {
				e.logger.Error("fix pass failed",
					zap.String("task_id", task.ID),
					zap.Error(err))
				e.recoverTask(task, models.PhaseFix)
				return
			}
			// fix landed the task back in ai_review; run the next review pass
			phase = phases.NewReview(e.deps, outcome.Iteration, e.findings != nil)
		}
	}
}

// recoverTask moves a task out of a stuck state after a phase failure:
// Planning falls back to todo, Implementation to planning_review, Review
// and Fix to ai_review.
func (e *Executor) recoverTask(task *models.Task, phase models.SessionPhase) {
	var to models.TaskStatus
	switch phase {
	case models.PhasePlanning:
		to = models.StatusTodo
	case models.PhaseImplementation:
		to = models.StatusPlanningReview
	case models.PhaseReview, models.PhaseFix:
		to = models.StatusAiReview
	default:
		return
	}
	if task.Status == to {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.ApplyTransition(ctx, task, to); err != nil {
		e.logger.Error("failed to apply recovery transition",
			zap.String("task_id", task.ID),
			zap.String("to", to.String()),
			zap.Error(err))
	}
}

// runPhase executes one phase invocation: resources, session, prompt,
// activities, finalization, post-processing. session may be a pre-created
// pending record or nil.
func (e *Executor) runPhase(ctx context.Context, task *models.Task, phase phases.Phase, session *models.Session) (phases.Outcome, error) {
	if session == nil {
		session = &models.Session{TaskID: task.ID, Phase: phase.Type(), Status: models.SessionPending}
		if err := e.repo.CreateSession(ctx, session); err != nil {
			return phases.Outcome{}, err
		}
	}

	// the record exists from here on; the guard fails it on any exit that
	// skipped finalization, panics included, so it can never stay pending
	// and block the task
	guard := newSessionGuard(session, e.repo, e.emitter, e.logger)
	defer guard.release()

	resources := phase.Resources()

	if resources.NeedsWorkspace {
		if err := e.ensureWorkspace(ctx, task); err != nil {
			session.ErrorMessage = err.Error()
			return phases.Outcome{}, err
		}
	}

	if resources.NeedsMcpFindings && e.findings != nil {
		if err := e.connectFindings(ctx); err != nil {
			session.ErrorMessage = err.Error()
			return phases.Outcome{}, err
		}
		mcp := newMCPGuard(e.runtime, findings.ServerName, e.logger)
		defer mcp.release()
	}

	cfg, err := phase.BuildConfig(ctx, task)
	if err != nil {
		session.ErrorMessage = err.Error()
		return phases.Outcome{}, err
	}

	agentSessionID, err := e.runtime.CreateSession(ctx, fmt.Sprintf("%s: %s", phase.Type(), task.Title), cfg.WorkingDir)
	if err != nil {
		session.ErrorMessage = err.Error()
		return phases.Outcome{}, err
	}

	now := time.Now().UTC()
	session.AgentSessionID = agentSessionID
	session.Status = models.SessionRunning
	session.StartedAt = &now
	if err := e.repo.UpdateSession(ctx, session); err != nil {
		session.ErrorMessage = err.Error()
		return phases.Outcome{}, err
	}
	e.emitter.Emit(events.SessionStarted{
		Task:      task.ID,
		SessionID: session.ID,
		Phase:     phase.Type().String(),
	})

	store := e.activities.GetOrCreate(session.ID)

	parts, err := e.runtime.SendPrompt(ctx, agentSessionID, cfg.Prompt)
	if err != nil {
		e.finishSession(ctx, task, session, store, false, err.Error())
		guard.complete()
		return phases.Outcome{}, err
	}

	for _, part := range parts {
		e.recordPart(ctx, task, session, store, part)
	}

	e.finishSession(ctx, task, session, store, true, "")
	guard.complete()

	output := &phases.Output{Text: agent.CombinedText(parts), Parts: parts}
	return phase.ProcessResult(ctx, task, output)
}

func (e *Executor) ensureWorkspace(ctx context.Context, task *models.Task) error {
	if task.WorkspacePath != "" {
		return nil
	}

	ws, err := e.workspaces.Setup(ctx, task.ID)
	if err != nil {
		return err
	}
	if err := e.repo.UpdateTaskWorkspace(ctx, task.ID, ws.Path); err != nil {
		return err
	}
	task.WorkspacePath = ws.Path
	return nil
}

func (e *Executor) connectFindings(ctx context.Context) error {
	if err := e.runtime.AddMCPServer(ctx, findings.ServerName, e.findings.URL()); err != nil {
		return err
	}
	return e.runtime.ConnectMCP(ctx, findings.ServerName)
}

// recordPart turns one message part into an activity (memory + db) and an
// event on the bus.
func (e *Executor) recordPart(ctx context.Context, task *models.Task, session *models.Session, store *activity.Store, part agent.Part) {
	var activityType string
	var data []byte
	switch part.Type {
	case agent.PartText:
		activityType = activity.TypeAgentMessage
		data, _ = json.Marshal(map[string]string{"text": part.Text})
		e.emitter.Emit(events.AgentMessage{Task: task.ID, SessionID: session.ID, Text: part.Text})

	case agent.PartToolUse:
		activityType = activity.TypeToolCall
		data, _ = json.Marshal(map[string]string{"tool": part.Tool, "state": part.State, "input": part.Input})
		e.emitter.Emit(events.ToolExecution{Task: task.ID, SessionID: session.ID, Tool: part.Tool, Status: part.State})

	case agent.PartToolResult:
		activityType = activity.TypeToolResult
		data, _ = json.Marshal(map[string]string{"tool": part.Tool, "output": part.Output})
		e.emitter.Emit(events.ToolExecution{Task: task.ID, SessionID: session.ID, Tool: part.Tool, Status: "result", Output: part.Output})

	default:
		return
	}

	entry := store.Append(activityType, part.CallID, data)
	if err := e.repo.AppendActivity(ctx, &models.SessionActivity{
		SessionID:    session.ID,
		ActivityType: activityType,
		ActivityID:   part.CallID,
		Data:         data,
		CreatedAt:    entry.CreatedAt,
	}); err != nil {
		e.logger.Warn("failed to persist activity", zap.Error(err))
	}
}

// finishSession writes the terminal activity and the session's final state,
// then emits session.ended.
func (e *Executor) finishSession(ctx context.Context, task *models.Task, session *models.Session, store *activity.Store, success bool, errMsg string) {
	// an abort may have finalized the session already; terminal states win
	if stored, err := e.repo.GetSession(context.WithoutCancel(ctx), session.ID); err == nil && stored.Status.IsTerminal() {
		*session = *stored
		return
	}

	store.PushFinished(success, errMsg)
	data, _ := json.Marshal(activity.FinishedData{Success: success, Error: errMsg})
	if err := e.repo.AppendActivity(ctx, &models.SessionActivity{
		SessionID:    session.ID,
		ActivityType: activity.TypeFinished,
		Data:         data,
	}); err != nil {
		e.logger.Warn("failed to persist finished activity", zap.Error(err))
	}

	now := time.Now().UTC()
	if success {
		session.Status = models.SessionCompleted
	} else {
		session.Status = models.SessionFailed
		session.ErrorMessage = errMsg
	}
	session.CompletedAt = &now
	if err := e.repo.UpdateSession(ctx, session); err != nil {
		e.logger.Error("failed to persist session completion", zap.Error(err))
	}

	e.emitter.Emit(events.SessionEnded{
		Task:      task.ID,
		SessionID: session.ID,
		Phase:     session.Phase.String(),
		Success:   success,
		Error:     errMsg,
	})
}

// Abort cancels an active session: the runtime conversation is interrupted,
// the session is marked aborted, and the phase's guards unwind.
func (e *Executor) Abort(ctx context.Context, sessionID string) error {
	session, err := e.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !session.Status.IsActive() {
		return ErrSessionNotActive
	}

	if session.AgentSessionID != "" {
		if err := e.runtime.AbortSession(ctx, session.AgentSessionID); err != nil {
			e.logger.Warn("runtime abort failed", zap.Error(err))
		}
	}

	e.mu.Lock()
	cancel := e.cancel[sessionID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	now := time.Now().UTC()
	session.Status = models.SessionAborted
	session.ErrorMessage = "aborted by user"
	session.CompletedAt = &now
	if err := e.repo.UpdateSession(ctx, session); err != nil {
		return err
	}

	if store := e.activities.Get(sessionID); store != nil {
		store.PushFinished(false, "aborted by user")
	}
	e.emitter.Emit(events.SessionEnded{
		Task:      session.TaskID,
		SessionID: session.ID,
		Phase:     session.Phase.String(),
		Success:   false,
		Error:     "aborted by user",
	})
	return nil
}
