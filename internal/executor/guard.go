package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/opencode-studio/studio/internal/common/logger"
	"github.com/opencode-studio/studio/internal/events"
	"github.com/opencode-studio/studio/internal/events/bus"
	"github.com/opencode-studio/studio/internal/task/models"
	"github.com/opencode-studio/studio/internal/task/repository"
)

// sessionGuard makes sure a session never stays visibly running: if release
// fires before the session was marked completed, the session is failed in
// the store and a session.ended event goes out. This covers panics and
// early returns alike.
type sessionGuard struct {
	session   *models.Session
	repo      repository.Repository
	emitter   *bus.Emitter
	logger    *logger.Logger
	completed bool
}

func newSessionGuard(session *models.Session, repo repository.Repository, emitter *bus.Emitter, log *logger.Logger) *sessionGuard {
	return &sessionGuard{session: session, repo: repo, emitter: emitter, logger: log}
}

// complete marks the session as properly finalized; release becomes a no-op.
func (g *sessionGuard) complete() {
	g.completed = true
}

// release runs deferred. It must not panic.
func (g *sessionGuard) release() {
	if g.completed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// an abort may have finalized the session already; terminal states win
	if stored, err := g.repo.GetSession(ctx, g.session.ID); err == nil && stored.Status.IsTerminal() {
		*g.session = *stored
		return
	}

	g.logger.Warn("session dropped without completion, failing it",
		zap.String("session_id", g.session.ID),
		zap.String("task_id", g.session.TaskID))

	now := time.Now().UTC()
	g.session.Status = models.SessionFailed
	if g.session.ErrorMessage == "" {
		g.session.ErrorMessage = "session terminated abnormally"
	}
	g.session.CompletedAt = &now

	if err := g.repo.UpdateSession(ctx, g.session); err != nil {
		g.logger.Error("failed to persist abnormal session failure", zap.Error(err))
	}

	g.emitter.Emit(events.SessionEnded{
		Task:      g.session.TaskID,
		SessionID: g.session.ID,
		Phase:     g.session.Phase.String(),
		Success:   false,
		Error:     g.session.ErrorMessage,
	})
}

// mcpGuard disconnects the findings MCP server from the runtime when the
// phase ends. Disconnection is fire-and-forget: a failure is logged, never
// surfaced, and never blocks the unwind.
type mcpGuard struct {
	runtime    Runtime
	serverName string
	logger     *logger.Logger
}

func newMCPGuard(runtime Runtime, serverName string, log *logger.Logger) *mcpGuard {
	return &mcpGuard{runtime: runtime, serverName: serverName, logger: log}
}

func (g *mcpGuard) release() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.runtime.DisconnectMCP(ctx, g.serverName); err != nil {
			g.logger.Warn("failed to disconnect MCP server",
				zap.String("server", g.serverName),
				zap.Error(err))
		}
	}()
}
