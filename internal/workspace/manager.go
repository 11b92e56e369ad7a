// Package workspace manages per-task working copies: backend creation,
// seeding (copied files, symlinked dirs, init hooks), merge, and teardown.
package workspace

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opencode-studio/studio/internal/common/config"
	"github.com/opencode-studio/studio/internal/common/logger"
	"github.com/opencode-studio/studio/internal/events"
	"github.com/opencode-studio/studio/internal/events/bus"
	"github.com/opencode-studio/studio/internal/vcs"
)

// Manager composes a VCS backend with workspace seeding config.
type Manager struct {
	vcs      vcs.VCS
	repoRoot string
	cfg      config.WorkspaceConfig
	emitter  *bus.Emitter
	logger   *logger.Logger
}

// NewManager creates a workspace manager for the repository at repoRoot.
func NewManager(backend vcs.VCS, repoRoot string, cfg config.WorkspaceConfig, emitter *bus.Emitter, log *logger.Logger) *Manager {
	return &Manager{
		vcs:      backend,
		repoRoot: repoRoot,
		cfg:      cfg,
		emitter:  emitter,
		logger:   log.WithFields(zap.String("component", "workspace-manager")),
	}
}

// VCS returns the underlying backend.
func (m *Manager) VCS() vcs.VCS {
	return m.vcs
}

// Setup creates the task workspace and seeds it: backend create, then
// copy-files, then symlink-dirs, then init hooks. Any failure after the
// backend create triggers a best-effort cleanup before returning.
func (m *Manager) Setup(ctx context.Context, taskID string) (*vcs.Workspace, error) {
	ws, err := m.vcs.CreateWorkspace(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if err := m.seed(ctx, ws); err != nil {
		m.logger.Warn("workspace setup failed, cleaning up",
			zap.String("task_id", taskID),
			zap.Error(err))
		if cerr := m.vcs.CleanupWorkspace(ctx, ws); cerr != nil {
			m.logger.Error("cleanup after failed setup also failed",
				zap.String("task_id", taskID),
				zap.Error(cerr))
		}
		return nil, err
	}

	m.logger.Info("workspace created",
		zap.String("task_id", taskID),
		zap.String("path", ws.Path),
		zap.String("branch", ws.BranchName))
	m.emitter.Emit(events.WorkspaceCreated{Task: taskID, Path: ws.Path, Branch: ws.BranchName})
	return ws, nil
}

func (m *Manager) seed(ctx context.Context, ws *vcs.Workspace) error {
	for _, name := range m.cfg.CopyFiles {
		src := filepath.Join(m.repoRoot, name)
		dst := filepath.Join(ws.Path, name)
		if err := copyFile(src, dst); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to copy %s: %w", name, err)
		}
	}

	for _, name := range m.cfg.SymlinkDirs {
		src := filepath.Join(m.repoRoot, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(ws.Path, name)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.Symlink(src, dst); err != nil && !os.IsExist(err) {
			return fmt.Errorf("failed to symlink %s: %w", name, err)
		}
	}

	if m.cfg.InitHook != "" {
		if err := m.runHook(ctx, ws.Path, m.cfg.InitHook); err != nil {
			return fmt.Errorf("init hook failed: %w", err)
		}
	}
	return nil
}

func (m *Manager) runHook(ctx context.Context, dir, hook string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", hook)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%q: %w: %s", hook, err, out)
	}
	m.logger.Debug("hook completed", zap.String("hook", hook))
	return nil
}

// Diff returns the unified diff of the workspace vs. main.
func (m *Manager) Diff(ctx context.Context, ws *vcs.Workspace) (string, error) {
	return m.vcs.GetDiff(ctx, ws)
}

// Status returns the backend-native status.
func (m *Manager) Status(ctx context.Context, ws *vcs.Workspace) (string, error) {
	return m.vcs.GetStatus(ctx, ws)
}

// DiffSummary returns the file/insertion/deletion counts.
func (m *Manager) DiffSummary(ctx context.Context, ws *vcs.Workspace) (*vcs.DiffSummary, error) {
	return m.vcs.GetDiffSummary(ctx, ws)
}

// Commit commits all pending workspace changes.
func (m *Manager) Commit(ctx context.Context, ws *vcs.Workspace, message string) error {
	return m.vcs.Commit(ctx, ws, message)
}

// Merge merges the task branch into main. On success the workspace is torn
// down and a workspace.merged event is emitted; conflicts leave the
// workspace alone for the caller to resolve.
func (m *Manager) Merge(ctx context.Context, ws *vcs.Workspace, message string) (*vcs.MergeResult, error) {
	result, err := m.vcs.MergeWorkspace(ctx, ws, message)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return result, nil
	}

	m.emitter.Emit(events.WorkspaceMerged{Task: ws.TaskID, Branch: ws.BranchName})
	if err := m.Cleanup(ctx, ws); err != nil {
		m.logger.Warn("cleanup after merge failed",
			zap.String("task_id", ws.TaskID),
			zap.Error(err))
	}
	return result, nil
}

// Cleanup runs cleanup hooks, tears down the backend registration, and
// deletes the directory. Idempotent.
func (m *Manager) Cleanup(ctx context.Context, ws *vcs.Workspace) error {
	if m.cfg.CleanupHook != "" {
		if _, statErr := os.Stat(ws.Path); statErr == nil {
			if err := m.runHook(ctx, ws.Path, m.cfg.CleanupHook); err != nil {
				m.logger.Warn("cleanup hook failed", zap.String("hook", m.cfg.CleanupHook), zap.Error(err))
			}
		}
	}

	if err := m.vcs.CleanupWorkspace(ctx, ws); err != nil {
		return err
	}
	m.emitter.Emit(events.WorkspaceDeleted{Task: ws.TaskID})
	return nil
}

// Overview pairs a workspace with its change summary.
type Overview struct {
	*vcs.Workspace
	Summary *vcs.DiffSummary `json:"summary,omitempty"`
}

// ListWithSummaries scans the backend and collects a diff summary per
// workspace. Summaries are fetched concurrently; a workspace whose summary
// fails is listed without one.
func (m *Manager) ListWithSummaries(ctx context.Context) ([]*Overview, error) {
	workspaces, err := m.vcs.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}

	overviews := make([]*Overview, len(workspaces))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, ws := range workspaces {
		g.Go(func() error {
			summary, err := m.vcs.GetDiffSummary(gctx, ws)
			if err != nil {
				m.logger.Warn("diff summary failed",
					zap.String("task_id", ws.TaskID),
					zap.Error(err))
			}
			overviews[i] = &Overview{Workspace: ws, Summary: summary}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return overviews, nil
}

// Get returns the workspace for a task id, or vcs.ErrWorkspaceNotFound.
func (m *Manager) Get(ctx context.Context, taskID string) (*vcs.Workspace, error) {
	workspaces, err := m.vcs.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	for _, ws := range workspaces {
		if ws.TaskID == taskID {
			return ws, nil
		}
	}
	return nil, vcs.ErrWorkspaceNotFound
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
