package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Git implements VCS using git worktrees: one worktree per task branch.
type Git struct {
	repoRoot      string
	workspacesDir string
}

var _ VCS = (*Git)(nil)

// NewGit creates a git backend rooted at repoRoot.
func NewGit(repoRoot, workspacesDir string) *Git {
	return &Git{repoRoot: repoRoot, workspacesDir: workspacesDir}
}

func (g *Git) Name() string { return "git" }

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), &CommandError{
			Backend: "git",
			Args:    args,
			Stderr:  stderr.String(),
			Err:     err,
		}
	}
	return stdout.String(), nil
}

func (g *Git) IsAvailable(ctx context.Context) bool {
	_, err := g.run(ctx, "", "--version")
	return err == nil
}

func (g *Git) IsInitialized(ctx context.Context) bool {
	out, err := g.run(ctx, g.repoRoot, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

func (g *Git) branchExists(ctx context.Context, branch string) bool {
	_, err := g.run(ctx, g.repoRoot, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// mainBranch resolves the repository's default branch (main or master).
func (g *Git) mainBranch(ctx context.Context) string {
	for _, name := range []string{"main", "master"} {
		if g.branchExists(ctx, name) {
			return name
		}
	}
	return "main"
}

func (g *Git) CreateWorkspace(ctx context.Context, taskID string) (*Workspace, error) {
	branch := BranchName(taskID)
	path := filepath.Join(g.workspacesDir, branch)

	if g.branchExists(ctx, branch) {
		return nil, ErrWorkspaceAlreadyExists
	}
	if _, err := os.Stat(path); err == nil {
		return nil, ErrWorkspaceAlreadyExists
	}

	if err := os.MkdirAll(g.workspacesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspaces dir: %w", err)
	}

	if _, err := g.run(ctx, g.repoRoot, "worktree", "add", "-b", branch, path, g.mainBranch(ctx)); err != nil {
		return nil, err
	}

	return &Workspace{
		TaskID:     taskID,
		Path:       path,
		BranchName: branch,
		Status:     WorkspaceActive,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (g *Git) GetDiff(ctx context.Context, ws *Workspace) (string, error) {
	return g.run(ctx, ws.Path, "diff", g.mainBranch(ctx)+"...HEAD")
}

func (g *Git) GetStatus(ctx context.Context, ws *Workspace) (string, error) {
	return g.run(ctx, ws.Path, "status", "--short")
}

var shortstatRe = regexp.MustCompile(`(\d+) files? changed(?:, (\d+) insertions?\(\+\))?(?:, (\d+) deletions?\(-\))?`)

func (g *Git) GetDiffSummary(ctx context.Context, ws *Workspace) (*DiffSummary, error) {
	out, err := g.run(ctx, ws.Path, "diff", "--shortstat", g.mainBranch(ctx)+"...HEAD")
	if err != nil {
		return nil, err
	}
	return parseShortstat(out), nil
}

func parseShortstat(out string) *DiffSummary {
	summary := &DiffSummary{}
	m := shortstatRe.FindStringSubmatch(out)
	if m == nil {
		return summary
	}
	summary.FilesChanged, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		summary.Insertions, _ = strconv.Atoi(m[2])
	}
	if m[3] != "" {
		summary.Deletions, _ = strconv.Atoi(m[3])
	}
	return summary
}

func (g *Git) MergeWorkspace(ctx context.Context, ws *Workspace, message string) (*MergeResult, error) {
	main := g.mainBranch(ctx)

	// merge runs in the primary worktree; the task branch stays put
	if _, err := g.run(ctx, g.repoRoot, "checkout", main); err != nil {
		return nil, err
	}
	if _, err := g.run(ctx, g.repoRoot, "merge", "--no-ff", "-m", message, ws.BranchName); err != nil {
		conflicts, cerr := g.conflictFiles(ctx)
		if cerr == nil && len(conflicts) > 0 {
			// leave the tree clean for the next attempt
			g.run(ctx, g.repoRoot, "merge", "--abort")
			return &MergeResult{Success: false, ConflictFiles: conflicts}, nil
		}
		return nil, err
	}
	return &MergeResult{Success: true}, nil
}

func (g *Git) conflictFiles(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, g.repoRoot, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func (g *Git) CleanupWorkspace(ctx context.Context, ws *Workspace) error {
	if _, err := os.Stat(ws.Path); err == nil {
		if _, err := g.run(ctx, g.repoRoot, "worktree", "remove", "--force", ws.Path); err != nil {
			// fall back to a plain delete, then prune the registration
			if rmErr := os.RemoveAll(ws.Path); rmErr != nil {
				return rmErr
			}
			g.run(ctx, g.repoRoot, "worktree", "prune")
		}
	} else {
		g.run(ctx, g.repoRoot, "worktree", "prune")
	}

	if g.branchExists(ctx, ws.BranchName) {
		if _, err := g.run(ctx, g.repoRoot, "branch", "-D", ws.BranchName); err != nil {
			return err
		}
	}
	return nil
}

func (g *Git) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	out, err := g.run(ctx, g.repoRoot, "branch", "--list", "task-*", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	var workspaces []*Workspace
	for _, line := range strings.Split(out, "\n") {
		branch := strings.TrimSpace(line)
		if branch == "" {
			continue
		}
		path := filepath.Join(g.workspacesDir, branch)
		status := WorkspaceAbandoned
		if _, err := os.Stat(path); err == nil {
			status = WorkspaceActive
		}
		workspaces = append(workspaces, &Workspace{
			TaskID:     strings.TrimPrefix(branch, "task-"),
			Path:       path,
			BranchName: branch,
			Status:     status,
		})
	}
	return workspaces, nil
}

func (g *Git) Commit(ctx context.Context, ws *Workspace, message string) error {
	if _, err := g.run(ctx, ws.Path, "add", "-A"); err != nil {
		return err
	}
	out, err := g.run(ctx, ws.Path, "status", "--porcelain")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) == "" {
		return nil
	}
	_, err = g.run(ctx, ws.Path, "commit", "-m", message)
	return err
}

func (g *Git) Push(ctx context.Context, ws *Workspace, remote string) error {
	_, err := g.run(ctx, ws.Path, "push", "-u", remote, ws.BranchName)
	return err
}
