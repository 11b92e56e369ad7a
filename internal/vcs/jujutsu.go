package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Jujutsu implements VCS on top of the jj CLI using named workspaces and
// bookmarks. The diff/merge baseline is the trunk() revset.
type Jujutsu struct {
	repoRoot      string
	workspacesDir string
}

var _ VCS = (*Jujutsu)(nil)

// NewJujutsu creates a jujutsu backend rooted at repoRoot.
func NewJujutsu(repoRoot, workspacesDir string) *Jujutsu {
	return &Jujutsu{repoRoot: repoRoot, workspacesDir: workspacesDir}
}

func (j *Jujutsu) Name() string { return "jujutsu" }

func (j *Jujutsu) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "jj", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), &CommandError{
			Backend: "jj",
			Args:    args,
			Stderr:  stderr.String(),
			Err:     err,
		}
	}
	return stdout.String(), nil
}

func (j *Jujutsu) IsAvailable(ctx context.Context) bool {
	_, err := j.run(ctx, "", "--version")
	return err == nil
}

func (j *Jujutsu) IsInitialized(ctx context.Context) bool {
	_, err := j.run(ctx, j.repoRoot, "root")
	return err == nil
}

func (j *Jujutsu) bookmarkExists(ctx context.Context, name string) bool {
	out, err := j.run(ctx, j.repoRoot, "bookmark", "list", name)
	return err == nil && strings.TrimSpace(out) != ""
}

func (j *Jujutsu) CreateWorkspace(ctx context.Context, taskID string) (*Workspace, error) {
	branch := BranchName(taskID)
	path := filepath.Join(j.workspacesDir, branch)

	if j.bookmarkExists(ctx, branch) {
		return nil, ErrWorkspaceAlreadyExists
	}
	if _, err := os.Stat(path); err == nil {
		return nil, ErrWorkspaceAlreadyExists
	}

	if err := os.MkdirAll(j.workspacesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspaces dir: %w", err)
	}

	if _, err := j.run(ctx, j.repoRoot, "workspace", "add", "--name", branch, path); err != nil {
		return nil, err
	}
	if _, err := j.run(ctx, path, "new", "trunk()"); err != nil {
		j.run(ctx, j.repoRoot, "workspace", "forget", branch)
		os.RemoveAll(path)
		return nil, err
	}
	if _, err := j.run(ctx, path, "bookmark", "create", branch, "-r", "@"); err != nil {
		j.run(ctx, j.repoRoot, "workspace", "forget", branch)
		os.RemoveAll(path)
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

func (j *Jujutsu) GetDiff(ctx context.Context, ws *Workspace) (string, error) {
	return j.run(ctx, ws.Path, "diff", "--from", "trunk()", "--git")
}

func (j *Jujutsu) GetStatus(ctx context.Context, ws *Workspace) (string, error) {
	return j.run(ctx, ws.Path, "status")
}

func (j *Jujutsu) GetDiffSummary(ctx context.Context, ws *Workspace) (*DiffSummary, error) {
	out, err := j.run(ctx, ws.Path, "diff", "--from", "trunk()", "--stat")
	if err != nil {
		return nil, err
	}
	// last line matches git's shortstat shape
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 {
		return &DiffSummary{}, nil
	}
	return parseShortstat(lines[len(lines)-1]), nil
}

func (j *Jujutsu) MergeWorkspace(ctx context.Context, ws *Workspace, message string) (*MergeResult, error) {
	if _, err := j.run(ctx, ws.Path, "describe", "-m", message); err != nil {
		return nil, err
	}
	out, err := j.run(ctx, ws.Path, "rebase", "-b", "@", "-d", "trunk()")
	if err != nil {
		return nil, err
	}
	if strings.Contains(out, "conflict") {
		files := j.conflictFiles(ctx, ws)
		return &MergeResult{Success: false, ConflictFiles: files}, nil
	}

	main := j.trunkBookmark(ctx)
	if _, err := j.run(ctx, ws.Path, "bookmark", "set", main, "-r", "@"); err != nil {
		return nil, err
	}
	return &MergeResult{Success: true}, nil
}

func (j *Jujutsu) trunkBookmark(ctx context.Context) string {
	for _, name := range []string{"main", "master"} {
		if j.bookmarkExists(ctx, name) {
			return name
		}
	}
	return "main"
}

func (j *Jujutsu) conflictFiles(ctx context.Context, ws *Workspace) []string {
	out, err := j.run(ctx, ws.Path, "resolve", "--list")
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 {
			files = append(files, fields[0])
		}
	}
	return files
}

func (j *Jujutsu) CleanupWorkspace(ctx context.Context, ws *Workspace) error {
	j.run(ctx, j.repoRoot, "workspace", "forget", ws.BranchName)
	if j.bookmarkExists(ctx, ws.BranchName) {
		if _, err := j.run(ctx, j.repoRoot, "bookmark", "delete", ws.BranchName); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		return err
	}
	return nil
}

func (j *Jujutsu) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	out, err := j.run(ctx, j.repoRoot, "bookmark", "list", "task-*")
	if err != nil {
		return nil, err
	}
	var workspaces []*Workspace
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "task-") {
			continue
		}
		branch := strings.TrimSuffix(strings.Fields(line)[0], ":")
		path := filepath.Join(j.workspacesDir, branch)
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

func (j *Jujutsu) Commit(ctx context.Context, ws *Workspace, message string) error {
	if _, err := j.run(ctx, ws.Path, "describe", "-m", message); err != nil {
		return err
	}
	_, err := j.run(ctx, ws.Path, "bookmark", "set", ws.BranchName, "-r", "@")
	return err
}

func (j *Jujutsu) Push(ctx context.Context, ws *Workspace, remote string) error {
	_, err := j.run(ctx, ws.Path, "git", "push", "--remote", remote, "--bookmark", ws.BranchName)
	return err
}
