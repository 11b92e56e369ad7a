// Package vcs abstracts the version-control backend behind a small
// interface so tasks can run against git or jujutsu repositories.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrWorkspaceAlreadyExists is returned when a workspace for the task
	// already exists.
	ErrWorkspaceAlreadyExists = errors.New("workspace already exists for task")

	// ErrWorkspaceNotFound is returned when the requested workspace does
	// not exist.
	ErrWorkspaceNotFound = errors.New("workspace not found")

	// ErrNotInitialized is returned when the repository root is not a
	// valid backend root.
	ErrNotInitialized = errors.New("repository is not initialized for this backend")
)

// Workspace statuses.
const (
	WorkspaceActive    = "active"
	WorkspaceMerged    = "merged"
	WorkspaceAbandoned = "abandoned"
)

// Workspace is a materialized working copy on its own task branch.
type Workspace struct {
	TaskID     string    `json:"task_id"`
	Path       string    `json:"path"`
	BranchName string    `json:"branch_name"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// DiffSummary is the parsed shortstat of a workspace diff.
type DiffSummary struct {
	FilesChanged int `json:"files_changed"`
	Insertions   int `json:"insertions"`
	Deletions    int `json:"deletions"`
}

// MergeResult reports the outcome of merging a workspace into main.
// Conflicts are reported, never auto-resolved.
type MergeResult struct {
	Success       bool     `json:"success"`
	ConflictFiles []string `json:"conflict_files,omitempty"`
}

// CommandError wraps a failed backend subprocess with its stderr output.
type CommandError struct {
	Backend string
	Args    []string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s failed: %v", e.Backend, strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// VCS is the backend interface. Implementations shell out to the backend
// binary and must be safe for concurrent use across distinct workspaces.
type VCS interface {
	// Name returns the backend identifier (git, jujutsu).
	Name() string

	// IsAvailable reports whether the backend binary exists and responds.
	IsAvailable(ctx context.Context) bool

	// IsInitialized reports whether the repo root is a valid backend root.
	IsInitialized(ctx context.Context) bool

	// CreateWorkspace allocates branch task-<id> and a working directory
	// under the workspaces base dir. Fails with ErrWorkspaceAlreadyExists
	// when either already exists.
	CreateWorkspace(ctx context.Context, taskID string) (*Workspace, error)

	// GetDiff returns the unified diff of the workspace vs. main.
	GetDiff(ctx context.Context, ws *Workspace) (string, error)

	// GetStatus returns the backend-native status output.
	GetStatus(ctx context.Context, ws *Workspace) (string, error)

	// GetDiffSummary returns the parsed file/insertion/deletion counts.
	GetDiffSummary(ctx context.Context, ws *Workspace) (*DiffSummary, error)

	// MergeWorkspace merges the task branch into main. Conflict files are
	// reported in the result; the merge is rolled back on conflict.
	MergeWorkspace(ctx context.Context, ws *Workspace, message string) (*MergeResult, error)

	// CleanupWorkspace removes the backend registration and the working
	// directory. Idempotent.
	CleanupWorkspace(ctx context.Context, ws *Workspace) error

	// ListWorkspaces scans the backend for task-* branches.
	ListWorkspaces(ctx context.Context) ([]*Workspace, error)

	// Commit commits all pending changes in the workspace.
	Commit(ctx context.Context, ws *Workspace, message string) error

	// Push pushes the task branch to the named remote.
	Push(ctx context.Context, ws *Workspace, remote string) error
}

// BranchName returns the task branch name for a task id.
func BranchName(taskID string) string {
	return "task-" + taskID
}

// New creates a backend by kind rooted at repoRoot, with workspaces
// allocated under workspacesDir.
func New(kind, repoRoot, workspacesDir string) (VCS, error) {
	switch kind {
	case "git", "":
		return NewGit(repoRoot, workspacesDir), nil
	case "jujutsu", "jj":
		return NewJujutsu(repoRoot, workspacesDir), nil
	default:
		return nil, fmt.Errorf("unknown vcs backend %q", kind)
	}
}
