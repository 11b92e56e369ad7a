// Package repository provides persistent storage for tasks, sessions,
// session activities, review comments, and diff view state.
package repository

import (
	"context"
	"errors"

	"github.com/opencode-studio/studio/internal/task/models"
)

var (
	// ErrTaskNotFound is returned when the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrSessionNotFound is returned when the requested session does not exist.
	ErrSessionNotFound = errors.New("session not found")
)

// Repository is the storage interface the orchestrator depends on.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Tasks
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	// UpdateTaskStatus changes only the status and bumps updated_at.
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
	// UpdateTaskWorkspace records the workspace path for a task.
	UpdateTaskWorkspace(ctx context.Context, id, workspacePath string) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context) ([]*models.Task, error)
	CountTasks(ctx context.Context) (int, error)

	// Sessions
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessionsByTask(ctx context.Context, taskID string) ([]*models.Session, error)
	// GetActiveSession returns the task's pending or running session, or
	// ErrSessionNotFound.
	GetActiveSession(ctx context.Context, taskID string) (*models.Session, error)
	// FailActiveSessions marks every pending or running session failed.
	// Called once on startup; returns the number of sessions touched.
	FailActiveSessions(ctx context.Context, reason string) (int, error)

	// Session activities
	AppendActivity(ctx context.Context, activity *models.SessionActivity) error
	ListActivitiesSince(ctx context.Context, sessionID string, sinceID int64) ([]*models.SessionActivity, error)

	// Review comments
	CreateReviewComment(ctx context.Context, comment *models.ReviewComment) error
	ListReviewComments(ctx context.Context, taskID string) ([]*models.ReviewComment, error)

	// Diff viewed files
	MarkFileViewed(ctx context.Context, taskID, filePath string) error
	ListViewedFiles(ctx context.Context, taskID string) ([]*models.DiffViewedFile, error)

	Close() error
}
