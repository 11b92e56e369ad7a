// Package models defines the core entities of the task orchestrator.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus enumerates the task lifecycle states.
type TaskStatus string

const (
	StatusTodo           TaskStatus = "todo"
	StatusPlanning       TaskStatus = "planning"
	StatusPlanningReview TaskStatus = "planning_review"
	StatusInProgress     TaskStatus = "in_progress"
	StatusAiReview       TaskStatus = "ai_review"
	StatusReview         TaskStatus = "review"
	StatusFix            TaskStatus = "fix"
	StatusDone           TaskStatus = "done"
)

// ParseTaskStatus converts a wire string into a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case StatusTodo, StatusPlanning, StatusPlanningReview, StatusInProgress,
		StatusAiReview, StatusReview, StatusFix, StatusDone:
		return TaskStatus(s), nil
	}
	return "", fmt.Errorf("unknown task status: %q", s)
}

func (s TaskStatus) String() string { return string(s) }

// IsTerminal reports whether the status has no outgoing transitions.
func (s TaskStatus) IsTerminal() bool { return s == StatusDone }

// Task is the unit of work driven through the phase lifecycle.
type Task struct {
	ID            string     `json:"id" db:"id"`
	Title         string     `json:"title" db:"title"`
	Description   string     `json:"description" db:"description"`
	Status        TaskStatus `json:"status" db:"status"`
	WorkspacePath string     `json:"workspace_path,omitempty" db:"workspace_path"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// SessionPhase enumerates which phase a session executes.
type SessionPhase string

const (
	PhasePlanning       SessionPhase = "planning"
	PhaseImplementation SessionPhase = "implementation"
	PhaseReview         SessionPhase = "review"
	PhaseFix            SessionPhase = "fix"
)

// ParseSessionPhase converts a wire string into a SessionPhase.
func ParseSessionPhase(s string) (SessionPhase, error) {
	switch SessionPhase(s) {
	case PhasePlanning, PhaseImplementation, PhaseReview, PhaseFix:
		return SessionPhase(s), nil
	}
	return "", fmt.Errorf("unknown session phase: %q", s)
}

func (p SessionPhase) String() string { return string(p) }

// SessionStatus enumerates the session states. Status is monotonic along
// pending -> running -> {completed, failed, aborted}.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionAborted   SessionStatus = "aborted"
)

// ParseSessionStatus converts a wire string into a SessionStatus.
func ParseSessionStatus(s string) (SessionStatus, error) {
	switch SessionStatus(s) {
	case SessionPending, SessionRunning, SessionCompleted, SessionFailed, SessionAborted:
		return SessionStatus(s), nil
	}
	return "", fmt.Errorf("unknown session status: %q", s)
}

func (s SessionStatus) String() string { return string(s) }

// IsTerminal reports whether the session has finished.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionAborted
}

// IsActive reports whether the session blocks new executions for its task.
func (s SessionStatus) IsActive() bool {
	return s == SessionPending || s == SessionRunning
}

// Session is one agent-runtime conversation bound to one phase of one task.
// AgentSessionID is the opaque identifier the runtime assigns once the
// conversation exists; it is set iff status >= running.
type Session struct {
	ID             string        `json:"id" db:"id"`
	TaskID         string        `json:"task_id" db:"task_id"`
	AgentSessionID string        `json:"agent_session_id,omitempty" db:"agent_session_id"`
	Phase          SessionPhase  `json:"phase" db:"phase"`
	Status         SessionStatus `json:"status" db:"status"`
	ErrorMessage   string        `json:"error_message,omitempty" db:"error_message"`
	StartedAt      *time.Time    `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}

// SessionActivity is the persisted form of an activity log entry.
type SessionActivity struct {
	ID           int64           `json:"id" db:"id"`
	SessionID    string          `json:"session_id" db:"session_id"`
	ActivityType string          `json:"activity_type" db:"activity_type"`
	ActivityID   string          `json:"activity_id,omitempty" db:"activity_id"`
	Data         json.RawMessage `json:"data,omitempty" db:"data"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// ReviewComment is a user-supplied diff-level comment feeding the fix phase.
type ReviewComment struct {
	ID        string    `json:"id" db:"id"`
	TaskID    string    `json:"task_id" db:"task_id"`
	FilePath  string    `json:"file_path" db:"file_path"`
	Line      int       `json:"line" db:"line"`
	Comment   string    `json:"comment" db:"comment"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// DiffViewedFile records that a user marked a file as viewed in the diff UI.
type DiffViewedFile struct {
	TaskID   string    `json:"task_id" db:"task_id"`
	FilePath string    `json:"file_path" db:"file_path"`
	ViewedAt time.Time `json:"viewed_at" db:"viewed_at"`
}
