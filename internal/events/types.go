// Package events defines the event types emitted by the orchestrator and the
// envelope that wraps them on the wire.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type strings as they appear in the wire envelope.
const (
	TypeTaskCreated       = "task.created"
	TypeTaskUpdated       = "task.updated"
	TypeTaskStatusChanged = "task.status_changed"
	TypeTaskDeleted       = "task.deleted"
	TypeSessionStarted    = "session.started"
	TypeSessionEnded      = "session.ended"
	TypeAgentMessage      = "agent.message"
	TypeToolExecution     = "tool.execution"
	TypeWorkspaceCreated  = "workspace.created"
	TypeWorkspaceMerged   = "workspace.merged"
	TypeWorkspaceDeleted  = "workspace.deleted"
	TypeError             = "error"
)

// Event is one orchestrator event. TaskID returns the task the event is
// attributed to, or empty for unattributed events (which always pass
// subscription filters).
type Event interface {
	EventType() string
	TaskID() string
}

// TaskCreated is emitted when a task row is inserted.
type TaskCreated struct {
	ID    string `json:"task_id"`
	Title string `json:"title"`
}

func (e TaskCreated) EventType() string { return TypeTaskCreated }
func (e TaskCreated) TaskID() string    { return e.ID }

// TaskUpdated is emitted when task fields other than status change.
type TaskUpdated struct {
	ID string `json:"task_id"`
}

func (e TaskUpdated) EventType() string { return TypeTaskUpdated }
func (e TaskUpdated) TaskID() string    { return e.ID }

// TaskStatusChanged is emitted after a validated status transition is applied.
type TaskStatusChanged struct {
	ID   string `json:"task_id"`
	From string `json:"from"`
	To   string `json:"to"`
}

func (e TaskStatusChanged) EventType() string { return TypeTaskStatusChanged }
func (e TaskStatusChanged) TaskID() string    { return e.ID }

// TaskDeleted is emitted when a task and its sessions are removed.
type TaskDeleted struct {
	ID string `json:"task_id"`
}

func (e TaskDeleted) EventType() string { return TypeTaskDeleted }
func (e TaskDeleted) TaskID() string    { return e.ID }

// SessionStarted is emitted once the agent runtime has accepted a session.
type SessionStarted struct {
	Task      string `json:"task_id"`
	SessionID string `json:"session_id"`
	Phase     string `json:"phase"`
}

func (e SessionStarted) EventType() string { return TypeSessionStarted }
func (e SessionStarted) TaskID() string    { return e.Task }

// SessionEnded is emitted when a session reaches a terminal state. Success is
// false for failed and aborted sessions.
type SessionEnded struct {
	Task      string `json:"task_id"`
	SessionID string `json:"session_id"`
	Phase     string `json:"phase"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

func (e SessionEnded) EventType() string { return TypeSessionEnded }
func (e SessionEnded) TaskID() string    { return e.Task }

// AgentMessage carries a text part streamed from the agent runtime.
type AgentMessage struct {
	Task      string `json:"task_id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

func (e AgentMessage) EventType() string { return TypeAgentMessage }
func (e AgentMessage) TaskID() string    { return e.Task }

// ToolExecution carries a tool_use or tool_result part streamed from the
// agent runtime.
type ToolExecution struct {
	Task      string `json:"task_id"`
	SessionID string `json:"session_id"`
	Tool      string `json:"tool"`
	Status    string `json:"status"`
	Output    string `json:"output,omitempty"`
}

func (e ToolExecution) EventType() string { return TypeToolExecution }
func (e ToolExecution) TaskID() string    { return e.Task }

// WorkspaceCreated is emitted when a task workspace is materialized on disk.
type WorkspaceCreated struct {
	Task   string `json:"task_id"`
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

func (e WorkspaceCreated) EventType() string { return TypeWorkspaceCreated }
func (e WorkspaceCreated) TaskID() string    { return e.Task }

// WorkspaceMerged is emitted after a workspace branch merges into main.
type WorkspaceMerged struct {
	Task   string `json:"task_id"`
	Branch string `json:"branch"`
}

func (e WorkspaceMerged) EventType() string { return TypeWorkspaceMerged }
func (e WorkspaceMerged) TaskID() string    { return e.Task }

// WorkspaceDeleted is emitted after a workspace is cleaned up.
type WorkspaceDeleted struct {
	Task string `json:"task_id"`
}

func (e WorkspaceDeleted) EventType() string { return TypeWorkspaceDeleted }
func (e WorkspaceDeleted) TaskID() string    { return e.Task }

// Error is an unattributed error event; it passes every subscription filter.
type Error struct {
	Message string `json:"message"`
}

func (e Error) EventType() string { return TypeError }
func (e Error) TaskID() string    { return "" }

// Envelope wraps an Event for distribution. Seq is assigned by an ordered
// Emitter and is zero otherwise.
type Envelope struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq,omitempty"`
	Event     Event     `json:"event"`
}

// NewEnvelope wraps an event with a fresh UUID and the current time.
func NewEnvelope(event Event) Envelope {
	return Envelope{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Event:     event,
	}
}

// MarshalJSON flattens the event payload with its type tag, producing
// {"id":..., "timestamp":..., "event":{"type":..., ...payload}}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Event)
	if err != nil {
		return nil, err
	}

	flat := make(map[string]interface{})
	if err := json.Unmarshal(payload, &flat); err != nil {
		return nil, err
	}
	flat["type"] = e.Event.EventType()

	type alias struct {
		ID        string                 `json:"id"`
		Timestamp time.Time              `json:"timestamp"`
		Seq       uint64                 `json:"seq,omitempty"`
		Event     map[string]interface{} `json:"event"`
	}
	return json.Marshal(alias{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Seq:       e.Seq,
		Event:     flat,
	})
}
