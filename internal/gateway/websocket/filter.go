// Package websocket fans orchestrator events out to UI clients with
// per-connection subscription filtering.
package websocket

import "github.com/opencode-studio/studio/internal/events"

// Filter narrows a subscription to a set of tasks. An empty filter matches
// everything.
type Filter struct {
	TaskIDs []string `json:"task_ids,omitempty"`
}

// Matches reports whether the envelope passes the filter. Unattributed
// events (no task id) always pass: clients must not miss global errors.
func (f *Filter) Matches(env events.Envelope) bool {
	if f == nil || len(f.TaskIDs) == 0 {
		return true
	}
	taskID := env.Event.TaskID()
	if taskID == "" {
		return true
	}
	for _, id := range f.TaskIDs {
		if id == taskID {
			return true
		}
	}
	return false
}
