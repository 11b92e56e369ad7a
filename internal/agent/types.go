// Package agent talks to the local agent runtime over HTTP and SSE. The
// runtime owns the actual model conversation; this package only creates
// sessions, sends prompts, manages MCP registrations, and tails the event
// stream.
package agent

import "fmt"

// Part kinds returned by the runtime for a prompt.
const (
	PartText       = "text"
	PartToolUse    = "tool_use"
	PartToolResult = "tool_result"
)

// Tool call states.
const (
	ToolStatePending   = "pending"
	ToolStateRunning   = "running"
	ToolStateCompleted = "completed"
)

// Part is one message part from the runtime.
type Part struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	CallID string `json:"call_id,omitempty"`
	Tool   string `json:"tool,omitempty"`
	State  string `json:"state,omitempty"`
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
}

// CombinedText joins all text parts into the assistant's final message.
func CombinedText(parts []Part) string {
	var out string
	for _, p := range parts {
		if p.Type == PartText {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

// RuntimeError wraps a failed runtime call with the operation and HTTP
// status for upstream error mapping.
type RuntimeError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *RuntimeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent runtime %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("agent runtime %s failed: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// Event is one entry from the runtime's SSE stream.
type Event struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	Part       *Part  `json:"part,omitempty"`
}
