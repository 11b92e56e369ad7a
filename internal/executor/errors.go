package executor

import "errors"

var (
	// ErrSessionExists is returned when a task already has a pending or
	// running session.
	ErrSessionExists = errors.New("task already has an active session")

	// ErrTaskComplete is returned when execution is requested for a task
	// that is already done.
	ErrTaskComplete = errors.New("task is already done")

	// ErrSessionNotActive is returned when an abort targets a session that
	// is not pending or running.
	ErrSessionNotActive = errors.New("session is not active")
)
