// Package lifecycle implements the task status state machine. It is a pure
// function over statuses; applying transitions is the caller's job.
package lifecycle

import (
	"fmt"

	"github.com/opencode-studio/studio/internal/task/models"
)

// InvalidTransitionError is returned when a (from, to) pair is not in the
// transition table.
type InvalidTransitionError struct {
	From models.TaskStatus
	To   models.TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("Invalid task status transition from %s to %s", e.From, e.To)
}

// transitions is the exhaustive legal-transition table. Backward arcs encode
// human rejection paths.
var transitions = map[models.TaskStatus][]models.TaskStatus{
	models.StatusTodo:           {models.StatusPlanning},
	models.StatusPlanning:       {models.StatusPlanningReview, models.StatusTodo},
	models.StatusPlanningReview: {models.StatusInProgress, models.StatusPlanning},
	models.StatusInProgress:     {models.StatusAiReview, models.StatusPlanningReview},
	models.StatusAiReview:       {models.StatusFix, models.StatusReview, models.StatusInProgress},
	models.StatusFix:            {models.StatusAiReview},
	models.StatusReview:         {models.StatusDone, models.StatusInProgress, models.StatusFix},
	models.StatusDone:           {},
}

// LegalTransitions returns the statuses reachable from the given status.
func LegalTransitions(from models.TaskStatus) []models.TaskStatus {
	out := make([]models.TaskStatus, len(transitions[from]))
	copy(out, transitions[from])
	return out
}

// ValidateTransition returns an InvalidTransitionError if (from, to) is not
// in the table.
func ValidateTransition(from, to models.TaskStatus) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return &InvalidTransitionError{From: from, To: to}
}

// Next returns the canonical forward step for a status, or false for
// terminal states. ai_review advances to review by default; fix is only
// reached explicitly through a phase result.
func Next(current models.TaskStatus) (models.TaskStatus, bool) {
	switch current {
	case models.StatusTodo:
		return models.StatusPlanning, true
	case models.StatusPlanning:
		return models.StatusPlanningReview, true
	case models.StatusPlanningReview:
		return models.StatusInProgress, true
	case models.StatusInProgress:
		return models.StatusAiReview, true
	case models.StatusAiReview:
		return models.StatusReview, true
	case models.StatusFix:
		return models.StatusAiReview, true
	case models.StatusReview:
		return models.StatusDone, true
	}
	return "", false
}

// Previous returns the canonical backward step for UI "back" affordances, or
// false for the initial state.
func Previous(current models.TaskStatus) (models.TaskStatus, bool) {
	switch current {
	case models.StatusPlanning:
		return models.StatusTodo, true
	case models.StatusPlanningReview:
		return models.StatusPlanning, true
	case models.StatusInProgress:
		return models.StatusPlanningReview, true
	case models.StatusAiReview:
		return models.StatusInProgress, true
	case models.StatusFix:
		return models.StatusAiReview, true
	case models.StatusReview:
		return models.StatusAiReview, true
	case models.StatusDone:
		return models.StatusReview, true
	}
	return "", false
}
