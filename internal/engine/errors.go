package engine

import (
	"errors"
	"fmt"

	"volunteerops/internal/dispatch"
	"volunteerops/internal/domain"
)

var (
	ErrNotAssigned         = errors.New("volunteer is not assigned to this task")
	ErrNotAccepted         = errors.New("task has not been accepted by this volunteer")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrConcurrencyConflict = errors.New("concurrent update, try again")
	ErrForbidden           = errors.New("not allowed to manage this project")
)

// ValidationError reports bad input on a named field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func transitionError(kind, id, status, action string) error {
	return fmt.Errorf("%w: %s %s is %s, cannot %s", ErrInvalidTransition, kind, id, status, action)
}

// Outcome tells a caller whether its call changed anything.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeAlreadyProcessed Outcome = "already_processed"
)

// Result is returned by volunteer responses and task management calls.
type Result struct {
	Outcome    Outcome               `json:"outcome" enum:"applied,already_processed"`
	Task       domain.Task           `json:"task"`
	Assignment domain.TaskAssignment `json:"assignment,omitempty"`
}

func (r Result) Applied() bool { return r.Outcome == OutcomeApplied }

// TaskCreated carries the new task and how its announcement went out.
type TaskCreated struct {
	Task        domain.Task             `json:"task"`
	Assignments []domain.TaskAssignment `json:"assignments"`
	Report      dispatch.DeliveryReport `json:"report"`
	Summary     string                  `json:"summary"`
}

// RatingChange describes one rating update and what it unlocked.
type RatingChange struct {
	UserID   string               `json:"user_id"`
	Old      int                  `json:"old"`
	New      int                  `json:"new"`
	Delta    int                  `json:"delta"`
	Unlocked []domain.Achievement `json:"unlocked"`
}

// ModerationResult is returned by Approve and Reject.
type ModerationResult struct {
	Outcome Outcome            `json:"outcome" enum:"applied,already_processed"`
	Photo   domain.PhotoReport `json:"photo"`
	Rating  *RatingChange      `json:"rating,omitempty"`
}

func (r ModerationResult) Applied() bool { return r.Outcome == OutcomeApplied }
