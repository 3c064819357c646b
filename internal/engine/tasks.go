package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"volunteerops/internal/delivery"
	"volunteerops/internal/domain"
	"volunteerops/internal/events"
	"volunteerops/internal/recipients"
	"volunteerops/internal/repo"
)

// Action id prefixes carried on task notifications.
const (
	ActionTaskAccept   = "task_accept_"
	ActionTaskDecline  = "task_decline_"
	ActionTaskComplete = "task_complete_"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	ProjectID   string
	CreatorID   string
	Description string
	// Deadline is free text such as "2025-03-01, 09:00-17:00"; empty means none.
	Deadline     string
	VolunteerIDs []string
	Channels     []delivery.ChannelName
}

// CreateTask stores the task and one assignment per recipient, then
// announces it. Recipients are the explicit volunteers or, when none are
// given, every volunteer of the project.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (TaskCreated, error) {
	desc := strings.TrimSpace(opts.Description)
	if desc == "" {
		return TaskCreated{}, invalid("description", "is required")
	}
	if opts.ProjectID == "" {
		return TaskCreated{}, invalid("project_id", "is required")
	}
	var deadline domain.Deadline
	if strings.TrimSpace(opts.Deadline) != "" {
		d, err := domain.ParseDeadline(opts.Deadline)
		if err != nil {
			return TaskCreated{}, invalid("deadline", err.Error())
		}
		deadline = d
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return TaskCreated{}, err
	}
	ok, err := e.Repo.CanManageProject(ctx, opts.ProjectID, opts.CreatorID)
	if err != nil {
		return TaskCreated{}, err
	}
	if !ok {
		return TaskCreated{}, ErrForbidden
	}
	rcpts, err := e.Recipients.ForTask(ctx, opts.ProjectID, opts.VolunteerIDs)
	var unknown *recipients.UnknownUsersError
	if errors.As(err, &unknown) {
		return TaskCreated{}, invalid("volunteer_ids", unknown.Error())
	}
	if err != nil {
		return TaskCreated{}, err
	}
	if len(rcpts) == 0 {
		return TaskCreated{}, invalid("volunteer_ids", "no volunteers to notify")
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	task := domain.Task{
		ID:          id,
		ProjectID:   opts.ProjectID,
		CreatorID:   opts.CreatorID,
		Description: desc,
		StartTime:   deadline.Start,
		EndTime:     deadline.End,
		Status:      domain.TaskOpen,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if deadline.Date != "" {
		task.DeadlineDate = &deadline.Date
	}
	var assignments []domain.TaskAssignment
	err = e.Repo.InTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		if err := r.InsertTask(ctx, task); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		ids := make([]string, 0, len(rcpts))
		for _, rc := range rcpts {
			if err := r.EnsureAssignment(ctx, task.ID, rc.UserID, now); err != nil {
				return fmt.Errorf("assign %s: %w", rc.UserID, err)
			}
			ids = append(ids, rc.UserID)
		}
		var err error
		if assignments, err = r.ListAssignments(ctx, task.ID); err != nil {
			return err
		}
		return e.EventLog().Append(ctx, tx, events.TaskCreated, task.ProjectID, "task", task.ID, opts.CreatorID, events.EventPayload{
			"volunteers": ids,
			"deadline":   deadline.String(),
		})
	})
	if err != nil {
		return TaskCreated{}, err
	}

	out := TaskCreated{Task: task, Assignments: assignments}
	if e.Dispatcher == nil {
		out.Summary = "no delivery channels configured"
		return out, nil
	}
	channels := opts.Channels
	if len(channels) == 0 {
		channels = defaultChannels
	}
	out.Report = e.Dispatcher.Dispatch(ctx, rcpts, taskMessage(task), channels)
	out.Summary = out.Report.Summary()
	if err := e.EventLog().AppendStandalone(ctx, events.TaskNotified, task.ProjectID, "task", task.ID, opts.CreatorID, events.EventPayload{
		"summary":     out.Summary,
		"failed":      out.Report.Failed,
		"unreachable": out.Report.Unreachable,
	}); err != nil {
		e.logger().Warn("record task notification", "task", task.ID, "err", err)
	}
	return out, nil
}

func taskMessage(t domain.Task) delivery.Message {
	body := t.Description
	if d, ok := domain.TaskDeadline(t); ok {
		body += "\nDeadline: " + d.String()
	}
	return delivery.Message{
		Title: "New task",
		Body:  body,
		Actions: []delivery.Action{
			{Label: "Accept", ID: ActionTaskAccept + t.ID},
			{Label: "Decline", ID: ActionTaskDecline + t.ID},
		},
		Data: map[string]string{"task_id": t.ID, "kind": "task"},
	}
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilter) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

// Accept records that the volunteer takes the task. The first acceptance
// moves an open task to in_progress.
func (e Engine) Accept(ctx context.Context, taskID, volunteerID string) (Result, error) {
	defer e.lockAssignment(taskID, volunteerID)()
	return retryStale(func() (Result, error) {
		return e.respond(ctx, taskID, volunteerID, func(tx *sql.Tx, r repo.Repo, task *domain.Task, a *domain.TaskAssignment) (bool, error) {
			if a.IsAccepted() {
				return false, nil
			}
			if task.Status != domain.TaskOpen && task.Status != domain.TaskInProgress {
				return false, transitionError("task", task.ID, task.Status, "accept")
			}
			accepted := true
			a.Accepted = &accepted
			if err := r.UpdateAssignment(ctx, *a, e.stamp()); err != nil {
				return false, err
			}
			if task.Status == domain.TaskOpen {
				changed, err := r.CASTaskStatus(ctx, task.ID, []string{domain.TaskOpen}, domain.TaskInProgress, e.stamp())
				if err != nil {
					return false, err
				}
				if !changed {
					return false, repo.ErrStale
				}
			}
			return true, e.EventLog().Append(ctx, tx, events.TaskAccepted, task.ProjectID, "task", task.ID, volunteerID, nil)
		})
	})
}

// Decline withdraws the volunteer. When nobody else has accepted, an
// in_progress task returns to open.
func (e Engine) Decline(ctx context.Context, taskID, volunteerID string) (Result, error) {
	defer e.lockAssignment(taskID, volunteerID)()
	return retryStale(func() (Result, error) {
		return e.respond(ctx, taskID, volunteerID, func(tx *sql.Tx, r repo.Repo, task *domain.Task, a *domain.TaskAssignment) (bool, error) {
			if a.Completed {
				return false, transitionError("assignment", task.ID, "completed", "decline")
			}
			if a.Accepted != nil && !*a.Accepted {
				return false, nil
			}
			if task.Status != domain.TaskOpen && task.Status != domain.TaskInProgress {
				return false, transitionError("task", task.ID, task.Status, "decline")
			}
			declined := false
			a.Accepted = &declined
			if err := r.UpdateAssignment(ctx, *a, e.stamp()); err != nil {
				return false, err
			}
			if task.Status == domain.TaskInProgress {
				others, err := r.CountAccepted(ctx, task.ID, volunteerID)
				if err != nil {
					return false, err
				}
				if others == 0 {
					if _, err := r.CASTaskStatus(ctx, task.ID, []string{domain.TaskInProgress}, domain.TaskOpen, e.stamp()); err != nil {
						return false, err
					}
				}
			}
			return true, e.EventLog().Append(ctx, tx, events.TaskDeclined, task.ProjectID, "task", task.ID, volunteerID, nil)
		})
	})
}

// Complete marks the volunteer's part done. It requires a prior acceptance
// and repeating it is a no-op.
func (e Engine) Complete(ctx context.Context, taskID, volunteerID string) (Result, error) {
	defer e.lockAssignment(taskID, volunteerID)()
	return retryStale(func() (Result, error) {
		return e.respond(ctx, taskID, volunteerID, func(tx *sql.Tx, r repo.Repo, task *domain.Task, a *domain.TaskAssignment) (bool, error) {
			if !a.IsAccepted() {
				return false, ErrNotAccepted
			}
			if a.Completed {
				return false, nil
			}
			if task.Status == domain.TaskClosed {
				return false, transitionError("task", task.ID, task.Status, "complete")
			}
			now := e.stamp()
			a.Completed = true
			a.CompletedAt = &now
			if err := r.UpdateAssignment(ctx, *a, now); err != nil {
				return false, err
			}
			return true, e.EventLog().Append(ctx, tx, events.TaskCompleted, task.ProjectID, "task", task.ID, volunteerID, nil)
		})
	})
}

type responseFn func(tx *sql.Tx, r repo.Repo, task *domain.Task, a *domain.TaskAssignment) (changed bool, err error)

// respond loads the task and assignment inside one transaction, applies fn
// and returns the re-read state.
func (e Engine) respond(ctx context.Context, taskID, volunteerID string, fn responseFn) (Result, error) {
	var res Result
	err := e.Repo.InTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		task, err := r.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Deleted {
			return invalid("task_id", "task was deleted")
		}
		a, err := r.GetAssignment(ctx, taskID, volunteerID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotAssigned
		}
		if err != nil {
			return err
		}
		changed, err := fn(tx, r, &task, &a)
		if err != nil {
			return err
		}
		res.Outcome = OutcomeAlreadyProcessed
		if changed {
			res.Outcome = OutcomeApplied
		}
		if res.Task, err = r.GetTask(ctx, taskID); err != nil {
			return err
		}
		res.Assignment, err = r.GetAssignment(ctx, taskID, volunteerID)
		return err
	})
	return res, err
}

// DeleteTask soft-deletes a task. Deleting twice reports already processed.
func (e Engine) DeleteTask(ctx context.Context, taskID, actorID string) (Result, error) {
	var res Result
	err := e.Repo.InTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		task, err := r.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if err := e.ensureManager(ctx, r, task.ProjectID, actorID); err != nil {
			return err
		}
		changed, err := r.SoftDeleteTask(ctx, taskID, e.stamp())
		if err != nil {
			return err
		}
		res.Outcome = OutcomeAlreadyProcessed
		if changed {
			res.Outcome = OutcomeApplied
			if err := e.EventLog().Append(ctx, tx, events.TaskDeleted, task.ProjectID, "task", task.ID, actorID, nil); err != nil {
				return err
			}
		}
		res.Task, err = r.GetTask(ctx, taskID)
		return err
	})
	return res, err
}

// CloseTask archives a completed or failed task.
func (e Engine) CloseTask(ctx context.Context, taskID, actorID string) (Result, error) {
	var res Result
	err := e.Repo.InTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		task, err := r.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if err := e.ensureManager(ctx, r, task.ProjectID, actorID); err != nil {
			return err
		}
		if task.Status == domain.TaskClosed {
			res = Result{Outcome: OutcomeAlreadyProcessed, Task: task}
			return nil
		}
		if task.Deleted || (task.Status != domain.TaskCompleted && task.Status != domain.TaskFailed) {
			return transitionError("task", task.ID, task.Status, "close")
		}
		incomplete, err := r.CountIncomplete(ctx, taskID)
		if err != nil {
			return err
		}
		changed, err := r.CloseTask(ctx, taskID, []string{domain.TaskCompleted, domain.TaskFailed}, incomplete > 0, e.stamp())
		if err != nil {
			return err
		}
		if !changed {
			return repo.ErrStale
		}
		if err := e.EventLog().Append(ctx, tx, events.TaskClosed, task.ProjectID, "task", task.ID, actorID, events.EventPayload{"closed_incomplete": incomplete > 0}); err != nil {
			return err
		}
		res.Outcome = OutcomeApplied
		res.Task, err = r.GetTask(ctx, taskID)
		return err
	})
	if errors.Is(err, repo.ErrStale) {
		return res, ErrConcurrencyConflict
	}
	return res, err
}

// ListClosedIncomplete reports tasks that were closed with assignments left
// unfinished.
func (e Engine) ListClosedIncomplete(ctx context.Context, projectID string) ([]domain.Task, error) {
	return e.Repo.ListClosedIncomplete(ctx, projectID)
}

func (e Engine) ensureManager(ctx context.Context, r repo.Repo, projectID, actorID string) error {
	if actorID == "" || actorID == "system" {
		return nil
	}
	ok, err := r.CanManageProject(ctx, projectID, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}
