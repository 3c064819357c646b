package engine

import (
	"context"
	"database/sql"
	"time"

	"volunteerops/internal/domain"
	"volunteerops/internal/events"
	"volunteerops/internal/repo"
)

// SweepResult summarises one expiry pass.
type SweepResult struct {
	Checked          int      `json:"checked"`
	Closed           []string `json:"closed"`
	ClosedIncomplete int      `json:"closed_incomplete"`
}

var expirable = []string{domain.TaskOpen, domain.TaskInProgress, domain.TaskFailed}

// ExpireOverdue closes every live, unfinished task whose deadline window has
// passed. Each task closes in its own transaction behind a status guard, so
// a task completed concurrently stays completed and a re-run closes nothing
// twice.
func (e Engine) ExpireOverdue(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	loc := time.UTC
	if e.Config != nil {
		loc = e.Config.Location()
	}
	now := e.now().In(loc)
	candidates, err := e.Repo.OverdueCandidates(ctx, now.Format(domain.DateLayout))
	if err != nil {
		return res, err
	}
	for _, t := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++
		d, ok := domain.TaskDeadline(t)
		if !ok {
			continue
		}
		cutoff, err := d.Cutoff(loc)
		if err != nil {
			e.logger().Warn("unreadable task deadline", "task", t.ID, "deadline", d.String(), "err", err)
			continue
		}
		if now.Before(cutoff) {
			continue
		}
		closed, incomplete, err := e.expireTask(ctx, t.ID)
		if err != nil {
			return res, err
		}
		if closed {
			res.Closed = append(res.Closed, t.ID)
			if incomplete {
				res.ClosedIncomplete++
			}
		}
	}
	if len(res.Closed) > 0 {
		e.logger().Info("expired overdue tasks", "closed", len(res.Closed), "incomplete", res.ClosedIncomplete)
	}
	return res, nil
}

func (e Engine) expireTask(ctx context.Context, taskID string) (closed, incomplete bool, err error) {
	err = e.Repo.InTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		task, err := r.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		n, err := r.CountIncomplete(ctx, taskID)
		if err != nil {
			return err
		}
		incomplete = n > 0
		closed, err = r.CloseTask(ctx, taskID, expirable, incomplete, e.stamp())
		if err != nil || !closed {
			return err
		}
		return e.EventLog().Append(ctx, tx, events.TaskExpired, task.ProjectID, "task", task.ID, "system", events.EventPayload{
			"from":              task.Status,
			"closed_incomplete": incomplete,
		})
	})
	return closed, incomplete, err
}
