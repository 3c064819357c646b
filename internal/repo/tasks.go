package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"volunteerops/internal/domain"
)

const taskColumns = `id,project_id,creator_id,description,deadline_date,start_time,end_time,status,deleted,deleted_at,closed_incomplete,version,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var deadline, start, end, deletedAt sql.NullString
	var deleted, closedIncomplete int
	err := row.Scan(&t.ID, &t.ProjectID, &t.CreatorID, &t.Description, &deadline, &start, &end, &t.Status,
		&deleted, &deletedAt, &closedIncomplete, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.DeadlineDate = stringPtr(deadline)
	t.StartTime = stringPtr(start)
	t.EndTime = stringPtr(end)
	t.Deleted = deleted != 0
	t.DeletedAt = stringPtr(deletedAt)
	t.ClosedIncomplete = closedIncomplete != 0
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.conn().ExecContext(ctx, `INSERT INTO tasks(id,project_id,creator_id,description,deadline_date,start_time,end_time,status,deleted,closed_incomplete,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,0,0,1,?,?)`,
		t.ID, t.ProjectID, t.CreatorID, t.Description, nullableStringPtr(t.DeadlineDate), nullableStringPtr(t.StartTime), nullableStringPtr(t.EndTime),
		t.Status, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.conn().QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilter struct {
	ProjectID      string
	Status         string
	VolunteerID    string
	IncludeDeleted bool
	Limit          int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.VolunteerID != "" {
		clauses = append(clauses, "id IN (SELECT task_id FROM task_assignments WHERE volunteer_id=?)")
		args = append(args, f.VolunteerID)
	}
	if !f.IncludeDeleted {
		clauses = append(clauses, "deleted=0")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY created_at DESC, id LIMIT ?`, taskColumns, strings.Join(clauses, " AND "))
	rows, err := r.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// CASTaskStatus moves a live task to status `to` only if its status is one of
// `from`. It reports whether the row changed.
func (r Repo) CASTaskStatus(ctx context.Context, id string, from []string, to, now string) (bool, error) {
	args := []any{to, now, id}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := r.conn().ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=?, version=version+1 WHERE id=? AND deleted=0 AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CloseTask moves a task to closed from one of `from`, recording whether any
// assignment was left incomplete.
func (r Repo) CloseTask(ctx context.Context, id string, from []string, closedIncomplete bool, now string) (bool, error) {
	args := []any{boolInt(closedIncomplete), now, id}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := r.conn().ExecContext(ctx, `UPDATE tasks SET status='closed', closed_incomplete=?, updated_at=?, version=version+1 WHERE id=? AND deleted=0 AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) SoftDeleteTask(ctx context.Context, id, now string) (bool, error) {
	res, err := r.conn().ExecContext(ctx, `UPDATE tasks SET deleted=1, deleted_at=?, updated_at=?, version=version+1 WHERE id=? AND deleted=0`, now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// OverdueCandidates returns live, unfinished tasks whose deadline date is on
// or before the given date (YYYY-MM-DD).
func (r Repo) OverdueCandidates(ctx context.Context, onOrBefore string) ([]domain.Task, error) {
	rows, err := r.conn().QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE deleted=0 AND status IN ('open','in_progress','failed') AND deadline_date IS NOT NULL AND deadline_date<=?
ORDER BY deadline_date, id`, onOrBefore)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (r Repo) ListClosedIncomplete(ctx context.Context, projectID string) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status='closed' AND closed_incomplete=1 AND deleted=0`
	var args []any
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY updated_at DESC, id`
	rows, err := r.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

const assignmentColumns = `task_id,volunteer_id,accepted,completed,completed_at,rating,feedback,version,created_at,updated_at`

func scanAssignment(row rowScanner) (domain.TaskAssignment, error) {
	var a domain.TaskAssignment
	var accepted, rating sql.NullInt64
	var completed int
	var completedAt, feedback sql.NullString
	err := row.Scan(&a.TaskID, &a.VolunteerID, &accepted, &completed, &completedAt, &rating, &feedback, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Accepted = boolPtr(accepted)
	a.Completed = completed != 0
	a.CompletedAt = stringPtr(completedAt)
	a.Rating = intPtr(rating)
	a.Feedback = stringPtr(feedback)
	return a, nil
}

// EnsureAssignment creates the (task, volunteer) row if it does not exist yet.
func (r Repo) EnsureAssignment(ctx context.Context, taskID, volunteerID, now string) error {
	_, err := r.conn().ExecContext(ctx, `INSERT OR IGNORE INTO task_assignments(task_id,volunteer_id,completed,version,created_at,updated_at) VALUES (?,?,0,1,?,?)`,
		taskID, volunteerID, now, now)
	return err
}

func (r Repo) GetAssignment(ctx context.Context, taskID, volunteerID string) (domain.TaskAssignment, error) {
	return scanAssignment(r.conn().QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM task_assignments WHERE task_id=? AND volunteer_id=?`, taskID, volunteerID))
}

func (r Repo) ListAssignments(ctx context.Context, taskID string) ([]domain.TaskAssignment, error) {
	rows, err := r.conn().QueryContext(ctx, `SELECT `+assignmentColumns+` FROM task_assignments WHERE task_id=? ORDER BY created_at, volunteer_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateAssignment writes a, guarded by the version it was read at.
// ErrStale means another writer got there first.
func (r Repo) UpdateAssignment(ctx context.Context, a domain.TaskAssignment, now string) error {
	var accepted any
	if a.Accepted != nil {
		accepted = boolInt(*a.Accepted)
	}
	res, err := r.conn().ExecContext(ctx, `UPDATE task_assignments SET accepted=?, completed=?, completed_at=?, rating=?, feedback=?, version=version+1, updated_at=?
WHERE task_id=? AND volunteer_id=? AND version=?`,
		accepted, boolInt(a.Completed), nullableStringPtr(a.CompletedAt), nullableIntPtr(a.Rating), nullableStringPtr(a.Feedback), now,
		a.TaskID, a.VolunteerID, a.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

// CountAccepted counts accepted assignments of a task, ignoring one volunteer.
func (r Repo) CountAccepted(ctx context.Context, taskID, exceptVolunteer string) (int, error) {
	var n int
	err := r.conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM task_assignments WHERE task_id=? AND accepted=1 AND volunteer_id<>?`, taskID, exceptVolunteer).Scan(&n)
	return n, err
}

func (r Repo) CountIncomplete(ctx context.Context, taskID string) (int, error) {
	var n int
	err := r.conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM task_assignments WHERE task_id=? AND completed=0`, taskID).Scan(&n)
	return n, err
}
