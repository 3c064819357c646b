package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"volunteerops/internal/domain"
)

const photoColumns = `id,volunteer_id,project_id,task_id,image_ref,status,rating,moderator_id,moderator_comment,rejection_reason,moderated_at,created_at`

func scanPhoto(row rowScanner) (domain.PhotoReport, error) {
	var p domain.PhotoReport
	var taskID, moderatorID, comment, reason, moderatedAt sql.NullString
	var rating sql.NullInt64
	err := row.Scan(&p.ID, &p.VolunteerID, &p.ProjectID, &taskID, &p.ImageRef, &p.Status, &rating, &moderatorID, &comment, &reason, &moderatedAt, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.TaskID = stringPtr(taskID)
	p.Rating = intPtr(rating)
	p.ModeratorID = stringPtr(moderatorID)
	p.ModeratorComment = stringPtr(comment)
	p.RejectionReason = stringPtr(reason)
	p.ModeratedAt = stringPtr(moderatedAt)
	return p, nil
}

func (r Repo) InsertPhoto(ctx context.Context, p domain.PhotoReport) error {
	_, err := r.conn().ExecContext(ctx, `INSERT INTO photo_reports(id,volunteer_id,project_id,task_id,image_ref,status,created_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.VolunteerID, p.ProjectID, nullableStringPtr(p.TaskID), p.ImageRef, p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetPhoto(ctx context.Context, id string) (domain.PhotoReport, error) {
	return scanPhoto(r.conn().QueryRowContext(ctx, `SELECT `+photoColumns+` FROM photo_reports WHERE id=?`, id))
}

type PhotoFilter struct {
	Status    string
	ProjectID string
	// ManagedBy limits reports to projects the user organizes. Admins see all.
	ManagedBy string
	Offset    int
	Limit     int
}

func (f PhotoFilter) where() (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.ManagedBy != "" {
		clauses = append(clauses, `(project_id IN (SELECT id FROM projects WHERE organizer_id=?) OR EXISTS (SELECT 1 FROM users WHERE id=? AND role='admin'))`)
		args = append(args, f.ManagedBy, f.ManagedBy)
	}
	return strings.Join(clauses, " AND "), args
}

// ListPhotos returns reports oldest first so moderators work the queue in order.
func (r Repo) ListPhotos(ctx context.Context, f PhotoFilter) ([]domain.PhotoReport, error) {
	where, args := f.where()
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	query := fmt.Sprintf(`SELECT %s FROM photo_reports WHERE %s ORDER BY created_at, id LIMIT ? OFFSET ?`, photoColumns, where)
	rows, err := r.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhotoReport
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// CountPhotos counts reports matching f; Offset and Limit are ignored.
func (r Repo) CountPhotos(ctx context.Context, f PhotoFilter) (int, error) {
	where, args := f.where()
	var n int
	err := r.conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM photo_reports WHERE `+where, args...).Scan(&n)
	return n, err
}

// ApprovePending moves a report from pending to approved. false means the
// report was no longer pending.
func (r Repo) ApprovePending(ctx context.Context, id string, rating *int, comment *string, moderatorID, now string) (bool, error) {
	res, err := r.conn().ExecContext(ctx, `UPDATE photo_reports SET status='approved', rating=?, moderator_comment=?, moderator_id=?, moderated_at=? WHERE id=? AND status='pending'`,
		nullableIntPtr(rating), nullableStringPtr(comment), nullable(moderatorID), now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RejectPending moves a report from pending to rejected.
func (r Repo) RejectPending(ctx context.Context, id, reason string, comment *string, moderatorID, now string) (bool, error) {
	res, err := r.conn().ExecContext(ctx, `UPDATE photo_reports SET status='rejected', rejection_reason=?, moderator_comment=?, moderator_id=?, moderated_at=? WHERE id=? AND status='pending'`,
		reason, nullableStringPtr(comment), nullable(moderatorID), now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
