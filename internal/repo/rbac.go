package repo

import (
	"context"
	"database/sql"

	"volunteerops/internal/domain"
)

func (r Repo) SetUserRole(ctx context.Context, userID, role string) error {
	res, err := r.conn().ExecContext(ctx, `UPDATE users SET role=? WHERE id=?`, role, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AddProjectVolunteer(ctx context.Context, projectID, userID, now string) error {
	_, err := r.conn().ExecContext(ctx, `INSERT OR IGNORE INTO project_volunteers(project_id,user_id,joined_at) VALUES (?,?,?)`, projectID, userID, now)
	return err
}

func (r Repo) RemoveProjectVolunteer(ctx context.Context, projectID, userID string) error {
	_, err := r.conn().ExecContext(ctx, `DELETE FROM project_volunteers WHERE project_id=? AND user_id=?`, projectID, userID)
	return err
}

// ProjectVolunteerIDs lists the volunteers of a project in join order.
func (r Repo) ProjectVolunteerIDs(ctx context.Context, projectID string) ([]string, error) {
	rows, err := r.conn().QueryContext(ctx, `SELECT user_id FROM project_volunteers WHERE project_id=? ORDER BY joined_at, user_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CanManageProject reports whether the user organizes the project or is an admin.
func (r Repo) CanManageProject(ctx context.Context, projectID, userID string) (bool, error) {
	var role, organizer string
	err := r.conn().QueryRowContext(ctx, `SELECT u.role, p.organizer_id FROM users u, projects p WHERE u.id=? AND p.id=?`, userID, projectID).Scan(&role, &organizer)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return role == domain.RoleAdmin || organizer == userID, nil
}

// IsModerator reports whether the user may moderate photo reports.
func (r Repo) IsModerator(ctx context.Context, userID string) (bool, error) {
	var role string
	err := r.conn().QueryRowContext(ctx, `SELECT role FROM users WHERE id=?`, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return role == domain.RoleOrganizer || role == domain.RoleAdmin, nil
}
