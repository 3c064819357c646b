package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"volunteerops/internal/domain"
)

const (
	userColumns        = `id,name,COALESCE(city,''),role,rating,chat_id,COALESCE(email,''),last_login_at,created_at`
	userColumnsAliased = `u.id,u.name,COALESCE(u.city,''),u.role,u.rating,u.chat_id,COALESCE(u.email,''),u.last_login_at,u.created_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var chatID sql.NullInt64
	var lastLogin sql.NullString
	err := row.Scan(&u.ID, &u.Name, &u.City, &u.Role, &u.Rating, &chatID, &u.Email, &lastLogin, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.ChatID = chatID.Int64
	u.LastLoginAt = stringPtr(lastLogin)
	return u, nil
}

func collectUsers(rows *sql.Rows) ([]domain.User, error) {
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// UpsertUser inserts a user or refreshes its profile. Rating is only set on
// insert; it changes through SetRating.
func (r Repo) UpsertUser(ctx context.Context, u domain.User) error {
	var chatID any
	if u.ChatID != 0 {
		chatID = u.ChatID
	}
	_, err := r.conn().ExecContext(ctx, `INSERT INTO users(id,name,city,role,rating,chat_id,email,last_login_at,created_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, city=excluded.city, role=excluded.role, chat_id=excluded.chat_id, email=excluded.email`,
		u.ID, u.Name, nullable(u.City), u.Role, u.Rating, chatID, nullable(u.Email), nullableStringPtr(u.LastLoginAt), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.conn().QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByChatID(ctx context.Context, chatID int64) (domain.User, error) {
	return scanUser(r.conn().QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE chat_id=?`, chatID))
}

// UsersByID loads the given users keyed by id. Unknown ids are absent from the map.
func (r Repo) UsersByID(ctx context.Context, ids []string) (map[string]domain.User, error) {
	res := make(map[string]domain.User, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.conn().QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	users, err := collectUsers(rows)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		res[u.ID] = u
	}
	return res, nil
}

func (r Repo) ListUsers(ctx context.Context, role string) ([]domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, role)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

// FilterUsers selects campaign recipients. activeSince is an RFC3339
// timestamp; users who never logged in pass the recency check.
func (r Repo) FilterUsers(ctx context.Context, f domain.CampaignFilter, activeSince string) ([]domain.User, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.Roles) > 0 {
		clauses = append(clauses, "u.role IN ("+placeholders(len(f.Roles))+")")
		for _, role := range f.Roles {
			args = append(args, role)
		}
	}
	if f.MinRating != nil {
		clauses = append(clauses, "u.rating>=?")
		args = append(args, *f.MinRating)
	}
	if f.MaxRating != nil {
		clauses = append(clauses, "u.rating<=?")
		args = append(args, *f.MaxRating)
	}
	if activeSince != "" {
		clauses = append(clauses, "(u.last_login_at IS NULL OR u.last_login_at>=?)")
		args = append(args, activeSince)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM project_volunteers pv WHERE pv.project_id=? AND pv.user_id=u.id)")
		args = append(args, f.ProjectID)
	}
	query := fmt.Sprintf(`SELECT %s FROM users u WHERE %s ORDER BY u.created_at, u.id`, userColumnsAliased, strings.Join(clauses, " AND "))
	rows, err := r.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

func (r Repo) TouchLogin(ctx context.Context, userID, ts string) error {
	res, err := r.conn().ExecContext(ctx, `UPDATE users SET last_login_at=? WHERE id=?`, ts, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRating(ctx context.Context, userID string) (int, error) {
	var rating int
	err := r.conn().QueryRowContext(ctx, `SELECT rating FROM users WHERE id=?`, userID).Scan(&rating)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return rating, err
}

func (r Repo) SetRating(ctx context.Context, userID string, rating int) error {
	res, err := r.conn().ExecContext(ctx, `UPDATE users SET rating=? WHERE id=?`, rating, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.OrganizerID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.conn().ExecContext(ctx, `INSERT INTO projects(id,name,organizer_id,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Name, p.OrganizerID, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.conn().QueryRowContext(ctx, `SELECT id,name,organizer_id,created_at FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context, organizerID string) ([]domain.Project, error) {
	query := `SELECT id,name,organizer_id,created_at FROM projects`
	var args []any
	if organizerID != "" {
		query += ` WHERE organizer_id=?`
		args = append(args, organizerID)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
