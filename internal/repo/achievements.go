package repo

import (
	"context"
	"database/sql"

	"volunteerops/internal/domain"
)

// UpsertAchievement seeds or updates one rung of the achievement ladder.
func (r Repo) UpsertAchievement(ctx context.Context, a domain.Achievement) error {
	_, err := r.conn().ExecContext(ctx, `INSERT INTO achievements(id,title,description,required_rating) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, description=excluded.description, required_rating=excluded.required_rating`,
		a.ID, a.Title, nullable(a.Description), a.RequiredRating)
	return err
}

func (r Repo) ListAchievements(ctx context.Context) ([]domain.Achievement, error) {
	rows, err := r.conn().QueryContext(ctx, `SELECT id,title,COALESCE(description,''),required_rating FROM achievements ORDER BY required_rating, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Achievement
	for rows.Next() {
		var a domain.Achievement
		if err := rows.Scan(&a.ID, &a.Title, &a.Description, &a.RequiredRating); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LockedAchievementsUpTo lists ladder entries the user qualifies for at the
// given rating but has not unlocked.
func (r Repo) LockedAchievementsUpTo(ctx context.Context, userID string, rating int) ([]domain.Achievement, error) {
	rows, err := r.conn().QueryContext(ctx, `SELECT a.id,a.title,COALESCE(a.description,''),a.required_rating FROM achievements a
WHERE a.required_rating<=? AND NOT EXISTS (SELECT 1 FROM user_achievements ua WHERE ua.user_id=? AND ua.achievement_id=a.id)
ORDER BY a.required_rating, a.id`, rating, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Achievement
	for rows.Next() {
		var a domain.Achievement
		if err := rows.Scan(&a.ID, &a.Title, &a.Description, &a.RequiredRating); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UnlockAchievement records an unlock once; repeats are ignored and report false.
func (r Repo) UnlockAchievement(ctx context.Context, userID, achievementID, now string) (bool, error) {
	res, err := r.conn().ExecContext(ctx, `INSERT OR IGNORE INTO user_achievements(user_id,achievement_id,unlocked_at) VALUES (?,?,?)`, userID, achievementID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) ListUserAchievements(ctx context.Context, userID string) ([]domain.UserAchievement, error) {
	rows, err := r.conn().QueryContext(ctx, `SELECT ua.user_id, ua.achievement_id, a.title, ua.unlocked_at FROM user_achievements ua
JOIN achievements a ON a.id=ua.achievement_id WHERE ua.user_id=? ORDER BY a.required_rating, a.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.UserAchievement{}
	for rows.Next() {
		var ua domain.UserAchievement
		if err := rows.Scan(&ua.UserID, &ua.AchievementID, &ua.Title, &ua.UnlockedAt); err != nil {
			return nil, err
		}
		res = append(res, ua)
	}
	return res, rows.Err()
}

func (r Repo) CountUserAchievements(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM user_achievements WHERE user_id=?`, userID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}
