package repo

import (
	"context"
	"errors"
	"strings"

	"volunteerops/internal/domain"
)

// UpsertDeviceToken stores a push token. A token is unique; registering it
// again moves it to the latest owner.
func (r Repo) UpsertDeviceToken(ctx context.Context, t domain.DeviceToken) error {
	if strings.TrimSpace(t.Token) == "" {
		return errors.New("token required")
	}
	if t.UserID == "" {
		return errors.New("user_id required")
	}
	if t.Platform == "" {
		t.Platform = "unknown"
	}
	_, err := r.conn().ExecContext(ctx, `INSERT INTO device_tokens(token,user_id,platform,updated_at) VALUES (?,?,?,?)
ON CONFLICT(token) DO UPDATE SET user_id=excluded.user_id, platform=excluded.platform, updated_at=excluded.updated_at`,
		t.Token, t.UserID, t.Platform, t.UpdatedAt)
	return err
}

// DeviceTokensByUser returns tokens for each user, newest first.
func (r Repo) DeviceTokensByUser(ctx context.Context, userIDs []string) (map[string][]string, error) {
	res := make(map[string][]string, len(userIDs))
	if len(userIDs) == 0 {
		return res, nil
	}
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}
	rows, err := r.conn().QueryContext(ctx, `SELECT user_id, token FROM device_tokens WHERE user_id IN (`+placeholders(len(userIDs))+`) ORDER BY updated_at DESC, token`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var userID, token string
		if err := rows.Scan(&userID, &token); err != nil {
			return nil, err
		}
		res[userID] = append(res[userID], token)
	}
	return res, rows.Err()
}

func (r Repo) ListDeviceTokens(ctx context.Context, userID string) ([]domain.DeviceToken, error) {
	rows, err := r.conn().QueryContext(ctx, `SELECT token,user_id,platform,updated_at FROM device_tokens WHERE user_id=? ORDER BY updated_at DESC, token`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeviceToken
	for rows.Next() {
		var t domain.DeviceToken
		if err := rows.Scan(&t.Token, &t.UserID, &t.Platform, &t.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// DeleteDeviceTokens removes tokens the push provider reported as unregistered.
func (r Repo) DeleteDeviceTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	args := make([]any, len(tokens))
	for i, t := range tokens {
		args[i] = t
	}
	_, err := r.conn().ExecContext(ctx, `DELETE FROM device_tokens WHERE token IN (`+placeholders(len(tokens))+`)`, args...)
	return err
}
