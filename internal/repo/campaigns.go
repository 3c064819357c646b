package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"volunteerops/internal/domain"
)

const campaignColumns = `id,title,body,filter_json,channels_json,status,total,sent_count,failed_count,created_by,created_at,finished_at`

func scanCampaign(row rowScanner) (domain.Campaign, error) {
	var c domain.Campaign
	var filterJSON, channelsJSON string
	var finishedAt sql.NullString
	err := row.Scan(&c.ID, &c.Title, &c.Body, &filterJSON, &channelsJSON, &c.Status, &c.Total, &c.SentCount, &c.FailedCount, &c.CreatedBy, &c.CreatedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(filterJSON), &c.Filter); err != nil {
		return c, fmt.Errorf("campaign %s filter: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(channelsJSON), &c.Channels); err != nil {
		return c, fmt.Errorf("campaign %s channels: %w", c.ID, err)
	}
	c.FinishedAt = stringPtr(finishedAt)
	return c, nil
}

func (r Repo) InsertCampaign(ctx context.Context, c domain.Campaign) error {
	filterJSON, err := json.Marshal(c.Filter)
	if err != nil {
		return err
	}
	channelsJSON, err := json.Marshal(c.Channels)
	if err != nil {
		return err
	}
	_, err = r.conn().ExecContext(ctx, `INSERT INTO campaigns(id,title,body,filter_json,channels_json,status,total,sent_count,failed_count,created_by,created_at) VALUES (?,?,?,?,?,?,?,0,0,?,?)`,
		c.ID, c.Title, c.Body, string(filterJSON), string(channelsJSON), c.Status, c.Total, c.CreatedBy, c.CreatedAt)
	return err
}

func (r Repo) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	return scanCampaign(r.conn().QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=?`, id))
}

func (r Repo) ListCampaigns(ctx context.Context, limit int) ([]domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.conn().QueryContext(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) SetCampaignStatus(ctx context.Context, id, status string) error {
	res, err := r.conn().ExecContext(ctx, `UPDATE campaigns SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishCampaign stores the final rollup.
func (r Repo) FinishCampaign(ctx context.Context, id, status string, sent, failed int, now string) error {
	res, err := r.conn().ExecContext(ctx, `UPDATE campaigns SET status=?, sent_count=?, failed_count=?, finished_at=? WHERE id=?`, status, sent, failed, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertRecipients(ctx context.Context, campaignID string, userIDs []string, now string) error {
	for _, id := range userIDs {
		if _, err := r.conn().ExecContext(ctx, `INSERT OR IGNORE INTO notification_recipients(campaign_id,user_id,status,updated_at) VALUES (?,?,'pending',?)`, campaignID, id, now); err != nil {
			return fmt.Errorf("insert recipient %s: %w", id, err)
		}
	}
	return nil
}

func (r Repo) GetRecipient(ctx context.Context, campaignID, userID string) (domain.NotificationRecipient, error) {
	row := r.conn().QueryRowContext(ctx, `SELECT `+recipientColumns+` FROM notification_recipients WHERE campaign_id=? AND user_id=?`, campaignID, userID)
	return scanRecipient(row)
}

const recipientColumns = `campaign_id,user_id,status,sent_at,delivered_at,opened_at,clicked_at,failed_at,error_message,updated_at`

func scanRecipient(row rowScanner) (domain.NotificationRecipient, error) {
	var n domain.NotificationRecipient
	var sent, delivered, opened, clicked, failed, msg sql.NullString
	err := row.Scan(&n.CampaignID, &n.UserID, &n.Status, &sent, &delivered, &opened, &clicked, &failed, &msg, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	n.SentAt = stringPtr(sent)
	n.DeliveredAt = stringPtr(delivered)
	n.OpenedAt = stringPtr(opened)
	n.ClickedAt = stringPtr(clicked)
	n.FailedAt = stringPtr(failed)
	n.ErrorMessage = stringPtr(msg)
	return n, nil
}

func (r Repo) ListRecipients(ctx context.Context, campaignID, status string) ([]domain.NotificationRecipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM notification_recipients WHERE campaign_id=?`
	args := []any{campaignID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY user_id`
	rows, err := r.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NotificationRecipient
	for rows.Next() {
		n, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

var recipientTimestampColumn = map[string]string{
	domain.RecipientSent:      "sent_at",
	domain.RecipientDelivered: "delivered_at",
	domain.RecipientOpened:    "opened_at",
	domain.RecipientClicked:   "clicked_at",
	domain.RecipientFailed:    "failed_at",
}

// AdvanceRecipient moves a recipient forward to `to`, stamping the matching
// timestamp. It reports false when the current status does not allow it.
func (r Repo) AdvanceRecipient(ctx context.Context, campaignID, userID, to, errMsg, now string) (bool, error) {
	col, ok := recipientTimestampColumn[to]
	if !ok {
		return false, fmt.Errorf("cannot advance recipient to %q", to)
	}
	from := domain.RecipientStatusFrom(to)
	args := []any{to, now, nullable(errMsg), now, campaignID, userID}
	for _, s := range from {
		args = append(args, s)
	}
	query := fmt.Sprintf(`UPDATE notification_recipients SET status=?, %s=?, error_message=COALESCE(?, error_message), updated_at=? WHERE campaign_id=? AND user_id=? AND status IN (%s)`, col, placeholders(len(from)))
	res, err := r.conn().ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecipientCounts tallies recipients of a campaign by status.
func (r Repo) RecipientCounts(ctx context.Context, campaignID string) (map[string]int, error) {
	rows, err := r.conn().QueryContext(ctx, `SELECT status, COUNT(*) FROM notification_recipients WHERE campaign_id=? GROUP BY status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}
