package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine and campaign runner.
const (
	TaskCreated         = "task.created"
	TaskAccepted        = "task.accepted"
	TaskDeclined        = "task.declined"
	TaskCompleted       = "task.completed"
	TaskExpired         = "task.expired"
	TaskClosed          = "task.closed"
	TaskDeleted         = "task.deleted"
	TaskNotified        = "task.notified"
	PhotoSubmitted      = "photo.submitted"
	PhotoApproved       = "photo.approved"
	PhotoRejected       = "photo.rejected"
	RatingChanged       = "rating.changed"
	AchievementUnlocked = "achievement.unlocked"
	CampaignLaunched    = "campaign.launched"
	CampaignFinished    = "campaign.finished"
	DeviceRegistered    = "device.registered"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside tx so it commits or rolls back with the
// state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// AppendStandalone writes a single event in its own transaction.
func (w Writer) AppendStandalone(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
