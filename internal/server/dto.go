package server

import (
	"encoding/json"

	"volunteerops/internal/campaign"
	"volunteerops/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	ID           string   `json:"id,omitempty"`
	Description  string   `json:"description" minLength:"1"`
	Deadline     string   `json:"deadline,omitempty" example:"2025-03-01, 09:00-17:00"`
	VolunteerIDs []string `json:"volunteer_ids,omitempty"`
	Channels     []string `json:"channels,omitempty" enum:"chat,push,email"`
}

type RespondRequest struct {
	Action string `json:"action" enum:"accept,decline,complete"`
}

type SubmitPhotoRequest struct {
	TaskID    string `json:"task_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Image     []byte `json:"image,omitempty" contentEncoding:"base64"`
	Filename  string `json:"filename,omitempty"`
	ImageRef  string `json:"image_ref,omitempty"`
}

type ApproveRequest struct {
	Rating  *int    `json:"rating,omitempty" minimum:"1" maximum:"5"`
	Comment *string `json:"comment,omitempty"`
}

type RejectRequest struct {
	Reason  string  `json:"reason"`
	Comment *string `json:"comment,omitempty"`
}

type LaunchCampaignRequest struct {
	Title    string                `json:"title"`
	Body     string                `json:"body" example:"Hi {{.Name}}, we need help in {{.City}}."`
	Filter   domain.CampaignFilter `json:"filter,omitempty"`
	Channels []string              `json:"channels,omitempty" enum:"chat,push,email"`
}

type ReceiptRequest struct {
	UserID string `json:"user_id,omitempty"`
	Status string `json:"status" enum:"delivered,opened,clicked"`
}

type RegisterDeviceRequest struct {
	Token    string `json:"token" minLength:"1"`
	Platform string `json:"platform,omitempty" enum:"android,ios,web"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Responses

type TaskDetailResponse struct {
	Task        domain.Task             `json:"task"`
	Assignments []domain.TaskAssignment `json:"assignments"`
}

type ReceiptResponse struct {
	Outcome string `json:"outcome" enum:"applied,already_processed"`
}

type SweepResponse struct {
	Checked          int      `json:"checked"`
	Closed           []string `json:"closed"`
	ClosedIncomplete int      `json:"closed_incomplete"`
}

type WhoAmIResponse struct {
	UserID      string   `json:"user_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type CampaignReportResponse = campaign.Report

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
