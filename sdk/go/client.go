package volunteeropssdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Volunteer Ops HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	APIKey      string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v1.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	Description      string  `json:"description"`
	DeadlineDate     *string `json:"deadline_date,omitempty"`
	Status           string  `json:"status"`
	ClosedIncomplete bool    `json:"closed_incomplete"`
	Version          int     `json:"version"`
}

// Assignment is a volunteer's slot on a task.
type Assignment struct {
	TaskID      string `json:"task_id"`
	VolunteerID string `json:"volunteer_id"`
	Accepted    *bool  `json:"accepted,omitempty"`
	Completed   bool   `json:"completed"`
}

// CreatedTask is returned by CreateTask.
type CreatedTask struct {
	Task        Task         `json:"task"`
	Assignments []Assignment `json:"assignments"`
	Summary     string       `json:"summary"`
}

// Result is the outcome of an idempotent state change. Outcome is
// "applied" or "already_processed".
type Result struct {
	Outcome    string     `json:"outcome"`
	Task       Task       `json:"task"`
	Assignment Assignment `json:"assignment"`
}

// Photo represents a photo report.
type Photo struct {
	ID          string  `json:"id"`
	VolunteerID string  `json:"volunteer_id"`
	ProjectID   string  `json:"project_id"`
	TaskID      *string `json:"task_id,omitempty"`
	ImageRef    string  `json:"image_ref"`
	Status      string  `json:"status"`
	Rating      *int    `json:"rating,omitempty"`
}

// PhotoPage is one page of the moderation queue.
type PhotoPage struct {
	Items  []Photo `json:"items"`
	Total  int     `json:"total"`
	Offset int     `json:"offset"`
}

// ModerationResult is returned by Approve and Reject.
type ModerationResult struct {
	Outcome string `json:"outcome"`
	Photo   Photo  `json:"photo"`
}

// CampaignFilter selects a campaign audience.
type CampaignFilter struct {
	Roles            []string `json:"roles,omitempty"`
	MinRating        *int     `json:"min_rating,omitempty"`
	MaxRating        *int     `json:"max_rating,omitempty"`
	ActiveWithinDays int      `json:"active_within_days,omitempty"`
	ProjectID        string   `json:"project_id,omitempty"`
}

// Campaign represents a broadcast.
type Campaign struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Total       int    `json:"total"`
	SentCount   int    `json:"sent_count"`
	FailedCount int    `json:"failed_count"`
}

// CampaignReport counts recipients per delivery status.
type CampaignReport struct {
	Campaign Campaign       `json:"campaign"`
	Counts   map[string]int `json:"counts"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the machine-readable error code
// from the response envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task in a project and notifies its volunteers.
func (c *Client) CreateTask(ctx context.Context, projectID, description, deadline string, volunteerIDs []string) (CreatedTask, error) {
	body := map[string]any{
		"description": description,
	}
	if deadline != "" {
		body["deadline"] = deadline
	}
	if len(volunteerIDs) > 0 {
		body["volunteer_ids"] = volunteerIDs
	}
	var resp CreatedTask
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("projects/%s/tasks", url.PathEscape(projectID)), body, &resp)
	return resp, err
}

// Respond records accept, decline or complete for the caller.
func (c *Client) Respond(ctx context.Context, taskID, action string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/responses", url.PathEscape(taskID)), map[string]any{"action": action}, &resp)
	return resp, err
}

// CloseTask closes a task.
func (c *Client) CloseTask(ctx context.Context, taskID string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/close", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// SubmitPhoto uploads a photo report for a task.
func (c *Client) SubmitPhoto(ctx context.Context, taskID string, image []byte, filename string) (Photo, error) {
	body := map[string]any{
		"task_id":  taskID,
		"image":    image,
		"filename": filename,
	}
	var resp Photo
	err := c.do(ctx, http.MethodPost, "photos", body, &resp)
	return resp, err
}

// PendingPhotos returns a page of the moderation queue.
func (c *Client) PendingPhotos(ctx context.Context, projectID string, offset, limit int) (PhotoPage, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	q.Set("offset", strconv.Itoa(offset))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp PhotoPage
	err := c.do(ctx, http.MethodGet, "photos/pending?"+q.Encode(), nil, &resp)
	return resp, err
}

// Approve approves a photo report; rating may be nil.
func (c *Client) Approve(ctx context.Context, photoID string, rating *int) (ModerationResult, error) {
	body := map[string]any{}
	if rating != nil {
		body["rating"] = *rating
	}
	var resp ModerationResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("photos/%s/approve", url.PathEscape(photoID)), body, &resp)
	return resp, err
}

// Reject rejects a photo report.
func (c *Client) Reject(ctx context.Context, photoID, reason string) (ModerationResult, error) {
	var resp ModerationResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("photos/%s/reject", url.PathEscape(photoID)), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// LaunchCampaign starts a broadcast. Sending continues in the background.
func (c *Client) LaunchCampaign(ctx context.Context, title, body string, filter CampaignFilter, channels []string) (Campaign, error) {
	req := map[string]any{
		"title":  title,
		"body":   body,
		"filter": filter,
	}
	if len(channels) > 0 {
		req["channels"] = channels
	}
	var resp Campaign
	err := c.do(ctx, http.MethodPost, "campaigns", req, &resp)
	return resp, err
}

// CampaignReport returns delivery counts for a campaign.
func (c *Client) CampaignReport(ctx context.Context, campaignID string) (CampaignReport, error) {
	var resp CampaignReport
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("campaigns/%s/report", url.PathEscape(campaignID)), nil, &resp)
	return resp, err
}

// Receipt records that the caller's message was delivered, opened or clicked.
func (c *Client) Receipt(ctx context.Context, campaignID, status string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("campaigns/%s/receipts", url.PathEscape(campaignID)), map[string]any{"status": status}, nil)
}

// RegisterDevice stores a push token for the caller.
func (c *Client) RegisterDevice(ctx context.Context, token, platform string) error {
	return c.do(ctx, http.MethodPost, "devices", map[string]any{"token": token, "platform": platform}, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
