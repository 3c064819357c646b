package domain

// Task statuses.
const (
	TaskOpen       = "open"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskClosed     = "closed"
)

// Photo report statuses.
const (
	PhotoPending  = "pending"
	PhotoApproved = "approved"
	PhotoRejected = "rejected"
)

// User roles.
const (
	RoleVolunteer = "volunteer"
	RoleOrganizer = "organizer"
	RoleAdmin     = "admin"
)

// Campaign statuses.
const (
	CampaignPending   = "pending"
	CampaignRunning   = "running"
	CampaignCompleted = "completed"
	CampaignFailed    = "failed"
)

type User struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	City        string  `json:"city,omitempty"`
	Role        string  `json:"role" enum:"volunteer,organizer,admin"`
	Rating      int     `json:"rating"`
	ChatID      int64   `json:"chat_id,omitempty"`
	Email       string  `json:"email,omitempty"`
	LastLoginAt *string `json:"last_login_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	OrganizerID string `json:"organizer_id"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type DeviceToken struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	Platform  string `json:"platform"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	CreatorID        string  `json:"creator_id"`
	Description      string  `json:"description"`
	DeadlineDate     *string `json:"deadline_date,omitempty" format:"date"`
	StartTime        *string `json:"start_time,omitempty"`
	EndTime          *string `json:"end_time,omitempty"`
	Status           string  `json:"status" enum:"open,in_progress,completed,failed,closed"`
	Deleted          bool    `json:"deleted"`
	DeletedAt        *string `json:"deleted_at,omitempty" format:"date-time"`
	ClosedIncomplete bool    `json:"closed_incomplete"`
	Version          int     `json:"version"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// Terminal reports whether no volunteer response can change the task any more.
func (t Task) Terminal() bool {
	return t.Deleted || t.Status == TaskCompleted || t.Status == TaskClosed
}

// TaskAssignment is the (task, volunteer) pair. Accepted is nil until the
// volunteer responds.
type TaskAssignment struct {
	TaskID      string  `json:"task_id"`
	VolunteerID string  `json:"volunteer_id"`
	Accepted    *bool   `json:"accepted,omitempty"`
	Completed   bool    `json:"completed"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	Rating      *int    `json:"rating,omitempty" minimum:"1" maximum:"5"`
	Feedback    *string `json:"feedback,omitempty"`
	Version     int     `json:"version"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

func (a TaskAssignment) IsAccepted() bool {
	return a.Accepted != nil && *a.Accepted
}

type PhotoReport struct {
	ID               string  `json:"id"`
	VolunteerID      string  `json:"volunteer_id"`
	ProjectID        string  `json:"project_id"`
	TaskID           *string `json:"task_id,omitempty"`
	ImageRef         string  `json:"image_ref"`
	Status           string  `json:"status" enum:"pending,approved,rejected"`
	Rating           *int    `json:"rating,omitempty" minimum:"1" maximum:"5"`
	ModeratorID      *string `json:"moderator_id,omitempty"`
	ModeratorComment *string `json:"moderator_comment,omitempty"`
	RejectionReason  *string `json:"rejection_reason,omitempty"`
	ModeratedAt      *string `json:"moderated_at,omitempty" format:"date-time"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

type Achievement struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	RequiredRating int    `json:"required_rating"`
}

type UserAchievement struct {
	UserID        string `json:"user_id"`
	AchievementID string `json:"achievement_id"`
	Title         string `json:"title"`
	UnlockedAt    string `json:"unlocked_at" format:"date-time"`
}

// CampaignFilter selects bulk campaign recipients. Zero values leave a
// dimension unfiltered.
type CampaignFilter struct {
	Roles            []string `json:"roles,omitempty"`
	MinRating        *int     `json:"min_rating,omitempty"`
	MaxRating        *int     `json:"max_rating,omitempty"`
	ActiveWithinDays int      `json:"active_within_days,omitempty"`
	ProjectID        string   `json:"project_id,omitempty"`
}

type Campaign struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Filter      CampaignFilter `json:"filter"`
	Channels    []string       `json:"channels"`
	Status      string         `json:"status" enum:"pending,running,completed,failed"`
	Total       int            `json:"total"`
	SentCount   int            `json:"sent_count"`
	FailedCount int            `json:"failed_count"`
	CreatedBy   string         `json:"created_by"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	FinishedAt  *string        `json:"finished_at,omitempty" format:"date-time"`
}

type NotificationRecipient struct {
	CampaignID   string  `json:"campaign_id"`
	UserID       string  `json:"user_id"`
	Status       string  `json:"status" enum:"pending,sent,delivered,opened,clicked,failed"`
	SentAt       *string `json:"sent_at,omitempty" format:"date-time"`
	DeliveredAt  *string `json:"delivered_at,omitempty" format:"date-time"`
	OpenedAt     *string `json:"opened_at,omitempty" format:"date-time"`
	ClickedAt    *string `json:"clicked_at,omitempty" format:"date-time"`
	FailedAt     *string `json:"failed_at,omitempty" format:"date-time"`
	ErrorMessage *string `json:"error_message,omitempty"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// APIKey is a long-lived credential for integrations acting as a user. Only
// the SHA-256 of the key is stored.
type APIKey struct {
	ID         string  `json:"id"`
	UserID     string  `json:"user_id"`
	Name       string  `json:"name,omitempty"`
	KeyHash    string  `json:"-"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
