package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"volunteerops/internal/delivery"
	"volunteerops/internal/domain"
	"volunteerops/internal/events"
	"volunteerops/internal/repo"
)

// ActionModerationOpen is attached to new-report notifications for
// moderators.
const ActionModerationOpen = "mod_photo_open"

// PhotoSubmitOptions describe a photo report. Either Image or ImageRef must
// be set; TaskID is optional.
type PhotoSubmitOptions struct {
	ID          string
	VolunteerID string
	ProjectID   string
	TaskID      string
	Image       []byte
	Filename    string
	ImageRef    string
}

// SubmitPhotoReport stores the evidence and queues it for moderation. A
// report linked to a task requires the volunteer to have accepted it.
func (e Engine) SubmitPhotoReport(ctx context.Context, opts PhotoSubmitOptions) (domain.PhotoReport, error) {
	if opts.VolunteerID == "" {
		return domain.PhotoReport{}, invalid("volunteer_id", "is required")
	}
	if len(opts.Image) == 0 && strings.TrimSpace(opts.ImageRef) == "" {
		return domain.PhotoReport{}, invalid("image", "is required")
	}
	if _, err := e.Repo.GetUser(ctx, opts.VolunteerID); err != nil {
		return domain.PhotoReport{}, err
	}
	projectID := opts.ProjectID
	var taskID *string
	if opts.TaskID != "" {
		task, err := e.Repo.GetTask(ctx, opts.TaskID)
		if err != nil {
			return domain.PhotoReport{}, err
		}
		if task.Deleted {
			return domain.PhotoReport{}, invalid("task_id", "task was deleted")
		}
		a, err := e.Repo.GetAssignment(ctx, task.ID, opts.VolunteerID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.PhotoReport{}, ErrNotAssigned
		}
		if err != nil {
			return domain.PhotoReport{}, err
		}
		if !a.IsAccepted() {
			return domain.PhotoReport{}, ErrNotAccepted
		}
		projectID = task.ProjectID
		taskID = &task.ID
	}
	if projectID == "" {
		return domain.PhotoReport{}, invalid("project_id", "is required without a task")
	}
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.PhotoReport{}, err
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	ref := strings.TrimSpace(opts.ImageRef)
	if len(opts.Image) > 0 {
		ext := ".jpg"
		if i := strings.LastIndex(opts.Filename, "."); i >= 0 {
			ext = strings.ToLower(opts.Filename[i:])
		}
		if ref, err = e.Media.Put(ctx, "photos/"+id+ext, opts.Image); err != nil {
			return domain.PhotoReport{}, fmt.Errorf("store photo: %w", err)
		}
	}
	p := domain.PhotoReport{
		ID:          id,
		VolunteerID: opts.VolunteerID,
		ProjectID:   projectID,
		TaskID:      taskID,
		ImageRef:    ref,
		Status:      domain.PhotoPending,
		CreatedAt:   e.stamp(),
	}
	err = e.Repo.InTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		if err := r.InsertPhoto(ctx, p); err != nil {
			return fmt.Errorf("insert photo: %w", err)
		}
		return e.EventLog().Append(ctx, tx, events.PhotoSubmitted, projectID, "photo", p.ID, opts.VolunteerID, events.EventPayload{"task_id": opts.TaskID})
	})
	if err != nil {
		return domain.PhotoReport{}, err
	}
	e.notifyUsers(ctx, []string{project.OrganizerID}, delivery.Message{
		Title:    "New photo report",
		Body:     fmt.Sprintf("A new photo report is waiting for moderation in %s.", project.Name),
		ImageRef: p.ImageRef,
		Actions:  []delivery.Action{{Label: "Moderate", ID: ActionModerationOpen}},
		Data:     map[string]string{"kind": "photo", "photo_id": p.ID},
	})
	return p, nil
}

// PhotoPage is one page of the moderation queue.
type PhotoPage struct {
	Items  []domain.PhotoReport `json:"items"`
	Total  int                  `json:"total"`
	Offset int                  `json:"offset"`
}

// ListPendingPhotos pages through the moderation queue, oldest first.
func (e Engine) ListPendingPhotos(ctx context.Context, projectID string, offset, limit int) (PhotoPage, error) {
	return e.pendingPage(ctx, repo.PhotoFilter{Status: domain.PhotoPending, ProjectID: projectID, Offset: offset, Limit: limit})
}

// ModerationQueue pages through the pending reports of the projects the
// moderator manages, optionally narrowed to one project.
func (e Engine) ModerationQueue(ctx context.Context, moderatorID, projectID string, offset, limit int) (PhotoPage, error) {
	if moderatorID == "" {
		return PhotoPage{}, invalid("moderator_id", "required")
	}
	return e.pendingPage(ctx, repo.PhotoFilter{Status: domain.PhotoPending, ProjectID: projectID, ManagedBy: moderatorID, Offset: offset, Limit: limit})
}

func (e Engine) pendingPage(ctx context.Context, f repo.PhotoFilter) (PhotoPage, error) {
	if f.Offset < 0 {
		f.Offset = 0
	}
	items, err := e.Repo.ListPhotos(ctx, f)
	if err != nil {
		return PhotoPage{}, err
	}
	total, err := e.Repo.CountPhotos(ctx, f)
	if err != nil {
		return PhotoPage{}, err
	}
	if items == nil {
		items = []domain.PhotoReport{}
	}
	return PhotoPage{Items: items, Total: total, Offset: f.Offset}, nil
}

// ApproveOptions carry a moderator decision. A nil Rating approves without
// touching the volunteer's rating.
type ApproveOptions struct {
	PhotoID     string
	ModeratorID string
	Rating      *int
	Comment     *string
}

// Approve moves a pending report to approved exactly once. Losing callers
// get OutcomeAlreadyProcessed and change nothing. The linked assignment,
// task status, rating and achievements move in the same transaction.
func (e Engine) Approve(ctx context.Context, opts ApproveOptions) (ModerationResult, error) {
	if opts.Rating != nil && (*opts.Rating < 1 || *opts.Rating > 5) {
		return ModerationResult{}, invalid("rating", "must be between 1 and 5")
	}
	photo, err := e.Repo.GetPhoto(ctx, opts.PhotoID)
	if err != nil {
		return ModerationResult{}, err
	}
	if photo.TaskID != nil {
		defer e.lockAssignment(*photo.TaskID, photo.VolunteerID)()
	}
	res, err := retryStale(func() (ModerationResult, error) {
		return e.approve(ctx, opts)
	})
	if err != nil || !res.Applied() {
		return res, err
	}
	if res.Rating != nil {
		e.afterRatingChange(ctx, *res.Rating)
	}
	body := "Your photo report was approved."
	if opts.Rating != nil {
		body = fmt.Sprintf("Your photo report was approved with %d/5.", *opts.Rating)
	}
	if opts.Comment != nil && *opts.Comment != "" {
		body += "\n" + *opts.Comment
	}
	e.notifyUsers(ctx, []string{res.Photo.VolunteerID}, delivery.Message{
		Title: "Photo approved",
		Body:  body,
		Data:  map[string]string{"kind": "photo", "photo_id": res.Photo.ID},
	})
	return res, nil
}

func (e Engine) approve(ctx context.Context, opts ApproveOptions) (ModerationResult, error) {
	var res ModerationResult
	err := e.Repo.InTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		now := e.stamp()
		changed, err := r.ApprovePending(ctx, opts.PhotoID, opts.Rating, opts.Comment, opts.ModeratorID, now)
		if err != nil {
			return err
		}
		photo, err := r.GetPhoto(ctx, opts.PhotoID)
		if err != nil {
			return err
		}
		res = ModerationResult{Outcome: OutcomeAlreadyProcessed, Photo: photo}
		if !changed {
			return nil
		}
		res.Outcome = OutcomeApplied
		if photo.TaskID != nil {
			if err := e.completeFromApproval(ctx, r, photo, opts, now); err != nil {
				return err
			}
		}
		if opts.Rating != nil {
			change, err := e.applyRatingDelta(ctx, tx, r, photo.VolunteerID, e.ratingDelta(*opts.Rating), opts.ModeratorID)
			if err != nil {
				return err
			}
			res.Rating = &change
		}
		return e.EventLog().Append(ctx, tx, events.PhotoApproved, photo.ProjectID, "photo", photo.ID, opts.ModeratorID, events.EventPayload{
			"rating": opts.Rating, "task_id": photo.TaskID,
		})
	})
	return res, err
}

// completeFromApproval marks the linked assignment accepted and completed and
// moves the task to completed when it is still live.
func (e Engine) completeFromApproval(ctx context.Context, r repo.Repo, photo domain.PhotoReport, opts ApproveOptions, now string) error {
	taskID := *photo.TaskID
	if err := r.EnsureAssignment(ctx, taskID, photo.VolunteerID, now); err != nil {
		return err
	}
	a, err := r.GetAssignment(ctx, taskID, photo.VolunteerID)
	if err != nil {
		return err
	}
	accepted := true
	a.Accepted = &accepted
	if !a.Completed {
		a.Completed = true
		a.CompletedAt = &now
	}
	a.Rating = opts.Rating
	a.Feedback = opts.Comment
	if err := r.UpdateAssignment(ctx, a, now); err != nil {
		return err
	}
	_, err = r.CASTaskStatus(ctx, taskID, []string{domain.TaskOpen, domain.TaskInProgress, domain.TaskFailed}, domain.TaskCompleted, now)
	return err
}

func (e Engine) ratingDelta(stars int) int {
	if e.Config == nil {
		return 0
	}
	return e.Config.RatingDelta(stars)
}

// RejectOptions carry a rejection; Reason is mandatory.
type RejectOptions struct {
	PhotoID     string
	ModeratorID string
	Reason      string
	Comment     *string
}

// Reject moves a pending report to rejected. A linked live task fails and
// the assignment is reopened so the volunteer can resubmit.
func (e Engine) Reject(ctx context.Context, opts RejectOptions) (ModerationResult, error) {
	reason := strings.TrimSpace(opts.Reason)
	if reason == "" {
		return ModerationResult{}, invalid("reason", "is required")
	}
	photo, err := e.Repo.GetPhoto(ctx, opts.PhotoID)
	if err != nil {
		return ModerationResult{}, err
	}
	if photo.TaskID != nil {
		defer e.lockAssignment(*photo.TaskID, photo.VolunteerID)()
	}
	res, err := retryStale(func() (ModerationResult, error) {
		var res ModerationResult
		err := e.Repo.InTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
			now := e.stamp()
			changed, err := r.RejectPending(ctx, opts.PhotoID, reason, opts.Comment, opts.ModeratorID, now)
			if err != nil {
				return err
			}
			photo, err := r.GetPhoto(ctx, opts.PhotoID)
			if err != nil {
				return err
			}
			res = ModerationResult{Outcome: OutcomeAlreadyProcessed, Photo: photo}
			if !changed {
				return nil
			}
			res.Outcome = OutcomeApplied
			if photo.TaskID != nil {
				if _, err := r.CASTaskStatus(ctx, *photo.TaskID, []string{domain.TaskOpen, domain.TaskInProgress}, domain.TaskFailed, now); err != nil {
					return err
				}
				a, err := r.GetAssignment(ctx, *photo.TaskID, photo.VolunteerID)
				if err == nil && a.Completed {
					a.Completed = false
					a.CompletedAt = nil
					err = r.UpdateAssignment(ctx, a, now)
				}
				if err != nil && !errors.Is(err, repo.ErrNotFound) {
					return err
				}
			}
			return e.EventLog().Append(ctx, tx, events.PhotoRejected, photo.ProjectID, "photo", photo.ID, opts.ModeratorID, events.EventPayload{
				"reason": reason, "task_id": photo.TaskID,
			})
		})
		return res, err
	})
	if err != nil || !res.Applied() {
		return res, err
	}
	e.notifyUsers(ctx, []string{res.Photo.VolunteerID}, delivery.Message{
		Title: "Photo rejected",
		Body:  "Your photo report was rejected: " + reason,
		Data:  map[string]string{"kind": "photo", "photo_id": res.Photo.ID},
	})
	return res, nil
}
