// Package recipients turns tasks, campaign filters and explicit id lists
// into ordered, de-duplicated delivery targets.
package recipients

import (
	"context"
	"fmt"
	"strings"
	"time"

	"volunteerops/internal/delivery"
	"volunteerops/internal/domain"
	"volunteerops/internal/repo"
)

// UnknownUsersError lists ids that do not match any user.
type UnknownUsersError struct {
	IDs []string
}

func (e *UnknownUsersError) Error() string {
	return "unknown users: " + strings.Join(e.IDs, ", ")
}

type Resolver struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (r Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// ForTask resolves task recipients: the explicit ids when given, otherwise
// every volunteer of the project. Order is preserved and duplicates dropped.
func (r Resolver) ForTask(ctx context.Context, projectID string, explicit []string) ([]delivery.Recipient, error) {
	ids := Dedupe(explicit)
	if len(ids) == 0 {
		var err error
		ids, err = r.Repo.ProjectVolunteerIDs(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("project volunteers: %w", err)
		}
	}
	return r.ForUsers(ctx, ids)
}

// ForUsers loads recipients for the given ids in order. Unknown ids fail
// the whole call.
func (r Resolver) ForUsers(ctx context.Context, ids []string) ([]delivery.Recipient, error) {
	ids = Dedupe(ids)
	users, err := r.Repo.UsersByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	var missing []string
	ordered := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		u, ok := users[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		ordered = append(ordered, u)
	}
	if len(missing) > 0 {
		return nil, &UnknownUsersError{IDs: missing}
	}
	return r.build(ctx, ordered)
}

// ForCampaign resolves a bulk campaign filter. Users who never logged in
// pass the recency window.
func (r Resolver) ForCampaign(ctx context.Context, f domain.CampaignFilter) ([]delivery.Recipient, error) {
	var since string
	if f.ActiveWithinDays > 0 {
		since = r.now().UTC().AddDate(0, 0, -f.ActiveWithinDays).Format(time.RFC3339)
	}
	users, err := r.Repo.FilterUsers(ctx, f, since)
	if err != nil {
		return nil, err
	}
	return r.build(ctx, users)
}

func (r Resolver) build(ctx context.Context, users []domain.User) ([]delivery.Recipient, error) {
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	tokens, err := r.Repo.DeviceTokensByUser(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("device tokens: %w", err)
	}
	out := make([]delivery.Recipient, 0, len(users))
	for _, u := range users {
		out = append(out, FromUser(u, tokens[u.ID]))
	}
	return out, nil
}

// FromUser maps a user and its device tokens onto a delivery recipient.
func FromUser(u domain.User, tokens []string) delivery.Recipient {
	return delivery.Recipient{
		UserID:       u.ID,
		Name:         u.Name,
		City:         u.City,
		Rating:       u.Rating,
		ChatID:       u.ChatID,
		DeviceTokens: tokens,
		Email:        u.Email,
	}
}

// RegisterDeviceToken binds a push token to its most recent owner.
func (r Resolver) RegisterDeviceToken(ctx context.Context, userID, token, platform string) error {
	if _, err := r.Repo.GetUser(ctx, userID); err != nil {
		return err
	}
	return r.Repo.UpsertDeviceToken(ctx, domain.DeviceToken{
		Token:     strings.TrimSpace(token),
		UserID:    userID,
		Platform:  platform,
		UpdatedAt: r.now().UTC().Format(time.RFC3339Nano),
	})
}

// PruneTokens drops tokens the push provider no longer accepts.
func (r Resolver) PruneTokens(ctx context.Context, tokens []string) error {
	return r.Repo.DeleteDeviceTokens(ctx, tokens)
}

// Dedupe keeps the first occurrence of each non-blank id.
func Dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
