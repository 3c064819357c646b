package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"volunteerops/internal/delivery"
	"volunteerops/internal/domain"
	"volunteerops/internal/events"
	"volunteerops/internal/repo"
)

// ApplyRatingDelta adds delta to the user's rating, clamped to the configured
// bounds, and unlocks every achievement whose threshold the new rating
// reaches. Unlocks already held are left alone.
func (e Engine) ApplyRatingDelta(ctx context.Context, userID string, delta int, actorID string) (RatingChange, error) {
	var change RatingChange
	err := e.Repo.InTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		var err error
		change, err = e.applyRatingDelta(ctx, tx, r, userID, delta, actorID)
		return err
	})
	if err != nil {
		return change, err
	}
	e.afterRatingChange(ctx, change)
	return change, nil
}

// SyncAchievements unlocks anything the user's current rating already
// qualifies for.
func (e Engine) SyncAchievements(ctx context.Context, userID string) (RatingChange, error) {
	return e.ApplyRatingDelta(ctx, userID, 0, "system")
}

func (e Engine) applyRatingDelta(ctx context.Context, tx *sql.Tx, r repo.Repo, userID string, delta int, actorID string) (RatingChange, error) {
	old, err := r.GetRating(ctx, userID)
	if err != nil {
		return RatingChange{}, err
	}
	next := clamp(old+delta, 0, e.upperBound())
	change := RatingChange{UserID: userID, Old: old, New: next, Delta: next - old}
	if next != old {
		if err := r.SetRating(ctx, userID, next); err != nil {
			return change, err
		}
		if err := e.EventLog().Append(ctx, tx, events.RatingChanged, "", "user", userID, actorID, events.EventPayload{
			"old": old, "new": next, "requested_delta": delta,
		}); err != nil {
			return change, err
		}
	}
	locked, err := r.LockedAchievementsUpTo(ctx, userID, next)
	if err != nil {
		return change, err
	}
	now := e.stamp()
	for _, a := range locked {
		added, err := r.UnlockAchievement(ctx, userID, a.ID, now)
		if err != nil {
			return change, fmt.Errorf("unlock %s: %w", a.ID, err)
		}
		if !added {
			continue
		}
		change.Unlocked = append(change.Unlocked, a)
		if err := e.EventLog().Append(ctx, tx, events.AchievementUnlocked, "", "user", userID, actorID, events.EventPayload{
			"achievement_id": a.ID, "required_rating": a.RequiredRating,
		}); err != nil {
			return change, err
		}
	}
	return change, nil
}

// afterRatingChange runs once the rating change committed.
func (e Engine) afterRatingChange(ctx context.Context, change RatingChange) {
	if len(change.Unlocked) == 0 {
		return
	}
	if e.Achievements != nil {
		e.Achievements.Invalidate(ctx, change.UserID)
	}
	titles := make([]string, len(change.Unlocked))
	for i, a := range change.Unlocked {
		titles[i] = a.Title
	}
	e.notifyUsers(ctx, []string{change.UserID}, delivery.Message{
		Title: "Achievement unlocked",
		Body:  "You unlocked: " + strings.Join(titles, ", "),
		Data:  map[string]string{"kind": "achievement"},
	})
}

func (e Engine) upperBound() int {
	if e.Config == nil || e.Config.Rating.UpperBound <= 0 {
		return 750
	}
	return e.Config.Rating.UpperBound
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SeedAchievements writes the configured achievement ladder.
func (e Engine) SeedAchievements(ctx context.Context) error {
	if e.Config == nil {
		return nil
	}
	return e.Repo.InTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		for _, a := range e.Config.Achievements {
			if err := r.UpsertAchievement(ctx, domain.Achievement{
				ID:             a.ID,
				Title:          a.Title,
				Description:    a.Description,
				RequiredRating: a.RequiredRating,
			}); err != nil {
				return fmt.Errorf("seed achievement %s: %w", a.ID, err)
			}
		}
		return nil
	})
}

// ListUserAchievements serves the unlocked list through the cache.
func (e Engine) ListUserAchievements(ctx context.Context, userID string) ([]domain.UserAchievement, error) {
	var gen int64
	cacheable := false
	if e.Achievements != nil {
		if list, ok := e.Achievements.Get(ctx, userID); ok {
			return list, nil
		}
		gen, cacheable = e.Achievements.Generation(ctx, userID)
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	list, err := e.Repo.ListUserAchievements(ctx, userID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []domain.UserAchievement{}
	}
	if cacheable {
		e.Achievements.Set(ctx, userID, gen, list)
	}
	return list, nil
}
