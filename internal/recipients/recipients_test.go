package recipients_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"volunteerops/internal/db"
	"volunteerops/internal/domain"
	"volunteerops/internal/migrate"
	"volunteerops/internal/recipients"
	"volunteerops/internal/repo"
)

var now = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func newResolver(t *testing.T) (recipients.Resolver, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	return recipients.Resolver{Repo: r, Now: func() time.Time { return now }}, r
}

func addUser(t *testing.T, r repo.Repo, u domain.User) {
	t.Helper()
	if u.Role == "" {
		u.Role = domain.RoleVolunteer
	}
	if u.CreatedAt == "" {
		u.CreatedAt = now.Format(time.RFC3339)
	}
	if err := r.UpsertUser(context.Background(), u); err != nil {
		t.Fatalf("upsert user %s: %v", u.ID, err)
	}
}

func TestForTaskDedupesExplicitIDsInOrder(t *testing.T) {
	res, r := newResolver(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		addUser(t, r, domain.User{ID: id, Name: id, ChatID: int64(len(id) + int(id[0]))})
	}
	got, err := res.ForTask(ctx, "p1", []string{"c", "a", "c", " ", "b", "a"})
	if err != nil {
		t.Fatalf("for task: %v", err)
	}
	if len(got) != 3 || got[0].UserID != "c" || got[1].UserID != "a" || got[2].UserID != "b" {
		t.Fatalf("unexpected order %+v", got)
	}
}

func TestForTaskRejectsUnknownUsers(t *testing.T) {
	res, r := newResolver(t)
	addUser(t, r, domain.User{ID: "a", Name: "A"})
	_, err := res.ForTask(context.Background(), "p1", []string{"a", "ghost"})
	var unknown *recipients.UnknownUsersError
	if !errors.As(err, &unknown) || len(unknown.IDs) != 1 || unknown.IDs[0] != "ghost" {
		t.Fatalf("expected unknown user error, got %v", err)
	}
}

func TestForCampaignTreatsNeverLoggedInAsActive(t *testing.T) {
	res, r := newResolver(t)
	ctx := context.Background()
	recent := now.AddDate(0, 0, -2).Format(time.RFC3339)
	stale := now.AddDate(0, 0, -60).Format(time.RFC3339)
	addUser(t, r, domain.User{ID: "recent", Name: "R", Rating: 50, LastLoginAt: &recent})
	addUser(t, r, domain.User{ID: "stale", Name: "S", Rating: 50, LastLoginAt: &stale})
	addUser(t, r, domain.User{ID: "never", Name: "N", Rating: 50})
	addUser(t, r, domain.User{ID: "low", Name: "L", Rating: 1})
	addUser(t, r, domain.User{ID: "org", Name: "O", Rating: 50, Role: domain.RoleOrganizer})

	min := 10
	got, err := res.ForCampaign(ctx, domain.CampaignFilter{Roles: []string{domain.RoleVolunteer}, MinRating: &min, ActiveWithinDays: 30})
	if err != nil {
		t.Fatalf("for campaign: %v", err)
	}
	ids := map[string]bool{}
	for _, rc := range got {
		ids[rc.UserID] = true
	}
	if len(got) != 2 || !ids["recent"] || !ids["never"] {
		t.Fatalf("expected recent and never, got %+v", ids)
	}
}

func TestDeviceTokenMovesToLatestOwner(t *testing.T) {
	res, r := newResolver(t)
	ctx := context.Background()
	addUser(t, r, domain.User{ID: "a", Name: "A"})
	addUser(t, r, domain.User{ID: "b", Name: "B"})
	if err := res.RegisterDeviceToken(ctx, "a", "tok-1", "android"); err != nil {
		t.Fatal(err)
	}
	if err := res.RegisterDeviceToken(ctx, "b", "tok-1", "android"); err != nil {
		t.Fatal(err)
	}
	got, err := res.ForUsers(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got[0].DeviceTokens) != 0 || len(got[1].DeviceTokens) != 1 {
		t.Fatalf("token should belong to b only: %+v", got)
	}
	if err := res.PruneTokens(ctx, []string{"tok-1"}); err != nil {
		t.Fatal(err)
	}
	got, _ = res.ForUsers(ctx, []string{"b"})
	if len(got[0].DeviceTokens) != 0 {
		t.Fatalf("token should be pruned")
	}
}
