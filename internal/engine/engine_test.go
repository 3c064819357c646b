package engine_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"volunteerops/internal/config"
	"volunteerops/internal/db"
	"volunteerops/internal/delivery"
	"volunteerops/internal/dispatch"
	"volunteerops/internal/domain"
	"volunteerops/internal/engine"
	"volunteerops/internal/events"
	"volunteerops/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Chat   *delivery.MemoryChat
	Push   *delivery.MemoryPush
	now    *time.Time
}

func (env testEnv) setNow(t time.Time) { *env.now = t }

var volunteers = []string{"v1", "v2", "v3"}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := &now
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return *clock }
	eng.Recipients.Now = eng.Now

	retry := delivery.RetryPolicy{Attempts: 3, Sleep: func(context.Context, time.Duration) error { return nil }}
	chat := &delivery.MemoryChat{}
	push := &delivery.MemoryPush{}
	eng.Dispatcher = dispatch.New(4, []delivery.Channel{
		delivery.ChatChannel{Sender: chat, Retry: retry},
		delivery.PushChannel{Sender: push, Retry: retry},
	}, dispatch.WithImages(eng.Media))

	ctx := context.Background()
	created := now.Format(time.RFC3339)
	users := []domain.User{{ID: "org", Name: "Olga", Role: domain.RoleOrganizer, ChatID: 1, CreatedAt: created}}
	for i, id := range volunteers {
		users = append(users, domain.User{ID: id, Name: id, Role: domain.RoleVolunteer, ChatID: int64(10 + i), CreatedAt: created})
	}
	for _, u := range users {
		if err := eng.Repo.UpsertUser(ctx, u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
	if err := eng.Repo.InsertProject(ctx, domain.Project{ID: "p1", Name: "Park cleanup", OrganizerID: "org", CreatedAt: created}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	for _, id := range volunteers {
		if err := eng.Repo.AddProjectVolunteer(ctx, "p1", id, created); err != nil {
			t.Fatalf("add volunteer: %v", err)
		}
		if err := eng.Recipients.RegisterDeviceToken(ctx, id, "tok-"+id, "android"); err != nil {
			t.Fatalf("register token: %v", err)
		}
	}
	if err := eng.SeedAchievements(ctx); err != nil {
		t.Fatalf("seed achievements: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Chat: chat, Push: push, now: clock}
}

func (env testEnv) createTask(t *testing.T, deadline string) domain.Task {
	t.Helper()
	created, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:   "p1",
		CreatorID:   "org",
		Description: "Collect litter along the river",
		Deadline:    deadline,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return created.Task
}

func TestTaskLifecycleEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	created, err := eng.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:    "p1",
		CreatorID:    "org",
		Description:  "Collect litter along the river",
		Deadline:     "2025-03-01, 09:00–17:00",
		VolunteerIDs: volunteers,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if got := created.Report.Channels[delivery.Chat].Attempted; got != 3 {
		t.Fatalf("chat attempted %d, want 3", got)
	}
	if got := created.Report.Channels[delivery.Push].Attempted; got != 3 {
		t.Fatalf("push attempted %d, want 3", got)
	}
	if len(created.Assignments) != 3 || created.Task.Status != domain.TaskOpen {
		t.Fatalf("unexpected task %+v", created)
	}
	if *created.Task.StartTime != "09:00" || *created.Task.EndTime != "17:00" {
		t.Fatalf("deadline window not stored: %+v", created.Task)
	}
	taskID := created.Task.ID

	res, err := eng.Accept(env.Ctx, taskID, "v1")
	if err != nil || !res.Applied() || res.Task.Status != domain.TaskInProgress {
		t.Fatalf("accept: %+v %v", res, err)
	}
	if _, err := eng.Complete(env.Ctx, taskID, "v1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	photo, err := eng.SubmitPhotoReport(env.Ctx, engine.PhotoSubmitOptions{VolunteerID: "v1", TaskID: taskID, Image: []byte("jpeg"), Filename: "proof.JPG"})
	if err != nil {
		t.Fatalf("submit photo: %v", err)
	}
	if photo.ImageRef != "photos/"+photo.ID+".jpg" || photo.ProjectID != "p1" {
		t.Fatalf("unexpected photo %+v", photo)
	}

	stars := 4
	mod, err := eng.Approve(env.Ctx, engine.ApproveOptions{PhotoID: photo.ID, ModeratorID: "org", Rating: &stars})
	if err != nil || !mod.Applied() {
		t.Fatalf("approve: %+v %v", mod, err)
	}
	if mod.Rating == nil || mod.Rating.Delta != 6 || mod.Rating.New != 6 {
		t.Fatalf("expected +6 rating, got %+v", mod.Rating)
	}
	task, _ := eng.GetTask(env.Ctx, taskID)
	if task.Status != domain.TaskCompleted {
		t.Fatalf("task should be completed, got %s", task.Status)
	}
	a, _ := eng.Repo.GetAssignment(env.Ctx, taskID, "v1")
	if !a.Completed || a.Rating == nil || *a.Rating != 4 {
		t.Fatalf("assignment not finalised: %+v", a)
	}
	list, err := eng.ListUserAchievements(env.Ctx, "v1")
	if err != nil || len(list) != 1 || list[0].AchievementID != "first-steps" {
		t.Fatalf("expected first-steps unlocked, got %+v %v", list, err)
	}
	if len(env.Chat.SentTo(10)) < 2 {
		t.Fatalf("volunteer should have been told about the task and the approval")
	}
}

func TestExpirySweepClosesAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	task := env.createTask(t, "2025-03-01, 09:00-10:00")
	later := env.createTask(t, "2025-03-02")

	env.setNow(time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC))
	res, err := eng.ExpireOverdue(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(res.Closed) != 1 || res.Closed[0] != task.ID || res.ClosedIncomplete != 1 {
		t.Fatalf("unexpected sweep result %+v", res)
	}
	got, _ := eng.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskClosed || !got.ClosedIncomplete {
		t.Fatalf("task should be closed incomplete: %+v", got)
	}
	if still, _ := eng.GetTask(env.Ctx, later.ID); still.Status != domain.TaskOpen {
		t.Fatalf("future task must stay open, got %s", still.Status)
	}

	again, err := eng.ExpireOverdue(env.Ctx)
	if err != nil || len(again.Closed) != 0 {
		t.Fatalf("second sweep should close nothing: %+v %v", again, err)
	}
	n, err := eng.Repo.CountEvents(env.Ctx, events.TaskExpired, "task", task.ID)
	if err != nil || n != 1 {
		t.Fatalf("expected exactly one expiry event, got %d %v", n, err)
	}
	report, _ := eng.ListClosedIncomplete(env.Ctx, "p1")
	if len(report) != 1 || report[0].ID != task.ID {
		t.Fatalf("closed-incomplete report %+v", report)
	}
}

func TestExpirySkipsCompletedTask(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	task := env.createTask(t, "2025-03-01")
	if _, err := eng.Accept(env.Ctx, task.ID, "v2"); err != nil {
		t.Fatal(err)
	}
	photo, err := eng.SubmitPhotoReport(env.Ctx, engine.PhotoSubmitOptions{VolunteerID: "v2", TaskID: task.ID, ImageRef: "photos/x.jpg"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Approve(env.Ctx, engine.ApproveOptions{PhotoID: photo.ID, ModeratorID: "org"}); err != nil {
		t.Fatal(err)
	}
	env.setNow(time.Date(2025, 3, 2, 0, 0, 1, 0, time.UTC))
	res, err := eng.ExpireOverdue(env.Ctx)
	if err != nil || len(res.Closed) != 0 {
		t.Fatalf("completed task must not expire: %+v %v", res, err)
	}
}

func TestResponsesRequireAssignment(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "")
	if _, err := env.Engine.Accept(env.Ctx, task.ID, "org"); !errors.Is(err, engine.ErrNotAssigned) {
		t.Fatalf("expected ErrNotAssigned, got %v", err)
	}
	if _, err := env.Engine.Complete(env.Ctx, task.ID, "v1"); !errors.Is(err, engine.ErrNotAccepted) {
		t.Fatalf("expected ErrNotAccepted, got %v", err)
	}
}

func TestDeclineReturnsTaskToOpen(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	task := env.createTask(t, "")
	eng.Accept(env.Ctx, task.ID, "v1")
	eng.Accept(env.Ctx, task.ID, "v2")

	res, err := eng.Decline(env.Ctx, task.ID, "v1")
	if err != nil || res.Task.Status != domain.TaskInProgress {
		t.Fatalf("one acceptance left, task should stay in progress: %+v %v", res, err)
	}
	res, err = eng.Decline(env.Ctx, task.ID, "v2")
	if err != nil || res.Task.Status != domain.TaskOpen {
		t.Fatalf("no acceptances left, task should reopen: %+v %v", res, err)
	}
	again, err := eng.Decline(env.Ctx, task.ID, "v2")
	if err != nil || again.Outcome != engine.OutcomeAlreadyProcessed {
		t.Fatalf("repeat decline should be a no-op: %+v %v", again, err)
	}

	eng.Accept(env.Ctx, task.ID, "v3")
	eng.Complete(env.Ctx, task.ID, "v3")
	if _, err := eng.Decline(env.Ctx, task.ID, "v3"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("declining a completed assignment should fail, got %v", err)
	}
}

func TestCompletedImpliesAcceptedUnderRandomResponses(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	task := env.createTask(t, "")
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		vol := volunteers[rng.Intn(len(volunteers))]
		switch rng.Intn(3) {
		case 0:
			eng.Accept(env.Ctx, task.ID, vol)
		case 1:
			eng.Decline(env.Ctx, task.ID, vol)
		case 2:
			eng.Complete(env.Ctx, task.ID, vol)
		}
		assignments, err := eng.Repo.ListAssignments(env.Ctx, task.ID)
		if err != nil {
			t.Fatal(err)
		}
		anyAccepted := false
		for _, a := range assignments {
			if a.Completed && !a.IsAccepted() {
				t.Fatalf("step %d: completed without acceptance: %+v", i, a)
			}
			anyAccepted = anyAccepted || a.IsAccepted()
		}
		got, _ := eng.GetTask(env.Ctx, task.ID)
		if anyAccepted && got.Status != domain.TaskInProgress || !anyAccepted && got.Status != domain.TaskOpen {
			t.Fatalf("step %d: status %s with accepted=%v", i, got.Status, anyAccepted)
		}
	}
}

func TestConcurrentAcceptAppliesOnce(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "")
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.Engine.Accept(env.Ctx, task.ID, "v1")
			if err != nil {
				t.Errorf("accept: %v", err)
				return
			}
			if res.Applied() {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if applied != 1 {
		t.Fatalf("expected exactly one applied accept, got %d", applied)
	}
}

func TestConcurrentApproveHasSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	photo, err := eng.SubmitPhotoReport(env.Ctx, engine.PhotoSubmitOptions{VolunteerID: "v1", ProjectID: "p1", ImageRef: "photos/a.jpg"})
	if err != nil {
		t.Fatal(err)
	}
	stars := 5
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := eng.Approve(env.Ctx, engine.ApproveOptions{PhotoID: photo.ID, ModeratorID: "org", Rating: &stars})
			if err != nil {
				t.Errorf("approve: %v", err)
				return
			}
			if res.Applied() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
	if rating, _ := eng.Repo.GetRating(env.Ctx, "v1"); rating != 10 {
		t.Fatalf("rating applied more than once: %d", rating)
	}
	if _, err := eng.Reject(env.Ctx, engine.RejectOptions{PhotoID: photo.ID, ModeratorID: "org", Reason: "late"}); err != nil {
		t.Fatalf("reject after approve: %v", err)
	}
	got, _ := eng.Repo.GetPhoto(env.Ctx, photo.ID)
	if got.Status != domain.PhotoApproved {
		t.Fatalf("approved report must not flip, got %s", got.Status)
	}
}

func TestApproveWithoutRatingKeepsRating(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	photo, _ := eng.SubmitPhotoReport(env.Ctx, engine.PhotoSubmitOptions{VolunteerID: "v2", ProjectID: "p1", ImageRef: "photos/b.jpg"})
	res, err := eng.Approve(env.Ctx, engine.ApproveOptions{PhotoID: photo.ID, ModeratorID: "org"})
	if err != nil || res.Rating != nil || res.Photo.Rating != nil {
		t.Fatalf("skip rating: %+v %v", res, err)
	}
	if rating, _ := eng.Repo.GetRating(env.Ctx, "v2"); rating != 0 {
		t.Fatalf("rating changed on skip: %d", rating)
	}
	bad := 9
	var verr *engine.ValidationError
	if _, err := eng.Approve(env.Ctx, engine.ApproveOptions{PhotoID: photo.ID, Rating: &bad}); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for rating 9, got %v", err)
	}
}

func TestRejectRequiresReasonAndFailsTask(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	task := env.createTask(t, "")
	eng.Accept(env.Ctx, task.ID, "v1")
	eng.Complete(env.Ctx, task.ID, "v1")
	photo, err := eng.SubmitPhotoReport(env.Ctx, engine.PhotoSubmitOptions{VolunteerID: "v1", TaskID: task.ID, ImageRef: "photos/c.jpg"})
	if err != nil {
		t.Fatal(err)
	}
	var verr *engine.ValidationError
	if _, err := eng.Reject(env.Ctx, engine.RejectOptions{PhotoID: photo.ID, ModeratorID: "org", Reason: "  "}); !errors.As(err, &verr) || verr.Field != "reason" {
		t.Fatalf("expected reason validation error, got %v", err)
	}
	res, err := eng.Reject(env.Ctx, engine.RejectOptions{PhotoID: photo.ID, ModeratorID: "org", Reason: "photo is blurry"})
	if err != nil || !res.Applied() {
		t.Fatalf("reject: %+v %v", res, err)
	}
	got, _ := eng.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskFailed {
		t.Fatalf("task should fail, got %s", got.Status)
	}
	a, _ := eng.Repo.GetAssignment(env.Ctx, task.ID, "v1")
	if a.Completed || !a.IsAccepted() {
		t.Fatalf("assignment should reopen for resubmission: %+v", a)
	}
}

func TestSubmitPhotoRequiresAcceptance(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "")
	_, err := env.Engine.SubmitPhotoReport(env.Ctx, engine.PhotoSubmitOptions{VolunteerID: "v1", TaskID: task.ID, ImageRef: "photos/d.jpg"})
	if !errors.Is(err, engine.ErrNotAccepted) {
		t.Fatalf("expected ErrNotAccepted, got %v", err)
	}
}

func TestRatingCrossesTwoThresholds(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	change, err := eng.ApplyRatingDelta(env.Ctx, "v3", 30, "org")
	if err != nil {
		t.Fatal(err)
	}
	if change.New != 30 || len(change.Unlocked) != 2 {
		t.Fatalf("expected two unlocks at 30, got %+v", change)
	}
	if change.Unlocked[0].ID != "first-steps" || change.Unlocked[1].ID != "helping-hand" {
		t.Fatalf("unlock order %+v", change.Unlocked)
	}
	again, err := eng.SyncAchievements(env.Ctx, "v3")
	if err != nil || len(again.Unlocked) != 0 {
		t.Fatalf("re-running must unlock nothing: %+v %v", again, err)
	}
	n, _ := eng.Repo.CountUserAchievements(env.Ctx, "v3")
	if n != 2 {
		t.Fatalf("expected 2 stored unlocks, got %d", n)
	}

	top, err := eng.ApplyRatingDelta(env.Ctx, "v3", 10000, "org")
	if err != nil || top.New != 750 || len(top.Unlocked) != 3 {
		t.Fatalf("expected clamp to 750 and the rest unlocked: %+v %v", top, err)
	}
	low, err := eng.ApplyRatingDelta(env.Ctx, "v3", -10000, "org")
	if err != nil || low.New != 0 || len(low.Unlocked) != 0 {
		t.Fatalf("expected clamp to 0 without unlocks: %+v %v", low, err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	var verr *engine.ValidationError
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "p1", CreatorID: "org", Description: "x", Deadline: "tomorrow-ish"})
	if !errors.As(err, &verr) || verr.Field != "deadline" {
		t.Fatalf("expected deadline error, got %v", err)
	}
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "p1", CreatorID: "org", Description: "x", VolunteerIDs: []string{"v1", "ghost"}})
	if !errors.As(err, &verr) || verr.Field != "volunteer_ids" {
		t.Fatalf("expected unknown volunteer error, got %v", err)
	}
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "p1", CreatorID: "v1", Description: "x"})
	if !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("volunteers may not create tasks, got %v", err)
	}
}

func TestCloseAndDeleteTask(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	task := env.createTask(t, "")
	if _, err := eng.CloseTask(env.Ctx, task.ID, "org"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("open task cannot be closed by hand, got %v", err)
	}
	eng.Accept(env.Ctx, task.ID, "v1")
	photo, _ := eng.SubmitPhotoReport(env.Ctx, engine.PhotoSubmitOptions{VolunteerID: "v1", TaskID: task.ID, ImageRef: "photos/e.jpg"})
	eng.Approve(env.Ctx, engine.ApproveOptions{PhotoID: photo.ID, ModeratorID: "org"})
	res, err := eng.CloseTask(env.Ctx, task.ID, "org")
	if err != nil || res.Task.Status != domain.TaskClosed || !res.Task.ClosedIncomplete {
		t.Fatalf("close: %+v %v", res, err)
	}

	other := env.createTask(t, "")
	del, err := eng.DeleteTask(env.Ctx, other.ID, "org")
	if err != nil || !del.Applied() || !del.Task.Deleted {
		t.Fatalf("delete: %+v %v", del, err)
	}
	if again, _ := eng.DeleteTask(env.Ctx, other.ID, "org"); again.Applied() {
		t.Fatalf("second delete should be a no-op")
	}
	var verr *engine.ValidationError
	if _, err := eng.Accept(env.Ctx, other.ID, "v1"); !errors.As(err, &verr) {
		t.Fatalf("deleted task must refuse responses, got %v", err)
	}
}

func TestEventsUseEngineClock(t *testing.T) {
	env := newTestEnv(t)
	at := time.Date(2025, 3, 2, 14, 30, 0, 0, time.UTC)
	env.setNow(at)
	task := env.createTask(t, "")
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 1, 0, "p1", events.TaskCreated, "task", task.ID)
	if err != nil || len(evts) != 1 {
		t.Fatalf("events: %+v %v", evts, err)
	}
	if evts[0].TS != at.Format(time.RFC3339) {
		t.Fatalf("event ts %q, want %q", evts[0].TS, at.Format(time.RFC3339))
	}
}

func TestModerationQueueFollowsManagedProjects(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	created := env.now.Format(time.RFC3339)
	for _, u := range []domain.User{
		{ID: "org2", Name: "Oleg", Role: domain.RoleOrganizer, ChatID: 2, CreatedAt: created},
		{ID: "adm", Name: "Anna", Role: domain.RoleAdmin, ChatID: 3, CreatedAt: created},
	} {
		if err := eng.Repo.UpsertUser(env.Ctx, u); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	if err := eng.Repo.InsertProject(env.Ctx, domain.Project{ID: "p2", Name: "Food bank", OrganizerID: "org2", CreatedAt: created}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if err := eng.Repo.AddProjectVolunteer(env.Ctx, "p2", "v2", created); err != nil {
		t.Fatalf("add volunteer: %v", err)
	}
	for _, p := range []engine.PhotoSubmitOptions{
		{VolunteerID: "v1", ProjectID: "p1", ImageRef: "photos/a.jpg"},
		{VolunteerID: "v2", ProjectID: "p2", ImageRef: "photos/b.jpg"},
	} {
		if _, err := eng.SubmitPhotoReport(env.Ctx, p); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	for moderator, want := range map[string]int{"org": 1, "org2": 1, "adm": 2} {
		page, err := eng.ModerationQueue(env.Ctx, moderator, "", 0, 10)
		if err != nil || page.Total != want || len(page.Items) != want {
			t.Fatalf("%s queue: %+v %v", moderator, page, err)
		}
	}
	page, _ := eng.ModerationQueue(env.Ctx, "org2", "", 0, 10)
	if page.Items[0].ProjectID != "p2" {
		t.Fatalf("org2 should only see p2: %+v", page.Items)
	}
	var verr *engine.ValidationError
	if _, err := eng.ModerationQueue(env.Ctx, "", "", 0, 10); !errors.As(err, &verr) {
		t.Fatalf("missing moderator should be invalid, got %v", err)
	}
}
