package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	"volunteerops/internal/config"
	"volunteerops/internal/db"
	"volunteerops/internal/delivery"
	"volunteerops/internal/dispatch"
	"volunteerops/internal/domain"
	"volunteerops/internal/engine"
	"volunteerops/internal/migrate"
	"volunteerops/internal/repo"
	"volunteerops/internal/session"
)

type botEnv struct {
	router *Router
	chat   *delivery.MemoryChat
	ctx    context.Context
	now    *time.Time
}

func newBotEnv(t *testing.T) botEnv {
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
	chat := &delivery.MemoryChat{}
	retry := delivery.RetryPolicy{Attempts: 1}
	eng.Dispatcher = dispatch.New(2, []delivery.Channel{delivery.ChatChannel{Sender: chat, Retry: retry}}, dispatch.WithImages(eng.Media))

	ctx := context.Background()
	created := now.Format(time.RFC3339)
	for _, u := range []domain.User{
		{ID: "org", Name: "Olga", Role: domain.RoleOrganizer, ChatID: 1, CreatedAt: created},
		{ID: "v1", Name: "Vera", Role: domain.RoleVolunteer, ChatID: 10, CreatedAt: created},
		{ID: "v2", Name: "Ivan", Role: domain.RoleVolunteer, ChatID: 11, CreatedAt: created},
	} {
		if err := eng.Repo.UpsertUser(ctx, u); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	if err := eng.Repo.InsertProject(ctx, domain.Project{ID: "p1", Name: "Park cleanup", OrganizerID: "org", CreatedAt: created}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	for _, id := range []string{"v1", "v2"} {
		if err := eng.Repo.AddProjectVolunteer(ctx, "p1", id, created); err != nil {
			t.Fatalf("add volunteer: %v", err)
		}
	}
	if err := eng.SeedAchievements(ctx); err != nil {
		t.Fatalf("seed achievements: %v", err)
	}
	store := session.NewMemoryStore()
	store.Now = eng.Now
	machine := session.NewMachine(store, 10*time.Minute)
	machine.Now = eng.Now
	return botEnv{router: NewRouter(eng, machine, chat), chat: chat, ctx: ctx, now: clock}
}

func (env botEnv) send(t *testing.T, u Update) {
	t.Helper()
	if err := env.router.Handle(env.ctx, u); err != nil {
		t.Fatalf("handle %+v: %v", u, err)
	}
}

func (env botEnv) last(t *testing.T, chatID int64) delivery.ChatDelivery {
	t.Helper()
	sent := env.chat.SentTo(chatID)
	if len(sent) == 0 {
		t.Fatalf("nothing sent to chat %d", chatID)
	}
	return sent[len(sent)-1]
}

func hasAction(d delivery.ChatDelivery, id string) bool {
	for _, a := range d.Actions {
		if a.ID == id {
			return true
		}
	}
	return false
}

func (env botEnv) createTaskViaChat(t *testing.T) domain.Task {
	t.Helper()
	env.send(t, Update{ChatID: 1, Command: "newtask"})
	if got := env.last(t, 1).Text; got != "Describe the task." {
		t.Fatalf("single project should skip the picker, got %q", got)
	}
	env.send(t, Update{ChatID: 1, Text: "Paint the fence"})
	env.send(t, Update{ChatID: 1, Text: "not a date"})
	if got := env.last(t, 1).Text; !strings.HasPrefix(got, "I could not read that deadline.") {
		t.Fatalf("bad deadline should re-prompt, got %q", got)
	}
	env.send(t, Update{ChatID: 1, Text: "01.03.2025"})
	if !hasAction(env.last(t, 1), pickRecipient+"v1") {
		t.Fatalf("recipient picker should list project volunteers: %+v", env.last(t, 1))
	}
	env.send(t, Update{ChatID: 1, ActionID: recipientsOK})
	if got := env.last(t, 1).Text; !strings.HasPrefix(got, "Pick at least one volunteer") {
		t.Fatalf("empty selection should re-prompt, got %q", got)
	}
	env.send(t, Update{ChatID: 1, ActionID: pickRecipient + "v1"})
	env.send(t, Update{ChatID: 1, ActionID: recipientsOK})
	if got := env.last(t, 1).Text; !strings.Contains(got, "1 selected volunteers") {
		t.Fatalf("confirmation should count the selection, got %q", got)
	}
	env.send(t, Update{ChatID: 1, ActionID: confirmYes})
	if got := env.last(t, 1).Text; !strings.HasPrefix(got, "Task created") {
		t.Fatalf("expected creation summary, got %q", got)
	}
	tasks, err := env.router.Engine.ListTasks(env.ctx, repo.TaskFilter{ProjectID: "p1"})
	if err != nil || len(tasks) != 1 {
		t.Fatalf("tasks: %+v %v", tasks, err)
	}
	return tasks[0]
}

func TestNewTaskFlowNotifiesSelectedVolunteers(t *testing.T) {
	env := newBotEnv(t)
	task := env.createTaskViaChat(t)
	if task.Description != "Paint the fence" || task.DeadlineDate == nil || *task.DeadlineDate != "2025-03-01" {
		t.Fatalf("unexpected task %+v", task)
	}
	offer := env.last(t, 10)
	if !hasAction(offer, engine.ActionTaskAccept+task.ID) || !hasAction(offer, engine.ActionTaskDecline+task.ID) {
		t.Fatalf("volunteer should get accept and decline buttons: %+v", offer)
	}
	if len(env.chat.SentTo(11)) != 0 {
		t.Fatalf("unselected volunteer must not be notified")
	}
}

func TestVolunteerAcceptCompleteAndModeration(t *testing.T) {
	env := newBotEnv(t)
	task := env.createTaskViaChat(t)

	env.send(t, Update{ChatID: 10, ActionID: engine.ActionTaskAccept + task.ID})
	if !hasAction(env.last(t, 10), engine.ActionTaskComplete+task.ID) {
		t.Fatalf("accept reply should offer Complete: %+v", env.last(t, 10))
	}
	env.send(t, Update{ChatID: 10, ActionID: engine.ActionTaskAccept + task.ID})
	if got := env.last(t, 10).Text; got != "Already recorded." {
		t.Fatalf("second accept should be a no-op, got %q", got)
	}
	env.send(t, Update{ChatID: 10, ActionID: engine.ActionTaskComplete + task.ID})
	if got := env.last(t, 10).Text; got != "Send a photo of the finished work." {
		t.Fatalf("complete should ask for a photo, got %q", got)
	}
	env.send(t, Update{ChatID: 10, Text: "here it is"})
	if got := env.last(t, 10).Text; !strings.HasPrefix(got, "Please send a photo.") {
		t.Fatalf("text should re-prompt for a photo, got %q", got)
	}
	env.send(t, Update{ChatID: 10, Image: []byte("jpeg"), Filename: "photo.jpg"})
	if got := env.last(t, 10).Text; !strings.HasPrefix(got, "Thanks!") {
		t.Fatalf("photo should be accepted, got %q", got)
	}
	if !hasAction(env.last(t, 1), engine.ActionModerationOpen) {
		t.Fatalf("organizer should be asked to moderate: %+v", env.last(t, 1))
	}

	env.send(t, Update{ChatID: 1, ActionID: engine.ActionModerationOpen})
	review := env.last(t, 1)
	if !review.WithImage || !hasAction(review, modAction+"0_approve") {
		t.Fatalf("moderation card should show the photo with buttons: %+v", review)
	}
	env.send(t, Update{ChatID: 1, ActionID: modAction + "0_approve"})
	env.send(t, Update{ChatID: 1, ActionID: modRate + "0_4"})
	if got := env.last(t, 1).Text; got != "The moderation queue is empty." {
		t.Fatalf("queue should drain, got %q", got)
	}

	u, err := env.router.Engine.Repo.GetUser(env.ctx, "v1")
	if err != nil || u.Rating != 6 {
		t.Fatalf("rating after 4 stars: %+v %v", u, err)
	}
	got, err := env.router.Engine.GetTask(env.ctx, task.ID)
	if err != nil || got.Status != domain.TaskCompleted {
		t.Fatalf("task should be completed: %+v %v", got, err)
	}
	env.send(t, Update{ChatID: 10, Command: "achievements"})
	if got := env.last(t, 10).Text; !strings.Contains(got, "Rating 6") {
		t.Fatalf("achievements reply %q", got)
	}
}

func TestVolunteerCannotModerate(t *testing.T) {
	env := newBotEnv(t)
	env.send(t, Update{ChatID: 10, Command: "moderate"})
	if got := env.last(t, 10).Text; got != "You are not allowed to do that." {
		t.Fatalf("got %q", got)
	}
	env.send(t, Update{ChatID: 10, Command: "newtask"})
	if got := env.last(t, 10).Text; got != "You are not allowed to do that." {
		t.Fatalf("got %q", got)
	}
}

func TestExpiredSessionFallsBackToHelp(t *testing.T) {
	env := newBotEnv(t)
	env.send(t, Update{ChatID: 1, Command: "newtask"})
	*env.now = env.now.Add(11 * time.Minute)
	env.send(t, Update{ChatID: 1, Text: "Paint the fence"})
	if got := env.last(t, 1).Text; got != helpText {
		t.Fatalf("expired session should show help, got %q", got)
	}
	env.send(t, Update{ChatID: 1, ActionID: confirmYes})
	if got := env.last(t, 1).Text; !strings.HasPrefix(got, "This button has expired.") {
		t.Fatalf("stale button, got %q", got)
	}
}

func TestStartRegistersUnknownChat(t *testing.T) {
	env := newBotEnv(t)
	env.send(t, Update{ChatID: 99, Text: "hello"})
	if got := env.last(t, 99).Text; got != "Send /start to register first." {
		t.Fatalf("got %q", got)
	}
	env.send(t, Update{ChatID: 99, Command: "start", Name: "Nina"})
	u, err := env.router.Engine.Repo.GetUserByChatID(env.ctx, 99)
	if err != nil || u.Role != domain.RoleVolunteer || u.Name != "Nina" {
		t.Fatalf("registered user %+v %v", u, err)
	}
	env.send(t, Update{ChatID: 99, Command: "cancel"})
	if got := env.last(t, 99).Text; got != "Nothing to cancel." {
		t.Fatalf("got %q", got)
	}
}

// submitPhotoViaChat takes v1 from task creation to a pending photo report.
func (env botEnv) submitPhotoViaChat(t *testing.T) domain.Task {
	t.Helper()
	task := env.createTaskViaChat(t)
	env.send(t, Update{ChatID: 10, ActionID: engine.ActionTaskAccept + task.ID})
	env.send(t, Update{ChatID: 10, ActionID: engine.ActionTaskComplete + task.ID})
	env.send(t, Update{ChatID: 10, Image: []byte("jpeg"), Filename: "photo.jpg"})
	if got := env.last(t, 10).Text; !strings.HasPrefix(got, "Thanks!") {
		t.Fatalf("photo should be accepted, got %q", got)
	}
	return task
}

func (env botEnv) addUser(t *testing.T, u domain.User) {
	t.Helper()
	u.CreatedAt = env.now.Format(time.RFC3339)
	if err := env.router.Engine.Repo.UpsertUser(env.ctx, u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func (env botEnv) pendingInP1(t *testing.T) int {
	t.Helper()
	page, err := env.router.Engine.ListPendingPhotos(env.ctx, "p1", 0, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	return page.Total
}

func TestSecondApproveReportsAlreadyProcessed(t *testing.T) {
	env := newBotEnv(t)
	env.addUser(t, domain.User{ID: "adm", Name: "Anna", Role: domain.RoleAdmin, ChatID: 3})
	env.submitPhotoViaChat(t)

	env.send(t, Update{ChatID: 1, ActionID: engine.ActionModerationOpen})
	env.send(t, Update{ChatID: 3, Command: "moderate"})
	if !hasAction(env.last(t, 3), modAction+"0_approve") {
		t.Fatalf("admin should see the report: %+v", env.last(t, 3))
	}

	env.send(t, Update{ChatID: 1, ActionID: modAction + "0_approve"})
	env.send(t, Update{ChatID: 1, ActionID: modRate + "0_4"})
	if got := env.last(t, 1).Text; got != "The moderation queue is empty." {
		t.Fatalf("first approve should drain the queue, got %q", got)
	}

	env.send(t, Update{ChatID: 3, ActionID: modAction + "0_approve"})
	env.send(t, Update{ChatID: 3, ActionID: modRate + "0_5"})
	if got := env.last(t, 3).Text; got != "This report was already processed.\nThe moderation queue is empty." {
		t.Fatalf("losing approve should say so, got %q", got)
	}
	u, err := env.router.Engine.Repo.GetUser(env.ctx, "v1")
	if err != nil || u.Rating != 6 {
		t.Fatalf("only the first rating counts: %+v %v", u, err)
	}
}

func TestModerationQueueSkipsUnmanagedProjects(t *testing.T) {
	env := newBotEnv(t)
	env.addUser(t, domain.User{ID: "org2", Name: "Oleg", Role: domain.RoleOrganizer, ChatID: 2})
	if err := env.router.Engine.Repo.InsertProject(env.ctx, domain.Project{ID: "p2", Name: "Food bank", OrganizerID: "org2", CreatedAt: env.now.Format(time.RFC3339)}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	env.submitPhotoViaChat(t)

	env.send(t, Update{ChatID: 2, Command: "moderate"})
	if got := env.last(t, 2).Text; got != "No photo reports are waiting." {
		t.Fatalf("other organizer should not see p1 reports, got %q", got)
	}
}

func TestModerationRechecksProjectBeforeDecision(t *testing.T) {
	env := newBotEnv(t)
	env.addUser(t, domain.User{ID: "org2", Name: "Oleg", Role: domain.RoleOrganizer, ChatID: 2})
	env.submitPhotoViaChat(t)

	env.send(t, Update{ChatID: 1, Command: "moderate"})
	env.send(t, Update{ChatID: 1, ActionID: modAction + "0_reject"})
	if _, err := env.router.Engine.DB.ExecContext(env.ctx, `UPDATE projects SET organizer_id='org2' WHERE id='p1'`); err != nil {
		t.Fatalf("reassign project: %v", err)
	}
	env.send(t, Update{ChatID: 1, Text: "blurry"})
	if got := env.last(t, 1).Text; got != "You are not allowed to do that." {
		t.Fatalf("former organizer should be refused, got %q", got)
	}
	if n := env.pendingInP1(t); n != 1 {
		t.Fatalf("report should stay pending, got %d", n)
	}
}
