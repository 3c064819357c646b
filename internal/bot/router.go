// Package bot is the conversational surface: it turns chat messages and
// button presses into engine calls and session flow steps.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"volunteerops/internal/delivery"
	"volunteerops/internal/domain"
	"volunteerops/internal/engine"
	"volunteerops/internal/engine/auth"
	"volunteerops/internal/keylock"
	"volunteerops/internal/repo"
	"volunteerops/internal/session"
)

// Update is one inbound chat event, independent of the chat provider.
type Update struct {
	ChatID    int64
	Name      string
	Text      string
	Command   string
	Args      string
	ActionID  string
	Image     []byte
	Filename  string
	Location  *[2]float64
	Timestamp time.Time
}

type Router struct {
	Engine   engine.Engine
	Sessions *session.Machine
	Chat     delivery.ChatSender
	Auth     auth.Service
	Logger   *slog.Logger

	chats keylock.Map
}

func NewRouter(eng engine.Engine, sessions *session.Machine, chat delivery.ChatSender) *Router {
	r := &Router{
		Engine:   eng,
		Sessions: sessions,
		Chat:     chat,
		Auth:     auth.Service{Repo: eng.Repo},
		Logger:   eng.Logger,
	}
	r.registerFlows()
	return r
}

func (r *Router) now() time.Time {
	if r.Engine.Now != nil {
		return r.Engine.Now()
	}
	return time.Now()
}

func (r *Router) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

const helpText = `Commands:
/newtask - create a task for your project
/moderate - review pending photo reports
/achievements - list your achievements
/cancel - abort the current step`

// Handle routes an update. Updates from one chat are processed one at a time.
func (r *Router) Handle(ctx context.Context, u Update) error {
	defer r.chats.Lock(strconv.FormatInt(u.ChatID, 10))()
	if u.ActionID != "" {
		return r.OnAction(ctx, u.ChatID, u.ActionID)
	}
	return r.OnMessage(ctx, u)
}

// OnAction dispatches a button press by its action id prefix. Task responses
// go straight to the engine; anything else continues the user's session.
func (r *Router) OnAction(ctx context.Context, chatID int64, actionID string) error {
	user, err := r.identify(ctx, chatID)
	if err != nil {
		return err
	}
	if user == nil {
		return r.reply(ctx, chatID, session.Reply{Text: "Send /start to register first."})
	}
	if id, ok := strings.CutPrefix(actionID, engine.ActionTaskAccept); ok {
		return r.respond(ctx, chatID, *user, id, r.Engine.Accept, "You accepted the task. Press Complete when you are done.",
			delivery.Action{Label: "Complete", ID: engine.ActionTaskComplete + id})
	}
	if id, ok := strings.CutPrefix(actionID, engine.ActionTaskDecline); ok {
		return r.respond(ctx, chatID, *user, id, r.Engine.Decline, "You declined the task.")
	}
	if id, ok := strings.CutPrefix(actionID, engine.ActionTaskComplete); ok {
		return r.complete(ctx, chatID, *user, id)
	}
	if actionID == engine.ActionModerationOpen {
		return r.startModeration(ctx, chatID, *user)
	}
	reply, handled, err := r.Sessions.Handle(ctx, user.ID, session.Selection(actionID))
	if err != nil {
		return r.fail(ctx, chatID, err)
	}
	if !handled {
		return r.reply(ctx, chatID, session.Reply{Text: "This button has expired. " + helpText})
	}
	return r.reply(ctx, chatID, reply)
}

// OnMessage handles commands, then feeds anything else into the active
// session. Input without a live session is treated as a fresh start.
func (r *Router) OnMessage(ctx context.Context, u Update) error {
	if u.Command == "start" {
		return r.register(ctx, u)
	}
	user, err := r.identify(ctx, u.ChatID)
	if err != nil {
		return err
	}
	if user == nil {
		return r.reply(ctx, u.ChatID, session.Reply{Text: "Send /start to register first."})
	}
	switch u.Command {
	case "":
	case "cancel":
		ok, err := r.Sessions.Cancel(ctx, user.ID)
		if err != nil {
			return err
		}
		if !ok {
			return r.reply(ctx, u.ChatID, session.Reply{Text: "Nothing to cancel."})
		}
		return r.reply(ctx, u.ChatID, session.Reply{Text: "Cancelled."})
	case "newtask":
		return r.startNewTask(ctx, u.ChatID, *user, strings.TrimSpace(u.Args))
	case "moderate":
		return r.startModeration(ctx, u.ChatID, *user)
	case "achievements":
		return r.achievements(ctx, u.ChatID, *user)
	default:
		return r.reply(ctx, u.ChatID, session.Reply{Text: helpText})
	}

	in := session.Text(u.Text)
	switch {
	case len(u.Image) > 0:
		in = session.Image(u.Image, u.Filename)
	case u.Location != nil:
		in = session.Location(u.Location[0], u.Location[1])
	}
	reply, handled, err := r.Sessions.Handle(ctx, user.ID, in)
	if err != nil {
		return r.fail(ctx, u.ChatID, err)
	}
	if !handled {
		return r.reply(ctx, u.ChatID, session.Reply{Text: helpText})
	}
	return r.reply(ctx, u.ChatID, reply)
}

func (r *Router) register(ctx context.Context, u Update) error {
	user, err := r.identify(ctx, u.ChatID)
	if err != nil {
		return err
	}
	if user == nil {
		name := strings.TrimSpace(u.Name)
		if name == "" {
			name = "volunteer"
		}
		created := domain.User{
			ID:        "tg-" + strconv.FormatInt(u.ChatID, 10),
			Name:      name,
			Role:      domain.RoleVolunteer,
			ChatID:    u.ChatID,
			CreatedAt: r.now().UTC().Format(time.RFC3339),
		}
		if err := r.Engine.Repo.UpsertUser(ctx, created); err != nil {
			return err
		}
		r.logger().Info("registered chat user", "user", created.ID)
		return r.reply(ctx, u.ChatID, session.Reply{Text: "Welcome, " + name + "!\n" + helpText})
	}
	return r.reply(ctx, u.ChatID, session.Reply{Text: "Welcome back, " + user.Name + "!\n" + helpText})
}

// identify maps a chat to a user and records the login; nil means unknown.
func (r *Router) identify(ctx context.Context, chatID int64) (*domain.User, error) {
	u, err := r.Engine.Repo.GetUserByChatID(ctx, chatID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := r.Engine.Repo.TouchLogin(ctx, u.ID, r.now().UTC().Format(time.RFC3339)); err != nil {
		r.logger().Warn("touch login", "user", u.ID, "err", err)
	}
	return &u, nil
}

type responder func(ctx context.Context, taskID, volunteerID string) (engine.Result, error)

func (r *Router) respond(ctx context.Context, chatID int64, user domain.User, taskID string, fn responder, ok string, actions ...delivery.Action) error {
	res, err := fn(ctx, taskID, user.ID)
	if err != nil {
		return r.fail(ctx, chatID, err)
	}
	if !res.Applied() {
		return r.reply(ctx, chatID, session.Reply{Text: "Already recorded."})
	}
	return r.reply(ctx, chatID, session.Reply{Text: ok, Actions: actions})
}

func (r *Router) complete(ctx context.Context, chatID int64, user domain.User, taskID string) error {
	if _, err := r.Engine.Complete(ctx, taskID, user.ID); err != nil {
		return r.fail(ctx, chatID, err)
	}
	reply, err := r.Sessions.Start(ctx, user.ID, flowPhoto, map[string]string{"task_id": taskID})
	if err != nil {
		return err
	}
	return r.reply(ctx, chatID, reply)
}

func (r *Router) achievements(ctx context.Context, chatID int64, user domain.User) error {
	list, err := r.Engine.ListUserAchievements(ctx, user.ID)
	if err != nil {
		return r.fail(ctx, chatID, err)
	}
	if len(list) == 0 {
		return r.reply(ctx, chatID, session.Reply{Text: fmt.Sprintf("Rating %d. No achievements yet.", user.Rating)})
	}
	titles := make([]string, len(list))
	for i, a := range list {
		titles[i] = "- " + a.Title
	}
	return r.reply(ctx, chatID, session.Reply{Text: fmt.Sprintf("Rating %d.\n%s", user.Rating, strings.Join(titles, "\n"))})
}

// fail reports user-facing errors in chat and returns the rest.
func (r *Router) fail(ctx context.Context, chatID int64, err error) error {
	var verr *engine.ValidationError
	var ferr auth.ForbiddenError
	switch {
	case errors.As(err, &verr):
		return r.reply(ctx, chatID, session.Reply{Text: verr.Error()})
	case errors.As(err, &ferr), errors.Is(err, engine.ErrForbidden):
		return r.reply(ctx, chatID, session.Reply{Text: "You are not allowed to do that."})
	case errors.Is(err, engine.ErrNotAssigned):
		return r.reply(ctx, chatID, session.Reply{Text: "This task was not offered to you."})
	case errors.Is(err, engine.ErrNotAccepted):
		return r.reply(ctx, chatID, session.Reply{Text: "Accept the task first."})
	case errors.Is(err, engine.ErrInvalidTransition):
		return r.reply(ctx, chatID, session.Reply{Text: "This task can no longer be changed."})
	case errors.Is(err, engine.ErrConcurrencyConflict):
		return r.reply(ctx, chatID, session.Reply{Text: "Someone else changed this just now, please try again."})
	case errors.Is(err, repo.ErrNotFound):
		return r.reply(ctx, chatID, session.Reply{Text: "Not found."})
	}
	_ = r.reply(ctx, chatID, session.Reply{Text: "Something went wrong, please try again later."})
	return err
}

func (r *Router) reply(ctx context.Context, chatID int64, rep session.Reply) error {
	if rep.Text == "" && rep.ImageRef == "" {
		return nil
	}
	if rep.ImageRef != "" && r.Engine.Media != nil {
		img, err := r.Engine.Media.Load(ctx, rep.ImageRef)
		if err == nil {
			err = r.Chat.SendPhoto(ctx, chatID, img, rep.Text, rep.Actions)
		}
		if err == nil {
			return nil
		}
		r.logger().Warn("send photo, falling back to text", "chat", chatID, "ref", rep.ImageRef, "err", err)
	}
	return r.Chat.SendInteractiveMessage(ctx, chatID, rep.Text, rep.Actions)
}
