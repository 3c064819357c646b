package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"volunteerops/internal/config"
	"volunteerops/internal/delivery"
	"volunteerops/internal/dispatch"
	"volunteerops/internal/events"
	"volunteerops/internal/keylock"
	"volunteerops/internal/media"
	"volunteerops/internal/recipients"
	"volunteerops/internal/repo"
)

// Engine owns every state change of tasks, assignments, photo reports and
// ratings. Notifications go out only after the state change committed.
type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Events       events.Writer
	Config       *config.Config
	Now          func() time.Time
	Recipients   recipients.Resolver
	Dispatcher   *dispatch.Dispatcher
	Media        media.Store
	Achievements AchievementCache
	Logger       *slog.Logger

	locks *keylock.Map
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:           db,
		Repo:         r,
		Events:       events.Writer{DB: db},
		Config:       cfg,
		Now:          time.Now,
		Recipients:   recipients.Resolver{Repo: r},
		Media:        &media.Memory{},
		Achievements: NewMemoryCache(),
		Logger:       slog.Default(),
		locks:        &keylock.Map{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// EventLog is the event writer stamped by the engine's clock unless Events
// carries its own.
func (e Engine) EventLog() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

var fallbackLocks keylock.Map

// lockAssignment serializes mutations of one (task, volunteer) pair.
func (e Engine) lockAssignment(taskID, volunteerID string) func() {
	locks := e.locks
	if locks == nil {
		locks = &fallbackLocks
	}
	return locks.Lock(taskID + "|" + volunteerID)
}

// retryStale runs fn once more when it lost a version race, and reports a
// conflict when the second attempt loses too.
func retryStale[T any](fn func() (T, error)) (T, error) {
	res, err := fn()
	if !errors.Is(err, repo.ErrStale) {
		return res, err
	}
	res, err = fn()
	if errors.Is(err, repo.ErrStale) {
		return res, ErrConcurrencyConflict
	}
	return res, err
}

// notifyUsers sends msg to userIDs over chat and push. Failures are logged;
// the state change that triggered the notification already committed.
func (e Engine) notifyUsers(ctx context.Context, userIDs []string, msg delivery.Message) (dispatch.DeliveryReport, bool) {
	if e.Dispatcher == nil || len(userIDs) == 0 {
		return dispatch.DeliveryReport{}, false
	}
	rcpts, err := e.Recipients.ForUsers(ctx, userIDs)
	if err != nil {
		e.logger().Warn("resolve notification recipients", "users", userIDs, "err", err)
		return dispatch.DeliveryReport{}, false
	}
	return e.Dispatcher.Dispatch(ctx, rcpts, msg, defaultChannels), true
}

var defaultChannels = []delivery.ChannelName{delivery.Chat, delivery.Push}
