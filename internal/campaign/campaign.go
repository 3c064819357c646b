// Package campaign runs bulk notification campaigns: it resolves a user
// filter into recipients, sends to each of them individually in the
// background and tracks every recipient's delivery status.
package campaign

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"volunteerops/internal/delivery"
	"volunteerops/internal/dispatch"
	"volunteerops/internal/domain"
	"volunteerops/internal/engine"
	"volunteerops/internal/engine/auth"
	"volunteerops/internal/events"
	"volunteerops/internal/recipients"
	"volunteerops/internal/repo"
)

// DefaultChannels are used when a launch names none.
var DefaultChannels = []delivery.ChannelName{delivery.Chat, delivery.Push, delivery.Email}

type Runner struct {
	Repo       repo.Repo
	Recipients recipients.Resolver
	Dispatcher *dispatch.Dispatcher
	Events     events.Writer
	Auth       auth.Service
	Workers    int
	Now        func() time.Time
	Logger     *slog.Logger

	bg      conc.WaitGroup
	mu      sync.Mutex
	running map[string]chan struct{}
}

// New builds a runner sharing the engine's storage and dispatcher.
func New(eng engine.Engine, workers int) *Runner {
	return &Runner{
		Repo:       eng.Repo,
		Recipients: eng.Recipients,
		Dispatcher: eng.Dispatcher,
		Events:     eng.EventLog(),
		Auth:       auth.Service{Repo: eng.Repo},
		Workers:    workers,
		Now:        eng.Now,
		Logger:     eng.Logger,
	}
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) stamp() string { return r.now().UTC().Format(time.RFC3339Nano) }

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

type LaunchOptions struct {
	ID        string
	Title     string
	Body      string
	Filter    domain.CampaignFilter
	Channels  []string
	CreatedBy string
}

// TemplateData is what a campaign body can reference, e.g. {{.Name}}.
type TemplateData struct {
	Name   string
	City   string
	Rating int
}

func parseBody(body string) (*template.Template, error) {
	return template.New("body").Option("missingkey=error").Parse(body)
}

// Render substitutes one recipient's values into a campaign body.
func Render(body string, rc delivery.Recipient) (string, error) {
	tmpl, err := parseBody(body)
	if err != nil {
		return "", err
	}
	return render(tmpl, rc)
}

func render(tmpl *template.Template, rc delivery.Recipient) (string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, TemplateData{Name: rc.Name, City: rc.City, Rating: rc.Rating}); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func invalid(field, reason string) error {
	return &engine.ValidationError{Field: field, Reason: reason}
}

// Launch persists the campaign with one pending row per recipient and
// starts sending in the background. The returned campaign is running; use
// Wait or GetDeliveryReport to follow it.
func (r *Runner) Launch(ctx context.Context, opts LaunchOptions) (domain.Campaign, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Campaign{}, invalid("title", "is required")
	}
	if strings.TrimSpace(opts.Body) == "" {
		return domain.Campaign{}, invalid("body", "is required")
	}
	tmpl, err := parseBody(opts.Body)
	if err != nil {
		return domain.Campaign{}, invalid("body", err.Error())
	}
	for _, role := range opts.Filter.Roles {
		if !domain.ValidRole(role) {
			return domain.Campaign{}, invalid("filter.roles", fmt.Sprintf("unknown role %q", role))
		}
	}
	if f := opts.Filter; f.MinRating != nil && f.MaxRating != nil && *f.MinRating > *f.MaxRating {
		return domain.Campaign{}, invalid("filter", "min_rating is above max_rating")
	}
	channels := DefaultChannels
	if len(opts.Channels) > 0 {
		channels = nil
		for _, s := range opts.Channels {
			ch, err := delivery.ParseChannel(s)
			if err != nil {
				return domain.Campaign{}, invalid("channels", err.Error())
			}
			channels = append(channels, ch)
		}
	}
	if opts.CreatedBy != "" && opts.CreatedBy != "system" {
		if err := r.Auth.Require(ctx, opts.CreatedBy, auth.PermCampaignLaunch); err != nil {
			return domain.Campaign{}, err
		}
	}

	rcpts, err := r.Recipients.ForCampaign(ctx, opts.Filter)
	if err != nil {
		return domain.Campaign{}, fmt.Errorf("resolve recipients: %w", err)
	}
	if len(rcpts) == 0 {
		return domain.Campaign{}, invalid("filter", "matches no users")
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = string(ch)
	}
	c := domain.Campaign{
		ID:        id,
		Title:     title,
		Body:      opts.Body,
		Filter:    opts.Filter,
		Channels:  names,
		Status:    domain.CampaignRunning,
		Total:     len(rcpts),
		CreatedBy: opts.CreatedBy,
		CreatedAt: r.stamp(),
	}
	userIDs := make([]string, len(rcpts))
	for i, rc := range rcpts {
		userIDs[i] = rc.UserID
	}
	err = r.Repo.InTx(ctx, func(tx *sql.Tx, tr repo.Repo) error {
		if err := tr.InsertCampaign(ctx, c); err != nil {
			return fmt.Errorf("insert campaign: %w", err)
		}
		if err := tr.InsertRecipients(ctx, c.ID, userIDs, c.CreatedAt); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.CampaignLaunched, c.Filter.ProjectID, "campaign", c.ID, opts.CreatedBy, events.EventPayload{
			"title": c.Title, "total": c.Total, "channels": c.Channels,
		})
	})
	if err != nil {
		return domain.Campaign{}, err
	}

	done := make(chan struct{})
	r.mu.Lock()
	if r.running == nil {
		r.running = make(map[string]chan struct{})
	}
	r.running[c.ID] = done
	r.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	r.bg.Go(func() {
		defer func() {
			r.mu.Lock()
			delete(r.running, c.ID)
			r.mu.Unlock()
			close(done)
		}()
		if err := r.run(runCtx, c, tmpl, rcpts, channels); err != nil {
			r.logger().Error("campaign run", "campaign", c.ID, "err", err)
		}
	})
	r.logger().Info("campaign launched", "campaign", c.ID, "recipients", c.Total, "channels", c.Channels)
	return c, nil
}

// run sends to every recipient individually so each one's status can be
// tracked, then stores the rollup.
func (r *Runner) run(ctx context.Context, c domain.Campaign, tmpl *template.Template, rcpts []delivery.Recipient, channels []delivery.ChannelName) error {
	workers := r.Workers
	if workers <= 0 {
		workers = 4
	}
	reports := make([]dispatch.DeliveryReport, len(rcpts))
	p := pool.New().WithMaxGoroutines(workers)
	for i, rc := range rcpts {
		p.Go(func() {
			reports[i] = r.sendOne(ctx, c, tmpl, rc, channels)
		})
	}
	p.Wait()

	merged := dispatch.Merge(reports...)
	failed := len(merged.Failed) + len(merged.Unreachable)
	sent := merged.Total - failed
	status := domain.CampaignCompleted
	if failed > 0 {
		status = domain.CampaignFailed
	}
	err := r.Repo.InTx(ctx, func(tx *sql.Tx, tr repo.Repo) error {
		if err := tr.FinishCampaign(ctx, c.ID, status, sent, failed, r.stamp()); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.CampaignFinished, c.Filter.ProjectID, "campaign", c.ID, c.CreatedBy, events.EventPayload{
			"status": status, "sent": sent, "failed": failed, "summary": merged.Summary(),
		})
	})
	if err != nil {
		return fmt.Errorf("finish campaign: %w", err)
	}
	r.logger().Info("campaign finished", "campaign", c.ID, "status", status, "sent", sent, "failed", failed)
	r.notifyCreator(ctx, c, merged)
	return nil
}

func (r *Runner) sendOne(ctx context.Context, c domain.Campaign, tmpl *template.Template, rc delivery.Recipient, channels []delivery.ChannelName) dispatch.DeliveryReport {
	body, err := render(tmpl, rc)
	if err != nil {
		r.mark(ctx, c.ID, rc.UserID, domain.RecipientFailed, "render: "+err.Error())
		return dispatch.Merge(dispatch.DeliveryReport{
			Order:    channels,
			Outcomes: []dispatch.RecipientOutcome{{UserID: rc.UserID, Channels: map[delivery.ChannelName]dispatch.ChannelResult{}}},
		})
	}
	rep := r.Dispatcher.Dispatch(ctx, []delivery.Recipient{rc}, delivery.Message{
		Title: c.Title,
		Body:  body,
		Data:  map[string]string{"kind": "campaign", "campaign_id": c.ID},
	}, channels)
	if err := rep.Outcomes[0].Err(); err != nil {
		r.mark(ctx, c.ID, rc.UserID, domain.RecipientFailed, err.Error())
	} else {
		r.mark(ctx, c.ID, rc.UserID, domain.RecipientSent, "")
	}
	return rep
}

func (r *Runner) mark(ctx context.Context, campaignID, userID, status, errMsg string) {
	if _, err := r.Repo.AdvanceRecipient(ctx, campaignID, userID, status, errMsg, r.stamp()); err != nil {
		r.logger().Warn("advance recipient", "campaign", campaignID, "recipient", userID, "status", status, "err", err)
	}
}

func (r *Runner) notifyCreator(ctx context.Context, c domain.Campaign, rep dispatch.DeliveryReport) {
	if c.CreatedBy == "" || c.CreatedBy == "system" {
		return
	}
	rcpts, err := r.Recipients.ForUsers(ctx, []string{c.CreatedBy})
	if err != nil {
		r.logger().Warn("campaign creator lookup", "campaign", c.ID, "err", err)
		return
	}
	r.Dispatcher.Dispatch(ctx, rcpts, delivery.Message{
		Title: "Campaign finished",
		Body:  fmt.Sprintf("%s: %s", c.Title, rep.Summary()),
		Data:  map[string]string{"kind": "campaign_report", "campaign_id": c.ID},
	}, []delivery.ChannelName{delivery.Chat})
}

// Wait blocks until the campaign's background run has finished. It returns
// at once for campaigns that are not running in this process.
func (r *Runner) Wait(ctx context.Context, campaignID string) error {
	r.mu.Lock()
	done, ok := r.running[campaignID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown waits for every background run.
func (r *Runner) Shutdown() {
	r.bg.Wait()
}

// receiptStatuses are the statuses a delivery receipt may report.
var receiptStatuses = map[string]bool{
	domain.RecipientDelivered: true,
	domain.RecipientOpened:    true,
	domain.RecipientClicked:   true,
}

// MarkRecipient records a delivery receipt. Statuses only move forward; a
// receipt that would move one back is reported as already processed.
func (r *Runner) MarkRecipient(ctx context.Context, campaignID, userID, status string) (engine.Outcome, error) {
	if !receiptStatuses[status] {
		return "", invalid("status", "must be delivered, opened or clicked")
	}
	if _, err := r.Repo.GetRecipient(ctx, campaignID, userID); err != nil {
		return "", err
	}
	ok, err := r.Repo.AdvanceRecipient(ctx, campaignID, userID, status, "", r.stamp())
	if err != nil {
		return "", err
	}
	if !ok {
		return engine.OutcomeAlreadyProcessed, nil
	}
	return engine.OutcomeApplied, nil
}

// Report is a campaign with its per-status recipient tally.
type Report struct {
	Campaign domain.Campaign                `json:"campaign"`
	Counts   map[string]int                 `json:"counts"`
	Failed   []domain.NotificationRecipient `json:"failed"`
}

func (r *Runner) GetDeliveryReport(ctx context.Context, campaignID string) (Report, error) {
	c, err := r.Repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return Report{}, err
	}
	counts, err := r.Repo.RecipientCounts(ctx, campaignID)
	if err != nil {
		return Report{}, err
	}
	failed, err := r.Repo.ListRecipients(ctx, campaignID, domain.RecipientFailed)
	if err != nil {
		return Report{}, err
	}
	if failed == nil {
		failed = []domain.NotificationRecipient{}
	}
	return Report{Campaign: c, Counts: counts, Failed: failed}, nil
}

func (r *Runner) List(ctx context.Context, limit int) ([]domain.Campaign, error) {
	return r.Repo.ListCampaigns(ctx, limit)
}

func (r *Runner) ListRecipients(ctx context.Context, campaignID, status string) ([]domain.NotificationRecipient, error) {
	if status != "" && !domain.ValidRecipientStatus(status) {
		return nil, invalid("status", fmt.Sprintf("unknown status %q", status))
	}
	if _, err := r.Repo.GetCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	return r.Repo.ListRecipients(ctx, campaignID, status)
}

// IsRunning reports whether a campaign is being sent by this process.
func (r *Runner) IsRunning(campaignID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[campaignID]
	return ok
}
