// Package dispatch fans one message out to many recipients over several
// channels and reports what reached whom.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"volunteerops/internal/delivery"
)

// ImageLoader resolves Message.ImageRef to bytes.
type ImageLoader interface {
	Load(ctx context.Context, ref string) ([]byte, error)
}

type Dispatcher struct {
	channels map[delivery.ChannelName]delivery.Channel
	workers  int
	images   ImageLoader
	logger   *slog.Logger
}

type Option func(*Dispatcher)

func WithImages(l ImageLoader) Option {
	return func(d *Dispatcher) { d.images = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func New(workers int, channels []delivery.Channel, opts ...Option) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	d := &Dispatcher{
		channels: make(map[delivery.ChannelName]delivery.Channel, len(channels)),
		workers:  workers,
		logger:   slog.Default(),
	}
	for _, ch := range channels {
		if ch != nil {
			d.channels[ch.Name()] = ch
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Has reports whether a channel is configured.
func (d *Dispatcher) Has(name delivery.ChannelName) bool {
	_, ok := d.channels[name]
	return ok
}

// Dispatch sends msg to every recipient on every requested channel using a
// bounded worker pool. It never fails: each failure is folded into the
// report.
func (d *Dispatcher) Dispatch(ctx context.Context, recipients []delivery.Recipient, msg delivery.Message, channels []delivery.ChannelName) DeliveryReport {
	channels = dedupeChannels(channels)
	msg = d.resolveImage(ctx, msg)

	outcomes := make([]RecipientOutcome, len(recipients))
	p := pool.New().WithMaxGoroutines(d.workers)
	for i, r := range recipients {
		i, r := i, r
		p.Go(func() {
			outcomes[i] = d.deliverOne(ctx, r, msg, channels)
		})
	}
	p.Wait()
	return buildReport(channels, outcomes)
}

func (d *Dispatcher) resolveImage(ctx context.Context, msg delivery.Message) delivery.Message {
	if msg.ImageRef == "" || len(msg.Image) > 0 {
		return msg
	}
	if d.images == nil {
		return msg.TextOnly()
	}
	img, err := d.images.Load(ctx, msg.ImageRef)
	if err != nil {
		d.logger.Warn("image unavailable, sending text only", "image", msg.ImageRef, "error", err)
		return msg.TextOnly()
	}
	msg.Image = img
	return msg
}

func (d *Dispatcher) deliverOne(ctx context.Context, r delivery.Recipient, msg delivery.Message, channels []delivery.ChannelName) RecipientOutcome {
	out := RecipientOutcome{UserID: r.UserID, Channels: make(map[delivery.ChannelName]ChannelResult, len(channels))}
	for _, name := range channels {
		ch, ok := d.channels[name]
		if !ok || !ch.HasEndpoint(r) {
			out.Channels[name] = ChannelResult{Status: StatusSkipped}
			continue
		}
		attempts, err := ch.Deliver(ctx, r, msg)
		if err != nil && delivery.IsImageRejected(err) {
			d.logger.Info("attachment rejected, resending text only", "recipient", r.UserID, "channel", name)
			var more int
			more, err = ch.Deliver(ctx, r, msg.TextOnly())
			attempts += more
		}
		if err != nil {
			d.logger.Warn("delivery failed",
				"recipient", r.UserID, "channel", name, "attempts", attempts,
				"permanent", delivery.IsPermanent(err), "error", err)
			out.Channels[name] = ChannelResult{Status: StatusFailed, Attempts: attempts, Error: err.Error()}
			continue
		}
		out.Channels[name] = ChannelResult{Status: StatusSent, Attempts: attempts}
	}
	return out
}

func dedupeChannels(in []delivery.ChannelName) []delivery.ChannelName {
	seen := make(map[delivery.ChannelName]bool, len(in))
	var out []delivery.ChannelName
	for _, c := range in {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

type ChannelResult struct {
	Status   string `json:"status" enum:"sent,failed,skipped"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

type RecipientOutcome struct {
	UserID   string                                 `json:"user_id"`
	Channels map[delivery.ChannelName]ChannelResult `json:"channels"`
}

// Reached reports whether any channel delivered.
func (o RecipientOutcome) Reached() bool {
	for _, c := range o.Channels {
		if c.Status == StatusSent {
			return true
		}
	}
	return false
}

// Reachable reports whether the recipient had an endpoint on any channel.
func (o RecipientOutcome) Reachable() bool {
	for _, c := range o.Channels {
		if c.Status != StatusSkipped {
			return true
		}
	}
	return false
}

// Err summarises per-channel failures, or nil when something was delivered.
func (o RecipientOutcome) Err() error {
	if o.Reached() {
		return nil
	}
	if !o.Reachable() {
		return errNoReachableChannel
	}
	var parts []string
	for name, c := range o.Channels {
		if c.Status == StatusFailed {
			parts = append(parts, fmt.Sprintf("%s: %s", name, c.Error))
		}
	}
	sort.Strings(parts)
	return errors.New(strings.Join(parts, "; "))
}

var errNoReachableChannel = errors.New("no endpoint on any requested channel")

type ChannelStats struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// DeliveryReport aggregates a fan-out. Failed lists recipients that had at
// least one endpoint and failed on all of them; Unreachable lists those with
// no endpoint at all.
type DeliveryReport struct {
	Total       int                                   `json:"total"`
	Order       []delivery.ChannelName                `json:"channels_order"`
	Channels    map[delivery.ChannelName]ChannelStats `json:"channels"`
	Failed      []string                              `json:"failed"`
	Unreachable []string                              `json:"unreachable"`
	Outcomes    []RecipientOutcome                    `json:"outcomes"`
}

func buildReport(channels []delivery.ChannelName, outcomes []RecipientOutcome) DeliveryReport {
	rep := DeliveryReport{
		Total:       len(outcomes),
		Order:       channels,
		Channels:    make(map[delivery.ChannelName]ChannelStats, len(channels)),
		Failed:      []string{},
		Unreachable: []string{},
		Outcomes:    outcomes,
	}
	for _, name := range channels {
		rep.Channels[name] = ChannelStats{}
	}
	for _, o := range outcomes {
		for _, name := range channels {
			st := rep.Channels[name]
			switch o.Channels[name].Status {
			case StatusSent:
				st.Attempted++
				st.Succeeded++
			case StatusFailed:
				st.Attempted++
				st.Failed++
			default:
				st.Skipped++
			}
			rep.Channels[name] = st
		}
		switch {
		case !o.Reachable():
			rep.Unreachable = append(rep.Unreachable, o.UserID)
		case !o.Reached():
			rep.Failed = append(rep.Failed, o.UserID)
		}
	}
	return rep
}

// Summary renders the report for the actor who triggered the fan-out, e.g.
// "delivered to 7/9 via chat, 5/9 via push".
func (r DeliveryReport) Summary() string {
	if r.Total == 0 {
		return "no recipients"
	}
	parts := make([]string, 0, len(r.Order))
	for _, name := range r.Order {
		st := r.Channels[name]
		parts = append(parts, fmt.Sprintf("%d/%d via %s", st.Succeeded, r.Total, name))
	}
	s := "delivered to " + strings.Join(parts, ", ")
	if n := len(r.Failed); n > 0 {
		s += fmt.Sprintf("; %d failed on every channel", n)
	}
	if n := len(r.Unreachable); n > 0 {
		s += fmt.Sprintf("; %d unreachable", n)
	}
	return s
}

// Merge folds several reports over the same channels into one.
func Merge(reports ...DeliveryReport) DeliveryReport {
	var channels []delivery.ChannelName
	var outcomes []RecipientOutcome
	for _, r := range reports {
		if channels == nil {
			channels = r.Order
		}
		outcomes = append(outcomes, r.Outcomes...)
	}
	return buildReport(channels, outcomes)
}
