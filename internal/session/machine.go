package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"volunteerops/internal/delivery"
)

// DefaultTimeout is the inactivity window after which a flow is forgotten.
const DefaultTimeout = 10 * time.Minute

// Terminal step names returned by step handlers.
const (
	Completed = "completed"
	Cancelled = "cancelled"
)

type InputKind string

const (
	KindText      InputKind = "text"
	KindSelection InputKind = "selection"
	KindLocation  InputKind = "location"
	KindImage     InputKind = "image"
)

func (k InputKind) describe() string {
	switch k {
	case KindSelection:
		return "pick one of the options"
	case KindLocation:
		return "share a location"
	case KindImage:
		return "send a photo"
	}
	return "send a text message"
}

// Input is one user interaction fed into a flow.
type Input struct {
	Kind      InputKind
	Text      string
	Selection string
	Latitude  float64
	Longitude float64
	Image     []byte
	Filename  string
}

func Text(s string) Input { return Input{Kind: KindText, Text: s} }

func Selection(id string) Input { return Input{Kind: KindSelection, Selection: id} }

func Location(lat, lon float64) Input {
	return Input{Kind: KindLocation, Latitude: lat, Longitude: lon}
}

func Image(data []byte, filename string) Input {
	return Input{Kind: KindImage, Image: data, Filename: filename}
}

// IsCancel reports whether the input is the global cancel command.
func (in Input) IsCancel() bool {
	switch in.Kind {
	case KindText:
		t := strings.ToLower(strings.TrimSpace(in.Text))
		return t == "cancel" || t == "/cancel"
	case KindSelection:
		return in.Selection == "cancel"
	}
	return false
}

// Reply is what the user should see next.
type Reply struct {
	Text      string
	Actions   []delivery.Action
	ImageRef  string
	Done      bool
	Cancelled bool
}

// RepromptError keeps the user on the current step with a hint.
type RepromptError struct {
	Message string
}

func (e *RepromptError) Error() string { return e.Message }

func Reprompt(format string, args ...any) error {
	return &RepromptError{Message: fmt.Sprintf(format, args...)}
}

// Step accepts exactly one input kind. Handle returns the next step name,
// Completed, or Cancelled.
type Step struct {
	Accepts InputKind
	Prompt  func(s State) Reply
	Handle  func(ctx context.Context, s *State, in Input) (next string, err error)
}

// Flow is a named set of steps. Finish runs once the flow completes; the
// session is already cleared at that point.
type Flow struct {
	Name   string
	First  string
	Steps  map[string]Step
	Finish func(ctx context.Context, s State) (Reply, error)
}

// Machine drives flows over a Store. A user has at most one active flow.
type Machine struct {
	Store   Store
	Timeout time.Duration
	Now     func() time.Time

	flows map[string]Flow
}

func NewMachine(store Store, timeout time.Duration) *Machine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Machine{Store: store, Timeout: timeout, Now: time.Now, flows: make(map[string]Flow)}
}

func (m *Machine) Register(f Flow) {
	if m.flows == nil {
		m.flows = make(map[string]Flow)
	}
	if _, ok := f.Steps[f.First]; !ok {
		panic(fmt.Sprintf("session: flow %s has no step %q", f.Name, f.First))
	}
	m.flows[f.Name] = f
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Start begins a flow for the user, replacing any flow in progress.
func (m *Machine) Start(ctx context.Context, userID, flow string, seed map[string]string) (Reply, error) {
	return m.StartAt(ctx, userID, flow, "", seed)
}

// StartAt is Start beginning at a later step, for entry points that already
// know the answers to the first steps.
func (m *Machine) StartAt(ctx context.Context, userID, flow, step string, seed map[string]string) (Reply, error) {
	f, ok := m.flows[flow]
	if !ok {
		return Reply{}, fmt.Errorf("unknown flow %q", flow)
	}
	if step == "" {
		step = f.First
	}
	first, ok := f.Steps[step]
	if !ok {
		return Reply{}, fmt.Errorf("flow %s: unknown step %q", flow, step)
	}
	now := m.now()
	s := State{UserID: userID, Flow: flow, Step: step, CreatedAt: now, UpdatedAt: now}
	for k, v := range seed {
		s.Set(k, v)
	}
	if err := m.Store.Put(ctx, s, m.Timeout); err != nil {
		return Reply{}, err
	}
	return prompt(first, s), nil
}

// Handle feeds input into the user's active flow. handled is false when the
// user has no live session, so the caller treats the input as a fresh entry.
func (m *Machine) Handle(ctx context.Context, userID string, in Input) (reply Reply, handled bool, err error) {
	s, ok, err := m.Store.Get(ctx, userID)
	if err != nil || !ok {
		return Reply{}, false, err
	}
	f, ok := m.flows[s.Flow]
	if !ok {
		return Reply{}, false, m.Store.Delete(ctx, userID)
	}
	if in.IsCancel() {
		if err := m.Store.Delete(ctx, userID); err != nil {
			return Reply{}, true, err
		}
		return Reply{Text: "Cancelled.", Cancelled: true}, true, nil
	}
	step, ok := f.Steps[s.Step]
	if !ok {
		return Reply{}, false, m.Store.Delete(ctx, userID)
	}
	if in.Kind != step.Accepts {
		return m.reprompt(ctx, step, s, "Please "+step.Accepts.describe()+".")
	}

	next, err := step.Handle(ctx, &s, in)
	var rp *RepromptError
	if errors.As(err, &rp) {
		return m.reprompt(ctx, step, s, rp.Message)
	}
	if err != nil {
		return Reply{}, true, err
	}
	switch next {
	case Completed:
		if err := m.Store.Delete(ctx, userID); err != nil {
			return Reply{}, true, err
		}
		reply := Reply{Text: "Done."}
		if f.Finish != nil {
			if reply, err = f.Finish(ctx, s); err != nil {
				return Reply{}, true, err
			}
		}
		reply.Done = true
		return withNotice(reply, s.notice), true, nil
	case Cancelled:
		if err := m.Store.Delete(ctx, userID); err != nil {
			return Reply{}, true, err
		}
		return Reply{Text: "Cancelled.", Cancelled: true}, true, nil
	}
	nextStep, ok := f.Steps[next]
	if !ok {
		return Reply{}, true, fmt.Errorf("flow %s: unknown step %q", f.Name, next)
	}
	s.Step = next
	s.UpdatedAt = m.now()
	if err := m.Store.Put(ctx, s, m.Timeout); err != nil {
		return Reply{}, true, err
	}
	return withNotice(prompt(nextStep, s), s.notice), true, nil
}

func withNotice(r Reply, notice string) Reply {
	if notice != "" {
		r.Text = strings.TrimSpace(notice + "\n" + r.Text)
	}
	return r
}

func (m *Machine) reprompt(ctx context.Context, step Step, s State, hint string) (Reply, bool, error) {
	s.UpdatedAt = m.now()
	if err := m.Store.Put(ctx, s, m.Timeout); err != nil {
		return Reply{}, true, err
	}
	r := prompt(step, s)
	r.Text = strings.TrimSpace(hint + "\n" + r.Text)
	return r, true, nil
}

// Cancel clears the user's flow. It reports whether one was active.
func (m *Machine) Cancel(ctx context.Context, userID string) (bool, error) {
	_, ok, err := m.Store.Get(ctx, userID)
	if err != nil || !ok {
		return false, err
	}
	return true, m.Store.Delete(ctx, userID)
}

// Active returns the user's live session, if any.
func (m *Machine) Active(ctx context.Context, userID string) (State, bool, error) {
	return m.Store.Get(ctx, userID)
}

func prompt(step Step, s State) Reply {
	if step.Prompt == nil {
		return Reply{}
	}
	return step.Prompt(s)
}
