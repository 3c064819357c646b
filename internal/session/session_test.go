package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

// greeting asks for a name, then for a colour from a fixed list.
func greeting(done *State) Flow {
	return Flow{
		Name:  "greeting",
		First: "awaiting_name",
		Steps: map[string]Step{
			"awaiting_name": {
				Accepts: KindText,
				Prompt:  func(State) Reply { return Reply{Text: "What is your name?"} },
				Handle: func(ctx context.Context, s *State, in Input) (string, error) {
					name := strings.TrimSpace(in.Text)
					if name == "" {
						return "", Reprompt("Name cannot be empty.")
					}
					s.Set("name", name)
					return "awaiting_colour", nil
				},
			},
			"awaiting_colour": {
				Accepts: KindSelection,
				Prompt:  func(s State) Reply { return Reply{Text: "Pick a colour, " + s.Get("name")} },
				Handle: func(ctx context.Context, s *State, in Input) (string, error) {
					s.Set("colour", in.Selection)
					return Completed, nil
				},
			},
		},
		Finish: func(ctx context.Context, s State) (Reply, error) {
			*done = s
			return Reply{Text: "Thanks " + s.Get("name")}, nil
		},
	}
}

func newMachine(t *testing.T) (*Machine, *clock, *State) {
	t.Helper()
	c := &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.Now = c.now
	m := NewMachine(store, 10*time.Minute)
	m.Now = c.now
	done := &State{}
	m.Register(greeting(done))
	return m, c, done
}

func TestFlowRunsToCompletion(t *testing.T) {
	m, _, done := newMachine(t)
	ctx := context.Background()
	reply, err := m.Start(ctx, "u1", "greeting", map[string]string{"source": "test"})
	if err != nil || reply.Text != "What is your name?" {
		t.Fatalf("start: %+v %v", reply, err)
	}
	reply, handled, err := m.Handle(ctx, "u1", Text("  "))
	if err != nil || !handled || !strings.HasPrefix(reply.Text, "Name cannot be empty.") {
		t.Fatalf("empty name should re-prompt: %+v %v", reply, err)
	}
	reply, _, _ = m.Handle(ctx, "u1", Text("Ann"))
	if reply.Text != "Pick a colour, Ann" {
		t.Fatalf("unexpected prompt %q", reply.Text)
	}
	reply, _, _ = m.Handle(ctx, "u1", Text("blue"))
	if !strings.HasPrefix(reply.Text, "Please pick one of the options.") {
		t.Fatalf("wrong input kind should re-prompt, got %q", reply.Text)
	}
	reply, handled, err = m.Handle(ctx, "u1", Selection("blue"))
	if err != nil || !handled || !reply.Done || reply.Text != "Thanks Ann" {
		t.Fatalf("finish: %+v %v", reply, err)
	}
	if done.Get("colour") != "blue" || done.Get("source") != "test" {
		t.Fatalf("finished state %+v", done)
	}
	if _, ok, _ := m.Active(ctx, "u1"); ok {
		t.Fatalf("completed flow must be cleared")
	}
}

func TestTimeoutStartsFresh(t *testing.T) {
	m, c, _ := newMachine(t)
	ctx := context.Background()
	m.Start(ctx, "u1", "greeting", nil)
	m.Handle(ctx, "u1", Text("Ann"))

	c.advance(9 * time.Minute)
	if _, ok, _ := m.Active(ctx, "u1"); !ok {
		t.Fatalf("session should still be alive inside the window")
	}
	c.advance(11 * time.Minute)
	_, handled, err := m.Handle(ctx, "u1", Selection("blue"))
	if err != nil || handled {
		t.Fatalf("expired session must not be continued: handled=%v err=%v", handled, err)
	}
}

func TestInputExtendsTheWindow(t *testing.T) {
	m, c, _ := newMachine(t)
	ctx := context.Background()
	m.Start(ctx, "u1", "greeting", nil)
	c.advance(8 * time.Minute)
	m.Handle(ctx, "u1", Text("Ann"))
	c.advance(8 * time.Minute)
	if s, ok, _ := m.Active(ctx, "u1"); !ok || s.Step != "awaiting_colour" {
		t.Fatalf("activity should keep the session alive: %+v %v", s, ok)
	}
}

func TestCancelFromAnyStep(t *testing.T) {
	m, _, _ := newMachine(t)
	ctx := context.Background()
	m.Start(ctx, "u1", "greeting", nil)
	m.Handle(ctx, "u1", Text("Ann"))
	reply, handled, err := m.Handle(ctx, "u1", Text("/cancel"))
	if err != nil || !handled || !reply.Cancelled {
		t.Fatalf("cancel: %+v %v", reply, err)
	}
	if ok, _ := m.Cancel(ctx, "u1"); ok {
		t.Fatalf("nothing left to cancel")
	}
}

func TestStartOverwritesActiveFlow(t *testing.T) {
	m, _, _ := newMachine(t)
	ctx := context.Background()
	m.Start(ctx, "u1", "greeting", nil)
	m.Handle(ctx, "u1", Text("Ann"))
	m.Start(ctx, "u1", "greeting", nil)
	s, ok, _ := m.Active(ctx, "u1")
	if !ok || s.Step != "awaiting_name" || s.Get("name") != "" {
		t.Fatalf("new start should reset the flow: %+v", s)
	}
	if _, ok, _ := m.Active(ctx, "u2"); ok {
		t.Fatalf("sessions are per user")
	}
}

func TestRedisStoreExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewRedisStore(client)
	ctx := context.Background()

	s := State{UserID: "u1", Flow: "greeting", Step: "awaiting_name"}
	s.Set("name", "Ann")
	if err := store.Put(ctx, s, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := store.Get(ctx, "u1")
	if err != nil || !ok || got.Get("name") != "Ann" {
		t.Fatalf("get: %+v %v %v", got, ok, err)
	}
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := store.Get(ctx, "u1"); ok {
		t.Fatalf("redis entry should expire")
	}
}

func TestNoticeShowsOnce(t *testing.T) {
	m, _, _ := newMachine(t)
	m.Register(Flow{
		Name:  "counter",
		First: "counting",
		Steps: map[string]Step{
			"counting": {
				Accepts: KindText,
				Prompt:  func(State) Reply { return Reply{Text: "Say something."} },
				Handle: func(ctx context.Context, s *State, in Input) (string, error) {
					if in.Text == "skip" {
						s.Notice("Skipped.")
					}
					if in.Text == "stop" {
						s.Notice("Stopping.")
						return Completed, nil
					}
					return "counting", nil
				},
			},
		},
		Finish: func(ctx context.Context, s State) (Reply, error) { return Reply{Text: "Bye."}, nil },
	})
	ctx := context.Background()
	if _, err := m.Start(ctx, "u1", "counter", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	reply, _, err := m.Handle(ctx, "u1", Text("skip"))
	if err != nil || reply.Text != "Skipped.\nSay something." {
		t.Fatalf("notice should lead the prompt: %+v %v", reply, err)
	}
	reply, _, _ = m.Handle(ctx, "u1", Text("again"))
	if reply.Text != "Say something." {
		t.Fatalf("notice should not repeat, got %q", reply.Text)
	}
	reply, _, _ = m.Handle(ctx, "u1", Text("stop"))
	if reply.Text != "Stopping.\nBye." || !reply.Done {
		t.Fatalf("notice should lead the finish text: %+v", reply)
	}
}
