package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func noSleepPolicy(attempts int, slept *[]time.Duration) RetryPolicy {
	return RetryPolicy{
		Attempts:  attempts,
		BaseDelay: 100 * time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			if slept != nil {
				*slept = append(*slept, d)
			}
			return nil
		},
	}
}

func TestRetryDoublesDelayOnTransientErrors(t *testing.T) {
	var slept []time.Duration
	p := noSleepPolicy(3, &slept)
	calls := 0
	attempts, err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Transient(errors.New("timeout"))
	})
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("expected 3 attempts, got %d (calls %d)", attempts, calls)
	}
	if len(slept) != 2 || slept[0] != 100*time.Millisecond || slept[1] != 200*time.Millisecond {
		t.Fatalf("unexpected backoff %v", slept)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	p := noSleepPolicy(3, nil)
	calls := 0
	attempts, err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(errors.New("chat not found"))
	})
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d attempts", attempts)
	}
}

func TestRetryRecoversAfterTransientFailure(t *testing.T) {
	p := noSleepPolicy(3, nil)
	calls := 0
	attempts, err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return Transient(errors.New("timeout"))
		}
		return nil
	})
	if err != nil || attempts != 2 {
		t.Fatalf("expected success on attempt 2, got %d %v", attempts, err)
	}
}

func TestRetryAppliesAttemptTimeout(t *testing.T) {
	p := noSleepPolicy(2, nil)
	p.AttemptTimeout = 10 * time.Millisecond
	attempts, err := p.Do(context.Background(), func(ctx context.Context) error {
		return callWithContext(ctx, func() error {
			time.Sleep(200 * time.Millisecond)
			return nil
		})
	})
	if !errors.Is(err, ErrSendAbandoned) || !errors.Is(err, context.DeadlineExceeded) || !IsPermanent(err) {
		t.Fatalf("expected abandoned send, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("an in-flight send must not be retried, got %d attempts", attempts)
	}
}

func TestAbandonedSendIsNotRetried(t *testing.T) {
	release := make(chan struct{})
	sent := make(chan struct{}, 4)
	p := noSleepPolicy(3, nil)
	p.AttemptTimeout = 10 * time.Millisecond
	attempts, err := p.Do(context.Background(), func(ctx context.Context) error {
		return callWithContext(ctx, func() error {
			<-release
			sent <- struct{}{}
			return nil
		})
	})
	close(release)
	if !errors.Is(err, ErrSendAbandoned) || attempts != 1 {
		t.Fatalf("expected one abandoned attempt, got %d %v", attempts, err)
	}
	<-sent
	select {
	case <-sent:
		t.Fatalf("provider was called twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCancelledContextSkipsTheCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := callWithContext(ctx, func() error {
		called = true
		return nil
	})
	if called || IsPermanent(err) || !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled context should fail before sending: called=%v err=%v", called, err)
	}
}

func TestChatChannelWithoutEndpoint(t *testing.T) {
	ch := ChatChannel{Sender: &MemoryChat{}, Retry: noSleepPolicy(3, nil)}
	if ch.HasEndpoint(Recipient{UserID: "u1"}) {
		t.Fatalf("recipient without chat id has no endpoint")
	}
	if _, err := ch.Deliver(context.Background(), Recipient{UserID: "u1"}, Message{Body: "hi"}); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
}

func TestFCMSendPushReportsUnregisteredTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "key=secret" {
			t.Errorf("authorization header %q", got)
		}
		var req fcmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(req.RegistrationIDs) != 2 || req.Notification.Title != "New task" {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{"success":1,"failure":1,"results":[{"message_id":"m1"},{"error":"NotRegistered"}]}`))
	}))
	defer srv.Close()

	f := &FCM{Endpoint: srv.URL, ServerKey: "secret", Client: srv.Client()}
	res, err := f.SendPush(context.Background(), []string{"tok-a", "tok-b"}, "New task", "body", map[string]string{"task_id": "t1"})
	if err != nil {
		t.Fatalf("send push: %v", err)
	}
	if res.Success != 1 || res.Failure != 1 {
		t.Fatalf("unexpected counts %+v", res)
	}
	if len(res.Unregistered) != 1 || res.Unregistered[0] != "tok-b" {
		t.Fatalf("expected tok-b unregistered, got %v", res.Unregistered)
	}
}

func TestFCMClassifiesHTTPStatus(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	f := &FCM{Endpoint: srv.URL, Client: srv.Client()}
	if _, err := f.SendPush(context.Background(), []string{"t"}, "a", "b", nil); err == nil || IsPermanent(err) {
		t.Fatalf("5xx should be transient, got %v", err)
	}
	status = http.StatusUnauthorized
	if _, err := f.SendPush(context.Background(), []string{"t"}, "a", "b", nil); !IsPermanent(err) {
		t.Fatalf("401 should be permanent, got %v", err)
	}
}

func TestPushChannelPrunesAndFailsPermanentlyWhenAllUnregistered(t *testing.T) {
	var pruned []string
	push := &MemoryPush{Result: func(tokens []string) (PushResult, error) {
		return PushResult{Failure: len(tokens), Unregistered: tokens}, nil
	}}
	ch := PushChannel{
		Sender: push,
		Retry:  noSleepPolicy(3, nil),
		Prune: func(ctx context.Context, tokens []string) error {
			pruned = append(pruned, tokens...)
			return nil
		},
	}
	attempts, err := ch.Deliver(context.Background(), Recipient{UserID: "u1", DeviceTokens: []string{"a", "b"}}, Message{Title: "t"})
	if !IsPermanent(err) {
		t.Fatalf("expected permanent failure, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
	if len(pruned) != 2 {
		t.Fatalf("expected both tokens pruned, got %v", pruned)
	}
}

func TestInlineKeyboardGroupsRows(t *testing.T) {
	kb, ok := InlineKeyboard([]Action{
		{Label: "1", ID: "r1", Row: 1},
		{Label: "Approve", ID: "a", Row: 0},
		{Label: "2", ID: "r2", Row: 1},
	})
	if !ok {
		t.Fatalf("expected keyboard")
	}
	if len(kb.InlineKeyboard) != 2 || len(kb.InlineKeyboard[0]) != 1 || len(kb.InlineKeyboard[1]) != 2 {
		t.Fatalf("unexpected layout %+v", kb.InlineKeyboard)
	}
}
