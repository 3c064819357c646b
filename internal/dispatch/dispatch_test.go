package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"volunteerops/internal/delivery"
	"volunteerops/internal/dispatch"
)

func instantRetry() delivery.RetryPolicy {
	return delivery.RetryPolicy{
		Attempts:  3,
		BaseDelay: time.Millisecond,
		Sleep:     func(ctx context.Context, d time.Duration) error { return nil },
	}
}

func recipients(n int) []delivery.Recipient {
	var out []delivery.Recipient
	for i := 1; i <= n; i++ {
		out = append(out, delivery.Recipient{
			UserID:       fmt.Sprintf("vol-%d", i),
			ChatID:       int64(100 + i),
			DeviceTokens: []string{fmt.Sprintf("tok-%d", i)},
		})
	}
	return out
}

func TestDispatchOneChannelDownOtherUp(t *testing.T) {
	chat := &delivery.MemoryChat{Fail: func(int64, bool) error {
		return delivery.Transient(errors.New("timeout"))
	}}
	push := &delivery.MemoryPush{}
	d := dispatch.New(4, []delivery.Channel{
		delivery.ChatChannel{Sender: chat, Retry: instantRetry()},
		delivery.PushChannel{Sender: push, Retry: instantRetry()},
	})
	rep := d.Dispatch(context.Background(), recipients(5), delivery.Message{Title: "New task", Body: "Help needed"}, []delivery.ChannelName{delivery.Chat, delivery.Push})

	if got := rep.Channels[delivery.Chat]; got.Attempted != 5 || got.Succeeded != 0 || got.Failed != 5 {
		t.Fatalf("chat stats %+v", got)
	}
	if got := rep.Channels[delivery.Push]; got.Attempted != 5 || got.Succeeded != 5 {
		t.Fatalf("push stats %+v", got)
	}
	if len(rep.Failed) != 0 || len(rep.Unreachable) != 0 {
		t.Fatalf("no recipient should fail entirely: %+v", rep)
	}
	if chat.Calls() != 15 {
		t.Fatalf("expected 3 attempts per chat recipient, got %d calls", chat.Calls())
	}
	if rep.Summary() != "delivered to 0/5 via chat, 5/5 via push" {
		t.Fatalf("summary %q", rep.Summary())
	}
}

func TestDispatchSkipsMissingEndpoints(t *testing.T) {
	chat := &delivery.MemoryChat{}
	push := &delivery.MemoryPush{}
	d := dispatch.New(2, []delivery.Channel{
		delivery.ChatChannel{Sender: chat, Retry: instantRetry()},
		delivery.PushChannel{Sender: push, Retry: instantRetry()},
	})
	rs := []delivery.Recipient{
		{UserID: "chat-only", ChatID: 1},
		{UserID: "push-only", DeviceTokens: []string{"t"}},
		{UserID: "nowhere"},
	}
	rep := d.Dispatch(context.Background(), rs, delivery.Message{Body: "hi"}, []delivery.ChannelName{delivery.Chat, delivery.Push})
	if got := rep.Channels[delivery.Chat]; got.Attempted != 1 || got.Skipped != 2 {
		t.Fatalf("chat stats %+v", got)
	}
	if got := rep.Channels[delivery.Push]; got.Attempted != 1 || got.Skipped != 2 {
		t.Fatalf("push stats %+v", got)
	}
	if len(rep.Failed) != 0 {
		t.Fatalf("skips are not failures: %v", rep.Failed)
	}
	if len(rep.Unreachable) != 1 || rep.Unreachable[0] != "nowhere" {
		t.Fatalf("unreachable %v", rep.Unreachable)
	}
}

func TestDispatchReportsTotalFailureAndContinues(t *testing.T) {
	chat := &delivery.MemoryChat{Fail: func(chatID int64, _ bool) error {
		if chatID == 102 {
			return delivery.Permanent(errors.New("chat not found"))
		}
		return nil
	}}
	d := dispatch.New(3, []delivery.Channel{delivery.ChatChannel{Sender: chat, Retry: instantRetry()}})
	rep := d.Dispatch(context.Background(), recipients(3), delivery.Message{Body: "hi"}, []delivery.ChannelName{delivery.Chat})
	if len(rep.Failed) != 1 || rep.Failed[0] != "vol-2" {
		t.Fatalf("failed %v", rep.Failed)
	}
	if rep.Channels[delivery.Chat].Succeeded != 2 {
		t.Fatalf("other recipients should still be reached: %+v", rep.Channels[delivery.Chat])
	}
	if chat.Calls() != 3 {
		t.Fatalf("permanent failure must not be retried, calls=%d", chat.Calls())
	}
	if err := rep.Outcomes[1].Err(); err == nil {
		t.Fatalf("expected per-recipient error")
	}
}

type failingImages struct{}

func (failingImages) Load(ctx context.Context, ref string) ([]byte, error) {
	return nil, errors.New("object missing")
}

func TestDispatchFallsBackToTextWhenImageMissing(t *testing.T) {
	chat := &delivery.MemoryChat{}
	d := dispatch.New(1, []delivery.Channel{delivery.ChatChannel{Sender: chat, Retry: instantRetry()}}, dispatch.WithImages(failingImages{}))
	rep := d.Dispatch(context.Background(), recipients(1), delivery.Message{Body: "photo", ImageRef: "photos/x.jpg"}, []delivery.ChannelName{delivery.Chat})
	if rep.Channels[delivery.Chat].Succeeded != 1 {
		t.Fatalf("expected text-only delivery, got %+v", rep.Channels[delivery.Chat])
	}
	sent := chat.Sent()
	if len(sent) != 1 || sent[0].WithImage {
		t.Fatalf("expected a single text message, got %+v", sent)
	}
}

func TestDispatchResendsTextWhenProviderRejectsImage(t *testing.T) {
	chat := &delivery.MemoryChat{Fail: func(_ int64, withImage bool) error {
		if withImage {
			return delivery.Permanent(fmt.Errorf("%w: PHOTO_INVALID", delivery.ErrImageRejected))
		}
		return nil
	}}
	d := dispatch.New(1, []delivery.Channel{delivery.ChatChannel{Sender: chat, Retry: instantRetry()}})
	rep := d.Dispatch(context.Background(), recipients(1), delivery.Message{Body: "photo", Image: []byte{0xff, 0xd8}}, []delivery.ChannelName{delivery.Chat})
	if rep.Channels[delivery.Chat].Succeeded != 1 {
		t.Fatalf("expected fallback to succeed: %+v", rep.Channels[delivery.Chat])
	}
	if chat.Calls() != 2 {
		t.Fatalf("expected photo attempt then text, got %d calls", chat.Calls())
	}
}

func TestMergeAddsUpPerRecipientReports(t *testing.T) {
	push := &delivery.MemoryPush{}
	d := dispatch.New(2, []delivery.Channel{delivery.PushChannel{Sender: push, Retry: instantRetry()}})
	channels := []delivery.ChannelName{delivery.Push}
	var reports []dispatch.DeliveryReport
	for _, r := range recipients(3) {
		reports = append(reports, d.Dispatch(context.Background(), []delivery.Recipient{r}, delivery.Message{Body: "hi"}, channels))
	}
	reports = append(reports, d.Dispatch(context.Background(), []delivery.Recipient{{UserID: "no-endpoint"}}, delivery.Message{Body: "hi"}, channels))

	rep := dispatch.Merge(reports...)
	if rep.Total != 4 || rep.Channels[delivery.Push].Succeeded != 3 {
		t.Fatalf("merged report %+v", rep)
	}
	if len(rep.Unreachable) != 1 || rep.Unreachable[0] != "no-endpoint" {
		t.Fatalf("unreachable %v", rep.Unreachable)
	}
}
