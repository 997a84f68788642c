package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testNotification(id string) Notification {
	return Notification{
		SubjectID:   id,
		SubjectName: "Somebody",
		Severity:    "high",
		Summary:     "Somebody matched 1 rule",
		Details:     []string{"blocked_user: raider"},
		At:          time.Now(),
	}
}

type recordingChannel struct {
	name  string
	calls int64
	err   error
}

func (r *recordingChannel) Name() string { return r.name }
func (r *recordingChannel) Notify(ctx context.Context, n Notification) error {
	atomic.AddInt64(&r.calls, 1)
	return r.err
}

func TestDispatcherIsolatesFailures(t *testing.T) {
	bad := &recordingChannel{name: "bad", err: errors.New("boom")}
	good := &recordingChannel{name: "good"}
	d := NewDispatcher(zerolog.Nop(), bad, good)

	d.Dispatch(context.Background(), testNotification("usr_1"))

	if atomic.LoadInt64(&good.calls) != 1 {
		t.Error("failing channel must not block the others")
	}
	if atomic.LoadInt64(&bad.calls) != 1 {
		t.Error("failing channel should still be attempted")
	}
}

func TestWebhookDelivers(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		got <- payload
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{URL: srv.URL, MinInterval: time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = wh.Start(ctx) }()

	if err := wh.Notify(ctx, testNotification("usr_1")); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case payload := <-got:
		embeds, ok := payload["embeds"].([]any)
		if !ok || len(embeds) != 1 {
			t.Fatalf("payload missing embeds: %v", payload)
		}
		embed := embeds[0].(map[string]any)
		if embed["title"] != "Somebody matched 1 rule" {
			t.Errorf("embed title = %v", embed["title"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
	}
}

func TestWebhookRetriesThenDrops(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{
		URL:        srv.URL,
		MaxRetries: 3,
		RetryBase:  time.Millisecond,
	}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = wh.Start(ctx) }()

	_ = wh.Notify(ctx, testNotification("usr_1"))

	deadline := time.After(3 * time.Second)
	for atomic.LoadInt64(&hits) < 3 {
		select {
		case <-deadline:
			t.Fatalf("server saw %d attempts, want 3", atomic.LoadInt64(&hits))
		case <-time.After(10 * time.Millisecond):
		}
	}
	// Give the worker a beat to confirm it stops at MaxRetries.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt64(&hits); got != 3 {
		t.Errorf("server saw %d attempts, want exactly 3", got)
	}
}

func TestWebhookQueueDropsOldest(t *testing.T) {
	wh := NewWebhook(WebhookConfig{URL: "http://unused.invalid", QueueSize: 2}, zerolog.Nop())
	ctx := context.Background()

	// No worker running: the queue fills, then the oldest is shed.
	for _, id := range []string{"usr_1", "usr_2", "usr_3"} {
		if err := wh.Notify(ctx, testNotification(id)); err != nil {
			t.Fatalf("Notify(%s): %v", id, err)
		}
	}

	first := <-wh.queue
	second := <-wh.queue
	if first.SubjectID != "usr_2" || second.SubjectID != "usr_3" {
		t.Errorf("queue = [%s %s], want [usr_2 usr_3]", first.SubjectID, second.SubjectID)
	}
}

func TestCommandChannelCooldown(t *testing.T) {
	var runs int64
	ch := NewCommandChannel("desktop", "/bin/true", time.Hour, zerolog.Nop())
	ch.run = func(ctx context.Context, n Notification) error {
		atomic.AddInt64(&runs, 1)
		return nil
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := ch.Notify(ctx, testNotification("usr_1")); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	if got := atomic.LoadInt64(&runs); got != 1 {
		t.Errorf("command ran %d times within cooldown, want 1", got)
	}
}

func TestCommandChannelZeroCooldown(t *testing.T) {
	var runs int64
	ch := NewCommandChannel("audio", "/bin/true", 0, zerolog.Nop())
	ch.run = func(ctx context.Context, n Notification) error {
		atomic.AddInt64(&runs, 1)
		return nil
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = ch.Notify(ctx, testNotification("usr_1"))
	}
	if got := atomic.LoadInt64(&runs); got != 3 {
		t.Errorf("command ran %d times, want 3 with no cooldown", got)
	}
}
