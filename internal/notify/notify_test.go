package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "kortix-mvp/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	first := &recordingNotifier{channel: "a"}
	second := &recordingNotifier{channel: "b", err: errors.New("boom")}
	replaced := &recordingNotifier{channel: "a"}

	dispatcher := NewFanout(first, nil, second, replaced)
	err := dispatcher.Notify(context.Background(), Event{Kind: KindUser, Message: "hi"})
	if err == nil || !strings.Contains(err.Error(), "channel b") {
		t.Fatalf("expected joined channel error, got %v", err)
	}
	if len(first.events) != 0 {
		t.Fatalf("replaced notifier should not receive events")
	}
	if len(replaced.events) != 1 || len(second.events) != 1 {
		t.Fatalf("unexpected deliveries: %d %d", len(replaced.events), len(second.events))
	}
	if replaced.events[0].OccurredAt.IsZero() {
		t.Fatalf("occurred_at should be filled")
	}
	if got := dispatcher.Channels(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected channels: %v", got)
	}

	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}

func TestLogNotifierWritesEvent(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	if err := n.Notify(context.Background(), Event{Kind: KindUser, UserID: "u-1", Message: "hello", OccurredAt: time.Now()}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"user_id":"u-1"`) || !strings.Contains(out, `"message":"hello"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}

func TestWebhookNotifier(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type: %s", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	if err := n.Notify(context.Background(), Event{Kind: KindUser, UserID: "u-2", Message: "ping"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if received.UserID != "u-2" || received.Message != "ping" {
		t.Fatalf("unexpected payload: %+v", received)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), Event{Kind: KindUser})
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure {
		t.Fatalf("expected upstream failure, got %v", err)
	}
}
