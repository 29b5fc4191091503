package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "ABIAgent-Chain/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }
func (r *recordingNotifier) Notify(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: "a"}
	b := &recordingNotifier{channel: "b", err: errors.New("down")}
	d := NewFanout(a, nil, b)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeCompensationFailed, Subject: "agent.register"})
	if err == nil || !strings.Contains(err.Error(), "channel b") {
		t.Fatalf("expected joined error from channel b, got %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("every notifier must receive the event")
	}
	if a.events[0].OccurredAt.IsZero() {
		t.Fatalf("timestamp should be filled in")
	}
	if got := d.Channels(); len(got) != 2 || got[0] != "a" {
		t.Fatalf("unexpected channels %v", got)
	}

	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}

func TestFromErrorCarriesMetadata(t *testing.T) {
	err := xerrors.New(xerrors.CodeCompensationFailed, "delete agent 7 failed", xerrors.WithMetadata("agent_id", "7"))
	ev := FromError("agent.register", err)
	if ev.Code != xerrors.CodeCompensationFailed || ev.Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Metadata["agent_id"] != "7" {
		t.Fatalf("metadata not copied: %v", ev.Metadata)
	}
}

func TestWebhookNotifier(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	if err := n.Notify(context.Background(), Event{Code: xerrors.CodeStorageFailure, AgentID: 9}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if received.AgentID != 9 || received.Code != xerrors.CodeStorageFailure {
		t.Fatalf("unexpected payload %+v", received)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	n.URL = failing.URL
	if err := n.Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error on 500")
	}

	unconfigured := &WebhookNotifier{}
	if err := unconfigured.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured webhook should be skipped: %v", err)
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	if err := (LogNotifier{}).Notify(context.Background(), Event{Code: xerrors.CodeTimeout, Metadata: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("log notifier: %v", err)
	}
}
