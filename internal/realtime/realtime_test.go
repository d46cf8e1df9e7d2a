package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/durable-streams/streamcore/internal/eventstore"
	"github.com/durable-streams/streamcore/internal/index"
)

func newTestOverlay(t *testing.T) *Overlay {
	t.Helper()
	idx, err := index.Open("")
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return New(eventstore.New(idx, "", nil))
}

func TestSubscribeReceivesAppendedEvent(t *testing.T) {
	o := newTestOverlay(t)
	sessionID, err := o.Store().CreateSession("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	received := make(chan eventstore.Event, 1)
	unsubscribe := o.Subscribe(sessionID, func(ev eventstore.Event) {
		received <- ev
	})
	defer unsubscribe()

	if _, err := o.Append(eventstore.AppendInput{SessionID: sessionID, Type: eventstore.TypeUserMessage, Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case ev := <-received:
		if ev.Type != eventstore.TypeUserMessage {
			t.Errorf("expected published event type %q, got %q", eventstore.TypeUserMessage, ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber notification")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	o := newTestOverlay(t)
	sessionID, _ := o.Store().CreateSession("")

	count := 0
	unsubscribe := o.Subscribe(sessionID, func(ev eventstore.Event) { count++ })
	unsubscribe()

	if _, err := o.Append(eventstore.AppendInput{SessionID: sessionID, Type: eventstore.TypeUserMessage, Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no callbacks after unsubscribe, got %d", count)
	}
}

func TestIsAgentRunClosedChecksCacheThenStore(t *testing.T) {
	o := newTestOverlay(t)
	sessionID, _ := o.Store().CreateSession("")
	runID := "run-1"

	closed, err := o.IsAgentRunClosed(sessionID, runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if closed {
		t.Errorf("expected an unstarted run to not be closed")
	}

	if _, err := o.Append(eventstore.AppendInput{SessionID: sessionID, Type: eventstore.TypeRunClosed, RunID: &runID, Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	closed, err = o.IsAgentRunClosed(sessionID, runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !closed {
		t.Errorf("expected the run to report closed after a run_closed event")
	}
}

func TestRotateNotifiesSubscribers(t *testing.T) {
	o := newTestOverlay(t)
	notified := make(chan string, 1)
	o.OnRotate(func(newSessionID string) { notified <- newSessionID })

	o.Rotate("session-42")

	select {
	case got := <-notified:
		if got != "session-42" {
			t.Errorf("expected rotate notification for session-42, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rotate notification")
	}
	if o.CurrentSessionID() != "session-42" {
		t.Errorf("expected CurrentSessionID to report session-42, got %q", o.CurrentSessionID())
	}
}

func TestDeleteSessionClearsListenersAndCache(t *testing.T) {
	o := newTestOverlay(t)
	sessionID, _ := o.Store().CreateSession("")
	runID := "run-1"
	if _, err := o.Append(eventstore.AppendInput{SessionID: sessionID, Type: eventstore.TypeRunClosed, RunID: &runID, Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	count := 0
	o.Subscribe(sessionID, func(ev eventstore.Event) { count++ })

	if err := o.DeleteSession(sessionID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	o.mu.Lock()
	remaining := len(o.listeners[sessionID])
	o.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected listeners for deleted session to be cleared, got %d", remaining)
	}

	o.closedMu.Lock()
	_, stillCached := o.closedRuns[sessionID+":"+runID]
	o.closedMu.Unlock()
	if stillCached {
		t.Errorf("expected closed-run cache entries for the deleted session to be cleared")
	}
}
