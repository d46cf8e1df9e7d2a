// Package realtime wraps the event store with live-subscription and
// closed-run-cache services for the agent run controller (spec §4.6).
package realtime

import (
	"sync"

	"github.com/durable-streams/streamcore/internal/eventstore"
)

const closedRunCacheCap = 10_000

// Overlay wraps an eventstore.Store with pub/sub and a closed-run cache.
type Overlay struct {
	store *eventstore.Store

	mu        sync.Mutex
	listeners map[string][]*listener // sessionID -> subscribers
	nextID    uint64

	closedMu    sync.Mutex
	closedRuns  map[string]struct{} // "sessionID:runID"
	currentID   string
	rotateSubs  []func(newSessionID string)
}

type listener struct {
	id uint64
	cb func(eventstore.Event)
}

// Store returns the wrapped event store, for callers that need operations
// realtime does not itself wrap (e.g. bootstrap claims).
func (o *Overlay) Store() *eventstore.Store { return o.store }

// New wraps store.
func New(store *eventstore.Store) *Overlay {
	return &Overlay{
		store:      store,
		listeners:  make(map[string][]*listener),
		closedRuns: make(map[string]struct{}),
	}
}

// Append persists ev via the wrapped store, then publishes it to every
// subscriber of sessionId after the transaction commits (spec §4.6: "Publish
// happens after the event-store transaction commits").
func (o *Overlay) Append(in eventstore.AppendInput) (eventstore.Event, error) {
	ev, err := o.store.Append(in)
	if err != nil {
		return eventstore.Event{}, err
	}
	o.publish(ev)
	if ev.Type == "run_closed" && ev.RunID != nil {
		o.recordClosedRun(ev.SessionID, *ev.RunID)
	}
	return ev, nil
}

func (o *Overlay) publish(ev eventstore.Event) {
	o.mu.Lock()
	subs := append([]*listener(nil), o.listeners[ev.SessionID]...)
	o.mu.Unlock()
	for _, l := range subs {
		l.cb(ev)
	}
}

// Subscribe registers cb to receive every future event for sessionID.
// Returns an unsubscribe function; subscriber lifetime is owned by the
// caller (spec §4.6).
func (o *Overlay) Subscribe(sessionID string, cb func(eventstore.Event)) func() {
	o.mu.Lock()
	o.nextID++
	l := &listener{id: o.nextID, cb: cb}
	o.listeners[sessionID] = append(o.listeners[sessionID], l)
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		subs := o.listeners[sessionID]
		for i, s := range subs {
			if s == l {
				o.listeners[sessionID] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (o *Overlay) recordClosedRun(sessionID, runID string) {
	o.closedMu.Lock()
	defer o.closedMu.Unlock()
	if len(o.closedRuns) >= closedRunCacheCap {
		o.closedRuns = make(map[string]struct{})
	}
	o.closedRuns[sessionID+":"+runID] = struct{}{}
}

// IsAgentRunClosed checks the in-memory cache first, falling back to the
// database and populating the cache on a hit (spec §4.6).
func (o *Overlay) IsAgentRunClosed(sessionID, runID string) (bool, error) {
	key := sessionID + ":" + runID
	o.closedMu.Lock()
	_, cached := o.closedRuns[key]
	o.closedMu.Unlock()
	if cached {
		return true, nil
	}

	events, err := o.store.Query(sessionID, eventstore.QueryOptions{Types: []string{"run_closed"}, RunID: &runID})
	if err != nil {
		return false, err
	}
	if len(events) > 0 {
		o.recordClosedRun(sessionID, runID)
		return true, nil
	}
	return false, nil
}

// Rotate switches the single active "current" session and fires rotation
// subscribers (optional service, spec §4.6).
func (o *Overlay) Rotate(newSessionID string) {
	o.mu.Lock()
	o.currentID = newSessionID
	subs := make([]func(string), len(o.rotateSubs))
	copy(subs, o.rotateSubs)
	o.mu.Unlock()
	for _, cb := range subs {
		cb(newSessionID)
	}
}

// CurrentSessionID returns the session set by the last Rotate call.
func (o *Overlay) CurrentSessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentID
}

// OnRotate registers a callback invoked on every Rotate.
func (o *Overlay) OnRotate(cb func(newSessionID string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rotateSubs = append(o.rotateSubs, cb)
}

// DeleteSession removes sessionID's listener map entry and closed-run cache
// entries, then cascades the delete to the underlying store (spec §4.6:
// "Session deletion cleans the in-memory listener map and the closed-run
// cache for that session").
func (o *Overlay) DeleteSession(sessionID string) error {
	o.mu.Lock()
	delete(o.listeners, sessionID)
	o.mu.Unlock()

	o.closedMu.Lock()
	prefix := sessionID + ":"
	for k := range o.closedRuns {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(o.closedRuns, k)
		}
	}
	o.closedMu.Unlock()

	return o.store.DeleteSession(sessionID)
}
