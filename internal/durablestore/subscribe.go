package durablestore

import (
	"sync"

	"github.com/durable-streams/streamcore/internal/offset"
	"github.com/durable-streams/streamcore/internal/streamengine"
)

// EventKind classifies a subscription callback invocation (spec §4.3.2).
type EventKind int

const (
	EventMessages EventKind = iota
	EventClosed
	EventDeleted
)

// SubscriberEvent is delivered to a subscription callback exactly once.
type SubscriberEvent struct {
	Kind     EventKind
	Messages []streamengine.Message
}

type subscription struct {
	id       uint64
	from     offset.Offset
	callback func(SubscriberEvent)
	fired    bool
}

// fanout tracks pending subscriptions per stream path and fires each one at
// most once, from the thread that commits the triggering append/close/delete
// (spec §4.3.2: "invoked exactly once by a future append, closeStream, or
// delete").
type fanout struct {
	mu      sync.Mutex
	nextID  uint64
	waiters map[string][]*subscription
}

func newFanout() *fanout {
	return &fanout{waiters: make(map[string][]*subscription)}
}

// register installs a waiter for path and returns an unsubscribe func.
func (f *fanout) register(path string, from offset.Offset, cb func(SubscriberEvent)) func() {
	f.mu.Lock()
	f.nextID++
	sub := &subscription{id: f.nextID, from: from, callback: cb}
	f.waiters[path] = append(f.waiters[path], sub)
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		list := f.waiters[path]
		for i, s := range list {
			if s == sub {
				f.waiters[path] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// notifyMessages fires every registered waiter on path with the whole batch,
// exactly once each, then clears them. A waiter's own offset is not compared
// against the batch.
func (f *fanout) notifyMessages(path string, messages []streamengine.Message) {
	if len(messages) == 0 {
		return
	}
	f.mu.Lock()
	list := f.waiters[path]
	delete(f.waiters, path)
	f.mu.Unlock()

	for _, s := range list {
		if s.fired {
			continue
		}
		s.fired = true
		s.callback(SubscriberEvent{Kind: EventMessages, Messages: messages})
	}
}

// notifyTerminal fires every registered waiter on path with a closed or
// deleted event, then clears them.
func (f *fanout) notifyTerminal(path string, kind EventKind) {
	f.mu.Lock()
	list := f.waiters[path]
	delete(f.waiters, path)
	f.mu.Unlock()

	for _, s := range list {
		if s.fired {
			continue
		}
		s.fired = true
		s.callback(SubscriberEvent{Kind: kind})
	}
}
