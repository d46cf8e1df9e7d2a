package agentctl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/durable-streams/streamcore/internal/eventstore"
	"github.com/durable-streams/streamcore/internal/realtime"
)

const bootstrapMarkerID = "default"

// Controller routes user messages to per-session agents and persists their
// event stream (spec §4.7).
type Controller struct {
	factory  Factory
	realtime *realtime.Overlay
	log      *zap.Logger

	bootstrapFile string

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

type sessionEntry struct {
	agent    Agent
	lock     *semaphore.Weighted
	runID    *string
	watching bool
	unwatch  func()
}

// New constructs a Controller. bootstrapFile, if non-empty, is read once per
// process and injected as the first tool_call/tool_result pair of the first
// routed message anywhere (spec §4.7.2).
func New(factory Factory, overlay *realtime.Overlay, bootstrapFile string, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		factory:       factory,
		realtime:      overlay,
		log:           log,
		bootstrapFile: bootstrapFile,
		sessions:      make(map[string]*sessionEntry),
	}
}

func (c *Controller) entry(sessionID string) *sessionEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[sessionID]
	if ok {
		return e
	}
	e = &sessionEntry{lock: semaphore.NewWeighted(1)}
	e.agent = c.factory(sessionID)
	e.agent.OnEvent(func(ev Event) { c.handleAgentEvent(sessionID, e, ev) })
	c.sessions[sessionID] = e
	return e
}

// HandleMessage routes a user message to sessionID's agent (spec §4.7 "Core
// algorithm — routing a user message").
func (c *Controller) HandleMessage(ctx context.Context, sessionID, text string) (routed string, runID string, err error) {
	e := c.entry(sessionID)
	if err := e.lock.Acquire(ctx, 1); err != nil {
		return "", "", err
	}
	defer e.lock.Release(1)

	c.maybeInjectBootstrap(sessionID)

	if e.agent.State().IsStreaming {
		newRunID := uuid.NewString()
		e.agent.FollowUp(text)
		return "followUp", newRunID, nil
	}

	newRunID := uuid.NewString()
	e.runID = &newRunID
	go func() {
		if err := e.agent.Prompt(context.Background(), text); err != nil {
			c.persist(sessionID, &newRunID, "error", mustJSON(map[string]string{"message": err.Error()}), nil)
			c.closeRun(sessionID, e, newRunID)
		}
	}()
	return "prompted", newRunID, nil
}

// Steer forwards a steering message to sessionID's active run.
func (c *Controller) Steer(ctx context.Context, sessionID, text string) error {
	e := c.entry(sessionID)
	if err := e.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.lock.Release(1)
	return e.agent.Steer(text)
}

// Abort cancels sessionID's active run, if any.
func (c *Controller) Abort(sessionID string) error {
	e := c.entry(sessionID)
	return e.agent.Abort()
}

// Watch subscribes to externally-persisted user_message events (runId
// empty) and routes them through HandleMessage (spec §4.7.2). A second
// Watch call for the same session is a no-op.
func (c *Controller) Watch(sessionID string) {
	e := c.entry(sessionID)
	c.mu.Lock()
	if e.watching {
		c.mu.Unlock()
		return
	}
	e.watching = true
	c.mu.Unlock()

	unsub := c.realtime.Subscribe(sessionID, func(ev eventstore.Event) {
		if ev.Type != "user_message" || ev.RunID != nil {
			return
		}
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			c.log.Warn("watch: unparseable user_message payload", zap.String("session", sessionID), zap.Error(err))
			return
		}
		if _, _, err := c.HandleMessage(context.Background(), sessionID, payload.Text); err != nil {
			c.log.Warn("watch: routing failed", zap.String("session", sessionID), zap.Error(err))
		}
	})

	c.mu.Lock()
	e.unwatch = unsub
	c.mu.Unlock()
}

// Unwatch removes sessionID's watch subscription, if any.
func (c *Controller) Unwatch(sessionID string) {
	c.mu.Lock()
	e, ok := c.sessions[sessionID]
	if !ok || !e.watching {
		c.mu.Unlock()
		return
	}
	e.watching = false
	unsub := e.unwatch
	e.unwatch = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Dispose aborts every tracked agent and tears down watch subscriptions.
func (c *Controller) Dispose() {
	c.mu.Lock()
	sessions := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		sessions = append(sessions, id)
	}
	c.mu.Unlock()

	for _, id := range sessions {
		c.Unwatch(id)
		if e := c.entry(id); e.agent != nil {
			_ = e.agent.Abort()
		}
	}
}

func (c *Controller) persist(sessionID string, runID *string, typ string, payload json.RawMessage, dedupeKey *string) {
	_, err := c.realtime.Append(eventstore.AppendInput{
		SessionID: sessionID, RunID: runID, Type: typ, Payload: payload, DedupeKey: dedupeKey,
	})
	if err != nil {
		c.log.Warn("event persistence failed", zap.String("session", sessionID), zap.String("type", typ), zap.Error(err))
	}
}

func (c *Controller) closeRun(sessionID string, e *sessionEntry, runID string) {
	c.persist(sessionID, &runID, "run_closed", mustJSON(map[string]string{"reason": "error"}), nil)
	c.mu.Lock()
	e.runID = nil
	c.mu.Unlock()
}

func (c *Controller) maybeInjectBootstrap(sessionID string) {
	if c.bootstrapFile == "" {
		return
	}
	claimed, err := c.realtime.Store().ClaimBootstrap(bootstrapMarkerID)
	if err != nil {
		c.log.Warn("bootstrap claim failed", zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	data, err := os.ReadFile(c.bootstrapFile)
	if err != nil {
		c.log.Warn("bootstrap file read failed", zap.String("path", c.bootstrapFile), zap.Error(err))
		return
	}

	callKey := "bootstrap:v1:tool_call"
	resultKey := "bootstrap:v1:tool_result"
	c.persist(sessionID, nil, "tool_call", mustJSON(map[string]string{"tool": "read_file", "path": c.bootstrapFile}), &callKey)
	c.persist(sessionID, nil, "tool_result", mustJSON(map[string]string{"content": string(data)}), &resultKey)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"marshalError":%q}`, err.Error()))
	}
	return b
}
