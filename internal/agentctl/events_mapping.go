package agentctl

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// handleAgentEvent is the onEvent callback installed on every agent. It
// implements the event -> row mapping of spec §4.7.1 and the agent_end
// continuation rule of spec §4.7.
func (c *Controller) handleAgentEvent(sessionID string, e *sessionEntry, ev Event) {
	c.mu.Lock()
	runID := e.runID
	c.mu.Unlock()

	switch ev.Kind {
	case EventAgentStart:
		c.persist(sessionID, runID, EventAgentStart, ev.Message, nil)

	case EventAgentEnd:
		c.persist(sessionID, runID, EventAgentEnd, ev.Message, nil)
		c.persist(sessionID, runID, "run_closed", mustJSON(map[string]string{"reason": "completed"}), nil)

		c.mu.Lock()
		e.runID = nil
		c.mu.Unlock()

		if e.agent.HasQueuedMessages() {
			// Deferred: agent_end fires inside the agent's own loop before its
			// finally-block clears isStreaming; a microtask-equivalent goroutine
			// guarantees we observe a truly idle agent before continuing it.
			go c.continueQueued(sessionID, e)
		}

	case EventTurnStart:
		c.persist(sessionID, runID, EventTurnStart, ev.Message, nil)
	case EventTurnEnd:
		c.persist(sessionID, runID, EventTurnEnd, ev.Message, nil)

	case EventMessageStart:
		c.persist(sessionID, runID, EventMessageStart, ev.Message, nil)
	case EventMessageUpdate:
		c.persist(sessionID, runID, EventMessageUpdate, ev.Delta, nil)
	case EventMessageEnd:
		c.persist(sessionID, runID, EventMessageEnd, ev.Message, nil)
		if ev.Role == "assistant" {
			c.persist(sessionID, runID, "assistant_final", ev.Message, nil)
		}

	case EventToolExecutionStart:
		c.persist(sessionID, runID, EventToolExecutionStart, ev.Tool, nil)
	case EventToolExecutionUpdate:
		c.persist(sessionID, runID, EventToolExecutionUpdate, ev.Tool, nil)
	case EventToolExecutionEnd:
		c.persist(sessionID, runID, EventToolExecutionEnd, ev.Result, nil)
		c.persist(sessionID, runID, "tool_result", ev.Result, nil)

	default:
		c.log.Warn("unrecognized agent event kind", zap.String("kind", ev.Kind))
	}
}

func (c *Controller) continueQueued(sessionID string, e *sessionEntry) {
	ctx := context.Background()
	if err := e.lock.Acquire(ctx, 1); err != nil {
		return
	}
	defer e.lock.Release(1)

	newRunID := uuid.NewString()
	c.mu.Lock()
	e.runID = &newRunID
	c.mu.Unlock()

	if err := e.agent.Continue(ctx); err != nil {
		c.persist(sessionID, &newRunID, "error", mustJSON(map[string]string{"message": err.Error()}), nil)
		c.closeRun(sessionID, e, newRunID)
	}
}
