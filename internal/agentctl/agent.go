// Package agentctl implements the run controller described in spec §4.7:
// it serialises message routing per session over an opaque Agent
// collaborator, persists its event stream via internal/eventstore (through
// internal/realtime), and recovers stale runs on startup.
package agentctl

import (
	"context"
	"encoding/json"
)

// Message is one entry of an agent's in-memory conversation state.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// State is the agent's externally observable state (spec §4.7).
type State struct {
	IsStreaming  bool
	Messages     []Message
	SystemPrompt string
}

// Event is one item of the agent's onEvent stream (spec §4.7.1). Fields not
// relevant to a given Kind are left zero.
type Event struct {
	Kind    string
	Role    string          // for message_end: whose message ended
	Message json.RawMessage // message_start/message_end snapshot
	Delta   json.RawMessage // message_update: the stream delta only
	Tool    json.RawMessage // tool_execution_*
	Result  json.RawMessage // tool_execution_end
	Reason  string          // agent_end / error
}

// Kinds the agent may emit, matching spec §4.7.1's left column exactly.
const (
	EventAgentStart         = "agent_start"
	EventAgentEnd           = "agent_end"
	EventTurnStart          = "turn_start"
	EventTurnEnd            = "turn_end"
	EventMessageStart       = "message_start"
	EventMessageUpdate      = "message_update"
	EventMessageEnd         = "message_end"
	EventToolExecutionStart = "tool_execution_start"
	EventToolExecutionUpdate = "tool_execution_update"
	EventToolExecutionEnd   = "tool_execution_end"
)

// Agent is the opaque external collaborator the controller drives. An
// implementation might wrap an LLM conversation loop; agentctl only needs
// this surface (spec §4.7).
type Agent interface {
	State() State
	Prompt(ctx context.Context, text string) error
	FollowUp(message string)
	Continue(ctx context.Context) error
	Steer(message string) error
	Abort() error
	HasQueuedMessages() bool
	ReplaceMessages(messages []Message)
	OnEvent(func(Event))
}

// Factory creates (or returns the existing) Agent for a session.
type Factory func(sessionID string) Agent
