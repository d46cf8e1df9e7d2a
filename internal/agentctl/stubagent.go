package agentctl

import (
	"context"
	"sync"
)

// EchoAgent is a minimal Agent implementation that immediately answers every
// prompt by echoing it back as a single assistant message. The real LLM
// adapter is an external collaborator out of scope here (spec §1); EchoAgent
// exists only so Controller has a concrete Factory to wire for local running
// and tests.
type EchoAgent struct {
	mu       sync.Mutex
	state    State
	queued   []string
	handler  func(Event)
}

// NewEchoAgent constructs an EchoAgent. sessionID is unused; it exists to
// satisfy the Factory signature.
func NewEchoAgent(sessionID string) Agent {
	return &EchoAgent{}
}

func (a *EchoAgent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *EchoAgent) emit(ev Event) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (a *EchoAgent) run(ctx context.Context, text string) error {
	a.mu.Lock()
	a.state.IsStreaming = true
	a.mu.Unlock()

	a.emit(Event{Kind: EventAgentStart})
	a.emit(Event{Kind: EventTurnStart})

	userMsg := Message{Role: "user", Content: mustJSON(text)}
	assistantContent := mustJSON(text)

	a.emit(Event{Kind: EventMessageStart, Role: "assistant", Message: mustJSON(map[string]any{"role": "assistant"})})
	a.emit(Event{Kind: EventMessageUpdate, Role: "assistant", Delta: assistantContent})
	finalMsg := Message{Role: "assistant", Content: assistantContent}
	a.emit(Event{Kind: EventMessageEnd, Role: "assistant", Message: mustJSON(finalMsg)})

	a.mu.Lock()
	a.state.Messages = append(a.state.Messages, userMsg, finalMsg)
	a.state.IsStreaming = false
	a.mu.Unlock()

	a.emit(Event{Kind: EventTurnEnd})
	a.emit(Event{Kind: EventAgentEnd})
	return nil
}

func (a *EchoAgent) Prompt(ctx context.Context, text string) error {
	return a.run(ctx, text)
}

// FollowUp queues text; it runs as a new turn on the next Continue call.
func (a *EchoAgent) FollowUp(text string) {
	a.mu.Lock()
	a.queued = append(a.queued, text)
	a.mu.Unlock()
}

func (a *EchoAgent) Continue(ctx context.Context) error {
	a.mu.Lock()
	if len(a.queued) == 0 {
		a.mu.Unlock()
		return nil
	}
	next := a.queued[0]
	a.queued = a.queued[1:]
	a.mu.Unlock()
	return a.run(ctx, next)
}

func (a *EchoAgent) Steer(message string) error {
	a.FollowUp(message)
	return nil
}

func (a *EchoAgent) Abort() error {
	a.mu.Lock()
	a.state.IsStreaming = false
	a.queued = nil
	a.mu.Unlock()
	return nil
}

func (a *EchoAgent) HasQueuedMessages() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queued) > 0
}

func (a *EchoAgent) ReplaceMessages(messages []Message) {
	a.mu.Lock()
	a.state.Messages = messages
	a.mu.Unlock()
}

func (a *EchoAgent) OnEvent(cb func(Event)) {
	a.mu.Lock()
	a.handler = cb
	a.mu.Unlock()
}

var _ Agent = (*EchoAgent)(nil)
