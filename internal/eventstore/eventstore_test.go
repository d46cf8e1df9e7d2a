package eventstore

import (
	"encoding/json"
	"testing"

	"github.com/durable-streams/streamcore/internal/index"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	idx, err := index.Open("")
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return New(idx, "", nil)
}

func TestCreateSessionGeneratesIDWhenEmpty(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateSession("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Errorf("expected a generated session id")
	}
}

func TestCreateSessionRejectsDuplicateExplicitID(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateSession("session-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.CreateSession("session-1"); err != ErrSessionExists {
		t.Errorf("expected ErrSessionExists, got %v", err)
	}
}

func TestAppendRejectsUnknownType(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateSession("")
	_, err := s.Append(AppendInput{SessionID: id, Type: "not_a_real_type", Payload: json.RawMessage(`{}`)})
	if err == nil {
		t.Fatalf("expected an error for an unknown event type")
	}
}

func TestAppendRejectsMissingSession(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append(AppendInput{SessionID: "no-such-session", Type: TypeUserMessage, Payload: json.RawMessage(`{}`)})
	if err != ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestAppendAssignsIncrementingSeq(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateSession("")

	e1, err := s.Append(AppendInput{SessionID: id, Type: TypeUserMessage, Payload: json.RawMessage(`{"text":"hi"}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e2, err := s.Append(AppendInput{SessionID: id, Type: TypeAssistantFinal, Payload: json.RawMessage(`{"text":"hello"}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e2.Seq != e1.Seq+1 {
		t.Errorf("expected seq to increment by 1, got %d then %d", e1.Seq, e2.Seq)
	}
}

func TestAppendDedupeKeyReturnsExistingEvent(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateSession("")
	key := "dedupe-key-1"

	first, err := s.Append(AppendInput{SessionID: id, Type: TypeUserMessage, Payload: json.RawMessage(`{"text":"hi"}`), DedupeKey: &key})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := s.Append(AppendInput{SessionID: id, Type: TypeUserMessage, Payload: json.RawMessage(`{"text":"hi, again"}`), DedupeKey: &key})
	if err != nil {
		t.Fatalf("unexpected error on duplicate dedupe key: %v", err)
	}
	if second.ID != first.ID || second.Seq != first.Seq {
		t.Errorf("expected a duplicate dedupe key to return the original event, got %+v vs %+v", first, second)
	}
}

func TestQueryFiltersByType(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateSession("")
	s.Append(AppendInput{SessionID: id, Type: TypeUserMessage, Payload: json.RawMessage(`{}`)})
	s.Append(AppendInput{SessionID: id, Type: TypeTurnStart, Payload: json.RawMessage(`{}`)})
	s.Append(AppendInput{SessionID: id, Type: TypeUserMessage, Payload: json.RawMessage(`{}`)})

	events, err := s.Query(id, QueryOptions{Types: []string{TypeUserMessage}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 user_message events, got %d", len(events))
	}
	for _, e := range events {
		if e.Type != TypeUserMessage {
			t.Errorf("expected only user_message events, got %q", e.Type)
		}
	}
}

func TestGetConversationHistorySkipsUnparseablePayloads(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateSession("")
	s.Append(AppendInput{SessionID: id, Type: TypeUserMessage, Payload: json.RawMessage(`{"text":"valid"}`)})
	// A tool_result whose payload is not valid JSON is skipped.
	s.Append(AppendInput{SessionID: id, Type: TypeToolResult, Payload: json.RawMessage(`{not json`)})
	s.Append(AppendInput{SessionID: id, Type: TypeAssistantFinal, Payload: json.RawMessage(`{"text":"reply"}`)})

	history, err := s.GetConversationHistory(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 conversation messages, got %d", len(history))
	}
}

func TestFindStaleRuns(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateSession("")
	runID := "run-1"
	_, err := s.Append(AppendInput{SessionID: id, Type: TypeAgentStart, RunID: &runID, Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stale, err := s.FindStaleRuns(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, r := range stale {
		if r.RunID == runID {
			found = true
		}
	}
	if !found {
		t.Errorf("expected run %q with no run_closed to be reported stale, got %+v", runID, stale)
	}

	if _, err := s.Append(AppendInput{SessionID: id, Type: TypeRunClosed, RunID: &runID, Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stale, err = s.FindStaleRuns(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range stale {
		if r.RunID == runID {
			t.Errorf("expected run %q to no longer be stale after run_closed", runID)
		}
	}
}

func TestDeleteSessionCascadesEvents(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateSession("")
	s.Append(AppendInput{SessionID: id, Type: TypeUserMessage, Payload: json.RawMessage(`{}`)})

	if err := s.DeleteSession(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.DeleteSession(id); err != ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound on second delete, got %v", err)
	}
}

func TestClaimBootstrapOnlyFirstCallerWins(t *testing.T) {
	s := newTestStore(t)
	first, err := s.ClaimBootstrap("agent-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first {
		t.Errorf("expected the first claim to succeed")
	}
	second, err := s.ClaimBootstrap("agent-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second {
		t.Errorf("expected the second claim for the same agent id to fail")
	}
}
