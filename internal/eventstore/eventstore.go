// Package eventstore specialises the relational index (internal/index) for
// the agent run controller: sessions as aggregate roots, events as their
// children, with strict per-session sequencing (spec §4.5). Its event-type
// vocabulary and audit-log pattern are grounded on the teacher corpus's
// session/forensic-log packages rather than the stream-engine teacher
// itself, which has no equivalent concept.
package eventstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/durable-streams/streamcore/internal/index"
)

// Event type vocabulary (spec §4.7.1's closed enum).
const (
	TypeAgentStart          = "agent_start"
	TypeAgentEnd             = "agent_end"
	TypeTurnStart            = "turn_start"
	TypeTurnEnd              = "turn_end"
	TypeMessageStart         = "message_start"
	TypeMessageUpdate        = "message_update"
	TypeMessageEnd           = "message_end"
	TypeAssistantFinal       = "assistant_final"
	TypeToolExecutionStart   = "tool_execution_start"
	TypeToolExecutionUpdate  = "tool_execution_update"
	TypeToolExecutionEnd     = "tool_execution_end"
	TypeToolResult           = "tool_result"
	TypeUserMessage          = "user_message"
	TypeRunClosed            = "run_closed"
	TypeError                = "error"
	TypeToolCall             = "tool_call"
)

var validTypes = map[string]bool{
	TypeAgentStart: true, TypeAgentEnd: true, TypeTurnStart: true, TypeTurnEnd: true,
	TypeMessageStart: true, TypeMessageUpdate: true, TypeMessageEnd: true, TypeAssistantFinal: true,
	TypeToolExecutionStart: true, TypeToolExecutionUpdate: true, TypeToolExecutionEnd: true, TypeToolResult: true,
	TypeUserMessage: true, TypeRunClosed: true, TypeError: true, TypeToolCall: true,
}

var (
	ErrUnknownType     = errors.New("eventstore: unknown event type")
	ErrSessionExists   = errors.New("eventstore: session already exists")
	ErrSessionNotFound = errors.New("eventstore: session not found")
)

// AppendInput is the payload for Append (spec §4.5).
type AppendInput struct {
	SessionID string
	Type      string
	Payload   json.RawMessage
	RunID     *string
	DedupeKey *string
}

// Event is the public view of an event row, payload left as raw JSON for
// callers to interpret per type.
type Event struct {
	ID        int64
	SessionID string
	Seq       int64
	RunID     *string
	Type      string
	Payload   json.RawMessage
	DedupeKey *string
	CreatedAt time.Time
}

// Store is the event store. audit, if non-nil, receives a best-effort async
// copy of every appended event (spec §4.5 "Best-effort asynchronous audit
// log to a JSONL file").
type Store struct {
	idx   *index.DB
	audit *auditLog
	log   *zap.Logger
}

// New constructs a Store. auditDir may be empty to disable the audit log.
func New(idx *index.DB, auditDir string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	var a *auditLog
	if auditDir != "" {
		a = newAuditLog(auditDir, log)
	}
	return &Store{idx: idx, audit: a, log: log}
}

// CreateSession creates a session, auto-generating an id when absent.
// Creating with an explicit id that already exists is rejected (spec §4.5
// "idempotent create must reject a duplicate explicit id").
func (s *Store) CreateSession(id string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := s.idx.InsertSession(id, index.Now()); err != nil {
		if errors.Is(err, index.ErrExists) {
			return "", ErrSessionExists
		}
		return "", err
	}
	return id, nil
}

func toEvent(r *index.EventRow) Event {
	return Event{
		ID: r.ID, SessionID: r.SessionID, Seq: r.Seq, RunID: r.RunID,
		Type: r.Type, Payload: json.RawMessage(r.Payload), DedupeKey: r.DedupeKey, CreatedAt: r.CreatedAt,
	}
}

// Append validates type against the closed enum, dedupes, assigns the next
// per-session seq, and inserts the row in one transaction (spec §4.5).
func (s *Store) Append(in AppendInput) (Event, error) {
	if !validTypes[in.Type] {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownType, in.Type)
	}

	tx, err := s.idx.Begin()
	if err != nil {
		return Event{}, err
	}
	defer tx.Rollback()

	if in.DedupeKey != nil {
		existing, derr := s.idx.FindDedupe(tx, in.SessionID, *in.DedupeKey)
		if derr != nil && !errors.Is(derr, index.ErrNotFound) {
			return Event{}, derr
		}
		if derr == nil {
			return toEvent(existing), nil
		}
	}

	row, err := s.idx.AppendEvent(tx, in.SessionID, in.RunID, in.Type, string(in.Payload), in.DedupeKey, index.Now())
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return Event{}, ErrSessionNotFound
		}
		return Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return Event{}, err
	}

	ev := toEvent(row)
	if s.audit != nil {
		s.audit.write(ev)
	}
	return ev, nil
}

// QueryOptions filters Query (spec §4.5).
type QueryOptions struct {
	AfterSeq *int64
	Types    []string
	RunID    *string
	Limit    int
}

// Query returns events for a session, ordered by seq ascending.
func (s *Store) Query(sessionID string, opts QueryOptions) ([]Event, error) {
	rows, err := s.idx.QueryEvents(sessionID, index.QueryOptions{
		AfterSeq: opts.AfterSeq, Types: opts.Types, RunID: opts.RunID, Limit: opts.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Event, len(rows))
	for i, r := range rows {
		out[i] = toEvent(r)
	}
	return out, nil
}

// ConversationMessage is one entry of GetConversationHistory.
type ConversationMessage struct {
	Type    string
	Payload json.RawMessage
}

var conversationTypes = []string{TypeUserMessage, TypeAssistantFinal, TypeToolResult}

// GetConversationHistory filters to user_message/assistant_final/tool_result
// rows, skipping (and logging) any whose payload fails to parse as JSON
// (spec §4.5).
func (s *Store) GetConversationHistory(sessionID string) ([]ConversationMessage, error) {
	events, err := s.Query(sessionID, QueryOptions{Types: conversationTypes})
	if err != nil {
		return nil, err
	}
	out := make([]ConversationMessage, 0, len(events))
	for _, e := range events {
		if !json.Valid(e.Payload) {
			s.log.Warn("skipping unparseable event payload", zap.String("session", sessionID), zap.Int64("seq", e.Seq))
			continue
		}
		out = append(out, ConversationMessage{Type: e.Type, Payload: e.Payload})
	}
	return out, nil
}

// StaleRun is a run whose agent_start predates the recovery cutoff with no
// matching run_closed (spec §4.5, §4.8).
type StaleRun struct {
	SessionID string
	RunID     string
	StartedAt time.Time
}

// FindStaleRuns returns runs older than maxAge with no run_closed.
func (s *Store) FindStaleRuns(maxAge time.Duration) ([]StaleRun, error) {
	rows, err := s.idx.FindStaleRuns(time.Now().Add(-maxAge))
	if err != nil {
		return nil, err
	}
	out := make([]StaleRun, len(rows))
	for i, r := range rows {
		out[i] = StaleRun{SessionID: r.SessionID, RunID: r.RunID, StartedAt: r.StartedAt}
	}
	return out, nil
}

// DeleteSession cascades to all of a session's events.
func (s *Store) DeleteSession(sessionID string) error {
	if err := s.idx.DeleteSession(sessionID); err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	return nil
}

// ClaimBootstrap atomically claims the process-wide bootstrap-injected
// marker for agentID; only the first caller gets true (spec §4.7.2).
func (s *Store) ClaimBootstrap(agentID string) (bool, error) {
	return s.idx.ClaimBootstrap(agentID)
}
