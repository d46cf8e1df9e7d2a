package index

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// SessionRow mirrors the `sessions` table (spec §3 "Session (run-layer)").
type SessionRow struct {
	ID         string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	CurrentSeq int64
}

// EventRow mirrors the `events` table (spec §3 "Event (run-layer)").
type EventRow struct {
	ID         int64
	SessionID  string
	Seq        int64
	RunID      *string
	Type       string
	Payload    string
	DedupeKey  *string
	CreatedAt  time.Time
}

// InsertSession creates a session row. Returns ErrExists if id already
// exists (spec §4.5 createSession: "idempotent create must reject a
// duplicate explicit id").
func (db *DB) InsertSession(id string, at time.Time) error {
	_, err := db.sql.Exec(`INSERT INTO sessions (id, created_at, updated_at, current_seq) VALUES (?,?,?,0)`,
		id, at.Unix(), at.Unix())
	if err != nil && isUniqueViolation(err) {
		return ErrExists
	}
	return err
}

// GetSession returns a session row, or ErrNotFound.
func (db *DB) GetSession(id string) (*SessionRow, error) {
	row := db.sql.QueryRow(`SELECT id, created_at, updated_at, current_seq FROM sessions WHERE id = ?`, id)
	var s SessionRow
	var createdAt, updatedAt int64
	if err := row.Scan(&s.ID, &createdAt, &updatedAt, &s.CurrentSeq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &s, nil
}

// DeleteSession cascades to all of the session's events (spec §4.5
// "deleteSession cascades to all events").
func (db *DB) DeleteSession(id string) error {
	tx, err := db.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM events WHERE session_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// FindDedupe looks up an existing event by (session, dedupeKey), returning
// ErrNotFound if none exists (spec §4.5 append: dedupe check).
func (db *DB) FindDedupe(tx *sql.Tx, sessionID, dedupeKey string) (*EventRow, error) {
	row := tx.QueryRow(`SELECT id, session_id, seq, run_id, type, payload, dedupe_key, created_at
		FROM events WHERE session_id = ? AND dedupe_key = ?`, sessionID, dedupeKey)
	return scanEvent(row)
}

func scanEvent(row interface{ Scan(...any) error }) (*EventRow, error) {
	var e EventRow
	var runID, dedupeKey sql.NullString
	var createdAt int64
	if err := row.Scan(&e.ID, &e.SessionID, &e.Seq, &runID, &e.Type, &e.Payload, &dedupeKey, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if runID.Valid {
		e.RunID = &runID.String
	}
	if dedupeKey.Valid {
		e.DedupeKey = &dedupeKey.String
	}
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &e, nil
}

// AppendEvent performs the whole event-store append transaction described
// in spec §4.5: look up (and lock) the session, bump currentSeq, insert the
// event row. Callers have already resolved dedup via FindDedupe inside the
// same tx. tx must be committed by the caller.
func (db *DB) AppendEvent(tx *sql.Tx, sessionID string, runID *string, typ, payload string, dedupeKey *string, at time.Time) (*EventRow, error) {
	row := tx.QueryRow(`SELECT current_seq FROM sessions WHERE id = ?`, sessionID)
	var currentSeq int64
	if err := row.Scan(&currentSeq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	seq := currentSeq + 1
	if _, err := tx.Exec(`UPDATE sessions SET current_seq = ?, updated_at = ? WHERE id = ?`, seq, at.Unix(), sessionID); err != nil {
		return nil, err
	}

	res, err := tx.Exec(`INSERT INTO events (session_id, seq, run_id, type, payload, dedupe_key, created_at)
		VALUES (?,?,?,?,?,?,?)`, sessionID, seq, runID, typ, payload, dedupeKey, at.Unix())
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &EventRow{ID: id, SessionID: sessionID, Seq: seq, RunID: runID, Type: typ, Payload: payload, DedupeKey: dedupeKey, CreatedAt: at}, nil
}

// QueryEvents returns events for a session, optionally filtered, ordered by
// seq ascending (spec §4.5 query).
type QueryOptions struct {
	AfterSeq *int64
	Types    []string
	RunID    *string
	Limit    int
}

func (db *DB) QueryEvents(sessionID string, opts QueryOptions) ([]*EventRow, error) {
	query := `SELECT id, session_id, seq, run_id, type, payload, dedupe_key, created_at FROM events WHERE session_id = ?`
	args := []any{sessionID}

	if opts.AfterSeq != nil {
		query += ` AND seq > ?`
		args = append(args, *opts.AfterSeq)
	}
	if opts.RunID != nil {
		query += ` AND run_id = ?`
		args = append(args, *opts.RunID)
	}
	if len(opts.Types) > 0 {
		query += ` AND type IN (` + placeholders(len(opts.Types)) + `)`
		for _, t := range opts.Types {
			args = append(args, t)
		}
	}
	query += ` ORDER BY seq ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := db.sql.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EventRow
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FindStaleRuns returns every (sessionId, runId) with an agent_start older
// than cutoff and no matching run_closed (spec §4.5 findStaleRuns).
type StaleRun struct {
	SessionID string
	RunID     string
	StartedAt time.Time
}

func (db *DB) FindStaleRuns(cutoff time.Time) ([]StaleRun, error) {
	rows, err := db.sql.Query(`
		SELECT a.session_id, a.run_id, MIN(a.created_at)
		FROM events a
		WHERE a.type = 'agent_start' AND a.run_id IS NOT NULL AND a.created_at <= ?
		AND NOT EXISTS (
			SELECT 1 FROM events c
			WHERE c.session_id = a.session_id AND c.run_id = a.run_id AND c.type = 'run_closed'
		)
		GROUP BY a.session_id, a.run_id`, cutoff.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StaleRun
	for rows.Next() {
		var r StaleRun
		var startedAt int64
		if err := rows.Scan(&r.SessionID, &r.RunID, &startedAt); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(startedAt, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	s := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			s = append(s, ',')
		}
		s = append(s, '?')
	}
	return string(s)
}

// ClaimBootstrap atomically claims the one-time bootstrap-injection marker
// for agentID. Returns true if this call won the race (spec §4.7.2: "losers
// skip the injection").
func (db *DB) ClaimBootstrap(agentID string) (bool, error) {
	res, err := db.sql.Exec(`INSERT INTO bootstrap_state (agent_id, injected) VALUES (?, 1)
		ON CONFLICT(agent_id) DO NOTHING`, agentID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ErrExists is returned when an explicit id collides with an existing row.
var ErrExists = errorString("index: already exists")

type errorString string

func (e errorString) Error() string { return string(e) }

func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "constraint failed"))
}
