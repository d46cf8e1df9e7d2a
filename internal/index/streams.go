package index

import (
	"database/sql"
	"errors"
	"time"
)

// StreamRow mirrors the `streams` table (spec §3 "Stream").
type StreamRow struct {
	Path              string
	ContentType       string
	CreatedAt         time.Time
	TTLSeconds        *int64
	ExpiresAt         *time.Time
	Closed            bool
	ClosedByProducer  *string
	ClosedByEpoch     *int64
	ClosedBySeq       *int64
	CurrentReadSeq    uint64
	CurrentByteOffset uint64
	DeletedAt         *time.Time
	LogFileID         string
	SchemaKey         *string
	LastSeq           *string
}

func scanStream(row interface{ Scan(...any) error }) (*StreamRow, error) {
	var s StreamRow
	var createdAt int64
	var expiresAt, deletedAt sql.NullInt64
	var closed int
	var closedByProducer, schemaKey, lastSeq sql.NullString
	var closedByEpoch, closedBySeq sql.NullInt64
	var ttl sql.NullInt64

	if err := row.Scan(&s.Path, &s.ContentType, &createdAt, &ttl, &expiresAt, &closed,
		&closedByProducer, &closedByEpoch, &closedBySeq, &s.CurrentReadSeq,
		&s.CurrentByteOffset, &deletedAt, &s.LogFileID, &schemaKey, &lastSeq); err != nil {
		return nil, err
	}

	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.Closed = closed != 0
	if ttl.Valid {
		v := ttl.Int64
		s.TTLSeconds = &v
	}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0).UTC()
		s.ExpiresAt = &t
	}
	if deletedAt.Valid {
		t := time.Unix(deletedAt.Int64, 0).UTC()
		s.DeletedAt = &t
	}
	if closedByProducer.Valid {
		s.ClosedByProducer = &closedByProducer.String
	}
	if closedByEpoch.Valid {
		s.ClosedByEpoch = &closedByEpoch.Int64
	}
	if closedBySeq.Valid {
		s.ClosedBySeq = &closedBySeq.Int64
	}
	if schemaKey.Valid {
		s.SchemaKey = &schemaKey.String
	}
	if lastSeq.Valid {
		s.LastSeq = &lastSeq.String
	}
	return &s, nil
}

const streamColumns = `path, content_type, created_at, ttl_seconds, expires_at, closed,
	closed_by_producer, closed_by_epoch, closed_by_seq, current_read_seq,
	current_byte_offset, deleted_at, log_file_id, schema_key, last_seq`

// GetStream returns the live row for path, or ErrNotFound. Soft-deleted rows
// are invisible (spec §3 invariant), matching the caller's expectation that
// GetStream == "the visible stream".
func (db *DB) GetStream(path string) (*StreamRow, error) {
	row := db.sql.QueryRow(`SELECT `+streamColumns+` FROM streams WHERE path = ? AND deleted_at IS NULL`, path)
	s, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetStreamAny returns the row regardless of soft-delete state, used
// internally by resurrection to decide whether to wipe-and-revive.
func (db *DB) GetStreamAny(path string) (*StreamRow, error) {
	row := db.sql.QueryRow(`SELECT `+streamColumns+` FROM streams WHERE path = ?`, path)
	s, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListStreams returns all live streams ordered by path.
func (db *DB) ListStreams() ([]*StreamRow, error) {
	rows, err := db.sql.Query(`SELECT ` + streamColumns + ` FROM streams WHERE deleted_at IS NULL ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StreamRow
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertStream creates a brand-new stream row.
func (db *DB) InsertStream(s *StreamRow) error {
	_, err := db.sql.Exec(`INSERT INTO streams (`+streamColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.Path, s.ContentType, s.CreatedAt.Unix(), s.TTLSeconds, unixPtr(s.ExpiresAt), boolInt(s.Closed),
		s.ClosedByProducer, s.ClosedByEpoch, s.ClosedBySeq, s.CurrentReadSeq, s.CurrentByteOffset,
		unixPtr(s.DeletedAt), s.LogFileID, s.SchemaKey, s.LastSeq)
	return err
}

// ResurrectStream atomically wipes the index rows for a soft-deleted stream
// and revives it with a new incarnation, per spec §4.2 createStream.
func (db *DB) ResurrectStream(path string, newLogFileID string, contentType string, ttl *int64, expiresAt *time.Time, closed bool, schemaKey *string) (*StreamRow, error) {
	tx, err := db.sql.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := scanStream(tx.QueryRow(`SELECT `+streamColumns+` FROM streams WHERE path = ?`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE stream_path = ?`, path); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`DELETE FROM producers WHERE stream_path = ?`, path); err != nil {
		return nil, err
	}

	newReadSeq := existing.CurrentReadSeq + 1
	_, err = tx.Exec(`UPDATE streams SET content_type=?, ttl_seconds=?, expires_at=?, closed=?,
		closed_by_producer=NULL, closed_by_epoch=NULL, closed_by_seq=NULL, last_seq=NULL,
		current_read_seq=?, current_byte_offset=0, deleted_at=NULL, log_file_id=?, schema_key=?
		WHERE path=?`,
		contentType, ttl, unixPtr(expiresAt), boolInt(closed), newReadSeq, newLogFileID, schemaKey, path)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return db.GetStream(path)
}

// SoftDelete marks a live stream deleted as-of now; rows are preserved for
// the (unspecified) reaper, matching spec §4.2's deleteStream contract.
func (db *DB) SoftDelete(path string, at time.Time) error {
	res, err := db.sql.Exec(`UPDATE streams SET deleted_at = ? WHERE path = ? AND deleted_at IS NULL`, at.Unix(), path)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateOffset advances the byte cursor for path after an append.
func (db *DB) UpdateOffset(path string, newByteOffset uint64) error {
	_, err := db.sql.Exec(`UPDATE streams SET current_byte_offset = ? WHERE path = ? AND deleted_at IS NULL`, newByteOffset, path)
	return err
}

// UpdateOffsetTx is UpdateOffset run inside an existing transaction, so it
// commits atomically with the message row insert (spec §4.2 append
// ordering: "log write -> index-row-write + stream-offset bump (one
// transaction)").
func (db *DB) UpdateOffsetTx(tx *sql.Tx, path string, newByteOffset uint64) error {
	_, err := tx.Exec(`UPDATE streams SET current_byte_offset = ? WHERE path = ? AND deleted_at IS NULL`, newByteOffset, path)
	return err
}

// SetClosed marks a stream closed, optionally recording the closing producer
// credentials (spec §4.3 "Stream close").
func (db *DB) SetClosed(path string, producerID *string, epoch, seq *int64) error {
	_, err := db.sql.Exec(`UPDATE streams SET closed = 1, closed_by_producer = ?, closed_by_epoch = ?, closed_by_seq = ?
		WHERE path = ? AND deleted_at IS NULL`, producerID, epoch, seq, path)
	return err
}

// UpdateLastSeq records the most recent Stream-Seq coordination value
// (spec §4.3 "Stream-Seq header value for coordination").
func (db *DB) UpdateLastSeq(path string, seq string) error {
	_, err := db.sql.Exec(`UPDATE streams SET last_seq = ? WHERE path = ? AND deleted_at IS NULL`, seq, path)
	return err
}

// SetSchemaKey binds or clears a stream's schema key (used by router-pattern
// registration on create, §4.2).
func (db *DB) SetSchemaKey(path string, schemaKey *string) error {
	_, err := db.sql.Exec(`UPDATE streams SET schema_key = ? WHERE path = ? AND deleted_at IS NULL`, schemaKey, path)
	return err
}

// MessageCount returns the number of index rows for a stream.
func (db *DB) MessageCount(path string) (int64, error) {
	var n int64
	err := db.sql.QueryRow(`SELECT COUNT(*) FROM messages WHERE stream_path = ?`, path).Scan(&n)
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.Unix()
	return &v
}
