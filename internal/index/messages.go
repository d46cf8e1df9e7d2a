package index

import (
	"database/sql"
	"time"
)

// MessageRow mirrors the `messages` table (spec §3 "Message (index row)").
type MessageRow struct {
	StreamPath string
	ReadSeq    uint64
	BytePos    int64
	ByteOffset uint64
	Length     int
	CreatedAt  time.Time
}

// InsertMessage records one append's index row. Called inside the same
// transaction as the log-file write's commit point (spec §4.2 ordering).
func (db *DB) InsertMessage(tx *sql.Tx, m MessageRow) error {
	_, err := tx.Exec(`INSERT INTO messages (stream_path, read_seq, byte_pos, byte_offset, length, created_at)
		VALUES (?,?,?,?,?,?)`,
		m.StreamPath, m.ReadSeq, m.BytePos, m.ByteOffset, m.Length, m.CreatedAt.Unix())
	return err
}

// ReadAfter returns every message row for (path, readSeq) with ByteOffset
// strictly greater than afterByteOffset, ordered by offset ascending — the
// range-read primitive behind spec §4.2's `read`.
func (db *DB) ReadAfter(path string, readSeq uint64, afterByteOffset uint64) ([]MessageRow, error) {
	rows, err := db.sql.Query(`SELECT stream_path, read_seq, byte_pos, byte_offset, length, created_at
		FROM messages WHERE stream_path = ? AND read_seq = ? AND byte_offset > ?
		ORDER BY byte_offset ASC`, path, readSeq, afterByteOffset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var m MessageRow
		var createdAt int64
		if err := rows.Scan(&m.StreamPath, &m.ReadSeq, &m.BytePos, &m.ByteOffset, &m.Length, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// Begin starts a transaction for callers that need to interleave message
// inserts with stream-row updates atomically (append path, §4.2).
func (db *DB) Begin() (*sql.Tx, error) {
	return db.sql.Begin()
}
