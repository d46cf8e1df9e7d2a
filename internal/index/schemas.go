package index

import (
	"database/sql"
	"errors"
	"time"
)

// SchemaRow mirrors the `schemas` table (spec §3 "Schema registration").
type SchemaRow struct {
	Key       string
	Document  string
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertSchema persists a schema document so external tools can read it,
// independent of the in-memory validator object (spec §4.2).
func (db *DB) UpsertSchema(s SchemaRow) error {
	now := time.Now().Unix()
	_, err := db.sql.Exec(`INSERT INTO schemas (schema_key, document, version, created_at, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(schema_key) DO UPDATE SET document=excluded.document, version=excluded.version, updated_at=excluded.updated_at`,
		s.Key, s.Document, s.Version, now, now)
	return err
}

// GetSchema returns the registered schema document, or ErrNotFound.
func (db *DB) GetSchema(key string) (*SchemaRow, error) {
	row := db.sql.QueryRow(`SELECT schema_key, document, version, created_at, updated_at FROM schemas WHERE schema_key = ?`, key)
	var s SchemaRow
	var createdAt, updatedAt int64
	if err := row.Scan(&s.Key, &s.Document, &s.Version, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &s, nil
}
