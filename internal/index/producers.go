package index

import (
	"database/sql"
	"errors"
	"time"
)

// ProducerRow mirrors the `producers` table (spec §3 "Producer state").
type ProducerRow struct {
	StreamPath  string
	ProducerID  string
	Epoch       int64
	LastSeq     int64
	LastUpdated time.Time
}

// GetProducer returns the producer row, or ErrNotFound if no state exists
// yet (spec §4.3.1's "no state" branch).
func (db *DB) GetProducer(streamPath, producerID string) (*ProducerRow, error) {
	row := db.sql.QueryRow(`SELECT stream_path, producer_id, epoch, last_seq, last_updated
		FROM producers WHERE stream_path = ? AND producer_id = ?`, streamPath, producerID)

	var p ProducerRow
	var lastUpdated int64
	if err := row.Scan(&p.StreamPath, &p.ProducerID, &p.Epoch, &p.LastSeq, &lastUpdated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.LastUpdated = time.Unix(lastUpdated, 0).UTC()
	return &p, nil
}

// UpsertProducer commits accepted producer state inside tx, called only
// after the corresponding append has succeeded (spec §4.3.1: "Accepted
// validation does not commit the producer row; commit happens only after
// the append succeeds").
func (db *DB) UpsertProducer(tx *sql.Tx, p ProducerRow) error {
	_, err := tx.Exec(`INSERT INTO producers (stream_path, producer_id, epoch, last_seq, last_updated)
		VALUES (?,?,?,?,?)
		ON CONFLICT(stream_path, producer_id) DO UPDATE SET
			epoch = excluded.epoch, last_seq = excluded.last_seq, last_updated = excluded.last_updated`,
		p.StreamPath, p.ProducerID, p.Epoch, p.LastSeq, p.LastUpdated.Unix())
	return err
}

// EvictInactiveProducers removes producer rows whose last_updated precedes
// cutoff, implementing the 7-day eviction policy of spec §3/§5.
func (db *DB) EvictInactiveProducers(cutoff time.Time) (int64, error) {
	res, err := db.sql.Exec(`DELETE FROM producers WHERE last_updated < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
