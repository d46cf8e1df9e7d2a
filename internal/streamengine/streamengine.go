// Package streamengine implements the append-only stream core described in
// spec §4.2: stream lifecycle (create/get/list/delete) and the
// schema-checked, offset-tracked append/read path. It owns the log files and
// the relational index row per stream; content-type negotiation, producer
// fencing and subscriber fan-out live one layer up in durablestore.
package streamengine

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/durable-streams/streamcore/internal/index"
	"github.com/durable-streams/streamcore/internal/logfile"
	"github.com/durable-streams/streamcore/internal/offset"
	"github.com/durable-streams/streamcore/internal/schema"
)

// ReservedPath is rejected by CreateStream; it is where the control plane
// exposes listStreams (spec §4.2 supplement, SPEC_FULL.md).
const ReservedPath = "/_streams"

// Info is the public view of a stream row, offsets rendered as offset.Offset
// rather than raw uint64 pairs.
type Info struct {
	Path             string
	ContentType      string
	CreatedAt        time.Time
	TTLSeconds       *int64
	ExpiresAt        *time.Time
	Closed           bool
	ClosedByProducer *string
	ClosedByEpoch    *int64
	ClosedBySeq      *int64
	CurrentOffset    offset.Offset
	SchemaKey        *string
	LastSeq          *string
}

// CreateOptions configures CreateStream.
type CreateOptions struct {
	ContentType string
	TTLSeconds  *int64
	SchemaKey   *string // explicit binding; falls back to router match
}

// AppendResult is returned by Append.
type AppendResult struct {
	Offset    offset.Offset
	BytePos   int64
	Length    int
	Timestamp time.Time
}

// Message is one record returned by Read.
type Message struct {
	Data      []byte
	Offset    offset.Offset
	Timestamp time.Time
}

// Engine binds the log-file pool, the relational index and the schema
// registry into the stream lifecycle operations named by spec §4.2.
type Engine struct {
	logDir string
	idx    *index.DB
	pool   *logfile.Pool
	schema *schema.Registry
	router *Router
	log    *zap.Logger
}

// New constructs an Engine. logDir is the directory holding one JSONL file
// per log-file incarnation (spec §4.1, §6: "<dataDir>/logs/<opaque-id>.jsonl").
// pool bounds the number of concurrently open log-file handles; a nil pool
// falls back to a default size of 100.
func New(logDir string, idx *index.DB, reg *schema.Registry, pool *logfile.Pool, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if pool == nil {
		pool = logfile.NewPool(100)
	}
	return &Engine{
		logDir: logDir,
		idx:    idx,
		pool:   pool,
		schema: reg,
		log:    log,
	}
}

// SetRouter installs the router-pattern -> schema-key table used by
// CreateStream when no explicit SchemaKey is given (spec §4.2 "Router
// pattern registration").
func (e *Engine) SetRouter(r *Router) { e.router = r }

func (e *Engine) logPath(logFileID string) string {
	return filepath.Join(e.logDir, logFileID+".jsonl")
}

func (e *Engine) openLog(logFileID string) (*logfile.File, error) {
	return e.pool.Get(logFileID, func() (*logfile.File, error) {
		return logfile.Open(e.logPath(logFileID))
	})
}

func toInfo(s *index.StreamRow) Info {
	return Info{
		Path:             s.Path,
		ContentType:      s.ContentType,
		CreatedAt:        s.CreatedAt,
		TTLSeconds:       s.TTLSeconds,
		ExpiresAt:        s.ExpiresAt,
		Closed:           s.Closed,
		ClosedByProducer: s.ClosedByProducer,
		ClosedByEpoch:    s.ClosedByEpoch,
		ClosedBySeq:      s.ClosedBySeq,
		CurrentOffset: offset.Offset{
			ReadSeq:    s.CurrentReadSeq,
			ByteOffset: s.CurrentByteOffset,
		},
		SchemaKey: s.SchemaKey,
		LastSeq:   s.LastSeq,
	}
}

// CreateStream creates path if it does not exist, resurrects it if it was
// soft-deleted, or returns the live row unchanged if it already exists
// (spec §4.2: "createStream is idempotent when the target is live").
// The bool result reports whether a new incarnation was created (fresh or
// resurrected) as opposed to returning an already-live stream.
func (e *Engine) CreateStream(path string, opts CreateOptions) (Info, bool, error) {
	if path == ReservedPath {
		return Info{}, false, ErrReservedPath
	}

	schemaKey := opts.SchemaKey
	if schemaKey == nil && e.router != nil {
		if key, ok := e.router.Match(path); ok {
			schemaKey = &key
		}
	}

	existing, err := e.idx.GetStreamAny(path)
	switch {
	case err == nil && existing.DeletedAt == nil:
		// Live: idempotent no-op. Config mismatch is durablestore's concern
		// (it compares opts against this Info before ever calling us).
		return toInfo(existing), false, nil

	case err == nil && existing.DeletedAt != nil:
		newLogFileID := uuid.NewString()
		revived, rerr := e.idx.ResurrectStream(path, newLogFileID, opts.ContentType, opts.TTLSeconds, expiresAt(opts.TTLSeconds), false, schemaKey)
		if rerr != nil {
			return Info{}, false, fmt.Errorf("streamengine: resurrect %s: %w", path, rerr)
		}
		e.log.Info("stream resurrected", zap.String("path", path), zap.Uint64("read_seq", revived.CurrentReadSeq))
		return toInfo(revived), true, nil

	case err == index.ErrNotFound:
		logFileID := uuid.NewString()
		// Touch the file into existence so the pool's first Get finds a
		// zero-length file rather than racing os.O_CREATE against readers.
		f, oerr := logfile.Open(e.logPath(logFileID))
		if oerr != nil {
			return Info{}, false, fmt.Errorf("streamengine: create log file: %w", oerr)
		}
		f.Close()

		row := &index.StreamRow{
			Path:        path,
			ContentType: opts.ContentType,
			CreatedAt:   index.Now(),
			TTLSeconds:  opts.TTLSeconds,
			ExpiresAt:   expiresAt(opts.TTLSeconds),
			LogFileID:   logFileID,
			SchemaKey:   schemaKey,
		}
		if ierr := e.idx.InsertStream(row); ierr != nil {
			return Info{}, false, fmt.Errorf("streamengine: insert stream %s: %w", path, ierr)
		}
		e.log.Info("stream created", zap.String("path", path))
		return toInfo(row), true, nil

	default:
		return Info{}, false, err
	}
}

func expiresAt(ttlSeconds *int64) *time.Time {
	if ttlSeconds == nil {
		return nil
	}
	t := time.Now().Add(time.Duration(*ttlSeconds) * time.Second)
	return &t
}

// GetStream returns the live stream's info.
func (e *Engine) GetStream(path string) (Info, error) {
	s, err := e.idx.GetStream(path)
	if err == index.ErrNotFound {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, err
	}
	return toInfo(s), nil
}

// ListStreams returns every live stream, ordered by path.
func (e *Engine) ListStreams() ([]Info, error) {
	rows, err := e.idx.ListStreams()
	if err != nil {
		return nil, err
	}
	out := make([]Info, len(rows))
	for i, r := range rows {
		out[i] = toInfo(r)
	}
	return out, nil
}

// DeleteStream soft-deletes path and closes its cached log-file handle.
func (e *Engine) DeleteStream(path string) error {
	s, err := e.idx.GetStream(path)
	if err == index.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := e.idx.SoftDelete(path, index.Now()); err != nil {
		return err
	}
	return e.pool.Remove(s.LogFileID)
}

// SetClosed marks path closed, optionally recording the closing producer's
// credentials for idempotent duplicate-close detection (spec §4.3).
func (e *Engine) SetClosed(path string, producerID *string, epoch, seq *int64) error {
	if _, err := e.idx.GetStream(path); err == index.ErrNotFound {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	return e.idx.SetClosed(path, producerID, epoch, seq)
}

// SetLastSeq records the most recent Stream-Seq coordination value for path.
func (e *Engine) SetLastSeq(path string, seq string) error {
	return e.idx.UpdateLastSeq(path, seq)
}

// MessageCount returns the number of records ever appended to path's current
// incarnation.
func (e *Engine) MessageCount(path string) (int64, error) {
	return e.idx.MessageCount(path)
}

// GetCurrentOffset returns the tail offset of path.
func (e *Engine) GetCurrentOffset(path string) (offset.Offset, error) {
	s, err := e.idx.GetStream(path)
	if err == index.ErrNotFound {
		return offset.Offset{}, ErrNotFound
	}
	if err != nil {
		return offset.Offset{}, err
	}
	return offset.Offset{ReadSeq: s.CurrentReadSeq, ByteOffset: s.CurrentByteOffset}, nil
}

// Append validates data against the stream's bound schema (if any), writes
// it to the log file, then commits the index row and offset bump in a
// single transaction (spec §4.2: "index-row-read -> validate -> log write ->
// index-row-write + stream-offset bump (one transaction)").
func (e *Engine) Append(path string, data []byte) (AppendResult, error) {
	s, err := e.idx.GetStream(path)
	if err == index.ErrNotFound {
		return AppendResult{}, ErrNotFound
	}
	if err != nil {
		return AppendResult{}, err
	}

	if s.SchemaKey != nil && e.schema.Has(*s.SchemaKey) {
		if err := e.validateAgainstSchema(*s.SchemaKey, data); err != nil {
			return AppendResult{}, err
		}
	}

	f, err := e.openLog(s.LogFileID)
	if err != nil {
		return AppendResult{}, fmt.Errorf("streamengine: open log: %w", err)
	}

	pos, length, err := f.Append(data)
	if err != nil {
		return AppendResult{}, fmt.Errorf("streamengine: append: %w", err)
	}

	// Bytes already hit the file; from here on a failure leaves an orphaned
	// range past the index's recorded cursor, invisible to readers since the
	// index row is the authority, not the file size.
	newByteOffset := s.CurrentByteOffset + uint64(length) + 1
	now := index.Now()

	tx, err := e.idx.Begin()
	if err != nil {
		return AppendResult{}, err
	}
	defer tx.Rollback()

	if err := e.idx.InsertMessage(tx, index.MessageRow{
		StreamPath: path,
		ReadSeq:    s.CurrentReadSeq,
		BytePos:    pos,
		ByteOffset: newByteOffset,
		Length:     length,
		CreatedAt:  now,
	}); err != nil {
		return AppendResult{}, err
	}
	if err := e.idx.UpdateOffsetTx(tx, path, newByteOffset); err != nil {
		return AppendResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AppendResult{}, err
	}

	return AppendResult{
		Offset:    offset.Offset{ReadSeq: s.CurrentReadSeq, ByteOffset: newByteOffset},
		BytePos:   pos,
		Length:    length,
		Timestamp: now,
	}, nil
}

// validateAgainstSchema checks data against the schema bound to key. The
// durable-store layer stores JSON-content-type messages with a trailing
// comma (spec §4.3 processJsonAppend/formatResponse framing); that comma and
// any surrounding whitespace is stripped before the remainder is parsed as a
// standalone JSON value, per spec §4.2.
func (e *Engine) validateAgainstSchema(key string, data []byte) error {
	trimmed := bytesTrimCommaSpace(data)
	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return fmt.Errorf("%w: %s", ErrSchemaViolation, err.Error())
	}
	if _, err := e.schema.Validate(key, decoded); err != nil {
		return fmt.Errorf("%w: %s", ErrSchemaViolation, err.Error())
	}
	return nil
}

func bytesTrimCommaSpace(data []byte) []byte {
	end := len(data)
	for end > 0 {
		c := data[end-1]
		if c == ',' || c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			end--
			continue
		}
		break
	}
	return data[:end]
}

// Read returns every record strictly after from, within from's incarnation.
// An offset whose ReadSeq does not match the stream's current incarnation
// yields no records — resurrection isolation (spec §4.2 invariant): a stale
// offset from a dead incarnation compares below every offset the new one
// will ever produce, so it is simply never satisfied.
func (e *Engine) Read(path string, from offset.Offset) ([]Message, error) {
	s, err := e.idx.GetStream(path)
	if err == index.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if from.ReadSeq != s.CurrentReadSeq {
		return nil, nil
	}

	rows, err := e.idx.ReadAfter(path, s.CurrentReadSeq, from.ByteOffset)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	f, err := e.openLog(s.LogFileID)
	if err != nil {
		return nil, fmt.Errorf("streamengine: open log: %w", err)
	}

	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		data, err := f.ReadAt(r.BytePos, r.Length)
		if err != nil {
			return nil, fmt.Errorf("streamengine: read %s@%d: %w", path, r.BytePos, err)
		}
		out = append(out, Message{
			Data:      data,
			Offset:    offset.Offset{ReadSeq: r.ReadSeq, ByteOffset: r.ByteOffset},
			Timestamp: r.CreatedAt,
		})
	}
	return out, nil
}

// RegisterSchema compiles and stores a schema document under key.
func (e *Engine) RegisterSchema(key string, document json.RawMessage, version int) error {
	if err := e.schema.Register(key, document, version); err != nil {
		return err
	}
	return e.idx.UpsertSchema(index.SchemaRow{
		Key:       key,
		Document:  string(document),
		Version:   version,
		CreatedAt: index.Now(),
		UpdatedAt: index.Now(),
	})
}

// Close releases every pooled log-file handle and the index connection.
func (e *Engine) Close() error {
	perr := e.pool.Close()
	ierr := e.idx.Close()
	if perr != nil {
		return perr
	}
	return ierr
}
