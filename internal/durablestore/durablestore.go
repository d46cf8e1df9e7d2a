// Package durablestore wraps the stream engine with the protocol-facing
// semantics spec §4.3 describes: content-type reconciliation on create, JSON
// array framing, producer idempotency fencing, subscriber fan-out and
// stream close. internal/protocol talks to this package, never to
// internal/streamengine directly.
package durablestore

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/streamcore/internal/index"
	"github.com/durable-streams/streamcore/internal/offset"
	"github.com/durable-streams/streamcore/internal/streamengine"
)

// CreateOptions mirrors the PUT-create request (spec §4.4).
type CreateOptions struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	InitialData []byte
	Closed      bool
}

// AppendOptions mirrors the POST-append request.
type AppendOptions struct {
	Seq         string // Stream-Seq coordination value
	ContentType string
	Close       bool

	Producer    *ProducerHeaders // nil if none of the three headers were sent
}

// AppendResult reports the outcome of Append, including the fields the
// protocol layer echoes back as headers (spec §4.4).
type AppendResult struct {
	Offset         offset.Offset
	ProducerResult ProducerResult
	CurrentEpoch   int64
	ExpectedSeq    int64
	ReceivedSeq    int64
	LastSeq        int64
	StreamClosed   bool
}

// CloseResult is returned by CloseStream.
type CloseResult struct {
	FinalOffset   offset.Offset
	AlreadyClosed bool
}

// Notifier is notified after a stream append, close or delete commits,
// alongside (but independently of) the in-process subscriber fan-out
// (spec §4.3.2's fan-out is for waiting readers; Notifier is for external
// webhook delivery — see internal/webhook).
type Notifier interface {
	OnAppend(path, offset string)
	OnClosed(path, offset string)
	OnDeleted(path string)
}

// Store is the durable, protocol-semantics stream store.
type Store struct {
	engine   *streamengine.Engine
	idx      *index.DB
	fan      *fanout
	locks    *keyedLock
	log      *zap.Logger
	notifier Notifier
}

// SetNotifier installs (or clears, with nil) the external delivery hook.
func (s *Store) SetNotifier(n Notifier) { s.notifier = n }

// New wraps engine with protocol semantics. idx is the same index database
// the engine was constructed with (durablestore needs direct access to the
// producers table, which streamengine does not expose).
func New(engine *streamengine.Engine, idx *index.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{engine: engine, idx: idx, fan: newFanout(), locks: newKeyedLock(), log: log}
}

// Create creates path, or returns the existing stream if its configuration
// matches exactly (spec §4.3). The bool result is true iff a new incarnation
// (fresh or resurrected) was created.
func (s *Store) Create(path string, opts CreateOptions) (streamengine.Info, bool, error) {
	existing, err := s.engine.GetStream(path)
	if err == nil {
		if configMatches(existing, opts) {
			return existing, false, nil
		}
		return streamengine.Info{}, false, ErrStreamExists
	}
	if err != streamengine.ErrNotFound {
		return streamengine.Info{}, false, err
	}

	info, created, err := s.engine.CreateStream(path, streamengine.CreateOptions{
		ContentType: opts.ContentType,
		TTLSeconds:  opts.TTLSeconds,
	})
	if err != nil {
		return streamengine.Info{}, false, translateEngineErr(err)
	}

	if len(opts.InitialData) > 0 {
		if _, err := s.appendFragments(path, info, opts.InitialData, true); err != nil {
			return streamengine.Info{}, false, err
		}
	}
	if opts.Closed {
		if err := s.engine.SetClosed(path, nil, nil, nil); err != nil {
			return streamengine.Info{}, false, err
		}
	}

	info, err = s.engine.GetStream(path)
	if err != nil {
		return streamengine.Info{}, false, err
	}
	return info, created, nil
}

func configMatches(existing streamengine.Info, opts CreateOptions) bool {
	if !contentTypeMatches(existing.ContentType, opts.ContentType) {
		return false
	}
	if (existing.TTLSeconds == nil) != (opts.TTLSeconds == nil) {
		return false
	}
	if existing.TTLSeconds != nil && opts.TTLSeconds != nil && *existing.TTLSeconds != *opts.TTLSeconds {
		return false
	}
	if (existing.ExpiresAt == nil) != (opts.ExpiresAt == nil) {
		return false
	}
	if existing.ExpiresAt != nil && opts.ExpiresAt != nil && !existing.ExpiresAt.Equal(*opts.ExpiresAt) {
		return false
	}
	if existing.Closed != opts.Closed {
		return false
	}
	return true
}

// Get returns metadata for path, deleting and reporting not-found if the
// stream has expired (spec §4.3 "such access triggers delete").
func (s *Store) Get(path string) (streamengine.Info, error) {
	info, err := s.engine.GetStream(path)
	if err == streamengine.ErrNotFound {
		return streamengine.Info{}, ErrStreamNotFound
	}
	if err != nil {
		return streamengine.Info{}, err
	}
	if isExpired(info) {
		_ = s.engine.DeleteStream(path)
		s.fan.notifyTerminal(path, EventDeleted)
		if s.notifier != nil {
			s.notifier.OnDeleted(path)
		}
		return streamengine.Info{}, ErrStreamNotFound
	}
	return info, nil
}

// Has reports whether path exists and has not expired.
func (s *Store) Has(path string) bool {
	_, err := s.Get(path)
	return err == nil
}

func isExpired(info streamengine.Info) bool {
	if info.ExpiresAt != nil && time.Now().After(*info.ExpiresAt) {
		return true
	}
	if info.TTLSeconds != nil && time.Now().After(info.CreatedAt.Add(time.Duration(*info.TTLSeconds)*time.Second)) {
		return true
	}
	return false
}

// Delete soft-deletes path and fires a deleted event to waiting subscribers.
func (s *Store) Delete(path string) error {
	if err := s.engine.DeleteStream(path); err != nil {
		if err == streamengine.ErrNotFound {
			return ErrStreamNotFound
		}
		return err
	}
	s.fan.notifyTerminal(path, EventDeleted)
	if s.notifier != nil {
		s.notifier.OnDeleted(path)
	}
	return nil
}

// ListStreams returns every live (non-deleted, non-expired) stream's
// metadata (spec §4.2 "listStreams").
func (s *Store) ListStreams() ([]streamengine.Info, error) {
	all, err := s.engine.ListStreams()
	if err != nil {
		return nil, err
	}
	out := make([]streamengine.Info, 0, len(all))
	for _, info := range all {
		if isExpired(info) {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// MessageCount returns the number of messages currently stored at path.
func (s *Store) MessageCount(path string) (int64, error) {
	n, err := s.engine.MessageCount(path)
	if err == streamengine.ErrNotFound {
		return 0, ErrStreamNotFound
	}
	return n, err
}

// GetCurrentOffset returns the tail offset of path.
func (s *Store) GetCurrentOffset(path string) (offset.Offset, error) {
	off, err := s.engine.GetCurrentOffset(path)
	if err == streamengine.ErrNotFound {
		return offset.Offset{}, ErrStreamNotFound
	}
	return off, err
}

// Read returns messages strictly after from.
func (s *Store) Read(path string, from offset.Offset) ([]streamengine.Message, bool, error) {
	info, err := s.Get(path)
	if err != nil {
		return nil, false, err
	}
	msgs, err := s.engine.Read(path, from)
	if err != nil {
		return nil, false, err
	}
	last := from
	if len(msgs) > 0 {
		last = msgs[len(msgs)-1].Offset
	}
	upToDate := last.Equal(info.CurrentOffset)
	return msgs, upToDate, nil
}

// Append validates producer/content-type/sequencing, writes the (possibly
// JSON-fragmented) payload, and notifies subscribers after the commit.
func (s *Store) Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error) {
	if opts.Producer != nil {
		lockKey := path + ":" + opts.Producer.ID
		if err := s.locks.Lock(ctx, lockKey); err != nil {
			return AppendResult{}, err
		}
		defer s.locks.Unlock(lockKey)
	}

	info, err := s.Get(path)
	if err != nil {
		return AppendResult{}, err
	}

	if info.Closed {
		if opts.Producer != nil && closedByMatches(info, *opts.Producer) {
			return AppendResult{ProducerResult: ProducerResultDuplicate, Offset: info.CurrentOffset, StreamClosed: true}, nil
		}
		return AppendResult{Offset: info.CurrentOffset, StreamClosed: true}, ErrStreamClosed
	}

	if opts.ContentType != "" && !contentTypeMatches(info.ContentType, opts.ContentType) {
		return AppendResult{}, ErrContentTypeMismatch
	}

	var decision producerDecision
	if opts.Producer != nil {
		state, serr := s.idx.GetProducer(path, opts.Producer.ID)
		if serr != nil && serr != index.ErrNotFound {
			return AppendResult{}, serr
		}
		if serr == index.ErrNotFound {
			state = nil
		}
		decision = validateProducer(path, state, *opts.Producer)
		if decision.Err != nil {
			return AppendResult{
				CurrentEpoch: decision.CurrentEpoch,
				ExpectedSeq:  decision.ExpectedSeq,
				ReceivedSeq:  decision.ReceivedSeq,
			}, decision.Err
		}
		if decision.Result == ProducerResultDuplicate {
			return AppendResult{ProducerResult: ProducerResultDuplicate, Offset: info.CurrentOffset, LastSeq: decision.CurrentSeq}, nil
		}
	}

	if opts.Seq != "" && info.LastSeq != nil && opts.Seq <= *info.LastSeq {
		return AppendResult{}, ErrSequenceConflict
	}

	allowEmpty := false
	result, err := s.appendFragments(path, info, data, allowEmpty)
	if err != nil {
		return AppendResult{}, err
	}

	if decision.Commit != nil {
		if err := s.commitProducer(*decision.Commit); err != nil {
			s.log.Warn("producer state commit failed", zap.String("path", path), zap.Error(err))
		}
	}
	if opts.Seq != "" {
		if err := s.engine.SetLastSeq(path, opts.Seq); err != nil {
			s.log.Warn("last-seq update failed", zap.String("path", path), zap.Error(err))
		}
	}
	if opts.Close {
		var pid *string
		var pepoch, pseq *int64
		if opts.Producer != nil {
			pid = &opts.Producer.ID
			pepoch = &opts.Producer.Epoch
			pseq = &opts.Producer.Seq
		}
		if err := s.engine.SetClosed(path, pid, pepoch, pseq); err != nil {
			s.log.Warn("close-on-append failed", zap.String("path", path), zap.Error(err))
		}
		s.fan.notifyTerminal(path, EventClosed)
		if s.notifier != nil {
			s.notifier.OnClosed(path, result.lastOffset.String())
		}
	}

	ar := AppendResult{Offset: result.lastOffset, StreamClosed: opts.Close}
	if opts.Producer != nil {
		ar.ProducerResult = ProducerResultAccepted
		ar.LastSeq = decision.CurrentSeq
	}

	if len(result.messages) > 0 {
		s.fan.notifyMessages(path, result.messages)
		if s.notifier != nil {
			s.notifier.OnAppend(path, result.lastOffset.String())
		}
	}
	return ar, nil
}

func closedByMatches(info streamengine.Info, h ProducerHeaders) bool {
	return info.ClosedByProducer != nil && *info.ClosedByProducer == h.ID &&
		info.ClosedByEpoch != nil && *info.ClosedByEpoch == h.Epoch &&
		info.ClosedBySeq != nil && *info.ClosedBySeq == h.Seq
}

type appendOutcome struct {
	messages   []streamengine.Message
	lastOffset offset.Offset
}

// appendFragments preprocesses data for JSON-content-type streams into one
// fragment per element (spec §4.3), then appends each fragment to the
// engine in order.
func (s *Store) appendFragments(path string, info streamengine.Info, data []byte, allowEmpty bool) (appendOutcome, error) {
	var fragments [][]byte
	switch {
	case len(data) == 0:
		// Close-only request; nothing to append.
	case isJSONContentType(info.ContentType):
		f, err := processJSONAppend(data, allowEmpty)
		if err != nil {
			return appendOutcome{}, err
		}
		fragments = f
	default:
		fragments = [][]byte{data}
	}

	out := appendOutcome{lastOffset: info.CurrentOffset}
	for _, frag := range fragments {
		res, err := s.engine.Append(path, frag)
		if err != nil {
			return appendOutcome{}, translateEngineErr(err)
		}
		out.lastOffset = res.Offset
		out.messages = append(out.messages, streamengine.Message{Data: frag, Offset: res.Offset, Timestamp: res.Timestamp})
	}
	return out, nil
}

// CloseStream closes path without appending, idempotently.
func (s *Store) CloseStream(path string, producer *ProducerHeaders) (CloseResult, error) {
	info, err := s.Get(path)
	if err != nil {
		return CloseResult{}, err
	}
	if info.Closed {
		return CloseResult{FinalOffset: info.CurrentOffset, AlreadyClosed: true}, nil
	}

	var pid *string
	var pepoch, pseq *int64
	if producer != nil {
		pid = &producer.ID
		pepoch = &producer.Epoch
		pseq = &producer.Seq
	}
	if err := s.engine.SetClosed(path, pid, pepoch, pseq); err != nil {
		return CloseResult{}, err
	}
	s.fan.notifyTerminal(path, EventClosed)

	off, err := s.engine.GetCurrentOffset(path)
	if err != nil {
		return CloseResult{}, err
	}
	if s.notifier != nil {
		s.notifier.OnClosed(path, off.String())
	}
	return CloseResult{FinalOffset: off}, nil
}

// WaitForMessages blocks until new messages arrive after from, the stream
// closes or is deleted, the timeout elapses, or ctx is cancelled (spec
// §4.3.2). timedOut reports a plain timeout with no new data.
func (s *Store) WaitForMessages(ctx context.Context, path string, from offset.Offset, timeout time.Duration) (msgs []streamengine.Message, timedOut bool, streamClosed bool, err error) {
	msgs, upToDate, err := s.Read(path, from)
	if err != nil {
		return nil, false, false, err
	}
	if len(msgs) > 0 {
		return msgs, false, false, nil
	}
	_ = upToDate

	events := make(chan SubscriberEvent, 1)
	unregister := s.fan.register(path, from, func(ev SubscriberEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	defer unregister()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-events:
		switch ev.Kind {
		case EventMessages:
			return ev.Messages, false, false, nil
		case EventClosed:
			return nil, false, true, nil
		case EventDeleted:
			return nil, false, false, ErrStreamNotFound
		}
		return nil, false, false, nil
	case <-timer.C:
		return nil, true, false, nil
	case <-ctx.Done():
		return nil, false, false, ctx.Err()
	}
}

// FormatResponse renders messages as the wire body for path's content type:
// a JSON array for JSON streams, raw concatenation otherwise (spec §4.3, §4.4).
func (s *Store) FormatResponse(contentType string, messages []streamengine.Message) []byte {
	if isJSONContentType(contentType) {
		frags := make([][]byte, len(messages))
		for i, m := range messages {
			frags[i] = m.Data
		}
		return formatJSONResponse(frags)
	}
	var total int
	for _, m := range messages {
		total += len(m.Data)
	}
	out := make([]byte, 0, total)
	for _, m := range messages {
		out = append(out, m.Data...)
	}
	return out
}

// FormatSingleMessage renders one message standalone, stripping the
// JSON-framing trailing comma for JSON content types (used by the SSE data
// frame encoder, spec §4.4).
func (s *Store) FormatSingleMessage(contentType string, msg streamengine.Message) []byte {
	if isJSONContentType(contentType) {
		return formatSingleJSONMessage(msg.Data)
	}
	return msg.Data
}

// Close releases the underlying engine.
func (s *Store) Close() error {
	return s.engine.Close()
}

func translateEngineErr(err error) error {
	switch {
	case errors.Is(err, streamengine.ErrNotFound):
		return ErrStreamNotFound
	case errors.Is(err, streamengine.ErrReservedPath):
		return ErrReservedPath
	case errors.Is(err, streamengine.ErrSchemaViolation):
		return ErrInvalidJSON
	default:
		return err
	}
}

// commitProducer writes the producer row in its own short transaction,
// deliberately decoupled from the append transaction: spec §4.3.1 requires
// only that the commit happen after the append succeeds, not that the two
// share a transaction.
func (s *Store) commitProducer(row index.ProducerRow) error {
	tx, err := s.idx.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.idx.UpsertProducer(tx, row); err != nil {
		return err
	}
	return tx.Commit()
}
