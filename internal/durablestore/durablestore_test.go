package durablestore

import (
	"context"
	"testing"
	"time"

	"github.com/durable-streams/streamcore/internal/index"
	"github.com/durable-streams/streamcore/internal/logfile"
	"github.com/durable-streams/streamcore/internal/offset"
	"github.com/durable-streams/streamcore/internal/schema"
	"github.com/durable-streams/streamcore/internal/streamengine"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	idx, err := index.Open("")
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	engine := streamengine.New(t.TempDir(), idx, schema.New(), logfile.NewPool(8), nil)
	return New(engine, idx, nil)
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)

	info, created, err := s.Create("/chat/session-1", CreateOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Errorf("expected created=true for a fresh stream")
	}
	if info.ContentType != "text/plain" {
		t.Errorf("expected content type text/plain, got %q", info.ContentType)
	}

	got, err := s.Get("/chat/session-1")
	if err != nil {
		t.Fatalf("unexpected error getting stream: %v", err)
	}
	if got.Path != "/chat/session-1" {
		t.Errorf("expected path /chat/session-1, got %q", got.Path)
	}
}

func TestCreateIdempotentOnMatchingConfig(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.Create("/chat/1", CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, created, err := s.Create("/chat/1", CreateOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("unexpected error on idempotent re-create: %v", err)
	}
	if created {
		t.Errorf("expected created=false for an identical re-create")
	}
}

func TestCreateConflictOnMismatchedConfig(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.Create("/chat/1", CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, _, err := s.Create("/chat/1", CreateOptions{ContentType: "application/json"})
	if err != ErrStreamExists {
		t.Errorf("expected ErrStreamExists, got %v", err)
	}
}

func TestGetMissingStream(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("/does/not/exist"); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestAppendAndReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.Create("/chat/1", CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := s.Append(ctx, "/chat/1", []byte("hello"), AppendOptions{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.Offset.IsZero() {
		t.Errorf("expected a non-zero offset after append")
	}

	msgs, upToDate, err := s.Read("/chat/1", offset.Zero)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Data) != "hello" {
		t.Fatalf("expected one message %q, got %+v", "hello", msgs)
	}
	if !upToDate {
		t.Errorf("expected upToDate=true after reading to the tail")
	}
}

func TestAppendJSONContentTypeFragmentsArray(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.Create("/events/1", CreateOptions{ContentType: "application/json"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := s.Append(ctx, "/events/1", []byte(`[{"a":1},{"a":2}]`), AppendOptions{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, _, err := s.Read("/events/1", offset.Zero)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 fragments from a 2-element JSON array, got %d", len(msgs))
	}
}

func TestAppendProducerFencing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, _, err := s.Create("/chat/1", CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	producer := &ProducerHeaders{ID: "p1", Epoch: 0, Seq: 0}
	if _, err := s.Append(ctx, "/chat/1", []byte("a"), AppendOptions{Producer: producer}); err != nil {
		t.Fatalf("first append: %v", err)
	}

	// Retrying the same seq is a duplicate, not an error.
	res, err := s.Append(ctx, "/chat/1", []byte("a-retry"), AppendOptions{Producer: producer})
	if err != nil {
		t.Fatalf("duplicate append should not error: %v", err)
	}
	if res.ProducerResult != ProducerResultDuplicate {
		t.Errorf("expected ProducerResultDuplicate, got %v", res.ProducerResult)
	}

	// A sequence gap is rejected.
	gapProducer := &ProducerHeaders{ID: "p1", Epoch: 0, Seq: 5}
	if _, err := s.Append(ctx, "/chat/1", []byte("b"), AppendOptions{Producer: gapProducer}); err != ErrProducerSeqGap {
		t.Errorf("expected ErrProducerSeqGap, got %v", err)
	}

	// A stale epoch is rejected.
	staleProducer := &ProducerHeaders{ID: "p1", Epoch: -1, Seq: 0}
	if _, err := s.Append(ctx, "/chat/1", []byte("c"), AppendOptions{Producer: staleProducer}); err != ErrStaleEpoch {
		t.Errorf("expected ErrStaleEpoch, got %v", err)
	}
}

func TestAppendToClosedStreamFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, _, err := s.Create("/chat/1", CreateOptions{ContentType: "text/plain", Closed: true}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := s.Append(ctx, "/chat/1", []byte("late"), AppendOptions{}); err != ErrStreamClosed {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
}

func TestCloseOnAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, _, err := s.Create("/chat/1", CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := s.Append(ctx, "/chat/1", []byte("last"), AppendOptions{Close: true})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !res.StreamClosed {
		t.Errorf("expected StreamClosed=true")
	}

	info, err := s.Get("/chat/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !info.Closed {
		t.Errorf("expected stream to be closed after close-on-append")
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.Create("/chat/1", CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Delete("/chat/1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get("/chat/1"); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound after delete, got %v", err)
	}
	if err := s.Delete("/chat/1"); err != ErrStreamNotFound {
		t.Errorf("expected a second delete to report ErrStreamNotFound, got %v", err)
	}
}

func TestExpiryTriggersAutoDeleteOnGet(t *testing.T) {
	s := newTestStore(t)
	ttl := int64(0)
	if _, _, err := s.Create("/chat/expiring", CreateOptions{ContentType: "text/plain", TTLSeconds: &ttl}); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := s.Get("/chat/expiring"); err != ErrStreamNotFound {
		t.Errorf("expected expired stream to report ErrStreamNotFound, got %v", err)
	}
	// The list must not surface it either.
	all, err := s.ListStreams()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, info := range all {
		if info.Path == "/chat/expiring" {
			t.Errorf("expected expired stream to be excluded from ListStreams")
		}
	}
}

type recordingNotifier struct {
	appended []string
	closed   []string
	deleted  []string
}

func (r *recordingNotifier) OnAppend(path, offset string) { r.appended = append(r.appended, path) }
func (r *recordingNotifier) OnClosed(path, offset string) { r.closed = append(r.closed, path) }
func (r *recordingNotifier) OnDeleted(path string)        { r.deleted = append(r.deleted, path) }

func TestNotifierFiresOnAppendCloseDelete(t *testing.T) {
	s := newTestStore(t)
	n := &recordingNotifier{}
	s.SetNotifier(n)
	ctx := context.Background()

	if _, _, err := s.Create("/chat/1", CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Append(ctx, "/chat/1", []byte("hi"), AppendOptions{}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(n.appended) != 1 || n.appended[0] != "/chat/1" {
		t.Errorf("expected OnAppend to fire once for /chat/1, got %+v", n.appended)
	}

	if _, err := s.CloseStream("/chat/1", nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(n.closed) != 1 {
		t.Errorf("expected OnClosed to fire once, got %+v", n.closed)
	}

	if _, _, err := s.Create("/chat/2", CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Delete("/chat/2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(n.deleted) != 1 || n.deleted[0] != "/chat/2" {
		t.Errorf("expected OnDeleted to fire once for /chat/2, got %+v", n.deleted)
	}
}
