package streamengine

import (
	"testing"

	"github.com/durable-streams/streamcore/internal/index"
	"github.com/durable-streams/streamcore/internal/logfile"
	"github.com/durable-streams/streamcore/internal/offset"
	"github.com/durable-streams/streamcore/internal/schema"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	idx, err := index.Open("")
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return New(t.TempDir(), idx, schema.New(), logfile.NewPool(8), nil)
}

func TestCreateStreamRejectsReservedPath(t *testing.T) {
	e := newTestEngine(t)
	if _, _, err := e.CreateStream(ReservedPath, CreateOptions{ContentType: "text/plain"}); err != ErrReservedPath {
		t.Errorf("expected ErrReservedPath, got %v", err)
	}
}

func TestCreateStreamIsIdempotentForLiveStream(t *testing.T) {
	e := newTestEngine(t)
	_, created1, err := e.CreateStream("/chat/1", CreateOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created1 {
		t.Errorf("expected created=true on first create")
	}

	_, created2, err := e.CreateStream("/chat/1", CreateOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created2 {
		t.Errorf("expected created=false for a no-op re-create of a live stream")
	}
}

func TestDeleteThenResurrectStartsFreshOffset(t *testing.T) {
	e := newTestEngine(t)
	if _, _, err := e.CreateStream("/chat/1", CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.Append("/chat/1", []byte("before delete")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := e.DeleteStream("/chat/1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := e.GetStream("/chat/1"); err != ErrNotFound {
		t.Errorf("expected a deleted stream to report not found, got %v", err)
	}

	info, created, err := e.CreateStream("/chat/1", CreateOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("resurrect: %v", err)
	}
	if !created {
		t.Errorf("expected created=true for a resurrection")
	}
	if info.CurrentOffset != offset.AtIncarnation(1) {
		t.Errorf("expected a resurrected stream to start at byte 0 of incarnation 1, got %+v", info.CurrentOffset)
	}

	msgs, err := e.Read("/chat/1", info.CurrentOffset)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected a resurrected stream to have no messages from its prior incarnation, got %d", len(msgs))
	}
}

func TestAppendAndReadReturnsOrderedMessages(t *testing.T) {
	e := newTestEngine(t)
	if _, _, err := e.CreateStream("/chat/1", CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := e.Append("/chat/1", []byte("first")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := e.Append("/chat/1", []byte("second")); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := e.Read("/chat/1", offset.Zero)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if string(msgs[0].Data) != "first" || string(msgs[1].Data) != "second" {
		t.Errorf("expected ordered [first second], got %q %q", msgs[0].Data, msgs[1].Data)
	}
}

func TestSetClosedOnMissingStream(t *testing.T) {
	e := newTestEngine(t)
	if err := e.SetClosed("/does/not/exist", nil, nil, nil); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendRejectsDataViolatingRouterBoundSchema(t *testing.T) {
	e := newTestEngine(t)
	e.schema.Register("person", []byte(`{
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"required": ["name"]
	}`), 1)
	router, err := NewRouter([]RouteDef{{Pattern: "/people/:id", SchemaKey: "person"}})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	e.SetRouter(router)

	info, _, err := e.CreateStream("/people/1", CreateOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.SchemaKey == nil || *info.SchemaKey != "person" {
		t.Fatalf("expected the router match to bind schema key %q, got %+v", "person", info.SchemaKey)
	}

	if _, err := e.Append("/people/1", []byte(`{"age":10}`)); err == nil {
		t.Errorf("expected an append violating the bound schema to fail")
	}

	if _, err := e.Append("/people/1", []byte(`{"name":"ada"}`)); err != nil {
		t.Errorf("expected a conforming append to succeed, got %v", err)
	}
}

func TestMessageCountReflectsAppends(t *testing.T) {
	e := newTestEngine(t)
	if _, _, err := e.CreateStream("/chat/1", CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	e.Append("/chat/1", []byte("a"))
	e.Append("/chat/1", []byte("b"))
	e.Append("/chat/1", []byte("c"))

	n, err := e.MessageCount("/chat/1")
	if err != nil {
		t.Fatalf("message count: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 messages, got %d", n)
	}
}
