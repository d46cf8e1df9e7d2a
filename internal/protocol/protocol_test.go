package protocol

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/durable-streams/streamcore/internal/durablestore"
	"github.com/durable-streams/streamcore/internal/index"
	"github.com/durable-streams/streamcore/internal/logfile"
	"github.com/durable-streams/streamcore/internal/schema"
	"github.com/durable-streams/streamcore/internal/streamengine"
	"github.com/durable-streams/streamcore/internal/testclient"
)

func newTestServer(t *testing.T, cfg Config) (*testclient.Client, *httptest.Server) {
	t.Helper()
	idx, err := index.Open("")
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	engine := streamengine.New(t.TempDir(), idx, schema.New(), logfile.NewPool(8), nil)
	store := durablestore.New(engine, idx, nil)

	srv := NewServer(store, cfg, nil)
	r := chi.NewRouter()
	srv.Mount(r)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return testclient.New(ts.URL), ts
}

func TestCreateAppendReadRoundTrip(t *testing.T) {
	client, _ := newTestServer(t, Config{})
	ctx := context.Background()
	stream := client.Stream("/chat/session-1")

	if err := stream.Create(ctx, testclient.CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := stream.Append(ctx, []byte("hello world"), testclient.AppendOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.NextOffset == "" {
		t.Errorf("expected a non-empty next offset after append")
	}

	read, err := stream.Read(ctx, "-1", "", "")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(read.Body) != "hello world" {
		t.Errorf("expected body %q, got %q", "hello world", read.Body)
	}
	if !read.UpToDate {
		t.Errorf("expected UpToDate=true after reading the full stream")
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	client, _ := newTestServer(t, Config{})
	ctx := context.Background()
	stream := client.Stream("/chat/1")

	if err := stream.Create(ctx, testclient.CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := stream.Create(ctx, testclient.CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("idempotent re-create should not error: %v", err)
	}
}

func TestCreateConflictOnDifferentConfig(t *testing.T) {
	client, _ := newTestServer(t, Config{})
	ctx := context.Background()
	stream := client.Stream("/chat/1")

	if err := stream.Create(ctx, testclient.CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := stream.Create(ctx, testclient.CreateOptions{ContentType: "application/json"})
	if err != testclient.ErrStreamExists {
		t.Errorf("expected ErrStreamExists, got %v", err)
	}
}

func TestReadMissingStream(t *testing.T) {
	client, _ := newTestServer(t, Config{})
	ctx := context.Background()
	_, err := client.Stream("/nope").Read(ctx, "-1", "", "")
	if err != testclient.ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestHeadReportsOffsetAndClosed(t *testing.T) {
	client, _ := newTestServer(t, Config{})
	ctx := context.Background()
	stream := client.Stream("/chat/1")

	if err := stream.Create(ctx, testclient.CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := stream.Append(ctx, []byte("x"), testclient.AppendOptions{ContentType: "text/plain", Close: true}); err != nil {
		t.Fatalf("append: %v", err)
	}

	offsetStr, closed, err := stream.Head(ctx)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if offsetStr == "" {
		t.Errorf("expected a non-empty offset from HEAD")
	}
	if !closed {
		t.Errorf("expected closed=true after a close-on-append")
	}
}

func TestDeleteThenNotFound(t *testing.T) {
	client, _ := newTestServer(t, Config{})
	ctx := context.Background()
	stream := client.Stream("/chat/1")

	if err := stream.Create(ctx, testclient.CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := stream.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := stream.Head(ctx); err != testclient.ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound after delete, got %v", err)
	}
}

func TestProducerFencingOverHTTP(t *testing.T) {
	client, _ := newTestServer(t, Config{})
	ctx := context.Background()
	stream := client.Stream("/chat/1")
	if err := stream.Create(ctx, testclient.CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	producer := &testclient.ProducerHeaders{ID: "p1", Epoch: 0, Seq: 0}
	if _, err := stream.Append(ctx, []byte("a"), testclient.AppendOptions{ContentType: "text/plain", Producer: producer}); err != nil {
		t.Fatalf("first append: %v", err)
	}

	// duplicate seq succeeds without re-appending
	if _, err := stream.Append(ctx, []byte("a-retry"), testclient.AppendOptions{ContentType: "text/plain", Producer: producer}); err != nil {
		t.Fatalf("duplicate append should not error: %v", err)
	}

	// stale epoch is rejected
	stale := &testclient.ProducerHeaders{ID: "p1", Epoch: -1, Seq: 0}
	if _, err := stream.Append(ctx, []byte("b"), testclient.AppendOptions{ContentType: "text/plain", Producer: stale}); err == nil {
		t.Errorf("expected an error for a stale epoch append")
	}
}

func TestLongPollReturnsOnNewMessage(t *testing.T) {
	client, _ := newTestServer(t, Config{LongPollTimeout: 5 * time.Second})
	ctx := context.Background()
	stream := client.Stream("/chat/1")
	if err := stream.Create(ctx, testclient.CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	head, _, err := stream.Head(ctx)
	if err != nil {
		t.Fatalf("head: %v", err)
	}

	resultCh := make(chan *testclient.ReadResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := stream.WaitUntilUpToDate(ctx, head, 5*time.Second)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- res
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := stream.Append(ctx, []byte("arrived"), testclient.AppendOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case res := <-resultCh:
		if string(res.Body) != "arrived" {
			t.Errorf("expected long-poll body %q, got %q", "arrived", res.Body)
		}
	case err := <-errCh:
		t.Fatalf("long-poll failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for long-poll to return")
	}
}

func TestListStreams(t *testing.T) {
	client, ts := newTestServer(t, Config{})
	ctx := context.Background()
	if err := client.Stream("/chat/1").Create(ctx, testclient.CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := client.Stream("/chat/2").Create(ctx, testclient.CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, err := ts.Client().Get(ts.URL + "/_streams")
	if err != nil {
		t.Fatalf("list request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 from /_streams, got %d", resp.StatusCode)
	}
}
