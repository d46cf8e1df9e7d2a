package protocol

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// faultSpec is a single installed fault (spec §4.4.2). Exactly one of the
// effect fields is meaningful per fault, selected by Kind.
type faultSpec struct {
	Path   string
	Method string // empty matches any method

	Kind string // "status", "delay", "drop", "truncate", "corrupt", "sse_event"

	Status     int
	RetryAfter int
	DelayMs    int
	JitterMs   int
	TruncateTo int
	CorruptN   int
	SSEEvent   json.RawMessage

	Count       int
	Probability float64 // 0..1, default 1
}

type faultTable struct {
	mu     sync.Mutex
	faults []*faultSpec
}

func newFaultTable() *faultTable {
	return &faultTable{}
}

// match finds the first fault installed for path (and method, if the fault
// is method-scoped) with remaining count and a probability roll in favor.
func (t *faultTable) match(path, method string) (*faultSpec, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.faults {
		if f.Path != path {
			continue
		}
		if f.Method != "" && f.Method != method {
			continue
		}
		if f.Count <= 0 {
			continue
		}
		prob := f.Probability
		if prob <= 0 {
			prob = 1
		}
		if rand.Float64() > prob {
			continue
		}
		return f, true
	}
	return nil, false
}

// consume decrements a fault's remaining count, removing it at zero.
func (t *faultTable) consume(f *faultSpec) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f.Count--
	if f.Count <= 0 {
		for i, existing := range t.faults {
			if existing == f {
				t.faults = append(t.faults[:i], t.faults[i+1:]...)
				break
			}
		}
	}
}

func (t *faultTable) install(f *faultSpec) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults = append(t.faults, f)
}

func (t *faultTable) clear(path, method string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.faults[:0]
	for _, f := range t.faults {
		if f.Path == path && (method == "" || f.Method == method) {
			continue
		}
		out = append(out, f)
	}
	t.faults = out
}

// injectFaultRequest is the body of POST /_test/inject-error.
type injectFaultRequest struct {
	Path        string          `json:"path"`
	Method      string          `json:"method,omitempty"`
	Kind        string          `json:"kind"`
	Status      int             `json:"status,omitempty"`
	RetryAfter  int             `json:"retryAfterSeconds,omitempty"`
	DelayMs     int             `json:"delayMs,omitempty"`
	JitterMs    int             `json:"jitterMs,omitempty"`
	TruncateTo  int             `json:"truncateToBytes,omitempty"`
	CorruptN    int             `json:"corruptBytes,omitempty"`
	SSEEvent    json.RawMessage `json:"sseEvent,omitempty"`
	Count       int             `json:"count,omitempty"`
	Probability float64         `json:"probability,omitempty"`
}

func (s *Server) handleInjectFault(w http.ResponseWriter, r *http.Request) {
	var req injectFaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Path == "" || req.Kind == "" {
		http.Error(w, "path and kind are required", http.StatusBadRequest)
		return
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}
	s.faults.install(&faultSpec{
		Path: req.Path, Method: req.Method, Kind: req.Kind,
		Status: req.Status, RetryAfter: req.RetryAfter,
		DelayMs: req.DelayMs, JitterMs: req.JitterMs,
		TruncateTo: req.TruncateTo, CorruptN: req.CorruptN,
		SSEEvent: req.SSEEvent, Count: count, Probability: req.Probability,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearFault(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	method := r.URL.Query().Get("method")
	if path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	s.faults.clear(path, method)
	w.WriteHeader(http.StatusNoContent)
}

// applyFault executes fault f against the response, returning true if it
// fully handled the request (the caller must not continue dispatching).
func (s *Server) applyFault(w http.ResponseWriter, r *http.Request, f *faultSpec) bool {
	switch f.Kind {
	case "status":
		s.faults.consume(f)
		if f.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(f.RetryAfter))
		}
		w.WriteHeader(f.Status)
		return true

	case "delay":
		s.faults.consume(f)
		delay := time.Duration(f.DelayMs) * time.Millisecond
		if f.JitterMs > 0 {
			delay += time.Duration(rand.Intn(f.JitterMs)) * time.Millisecond
		}
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return true
		}
		return false // proceed with the normal handler after the delay

	case "drop":
		s.faults.consume(f)
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
				return true
			}
		}
		w.WriteHeader(http.StatusBadGateway)
		return true

	case "truncate":
		s.faults.consume(f)
		rec := &truncatingWriter{ResponseWriter: w, limit: f.TruncateTo}
		s.dispatch(rec, r, r.URL.Path)
		return true

	case "corrupt":
		s.faults.consume(f)
		rec := &corruptingWriter{ResponseWriter: w, n: f.CorruptN}
		s.dispatch(rec, r, r.URL.Path)
		return true

	case "sse_event":
		s.faults.consume(f)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if fl, ok := w.(http.Flusher); ok {
			w.Write(append([]byte("data: "), f.SSEEvent...))
			w.Write([]byte("\n\n"))
			fl.Flush()
		}
		return true
	}
	return false
}

// truncatingWriter caps the response body at limit bytes.
type truncatingWriter struct {
	http.ResponseWriter
	limit   int
	written int
}

func (t *truncatingWriter) Write(p []byte) (int, error) {
	if t.written >= t.limit {
		return len(p), nil
	}
	remaining := t.limit - t.written
	if remaining > len(p) {
		remaining = len(p)
	}
	n, err := t.ResponseWriter.Write(p[:remaining])
	t.written += n
	return len(p), err
}

// corruptingWriter flips n scattered bytes of the response body.
type corruptingWriter struct {
	http.ResponseWriter
	n int
}

func (c *corruptingWriter) Write(p []byte) (int, error) {
	buf := bytes.Clone(p)
	for i := 0; i < c.n && len(buf) > 0; i++ {
		idx := rand.Intn(len(buf))
		buf[idx] ^= 0xFF
	}
	return c.ResponseWriter.Write(buf)
}
