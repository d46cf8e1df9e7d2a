// Package protocol implements the durable stream HTTP wire protocol (spec
// §4.4): verb dispatch, long-poll and SSE reads, producer-fenced appends,
// cursors, and compression. Grounded on
// packages/caddy-plugin/handler.go, generalized from a Caddy middleware
// into a plain net/http handler mounted on a go-chi router.
package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"github.com/durable-streams/streamcore/internal/durablestore"
	"github.com/durable-streams/streamcore/internal/offset"
)

// Response header names (spec §6).
const (
	HeaderStreamNextOffset     = "Stream-Next-Offset"
	HeaderStreamCursor         = "Stream-Cursor"
	HeaderStreamUpToDate       = "Stream-Up-To-Date"
	HeaderStreamClosed         = "Stream-Closed"
	HeaderStreamTTL            = "Stream-TTL"
	HeaderStreamExpiresAt      = "Stream-Expires-At"
	HeaderStreamMessageCount   = "Stream-Message-Count"
	HeaderProducerID           = "Producer-Id"
	HeaderProducerEpoch        = "Producer-Epoch"
	HeaderProducerSeq          = "Producer-Seq"
	HeaderProducerExpectedSeq  = "Producer-Expected-Seq"
	HeaderProducerReceivedSeq  = "Producer-Received-Seq"
	HeaderStreamSSEDataEncoding = "Stream-SSE-Data-Encoding"
	HeaderStreamSeq             = "Stream-Seq"
)

// Config tunes timeouts that spec §4.4 leaves to the deployer.
type Config struct {
	LongPollTimeout      time.Duration
	SSEReconnectInterval time.Duration
}

// Server implements the durable stream HTTP wire protocol over a
// durablestore.Store.
type Server struct {
	store  *durablestore.Store
	log    *zap.Logger
	cfg    Config
	faults *faultTable
}

// NewServer constructs a Server. Zero-value Config fields take the
// teacher's own defaults (30s long-poll, 60s SSE reconnect).
func NewServer(store *durablestore.Store, cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.LongPollTimeout == 0 {
		cfg.LongPollTimeout = 30 * time.Second
	}
	if cfg.SSEReconnectInterval == 0 {
		cfg.SSEReconnectInterval = 60 * time.Second
	}
	return &Server{store: store, log: log, cfg: cfg, faults: newFaultTable()}
}

// Mount registers the stream routes, GET /_streams and the fault-injection
// test endpoint on r, wrapping the stream routes in gzhttp's gzip
// compression; deflate is not offered.
func (s *Server) Mount(r chi.Router) {
	compressed := gzhttp.GzipHandler(http.HandlerFunc(s.serveStream))
	r.Get("/_streams", s.handleListStreams)
	r.Post("/_test/inject-error", s.handleInjectFault)
	r.Delete("/_test/inject-error", s.handleClearFault)
	r.Handle("/*", corsMiddleware(compressed))
}

// streamListEntry is the JSON shape of one GET /_streams row.
type streamListEntry struct {
	Path          string `json:"path"`
	ContentType   string `json:"contentType"`
	CurrentOffset string `json:"currentOffset"`
	Closed        bool   `json:"closed"`
}

// handleListStreams serves GET /_streams, an unpaginated JSON array of
// every live stream (spec §4.2 "listStreams", supplemented since the
// distilled spec names but does not elaborate it).
func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := s.store.ListStreams()
	if err != nil {
		s.log.Error("list streams failed", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	out := make([]streamListEntry, len(streams))
	for i, info := range streams {
		out[i] = streamListEntry{
			Path: info.Path, ContentType: info.ContentType,
			CurrentOffset: info.CurrentOffset.String(), Closed: info.Closed,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	body, _ := json.Marshal(out)
	w.Write(body)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderProducerID+", "+HeaderProducerEpoch+", "+HeaderProducerSeq+", "+HeaderStreamClosed+", "+HeaderStreamTTL+", "+HeaderStreamExpiresAt+", If-None-Match")
		w.Header().Set("Access-Control-Expose-Headers", strings.Join([]string{
			HeaderStreamNextOffset, HeaderStreamCursor, HeaderStreamUpToDate, HeaderStreamClosed,
			HeaderProducerEpoch, HeaderProducerSeq, HeaderProducerExpectedSeq, HeaderProducerReceivedSeq,
			"ETag", "Content-Type", "Content-Encoding", "Vary", "Location",
		}, ", "))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// serveStream is the verb dispatcher (spec §4.4), equivalent to the
// teacher's ServeHTTP but without the Caddy middleware chain.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if fault, ok := s.faults.match(path, r.Method); ok {
		if applied := s.applyFault(w, r, fault); applied {
			return
		}
	}

	s.dispatch(w, r, path)
}

// dispatch is the verb switch proper, factored out of serveStream so a
// fault that wraps the ResponseWriter (truncate, corrupt) can re-enter the
// handler without re-matching (and re-consuming) itself.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, path string) {
	s.log.Debug("handling request", zap.String("method", r.Method), zap.String("path", path))

	var err error
	switch r.Method {
	case http.MethodPut:
		err = s.handleCreate(w, r, path)
	case http.MethodHead:
		err = s.handleHead(w, r, path)
	case http.MethodGet:
		err = s.handleRead(w, r, path)
	case http.MethodPost:
		err = s.handleAppend(w, r, path)
	case http.MethodDelete:
		err = s.handleDelete(w, r, path)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err != nil {
		s.writeError(w, err)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get("Content-Type")
	ttlStr := r.Header.Get(HeaderStreamTTL)
	expiresAtStr := r.Header.Get(HeaderStreamExpiresAt)

	if ttlStr != "" && expiresAtStr != "" {
		return newHTTPError(http.StatusBadRequest, "cannot specify both "+HeaderStreamTTL+" and "+HeaderStreamExpiresAt)
	}

	var ttlSeconds *int64
	if ttlStr != "" {
		ttl, err := parseTTL(ttlStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, err.Error())
		}
		ttlSeconds = &ttl
	}

	var expiresAt *time.Time
	if expiresAtStr != "" {
		t, err := time.Parse(time.RFC3339, expiresAtStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid "+HeaderStreamExpiresAt+" format")
		}
		expiresAt = &t
	}

	var initialData []byte
	if r.ContentLength > 0 {
		var err error
		initialData, err = io.ReadAll(r.Body)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "failed to read body")
		}
	}

	opts := durablestore.CreateOptions{
		ContentType: contentType,
		TTLSeconds:  ttlSeconds,
		ExpiresAt:   expiresAt,
		InitialData: initialData,
		Closed:      strings.EqualFold(r.Header.Get(HeaderStreamClosed), "true"),
	}

	info, created, err := s.store.Create(path, opts)
	if err != nil {
		if errors.Is(err, durablestore.ErrStreamExists) {
			return newHTTPError(http.StatusConflict, "stream exists with different configuration")
		}
		if errors.Is(err, durablestore.ErrReservedPath) {
			return newHTTPError(http.StatusBadRequest, "path is reserved")
		}
		return err
	}

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set(HeaderStreamNextOffset, info.CurrentOffset.String())

	if created {
		fullURL := requestURL(r)
		w.Header().Set("Location", fullURL)
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	return nil
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request, path string) error {
	info, err := s.store.Get(path)
	if err != nil {
		if errors.Is(err, durablestore.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set(HeaderStreamNextOffset, info.CurrentOffset.String())
	w.Header().Set("Cache-Control", "no-store")
	if info.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	w.Header().Set("ETag", metadataETag(path, info.CurrentOffset.String(), info.Closed))

	n, _ := s.store.MessageCount(path)
	w.Header().Set(HeaderStreamMessageCount, strconv.FormatInt(n, 10))

	w.WriteHeader(http.StatusOK)
	return nil
}

func b64(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func metadataETag(path, offsetStr string, closed bool) string {
	suffix := "o"
	if closed {
		suffix = "c"
	}
	return fmt.Sprintf(`"%s-%s-%s-%s"`, b64(path), "-1", offsetStr, suffix)
}

func readETag(path, startOffset, responseOffset string, closed bool) string {
	suffix := "o"
	if closed {
		suffix = "c"
	}
	return fmt.Sprintf(`"%s-%s-%s-%s"`, b64(path), startOffset, responseOffset, suffix)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request, path string) error {
	info, err := s.store.Get(path)
	if err != nil {
		if errors.Is(err, durablestore.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	query := r.URL.Query()
	offsetValues, offsetProvided := query["offset"]
	offsetStr := ""
	if offsetProvided {
		if len(offsetValues) > 1 {
			return newHTTPError(http.StatusBadRequest, "multiple offset parameters not allowed")
		}
		offsetStr = offsetValues[0]
		if offsetStr == "" {
			return newHTTPError(http.StatusBadRequest, "offset parameter cannot be empty")
		}
	}

	from, err := offset.Parse(offsetStr, info.CurrentOffset)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "invalid offset")
	}

	liveMode := query.Get("live")
	cursor := query.Get("cursor")

	if liveMode == "long-poll" && !offsetProvided {
		return newHTTPError(http.StatusBadRequest, "offset required for long-poll mode")
	}
	if liveMode == "sse" && !offsetProvided {
		return newHTTPError(http.StatusBadRequest, "offset required for SSE mode")
	}

	if liveMode == "sse" {
		return s.handleSSE(w, r, path, from, cursor)
	}

	messages, upToDate, err := s.store.Read(path, from)
	if err != nil {
		return err
	}

	nextOffset := from
	if len(messages) > 0 {
		nextOffset = messages[len(messages)-1].Offset
	} else if info2, gerr := s.store.Get(path); gerr == nil {
		nextOffset = info2.CurrentOffset
	}

	if liveMode == "long-poll" && len(messages) == 0 {
		timeout := s.cfg.LongPollTimeout
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		msgs, timedOut, closed, werr := s.store.WaitForMessages(ctx, path, from, timeout)
		if werr != nil {
			if errors.Is(werr, context.Canceled) || errors.Is(werr, context.DeadlineExceeded) {
				return s.writeEmptyLongPoll(w, from, cursor, false)
			}
			if errors.Is(werr, durablestore.ErrStreamNotFound) {
				return newHTTPError(http.StatusNotFound, "stream not found")
			}
			return werr
		}
		if timedOut {
			return s.writeEmptyLongPoll(w, from, cursor, false)
		}
		if closed && len(msgs) == 0 {
			return s.writeEmptyLongPoll(w, from, cursor, true)
		}
		messages = msgs
		if len(messages) > 0 {
			nextOffset = messages[len(messages)-1].Offset
		}
	}

	currentInfo, _ := s.store.Get(path)
	upToDate = nextOffset.Equal(currentInfo.CurrentOffset)

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set(HeaderStreamNextOffset, nextOffset.String())
	if upToDate {
		w.Header().Set(HeaderStreamUpToDate, "true")
		if currentInfo.Closed {
			w.Header().Set(HeaderStreamClosed, "true")
		}
	}

	if liveMode == "long-poll" {
		w.Header().Set(HeaderStreamCursor, generateResponseCursor(cursor))
	}

	etag := readETag(path, from.String(), nextOffset.String(), currentInfo.Closed)
	w.Header().Set("ETag", etag)
	if !upToDate && len(messages) > 0 {
		w.Header().Set("Cache-Control", "public, max-age=60, stale-while-revalidate=300")
	}
	w.Header().Set("Vary", "Accept-Encoding")

	if ifNoneMatch := r.Header.Get("If-None-Match"); ifNoneMatch != "" && ifNoneMatch == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	body := s.store.FormatResponse(info.ContentType, messages)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	return nil
}

func (s *Server) writeEmptyLongPoll(w http.ResponseWriter, from offset.Offset, cursor string, streamClosed bool) error {
	w.Header().Set(HeaderStreamNextOffset, from.String())
	w.Header().Set(HeaderStreamUpToDate, "true")
	w.Header().Set(HeaderStreamCursor, generateResponseCursor(cursor))
	if streamClosed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request, path string) error {
	info, err := s.store.Get(path)
	if err != nil {
		if errors.Is(err, durablestore.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "failed to read body")
	}

	closeOnly := strings.EqualFold(r.Header.Get(HeaderStreamClosed), "true")
	if len(body) == 0 && !closeOnly {
		return newHTTPError(http.StatusBadRequest, "empty body not allowed")
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" && len(body) > 0 {
		return newHTTPError(http.StatusBadRequest, "Content-Type header is required")
	}
	if contentType != "" && !durablestore.ContentTypeMatches(info.ContentType, contentType) {
		return newHTTPError(http.StatusConflict, "content type mismatch")
	}

	producer, perr := parseProducerHeaders(r)
	if perr != nil {
		return newHTTPError(http.StatusBadRequest, perr.Error())
	}

	opts := durablestore.AppendOptions{
		Seq:         r.Header.Get(HeaderStreamSeq),
		ContentType: contentType,
		Close:       closeOnly,
		Producer:    producer,
	}

	result, err := s.store.Append(r.Context(), path, body, opts)
	if err != nil {
		return s.translateAppendErr(w, result, err)
	}

	w.Header().Set(HeaderStreamNextOffset, result.Offset.String())
	if result.StreamClosed {
		w.Header().Set(HeaderStreamClosed, "true")
	}

	switch result.ProducerResult {
	case durablestore.ProducerResultDuplicate:
		w.Header().Set(HeaderProducerEpoch, strconv.FormatInt(producer.Epoch, 10))
		w.Header().Set(HeaderProducerSeq, strconv.FormatInt(result.LastSeq, 10))
		w.WriteHeader(http.StatusNoContent)
	case durablestore.ProducerResultAccepted:
		w.Header().Set(HeaderProducerEpoch, strconv.FormatInt(producer.Epoch, 10))
		w.Header().Set(HeaderProducerSeq, strconv.FormatInt(result.LastSeq, 10))
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
	return nil
}

// translateAppendErr sets any error-specific response headers spec §4.4
// promises (current epoch on stale_epoch, expected/received seq on
// sequence_gap) and maps err to the HTTP status.
func (s *Server) translateAppendErr(w http.ResponseWriter, result durablestore.AppendResult, err error) error {
	switch {
	case errors.Is(err, durablestore.ErrStaleEpoch):
		w.Header().Set(HeaderProducerEpoch, strconv.FormatInt(result.CurrentEpoch, 10))
		return newHTTPError(http.StatusForbidden, "stale_epoch")
	case errors.Is(err, durablestore.ErrInvalidEpochSeq):
		return newHTTPError(http.StatusBadRequest, "invalid_epoch_seq")
	case errors.Is(err, durablestore.ErrProducerSeqGap):
		w.Header().Set(HeaderProducerExpectedSeq, strconv.FormatInt(result.ExpectedSeq, 10))
		w.Header().Set(HeaderProducerReceivedSeq, strconv.FormatInt(result.ReceivedSeq, 10))
		return newHTTPError(http.StatusConflict, "sequence_gap")
	case errors.Is(err, durablestore.ErrPartialProducer):
		return newHTTPError(http.StatusBadRequest, "partial producer headers")
	case errors.Is(err, durablestore.ErrStreamClosed):
		w.Header().Set(HeaderStreamNextOffset, result.Offset.String())
		return newHTTPError(http.StatusConflict, "stream_closed")
	case errors.Is(err, durablestore.ErrSequenceConflict):
		return newHTTPError(http.StatusConflict, "sequence number conflict")
	case errors.Is(err, durablestore.ErrContentTypeMismatch):
		return newHTTPError(http.StatusConflict, "content type mismatch")
	case errors.Is(err, durablestore.ErrInvalidJSON):
		return newHTTPError(http.StatusBadRequest, "invalid JSON")
	case errors.Is(err, durablestore.ErrEmptyJSONArray):
		return newHTTPError(http.StatusBadRequest, "empty JSON array not allowed")
	case errors.Is(err, durablestore.ErrStreamNotFound):
		return newHTTPError(http.StatusNotFound, "stream not found")
	default:
		return err
	}
}

func parseProducerHeaders(r *http.Request) (*durablestore.ProducerHeaders, error) {
	id := r.Header.Get(HeaderProducerID)
	epochStr := r.Header.Get(HeaderProducerEpoch)
	seqStr := r.Header.Get(HeaderProducerSeq)

	present := 0
	for _, v := range []string{id, epochStr, seqStr} {
		if v != "" {
			present++
		}
	}
	if present == 0 {
		return nil, nil
	}
	if present != 3 {
		return nil, durablestore.ErrPartialProducer
	}

	epoch, err := strconv.ParseInt(epochStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", HeaderProducerEpoch, err)
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", HeaderProducerSeq, err)
	}
	return &durablestore.ProducerHeaders{ID: id, Epoch: epoch, Seq: seq}, nil
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, path string) error {
	if err := s.store.Delete(path); err != nil {
		if errors.Is(err, durablestore.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string { return e.message }

func newHTTPError(status int, message string) *httpError {
	return &httpError{status: status, message: message}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		http.Error(w, httpErr.message, httpErr.status)
		return
	}
	s.log.Error("internal error", zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

var ttlRegex = regexp.MustCompile(`^[1-9][0-9]*$|^0$`)

func parseTTL(s string) (int64, error) {
	if !ttlRegex.MatchString(s) {
		return 0, fmt.Errorf("invalid TTL format: must be a non-negative integer without leading zeros")
	}
	ttl, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid TTL: %w", err)
	}
	return ttl, nil
}
