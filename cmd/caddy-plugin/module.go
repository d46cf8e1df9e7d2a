// Package caddyplugin wires the durable stream protocol server into Caddy
// as an http.handlers module, the second deployment target the teacher
// shipped alongside its standalone binary. Adapted from
// packages/caddy-plugin/module.go: same directive name, same Caddyfile
// shape, but Provision now builds the full internal/ stack (index, log
// pool, schema registry, stream engine, durable store, event store,
// realtime overlay, webhook manager) instead of the teacher's single
// store.Store, and ServeHTTP delegates to internal/protocol.Server instead
// of reimplementing the wire protocol inline.
package caddyplugin

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"net/http"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/durable-streams/streamcore/internal/agentctl"
	"github.com/durable-streams/streamcore/internal/durablestore"
	"github.com/durable-streams/streamcore/internal/eventstore"
	"github.com/durable-streams/streamcore/internal/index"
	"github.com/durable-streams/streamcore/internal/logfile"
	"github.com/durable-streams/streamcore/internal/protocol"
	"github.com/durable-streams/streamcore/internal/realtime"
	"github.com/durable-streams/streamcore/internal/schema"
	"github.com/durable-streams/streamcore/internal/streamengine"
	"github.com/durable-streams/streamcore/internal/webhook"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// Handler implements the durable stream protocol as a Caddy HTTP handler.
type Handler struct {
	// DataDir holds the index database, log files and audit log.
	DataDir string `json:"data_dir,omitempty"`

	// MaxFileHandles bounds concurrently open log-file handles.
	MaxFileHandles int `json:"max_file_handles,omitempty"`

	// LongPollTimeout is the default timeout for long-poll requests.
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SSEReconnectInterval is how often SSE connections should reconnect.
	SSEReconnectInterval caddy.Duration `json:"sse_reconnect_interval,omitempty"`

	// StaleRunWindow bounds how old an unfinished agent run must be before
	// startup recovery closes it synthetically (spec §4.8).
	StaleRunWindow caddy.Duration `json:"stale_run_window,omitempty"`

	idx       *index.DB
	engine    *streamengine.Engine
	store     *durablestore.Store
	events    *eventstore.Store
	overlay   *realtime.Overlay
	agents    *agentctl.Controller
	webhooks  *webhook.Manager
	eviction  *durablestore.EvictionSchedule
	srv       *protocol.Server
	router    chi.Router
	logger    *zap.Logger
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision builds the full internal/ stack behind the handler.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	if h.MaxFileHandles == 0 {
		h.MaxFileHandles = 100
	}
	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(30 * time.Second)
	}
	if h.SSEReconnectInterval == 0 {
		h.SSEReconnectInterval = caddy.Duration(60 * time.Second)
	}
	if h.StaleRunWindow == 0 {
		h.StaleRunWindow = caddy.Duration(5 * time.Minute)
	}
	if h.DataDir == "" {
		return fmt.Errorf("durable_streams: data_dir is required")
	}

	logDir := filepath.Join(h.DataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("durable_streams: create log dir: %w", err)
	}
	auditDir := filepath.Join(h.DataDir, "audit")

	idx, err := index.Open(filepath.Join(h.DataDir, "index.db"))
	if err != nil {
		return fmt.Errorf("durable_streams: open index: %w", err)
	}
	h.idx = idx

	pool := logfile.NewPool(h.MaxFileHandles)
	reg := schema.New()
	h.engine = streamengine.New(logDir, idx, reg, pool, h.logger)
	h.store = durablestore.New(h.engine, idx, h.logger)

	eviction, err := h.store.StartEvictionSchedule("*/5 * * * *", 7*24*time.Hour, h.logger)
	if err != nil {
		return fmt.Errorf("durable_streams: start eviction schedule: %w", err)
	}
	h.eviction = eviction

	h.events = eventstore.New(idx, auditDir, h.logger)
	h.overlay = realtime.New(h.events)

	if err := agentctl.RecoverStaleRuns(h.overlay, time.Duration(h.StaleRunWindow), h.logger); err != nil {
		h.logger.Warn("stale run recovery failed", zap.Error(err))
	}
	h.agents = agentctl.New(agentctl.NewEchoAgent, h.overlay, "", h.logger)

	h.webhooks = webhook.NewManager(h.logger)
	h.store.SetNotifier(h.webhooks)

	h.srv = protocol.NewServer(h.store, protocol.Config{
		LongPollTimeout:      time.Duration(h.LongPollTimeout),
		SSEReconnectInterval: time.Duration(h.SSEReconnectInterval),
	}, h.logger)
	h.router = chi.NewRouter()
	h.srv.Mount(h.router)

	h.logger.Info("durable streams provisioned", zap.String("data_dir", h.DataDir))
	return nil
}

// ServeHTTP delegates every request to the mounted protocol server; it
// never calls next, matching the teacher's handler.go, which owns the
// entire durable-streams path space beneath its Caddyfile matcher.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	h.router.ServeHTTP(w, r)
	return nil
}

// Validate ensures the handler configuration is valid.
func (h *Handler) Validate() error {
	if h.DataDir == "" {
		return fmt.Errorf("durable_streams: data_dir is required")
	}
	return nil
}

// Cleanup releases resources.
func (h *Handler) Cleanup() error {
	if h.agents != nil {
		h.agents.Dispose()
	}
	if h.webhooks != nil {
		h.webhooks.Shutdown()
	}
	if h.eviction != nil {
		h.eviction.Stop()
	}
	if h.store != nil {
		if err := h.store.Close(); err != nil {
			return err
		}
	}
	if h.idx != nil {
		return h.idx.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for durable_streams:
//
//	durable_streams {
//	    data_dir /var/lib/durable-streams
//	    max_file_handles 100
//	    long_poll_timeout 30s
//	    sse_reconnect_interval 60s
//	    stale_run_window 5m
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "max_file_handles":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_file_handles: %v", err)
				}
				h.MaxFileHandles = n
			case "long_poll_timeout":
				dur, err := parseDurationArg(d)
				if err != nil {
					return err
				}
				h.LongPollTimeout = caddy.Duration(dur)
			case "sse_reconnect_interval":
				dur, err := parseDurationArg(d)
				if err != nil {
					return err
				}
				h.SSEReconnectInterval = caddy.Duration(dur)
			case "stale_run_window":
				dur, err := parseDurationArg(d)
				if err != nil {
					return err
				}
				h.StaleRunWindow = caddy.Duration(dur)
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseDurationArg(d *caddyfile.Dispenser) (time.Duration, error) {
	var val string
	if !d.Args(&val) {
		return 0, d.ArgErr()
	}
	dur, err := caddy.ParseDuration(val)
	if err != nil {
		return 0, d.Errf("invalid duration: %v", err)
	}
	return dur, nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}

func parseIntArg(s string) (int, error) {
	var val int
	_, err := fmt.Sscanf(s, "%d", &val)
	return val, err
}

var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
