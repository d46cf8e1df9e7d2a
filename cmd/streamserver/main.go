// Command streamserver runs the durable stream protocol server and the
// agent run controller as a standalone process (spec §4.4, §4.7, §4.8).
// Flag parsing follows vinayprograms-agent's cmd/agent/cli.go convention of
// a kong-annotated struct instead of the teacher's Caddyfile provisioning,
// which cmd/caddy-plugin keeps separately.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
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

// CLI is the kong command structure for the streamserver binary.
type CLI struct {
	DataDir              string        `help:"Directory for the index database, log files and audit log." default:"./data"`
	ListenAddr           string        `help:"HTTP listen address." default:":8080"`
	LongPollTimeout      time.Duration `help:"Default long-poll request timeout." default:"30s"`
	SSEReconnectInterval time.Duration `help:"SSE connection reconnect interval." default:"60s"`
	EvictionCron         string        `help:"Cron spec for producer-row eviction." default:"*/5 * * * *"`
	ProducerMaxAge       time.Duration `help:"Producer rows older than this are evicted." default:"168h"`
	StaleRunWindow       time.Duration `help:"Runs with no run_closed older than this are recovered on startup." default:"5m"`
	BootstrapFile        string        `help:"Workspace file injected as the first bootstrap tool_call/tool_result pair."`
	MaxOpenLogFiles      int           `help:"Maximum cached open log file handles." default:"256"`
	WebhookSubscription  []string      `help:"Static webhook subscription as id=pattern=url, repeatable." sep:"none"`
	Dev                  bool          `help:"Use a human-readable development logger instead of JSON production logging."`
}

func main() {
	var cli CLI
	kong.Parse(&cli, kong.Description("Durable stream server and agent run controller."))

	if err := run(cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cli CLI) error {
	log, err := newLogger(cli.Dev)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	if err := os.MkdirAll(cli.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	logDir := filepath.Join(cli.DataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	auditDir := filepath.Join(cli.DataDir, "audit")

	idx, err := index.Open(filepath.Join(cli.DataDir, "index.db"))
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer idx.Close()

	pool := logfile.NewPool(cli.MaxOpenLogFiles)
	reg := schema.New()

	engine := streamengine.New(logDir, idx, reg, pool, log)
	defer engine.Close()

	store := durablestore.New(engine, idx, log)
	defer store.Close()

	webhooks := webhook.NewManager(log)
	defer webhooks.Shutdown()
	for _, spec := range cli.WebhookSubscription {
		id, pattern, url, ok := parseWebhookSubscription(spec)
		if !ok {
			return fmt.Errorf("invalid --webhook-subscription %q, want id=pattern=url", spec)
		}
		if _, err := webhooks.Subscribe(id, pattern, url); err != nil {
			return fmt.Errorf("webhook subscription %q: %w", id, err)
		}
	}
	store.SetNotifier(webhooks)

	eviction, err := store.StartEvictionSchedule(cli.EvictionCron, cli.ProducerMaxAge, log)
	if err != nil {
		return fmt.Errorf("start eviction schedule: %w", err)
	}
	defer eviction.Stop()

	events := eventstore.New(idx, auditDir, log)
	overlay := realtime.New(events)

	if err := agentctl.RecoverStaleRuns(overlay, cli.StaleRunWindow, log); err != nil {
		log.Warn("stale run recovery failed", zap.Error(err))
	}

	// The agent run controller is a Go-level collaborator only: the spec
	// names chat/session HTTP plumbing as an out-of-scope collaborator, so
	// nothing here mounts routes for it. It stays resident so Watch-ing a
	// session (driven by whatever embeds this process) routes externally
	// persisted user_message events to the configured agent factory.
	controller := agentctl.New(agentctl.NewEchoAgent, overlay, cli.BootstrapFile, log)
	defer controller.Dispose()

	srv := protocol.NewServer(store, protocol.Config{
		LongPollTimeout:      cli.LongPollTimeout,
		SSEReconnectInterval: cli.SSEReconnectInterval,
	}, log)

	r := chi.NewRouter()
	srv.Mount(r)

	httpSrv := &http.Server{Addr: cli.ListenAddr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cli.ListenAddr), zap.String("data_dir", cli.DataDir))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// parseWebhookSubscription splits "id=pattern=url" into its three parts. The
// url itself may contain "=" (query strings); only the first two separators
// are significant.
func parseWebhookSubscription(spec string) (id, pattern, url string, ok bool) {
	first := strings.IndexByte(spec, '=')
	if first < 0 {
		return "", "", "", false
	}
	rest := spec[first+1:]
	second := strings.IndexByte(rest, '=')
	if second < 0 {
		return "", "", "", false
	}
	return spec[:first], rest[:second], rest[second+1:], true
}
