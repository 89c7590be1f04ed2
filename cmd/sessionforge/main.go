package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sessionforge/sessionforge/internal/agentprovider"
	"github.com/sessionforge/sessionforge/internal/auth"
	"github.com/sessionforge/sessionforge/internal/bootstrap"
	"github.com/sessionforge/sessionforge/internal/config"
	"github.com/sessionforge/sessionforge/internal/db"
	"github.com/sessionforge/sessionforge/internal/eventbus"
	"github.com/sessionforge/sessionforge/internal/eventlog"
	"github.com/sessionforge/sessionforge/internal/httpapi"
	"github.com/sessionforge/sessionforge/internal/logging"
	"github.com/sessionforge/sessionforge/internal/metrics"
	"github.com/sessionforge/sessionforge/internal/notify"
	"github.com/sessionforge/sessionforge/internal/notify/email"
	"github.com/sessionforge/sessionforge/internal/runner"
	"github.com/sessionforge/sessionforge/internal/stream"
	"github.com/sessionforge/sessionforge/internal/timeout"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("sessionforge exited", "error", err)
		os.Exit(1)
	}
}

// dispatchStreamOrAPI routes the shared /api/sessions/ prefix: the
// long-lived events sub-route goes to the stream handler (no request
// timeout), everything else goes to the bounded-duration API handler.
func dispatchStreamOrAPI(stream, api http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/events") {
			stream.ServeHTTP(w, r)
			return
		}
		api.ServeHTTP(w, r)
	})
}

func run() error {
	logging.Setup()

	flags := config.DefineFlags()
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.PrintBanner(version, cfg.Addr)

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	sqlDB, err := db.Open(filepath.Join(cfg.DataDir, "sessionforge.db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer sqlDB.Close()

	if err := db.Migrate(sqlDB); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	q := db.New(sqlDB)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bootstrap.Run(ctx, q); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	timeoutCfg, err := timeout.NewFromDB(q)
	if err != nil {
		return fmt.Errorf("load timeout config: %w", err)
	}

	providers := map[string]notify.Provider{}
	if cfg.SMTPHost != "" {
		providers["email"] = email.NewSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom, cfg.SMTPTLS)
	}
	dispatcher := notify.New(q, providers)

	log := eventlog.New(q)
	bus := eventbus.New(log, dispatcher.Dispatch)

	provider := agentprovider.NewProvider()
	sessionRunner := runner.New(q, bus, provider, cfg.DataDir, timeoutCfg, cfg.DefaultSSHKeyPath)

	streams := stream.New(bus, log, q)
	api := httpapi.New(q, sessionRunner, streams, "claude", "")

	apiMux := http.NewServeMux()
	api.MountAPI(apiMux)
	apiMux.Handle("/metrics", promhttp.Handler())
	boundedHandler := auth.TimeoutMiddleware(timeoutCfg.APITimeout)(auth.Middleware(q)(apiMux))

	streamMux := http.NewServeMux()
	api.MountStreams(streamMux)
	streamHandler := auth.Middleware(q)(streamMux)

	mux := http.NewServeMux()
	mux.Handle("/api/sessions/", dispatchStreamOrAPI(streamHandler, boundedHandler))
	mux.Handle("/api/events", streamHandler)
	// /api/ws authenticates itself via the in-band {type:"auth"} handshake
	// (browsers cannot set an Authorization header on a WebSocket upgrade),
	// so it bypasses auth.Middleware entirely.
	mux.HandleFunc("GET /api/ws", streams.WS)
	mux.Handle("/", boundedHandler)

	shutdownCh := make(chan struct{})
	handler := auth.ShutdownMiddleware(shutdownCh)(
		logging.HTTPMiddleware(
			metrics.HTTPMiddleware(mux),
		),
	)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		slog.Info("sessionforge shutting down...")
		close(shutdownCh)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}
