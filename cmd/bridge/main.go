// Command bridge runs the assistant bridge: an SSE/stdio front end that
// adapts a request/response assistant backend into the session-oriented
// streaming protocol expected by AI-assistant clients.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/promptbridge/bridge/auth"
	"github.com/promptbridge/bridge/backend"
	"github.com/promptbridge/bridge/config"
	"github.com/promptbridge/bridge/internal/logctx"
	"github.com/promptbridge/bridge/registry"
	"github.com/promptbridge/bridge/registry/memorystore"
	"github.com/promptbridge/bridge/registry/redisstore"
	"github.com/promptbridge/bridge/router"
	"github.com/promptbridge/bridge/stdio"
	"github.com/promptbridge/bridge/streaminghttp"
)

func main() {
	stdioMode := flag.Bool("stdio", false, "serve a single session over stdin/stdout instead of HTTP")
	serverURL := flag.String("server-url", "", "backend base URL (stdio mode)")
	authToken := flag.String("auth-token", "", "backend credential (stdio mode)")
	flag.Parse()

	if err := run(*stdioMode, *serverURL, *authToken); err != nil {
		fmt.Fprintf(os.Stderr, "bridge: %v\n", err)
		os.Exit(1)
	}
}

func run(stdioMode bool, serverURL, authToken string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	// Logs go to stderr; in stdio mode stdout is the protocol channel.
	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, degraded, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	reg := registry.New(store,
		registry.WithLogger(log),
		registry.WithMaxConnectionsPerUser(cfg.MaxConnectionsPerUser),
	)
	if degraded {
		reg.Stats().SetDegraded(true)
	}

	bc := backend.New(
		backend.WithTimeout(cfg.BackendTimeout),
		backend.WithLogger(log),
	)
	validator := auth.NewBackendValidator(bc,
		auth.WithLogger(log),
		auth.WithAPISecret(cfg.APISecret),
	)
	rt := router.New(bc, reg, router.WithLogger(log))

	if stdioMode {
		if serverURL == "" {
			return fmt.Errorf("-server-url is required in stdio mode")
		}
		h := stdio.NewHandler(rt, router.Target{ServerURL: serverURL, AuthToken: authToken},
			stdio.WithLogger(log))
		log.Info("stdio.serve.start")
		return h.Serve(ctx)
	}

	handler := streaminghttp.New(reg, rt, validator,
		streaminghttp.WithLogger(log),
		streaminghttp.WithQueueWait(cfg.QueueWait),
	)

	reaper := registry.NewReaper(reg, cfg.ReapInterval, cfg.MaxIdle, log)
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		if err := reaper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("reaper.run.fail", slog.String("err", err.Error()))
		}
	}()

	reporter := registry.NewStatsReporter(reg, cfg.StatsInterval, log)
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		if err := reporter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("stats.run.fail", slog.String("err", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http.serve.start", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown.http.fail", slog.String("err", err.Error()))
	}
	<-reaperDone
	<-reporterDone
	log.Info("shutdown.done")
	return nil
}

// openStore selects the connection store. An unreachable redis is fatal
// unless fallback is explicitly enabled; the fallback is loud and surfaced as
// degraded state so scaled deployments cannot silently lose their shared
// store.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (registry.Store, bool, error) {
	if cfg.RedisAddr == "" {
		return memorystore.New(), false, nil
	}

	store, err := redisstore.New(ctx, redisstore.Config{
		Addr:      cfg.RedisAddr,
		KeyPrefix: cfg.RedisKeyPrefix,
	})
	if err == nil {
		log.Info("store.redis.ok", slog.String("addr", cfg.RedisAddr))
		return store, false, nil
	}

	if !cfg.StoreFallback {
		return nil, false, fmt.Errorf("shared store unreachable (set BRIDGE_STORE_FALLBACK=true to run degraded): %w", err)
	}

	log.Error("store.redis.fallback",
		slog.String("addr", cfg.RedisAddr),
		slog.String("err", err.Error()))
	return memorystore.New(), true, nil
}
