// Command sonara runs one live tutoring session against a speech-to-speech
// model, persisting the conversation as it happens.
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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/sonara-ai/sonara/internal/app"
	"github.com/sonara-ai/sonara/internal/config"
	"github.com/sonara-ai/sonara/internal/health"
	"github.com/sonara-ai/sonara/internal/observe"
	"github.com/sonara-ai/sonara/pkg/live"
	"github.com/sonara-ai/sonara/pkg/live/gemini"
	"github.com/sonara-ai/sonara/pkg/store"
	storeapi "github.com/sonara-ai/sonara/pkg/store/api"
	"github.com/sonara-ai/sonara/pkg/store/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	resumeID := flag.String("resume", "", "session ID to resume instead of starting fresh")
	participant := flag.String("participant", "", "participant the session is recorded under")
	flag.Parse()

	// Secrets live in .env during development; absence is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "sonara: load .env: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sonara: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sonara: %v\n", err)
		}
		return 1
	}
	applyEnvOverrides(cfg)

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("sonara starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Backends ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(ctx, reg)

	liveProvider, err := reg.CreateLive(cfg.Live)
	if err != nil {
		slog.Error("failed to create live provider", "provider", cfg.Live.Provider, "err", err)
		return 1
	}
	st, err := reg.CreateStore(cfg.Store)
	if err != nil {
		slog.Error("failed to create store", "backend", cfg.Store.Backend, "err", err)
		return 1
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("store close error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	var opts []app.Option
	opts = append(opts, app.WithMetrics(metrics))
	if *participant != "" {
		opts = append(opts, app.WithParticipant(*participant))
	}
	if *resumeID != "" {
		opts = append(opts, app.WithResumeSession(*resumeID))
	}

	application, err := app.New(ctx, cfg, &app.Providers{Live: liveProvider, Store: st}, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(diff config.ConfigDiff, newCfg *config.Config) {
		if diff.LogLevelChanged {
			logLevel.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		application.ApplyConfigUpdate(diff, newCfg)
	})
	if err != nil {
		slog.Warn("config hot-reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP: metrics + health ────────────────────────────────────────────────
	srv := newHTTPServer(cfg.Server.ListenAddr, metrics, application.HealthCheckers())
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
		}
	}()

	printStartupSummary(cfg, application.SessionID())

	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(ctx) }()

	slog.Info("session live — press Ctrl+C to end it")

	var sessionErr error
	sessionOver := false
	select {
	case sessionErr = <-runErr:
		sessionOver = true
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if !sessionOver {
		sessionErr = <-runErr
	}
	if sessionErr != nil && !errors.Is(sessionErr, context.Canceled) {
		slog.Error("session error", "err", sessionErr)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the live provider and store factories that
// ship with Sonara into reg.
func registerBuiltinBackends(ctx context.Context, reg *config.Registry) {
	reg.RegisterLive("gemini", func(lc config.LiveConfig) (live.Provider, error) {
		var opts []gemini.Option
		if lc.Model != "" {
			opts = append(opts, gemini.WithModel(lc.Model))
		}
		if lc.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(lc.BaseURL))
		}
		return gemini.New(lc.APIKey, opts...), nil
	})

	reg.RegisterStore(config.StorePostgres, func(sc config.StoreConfig) (store.Store, error) {
		if sc.PostgresDSN == "" {
			return nil, fmt.Errorf("store.postgres_dsn is required for the postgres backend")
		}
		return postgres.New(ctx, sc.PostgresDSN)
	})

	reg.RegisterStore(config.StoreAPI, func(sc config.StoreConfig) (store.Store, error) {
		if sc.APIBaseURL == "" {
			return nil, fmt.Errorf("store.api_base_url is required for the api backend")
		}
		var opts []storeapi.Option
		if sc.APIToken != "" {
			opts = append(opts, storeapi.WithToken(sc.APIToken))
		}
		return storeapi.New(sc.APIBaseURL, opts...), nil
	})
}

// applyEnvOverrides fills secrets from the environment when the config file
// leaves them empty, so credentials stay out of checked-in YAML.
func applyEnvOverrides(cfg *config.Config) {
	if cfg.Live.APIKey == "" {
		cfg.Live.APIKey = os.Getenv("SONARA_LIVE_API_KEY")
	}
	if cfg.Store.APIToken == "" {
		cfg.Store.APIToken = os.Getenv("SONARA_STORE_API_TOKEN")
	}
	if cfg.Analyze.APIKey == "" {
		cfg.Analyze.APIKey = os.Getenv("SONARA_ANALYZE_API_KEY")
	}
}

// newHTTPServer builds the observability server: Prometheus metrics plus the
// health endpoints, with request metrics recorded on every handler.
func newHTTPServer(addr string, metrics *observe.Metrics, checkers []health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, sessionID string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Sonara — session setup       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Session", sessionID)
	provider := cfg.Live.Provider
	if cfg.Live.Model != "" {
		provider += " / " + cfg.Live.Model
	}
	printField("Provider", provider)
	printField("Store", string(cfg.Store.Backend))
	printField("Subject", cfg.Tutor.Subject)
	printField("Language", cfg.Tutor.Language)
	printField("Level", cfg.Tutor.Level)
	printField("Voice", cfg.Tutor.Voice)
	if cfg.Analyze.Enabled {
		printField("Analysis", cfg.Analyze.Model)
	} else {
		printField("Analysis", "(disabled)")
	}
	printField("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-14s : %-19s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger around a [slog.LevelVar] so the config
// watcher can change verbosity without a restart.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
