// Command kick-notifier is a Discord bot that announces Kick streams going live.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Connects to the Discord gateway and serves the /kick slash command.
//   - Runs the reconciler, which polls every subscribed streamer on a fixed
//     interval and notifies subscribers once per live session.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /metrics and admin endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM: the reconciler finishes persisting
// in-flight streamers before the database is closed.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onnwee/kick-notifier/config"
	"github.com/onnwee/kick-notifier/db"
	"github.com/onnwee/kick-notifier/discord"
	"github.com/onnwee/kick-notifier/kickapi"
	"github.com/onnwee/kick-notifier/notify"
	"github.com/onnwee/kick-notifier/reconcile"
	"github.com/onnwee/kick-notifier/server"
	"github.com/onnwee/kick-notifier/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	closeLog, err := telemetry.SetupLogging(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		slog.Error("logging setup failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() { _ = closeLog() }()

	if err := cfg.ValidateBotReady(); err != nil {
		slog.Error("discord not configured", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is optional; requires OTEL_EXPORTER_OTLP_ENDPOINT
	shutdownTracing, err := telemetry.InitTracing("kick-notifier", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	err = database.PingContext(pingCtx)
	cancelPing()
	if err != nil {
		slog.Error("database unreachable", slog.Any("err", err), slog.String("component", "db"))
		os.Exit(1)
	}

	// Versioned migrations first; the embedded statements cover binaries shipped
	// without the db/migrations directory.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}
	store := db.NewStore(database)

	kick := kickapi.NewClient(kickapi.Options{
		BaseURL:      cfg.KickBaseURL,
		UserAgent:    cfg.UserAgent,
		Timeout:      cfg.StatusTimeout,
		ClientID:     cfg.KickClientID,
		ClientSecret: cfg.KickClientSecret,
		TokenURL:     cfg.KickTokenURL,
	})
	if cfg.KickAuthEnabled() {
		slog.Info("kick status api using client credentials", slog.String("component", "kickapi"))
	}

	session, err := discord.NewSession(cfg.DiscordToken)
	if err != nil {
		slog.Error("discord session failed", slog.Any("err", err))
		os.Exit(1)
	}
	bot := discord.NewBot(session, store, kick, cfg.DiscordGuildID)
	if err := bot.Open(); err != nil {
		slog.Error("discord connect failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := bot.Close(); err != nil {
			slog.Warn("discord close failed", slog.Any("err", err))
		}
	}()

	dispatcher := notify.NewDispatcher(discord.NewSender(session), cfg.DispatchMaxAttempts)
	rec := reconcile.New(kick, store, dispatcher, reconcile.Options{
		Interval:        cfg.PollInterval,
		Concurrency:     cfg.PollConcurrency,
		StreamerTimeout: cfg.StreamerTimeout,
		PurgeOrphans:    cfg.PurgeOrphans,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		rec.Run(ctx)
	}()

	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	go func() {
		if err := server.Start(ctx, server.NewMux(ctx, store, rec), cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down, waiting for reconciler to drain")
	<-recDone
	slog.Info("shutdown complete")
}
