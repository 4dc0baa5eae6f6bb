// Command bmkg-alertd is the BMKG Alert daemon. It loads a YAML
// configuration file, opens a PostgreSQL connection pool, starts the alert
// engine's poll loop, exposes the admin REST API (with the public trial
// routes and the live WebSocket alert feed), and shuts down gracefully on
// SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bmkg-alert/alertd/internal/adminapi"
	"github.com/bmkg-alert/alertd/internal/audit"
	"github.com/bmkg-alert/alertd/internal/bmkgclient"
	"github.com/bmkg-alert/alertd/internal/config"
	"github.com/bmkg-alert/alertd/internal/dispatch"
	"github.com/bmkg-alert/alertd/internal/engine"
	"github.com/bmkg-alert/alertd/internal/feed"
	"github.com/bmkg-alert/alertd/internal/notify/discord"
	"github.com/bmkg-alert/alertd/internal/notify/email"
	"github.com/bmkg-alert/alertd/internal/notify/slack"
	"github.com/bmkg-alert/alertd/internal/notify/telegram"
	"github.com/bmkg-alert/alertd/internal/notify/webhook"
	"github.com/bmkg-alert/alertd/internal/store"
	"github.com/bmkg-alert/alertd/internal/trial"
)

func main() {
	configPath := flag.String("config", "bmkg-alertd.yaml", "Path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("bmkg-alertd starting",
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("bmkg_base_url", cfg.BMKG.BaseURL),
		slog.Bool("demo_mode", cfg.DemoMode),
		slog.Bool("trial_enabled", cfg.Trial.Enabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── PostgreSQL state store ───────────────────────────────────────────────
	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open state store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("PostgreSQL state store connected")

	seedConfigDefaults(ctx, st, cfg, logger)

	// ── Tamper-evident audit log ─────────────────────────────────────────────
	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		logger.Error("failed to open audit log", slog.Any("error", err))
		os.Exit(1)
	}
	defer auditLog.Close()

	// ── Upstream client and channel senders ──────────────────────────────────
	bmkg := bmkgclient.New(cfg.BMKG.BaseURL, cfg.BMKG.Timeout)

	telegramSender := telegram.New()
	senders := map[store.ChannelType]dispatch.Sender{
		store.ChannelTypeTelegram: telegramSender,
		store.ChannelTypeDiscord:  discord.New(),
		store.ChannelTypeSlack:    slack.New(),
		store.ChannelTypeEmail:    email.New(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From),
		store.ChannelTypeWebhook:  webhook.New(),
	}

	dispatcher := dispatch.New(st, senders,
		dispatch.WithLogger(logger),
		dispatch.WithDemoMode(cfg.DemoMode),
	)

	// ── Live alert feed ──────────────────────────────────────────────────────
	broadcaster := feed.NewBroadcaster(logger, 0)
	defer broadcaster.Close()

	// Every stored alert also lands in the hash-chained audit log.
	go auditAlerts(ctx, broadcaster, auditLog, logger)

	// ── Alert engine ─────────────────────────────────────────────────────────
	engineOpts := []engine.Option{engine.WithFeed(broadcaster)}
	if cfg.Trial.TelegramBotToken != "" {
		engineOpts = append(engineOpts, engine.WithTrialPipeline(cfg.Trial.TelegramBotToken, telegramSender))
	}
	eng := engine.New(bmkg, st, dispatcher, logger, engineOpts...)
	eng.Start(ctx)
	defer eng.Stop()

	// ── Admin REST API ───────────────────────────────────────────────────────
	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pemBytes, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to read JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		pubKey, err = adminapi.ParseRSAPublicKey(pemBytes)
		if err != nil {
			logger.Error("failed to parse JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("JWT validation enabled")
	} else {
		logger.Warn("jwt_public_key_path not configured; admin API authentication disabled (dev mode)")
	}

	srv := adminapi.NewServer(st, eng, senders)
	router := adminapi.NewRouter(srv, pubKey)

	// Public surfaces share the router: the WebSocket alert feed and, when
	// enabled, the trial registration routes.
	router.Handle("/ws/alerts", feed.NewHandler(broadcaster, logger, 0))
	if cfg.Trial.Enabled {
		trialSvc := trial.New(st, telegramSender, cfg.Trial.TelegramBotToken, logger,
			trial.WithMaxRegistrationsPerIP(cfg.Trial.MaxRegistrationsPerIPPerHour))
		router.Mount("/trial", trialSvc.Routes())
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ──────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	// ── Graceful shutdown ────────────────────────────────────────────────────
	logger.Info("shutting down")
	eng.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("bmkg-alertd exited cleanly")
}

// seedConfigDefaults writes the bootstrap values for runtime-tunable config
// keys that have never been set. Existing values are left untouched so admin
// edits survive restarts.
func seedConfigDefaults(ctx context.Context, st *store.Store, cfg *config.Config, logger *slog.Logger) {
	defaults := map[string]string{
		"poll_interval":               strconv.Itoa(cfg.PollIntervalSeconds),
		"severity_threshold":          "all",
		"quiet_hours_enabled":         strconv.FormatBool(cfg.QuietHours.Enabled),
		"quiet_hours_start":           cfg.QuietHours.Start,
		"quiet_hours_end":             cfg.QuietHours.End,
		"quiet_hours_override_severe": strconv.FormatBool(cfg.QuietHours.OverrideSevere),
		"notification_language":       "id",
		"setup_completed":             "false",
	}
	for key, value := range defaults {
		existing, err := st.GetConfigValue(ctx, key, "")
		if err != nil {
			logger.Warn("failed to read config key", slog.String("key", key), slog.Any("error", err))
			continue
		}
		if existing != "" {
			continue
		}
		if err := st.SetConfigValue(ctx, key, value); err != nil {
			logger.Warn("failed to seed config key", slog.String("key", key), slog.Any("error", err))
		}
	}
}

// auditAlerts appends every alert published on the feed to the hash-chained
// audit log until ctx is cancelled.
func auditAlerts(ctx context.Context, bc *feed.Broadcaster, auditLog *audit.Logger, logger *slog.Logger) {
	sub := bc.Subscribe(ctx)
	for alert := range sub {
		details, err := json.Marshal(map[string]any{
			"alert_id":        alert.ID,
			"bmkg_alert_code": alert.BMKGAlertCode,
			"severity":        alert.Severity,
			"location_id":     alert.MatchedLocationID,
			"match_type":      alert.MatchType,
			"matched_text":    alert.MatchedText,
		})
		if err != nil {
			continue
		}
		message := fmt.Sprintf("Alert %s stored for %s", alert.BMKGAlertCode, alert.MatchedText)
		if _, err := auditLog.Append(audit.EventAlertStored, message, details); err != nil {
			logger.Warn("audit append failed", slog.Any("error", err))
		}
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
