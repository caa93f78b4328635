package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sendgrid/sendgrid-go"
	"golang.org/x/sync/errgroup"

	"market_alerts/internal/api"
	"market_alerts/internal/bot"
	"market_alerts/internal/catalog"
	"market_alerts/internal/config"
	"market_alerts/internal/metrics"
	"market_alerts/internal/model"
	"market_alerts/internal/notify"
	"market_alerts/internal/provider"
	"market_alerts/internal/scanner"
	"market_alerts/internal/scheduler"
	"market_alerts/internal/session"
	"market_alerts/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("exit", "error", err)
		os.Exit(1)
	}
	log.Info("stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	m := metrics.New()

	sessions := session.NewManager(
		&http.Client{Timeout: cfg.ProviderTimeout},
		log.With("component", "session"),
		session.WithSpacing(cfg.MinCallSpacing),
		session.WithSessionTTL(cfg.SessionTTL),
		session.WithObserver(m),
	)
	client := provider.New(sessions)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cat := catalog.New(store, client, log.With("component", "catalog"),
		catalog.WithTTL(cfg.BrandCacheTTL, cfg.CategoryCacheTTL))
	if cfg.SeedCatalog {
		if err := cat.Seed(ctx, cfg.SeedSegments); err != nil {
			log.Warn("seed catalog", "error", err)
		}
	}

	exec := scanner.New(client, store, log.With("component", "scanner"),
		scanner.WithPages(cfg.ScanPageSize, cfg.ScanMaxPages))

	dispatch := notify.NewDispatcher(log.With("component", "notify"), m)

	var tg *tgbotapi.BotAPI
	if cfg.TelegramBotToken != "" {
		tg, err = tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			return err
		}
		log.Info("authorized on telegram", "username", tg.Self.UserName)
		dispatch.Register(model.ChannelTelegram, notify.NewTelegram(tg))
	}
	dispatch.Register(model.ChannelSlack, notify.NewSlack(&http.Client{Timeout: cfg.ProviderTimeout}, cfg.SlackWebhookURL))
	if cfg.SendgridAPIKey != "" {
		dispatch.Register(model.ChannelEmail, notify.NewEmail(sendgrid.NewSendClient(cfg.SendgridAPIKey), cfg.MailFrom))
	}

	sched := scheduler.New(store, exec, dispatch, log.With("component", "scheduler"),
		scheduler.WithTick(cfg.TickInterval),
		scheduler.WithWorkers(cfg.Workers, cfg.QueueSize),
		scheduler.WithGrace(cfg.ShutdownGrace),
		scheduler.WithObserver(m),
	)

	log.Info("starting", "workers", cfg.Workers, "tick", cfg.TickInterval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })

	if tg != nil {
		b := bot.New(tg, store, cfg, cat, sched, log.With("component", "bot"))
		g.Go(func() error {
			b.Run(ctx)
			return nil
		})
	}

	if cfg.HTTPAddr != "" {
		srv := api.New(store, sched, cat, m.Handler(), log.With("component", "api"))
		g.Go(func() error { return srv.Run(ctx, cfg.HTTPAddr, cfg.ShutdownGrace) })
	}

	return g.Wait()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
