// Package bootstrap wires the shared process skeleton: configuration,
// logging, the database, notification channels, and a Run loop that
// supervises service Runners under signal-driven shutdown.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tommyca/opensqt-trading-engine/internal/config"
	"github.com/tommyca/opensqt-trading-engine/internal/core"
	"github.com/tommyca/opensqt-trading-engine/internal/notify"
	"github.com/tommyca/opensqt-trading-engine/internal/store"
	"github.com/tommyca/opensqt-trading-engine/pkg/logging"
)

// App holds the core dependencies every service process shares.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger
	Store  *store.Store
	Alerts *notify.AlertManager
}

// NewApp bootstraps configuration, logging, persistence and the alert
// fan-out. A local .env file is honored when present.
func NewApp(serviceName string) (*App, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	log := logger.WithField("service", serviceName)
	logging.SetGlobalLogger(log)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	alerts := notify.NewAlertManager(log)
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		alerts.AddChannel(notify.NewTelegramChannel(string(cfg.TelegramBotToken), cfg.TelegramChatID))
	}
	if cfg.SlackWebhookURL != "" {
		alerts.AddChannel(notify.NewSlackChannel(string(cfg.SlackWebhookURL)))
	}

	return &App{
		Cfg:    cfg,
		Logger: log,
		Store:  st,
		Alerts: alerts,
	}, nil
}

// Runner is a component that runs until its context is canceled.
type Runner interface {
	Run(ctx context.Context) error
}

// Run starts every runner in an error group and blocks until a
// termination signal arrives or a runner fails.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("starting application")
	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		a.Logger.Error("application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("application shut down gracefully")
	return nil
}

// Shutdown releases held resources.
func (a *App) Shutdown() {
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Error("failed to close store", "error", err)
		}
	}
}
