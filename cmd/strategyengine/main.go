// The strategyengine process runs the trading tick loop and serves the
// admin surface plus health/metrics endpoints.
package main

import (
	"context"
	"os"
	"time"

	"github.com/tommyca/opensqt-trading-engine/internal/admin"
	"github.com/tommyca/opensqt-trading-engine/internal/bootstrap"
	"github.com/tommyca/opensqt-trading-engine/internal/exchange"
	"github.com/tommyca/opensqt-trading-engine/internal/exchange/ratelimit"
	"github.com/tommyca/opensqt-trading-engine/internal/infrastructure/metrics"
	"github.com/tommyca/opensqt-trading-engine/internal/strategy/engine"
)

func main() {
	app, err := bootstrap.NewApp(engine.Service)
	if err != nil {
		os.Stderr.WriteString("bootstrap failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer app.Shutdown()

	limiter := ratelimit.New(app.Cfg.Exchange, app.Logger)
	ex, err := exchange.New(app.Cfg, app.Logger, limiter)
	if err != nil {
		app.Logger.Fatal("exchange init failed", "error", err)
	}

	metricsSrv := metrics.NewServer(app.Cfg.MetricsPort, app.Logger)
	metricsSrv.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Stop(ctx)
	}()

	eng := engine.New(app.Cfg, app.Store, ex, app.Logger, app.Alerts)
	adminSrv := admin.NewServer(app.Cfg, app.Store, app.Logger, app.Alerts)

	if err := app.Run(eng, adminSrv); err != nil {
		os.Exit(1)
	}
}
