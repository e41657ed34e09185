// The datasyncer process pulls klines, fills gaps, precomputes features
// and archives old rows.
package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/tommyca/opensqt-trading-engine/internal/bootstrap"
	"github.com/tommyca/opensqt-trading-engine/internal/datasyncer"
	"github.com/tommyca/opensqt-trading-engine/internal/exchange"
	"github.com/tommyca/opensqt-trading-engine/internal/exchange/ratelimit"
	"github.com/tommyca/opensqt-trading-engine/internal/infrastructure/health"
	"github.com/tommyca/opensqt-trading-engine/internal/infrastructure/server"
)

func main() {
	app, err := bootstrap.NewApp(datasyncer.Service)
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

	hm := health.NewHealthManager(app.Logger)
	hm.Register("database", func(ctx context.Context) error {
		return app.Store.DB().PingContext(ctx)
	})
	hm.RegisterHeartbeatCheck("sync-heartbeat", time.Minute,
		func(ctx context.Context) (time.Duration, bool, error) {
			return app.Store.HeartbeatAge(ctx, datasyncer.Service)
		})

	// /health, /status and /metrics ride one listener.
	healthSrv := server.NewHealthServer(strconv.Itoa(app.Cfg.MetricsPort), app.Logger, hm)
	healthSrv.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = healthSrv.Stop(ctx)
	}()

	syncer := datasyncer.New(app.Cfg, app.Store, ex, app.Logger, app.Alerts)
	if err := app.Run(syncer); err != nil {
		os.Exit(1)
	}
}
