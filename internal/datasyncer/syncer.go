// Package datasyncer pulls klines from the venue, fills gaps, enqueues
// and drains feature precompute tasks, and runs the daily archiver. One
// failure inside a symbol's cycle never aborts the other symbols; the
// next cycle retries from database state.
package datasyncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tommyca/opensqt-trading-engine/internal/config"
	"github.com/tommyca/opensqt-trading-engine/internal/core"
	"github.com/tommyca/opensqt-trading-engine/internal/idgen"
	"github.com/tommyca/opensqt-trading-engine/internal/notify"
	"github.com/tommyca/opensqt-trading-engine/internal/store"
	"github.com/tommyca/opensqt-trading-engine/pkg/concurrency"
	"github.com/tommyca/opensqt-trading-engine/pkg/telemetry"
)

// Service is the name written to service_status heartbeats.
const Service = "data-syncer"

const (
	// cycleInterval is the pause between sync cycles.
	cycleInterval = 10 * time.Second
	// fetchLimit is the venue's kline batch ceiling.
	fetchLimit = 1000
	// gapScanDepth is how many recent bars the gap-fill pass inspects.
	gapScanDepth = 600
	// precomputeBatch caps PENDING tasks drained per symbol per cycle.
	precomputeBatch = 800
)

// Syncer is the data syncer service for one exchange.
type Syncer struct {
	cfg     *config.Config
	store   *store.Store
	ex      core.IExchange
	logger  core.ILogger
	alerts  *notify.AlertManager
	metrics *telemetry.MetricsHolder
	pool    *concurrency.WorkerPool
	cron    *cron.Cron

	now func() time.Time
}

// New wires a syncer with a shared precompute worker pool.
func New(cfg *config.Config, st *store.Store, ex core.IExchange, logger core.ILogger, alerts *notify.AlertManager) *Syncer {
	log := logger.WithField("service", Service)
	return &Syncer{
		cfg:     cfg,
		store:   st,
		ex:      ex,
		logger:  log,
		alerts:  alerts,
		metrics: telemetry.GetGlobalMetrics(),
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "precompute",
			MaxWorkers:  4,
			MaxCapacity: 64,
		}, log),
		now: time.Now,
	}
}

// Run executes sync cycles until the context is canceled. The daily
// archiver rides a one-minute cron check that is a no-op outside the HK
// midnight window.
func (s *Syncer) Run(ctx context.Context) error {
	s.logger.Info("data syncer started",
		"exchange", s.cfg.Exchange, "symbols", s.cfg.Symbols,
		"interval_minutes", s.cfg.IntervalMinutes)

	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@every 1m", func() { s.runDailyArchive(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule archiver: %w", err)
	}
	s.cron.Start()
	defer func() {
		<-s.cron.Stop().Done()
		s.pool.Stop()
	}()

	for {
		s.RunCycle(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cycleInterval):
		}
	}
}

// RunCycle syncs every symbol concurrently, then drains precompute tasks
// through the worker pool.
func (s *Syncer) RunCycle(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range s.cfg.Symbols {
		symbol := symbol
		g.Go(func() error {
			// A symbol's failure is logged inside; never propagated.
			s.syncSymbolOnce(gctx, symbol)
			return nil
		})
	}
	_ = g.Wait()

	var wg sync.WaitGroup
	for _, symbol := range s.cfg.Symbols {
		symbol := symbol
		batchTrace := idgen.NewTraceID("precompute")
		wg.Add(1)
		if err := s.pool.SubmitTraced(batchTrace, func() {
			defer wg.Done()
			if n := s.processPrecomputeTasks(ctx, symbol); n > 0 {
				s.logger.Info("precompute batch done",
					"trace_id", batchTrace, "symbol", symbol, "processed", n)
			}
		}); err != nil {
			wg.Done()
			s.logger.Error("failed to submit precompute batch", "symbol", symbol, "error", err)
		}
	}
	wg.Wait()

	stats := s.pool.Stats()
	s.logger.Debug("precompute pool stats",
		"submitted", stats.Submitted, "succeeded", stats.Succeeded,
		"failed", stats.Failed, "waiting", stats.Waiting)
}

// syncSymbolOnce pulls the next kline batch for one symbol, inserts it,
// enqueues precompute tasks and back-fills recent gaps.
func (s *Syncer) syncSymbolOnce(ctx context.Context, symbol string) {
	traceID := idgen.NewTraceID("sync")
	log := s.logger.WithField("trace_id", traceID).WithField("symbol", symbol)
	interval := s.cfg.IntervalMinutes
	intervalMS := s.cfg.IntervalMS()

	defer func() {
		if r := recover(); r != nil {
			log.Error("sync cycle panic recovered", "panic", r)
		}
	}()

	heartbeat := func(status string, extra map[string]interface{}) {
		hb := map[string]interface{}{"trace_id": traceID, "status": status, "symbol": symbol}
		for k, v := range extra {
			hb[k] = v
		}
		if err := s.store.UpsertHeartbeat(ctx, Service, s.cfg.InstanceID, hb); err != nil {
			log.Error("failed to upsert heartbeat", "error", err)
		}
	}

	last, ok, err := s.store.LatestOpenTime(ctx, symbol, interval)
	if err != nil {
		log.Error("failed to read latest open time", "error", err)
		heartbeat("ERROR", map[string]interface{}{"error": err.Error()})
		return
	}
	var startMS int64
	if ok {
		startMS = last + intervalMS
	}

	bars, err := s.ex.FetchKlines(ctx, symbol, interval, startMS, fetchLimit)
	if err != nil {
		log.Error("kline fetch failed", "error", err)
		heartbeat("ERROR", map[string]interface{}{"error": err.Error()})
		if s.alerts != nil {
			s.alerts.Notify(ctx, notify.Event{
				ReasonCode: "DATA_SYNC",
				Summary:    "kline fetch failed",
				Fields:     map[string]string{"symbol": symbol, "trace_id": traceID, "error": err.Error()},
			})
		}
		return
	}

	// Intra-batch gap detection.
	for i := 1; i < len(bars); i++ {
		if bars[i].OpenTimeMS-bars[i-1].OpenTimeMS > intervalMS {
			s.metrics.DataGapsDetected.WithLabelValues(s.cfg.Exchange, symbol).Inc()
			log.Warn("gap detected in batch",
				"prev", bars[i-1].OpenTimeMS, "next", bars[i].OpenTimeMS)
		}
	}

	if len(bars) == 0 {
		heartbeat("NO_DATA", nil)
		return
	}

	inserted, err := s.store.InsertBars(ctx, interval, bars)
	if err != nil {
		log.Error("bar insert failed", "error", err)
		heartbeat("ERROR", map[string]interface{}{"error": err.Error()})
		return
	}
	if inserted > 0 {
		openTimes := make([]int64, len(bars))
		for i, b := range bars {
			openTimes[i] = b.OpenTimeMS
		}
		if _, err := s.store.EnqueueTasks(ctx, symbol, interval, openTimes, traceID); err != nil {
			log.Error("failed to enqueue precompute tasks", "error", err)
		}
	}

	// data_sync_lag_ms = now - newest cached bar.
	okExtra := map[string]interface{}{}
	if cacheOT, ok, err := s.store.LatestCacheOpenTime(ctx, symbol, interval); err == nil && ok {
		lag := s.now().UnixMilli() - cacheOT
		okExtra["data_sync_lag_ms"] = lag
		s.metrics.DataSyncLagSeconds.WithLabelValues(s.cfg.Exchange, symbol).
			Set(float64(lag) / 1000.0)
	}
	if pending, err := s.store.CountPendingTasks(ctx, symbol, interval); err == nil {
		s.metrics.PrecomputeQueue.WithLabelValues(s.cfg.Exchange, symbol).Set(float64(pending))
	}

	filled := s.fillRecentGaps(ctx, log, symbol, traceID)

	okExtra["inserted"] = inserted
	okExtra["gap_filled"] = filled
	heartbeat("OK", okExtra)
}
