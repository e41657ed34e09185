package datasyncer

import (
	"context"
	"encoding/json"

	"github.com/tommyca/opensqt-trading-engine/internal/idgen"
	"github.com/tommyca/opensqt-trading-engine/internal/indicator"
	"github.com/tommyca/opensqt-trading-engine/internal/store"
)

// processPrecomputeTasks drains up to precomputeBatch PENDING tasks for
// one symbol in ascending open-time order: load the task range plus 300
// warm-up bars, stream the indicators, upsert cache rows for the task
// range only, then mark tasks DONE up to the highest processed bar.
// Failures mark the batch ERROR with truncated text and leave retry to
// the next cycle.
func (s *Syncer) processPrecomputeTasks(ctx context.Context, symbol string) int {
	interval := s.cfg.IntervalMinutes
	intervalMS := s.cfg.IntervalMS()
	log := s.logger.WithField("symbol", symbol)

	openTimes, err := s.store.PendingTasks(ctx, symbol, interval, precomputeBatch)
	if err != nil {
		log.Error("failed to list pending tasks", "error", err)
		return 0
	}
	if len(openTimes) == 0 {
		return 0
	}

	minOT := openTimes[0]
	maxOT := openTimes[len(openTimes)-1]
	warmupStart := minOT - int64(indicator.WarmupBars)*intervalMS
	if warmupStart < 0 {
		warmupStart = 0
	}

	bars, err := s.store.BarsRange(ctx, symbol, interval, warmupStart, maxOT)
	if err != nil {
		log.Error("failed to load bars for precompute", "error", err)
		return 0
	}
	if len(bars) == 0 {
		return 0
	}

	traceID := idgen.NewTraceID("precompute")
	rows := indicator.ComputeFeatures(bars, minOT)
	if len(rows) == 0 {
		return 0
	}

	cache := make([]store.CacheRow, 0, len(rows))
	for _, r := range rows {
		features, err := json.Marshal(r.Features)
		if err != nil {
			s.markBatchError(ctx, symbol, openTimes, traceID, err)
			return 0
		}
		cache = append(cache, store.CacheRow{
			Symbol:          symbol,
			IntervalMinutes: interval,
			OpenTimeMS:      r.OpenTimeMS,
			EmaFast:         r.EmaFast,
			EmaSlow:         r.EmaSlow,
			RSI:             r.RSI,
			FeaturesJSON:    string(features),
		})
	}

	if err := s.store.UpsertCacheRows(ctx, cache); err != nil {
		log.Error("cache upsert failed", "trace_id", traceID, "error", err)
		s.markBatchError(ctx, symbol, openTimes, traceID, err)
		return 0
	}

	// Tasks are complete only up to the highest bar that actually got a
	// cache row; later tasks stay pending until their bars arrive.
	doneUpTo := cache[len(cache)-1].OpenTimeMS
	if err := s.store.MarkTasksDoneUpTo(ctx, symbol, interval, doneUpTo); err != nil {
		log.Error("failed to mark tasks done", "trace_id", traceID, "error", err)
		return 0
	}

	processed := 0
	for _, ot := range openTimes {
		if ot <= doneUpTo {
			processed++
		}
	}
	return processed
}

func (s *Syncer) markBatchError(ctx context.Context, symbol string, openTimes []int64, traceID string, err error) {
	if markErr := s.store.MarkTasksError(ctx, symbol, s.cfg.IntervalMinutes, openTimes, traceID, err.Error()); markErr != nil {
		s.logger.Error("failed to mark tasks errored",
			"symbol", symbol, "trace_id", traceID, "error", markErr)
	}
}
