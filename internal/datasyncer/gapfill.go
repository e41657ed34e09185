package datasyncer

import (
	"context"

	"github.com/tommyca/opensqt-trading-engine/internal/core"
)

// fillRecentGaps scans the newest window of stored bars for holes and
// back-fills each missing [start, end] range in venue-limit chunks.
// A window is abandoned when the venue returns no bars for it, so a
// permanently missing range cannot loop forever.
func (s *Syncer) fillRecentGaps(ctx context.Context, log core.ILogger, symbol, traceID string) int {
	interval := s.cfg.IntervalMinutes
	intervalMS := s.cfg.IntervalMS()

	times, err := s.store.RecentOpenTimes(ctx, symbol, interval, gapScanDepth)
	if err != nil {
		log.Error("gap scan failed", "error", err)
		return 0
	}
	if len(times) < 3 {
		return 0
	}

	filledTotal := 0
	for i := 1; i < len(times); i++ {
		if times[i]-times[i-1] <= intervalMS {
			continue
		}
		start := times[i-1] + intervalMS
		end := times[i] - intervalMS
		log.Warn("back-filling gap window",
			"start", start, "end", end,
			"missing", (end-start)/intervalMS+1)

		cursor := start
		for cursor <= end {
			limit := int((end-cursor)/intervalMS) + 1
			if limit > fetchLimit {
				limit = fetchLimit
			}
			bars, err := s.ex.FetchKlines(ctx, symbol, interval, cursor, limit)
			if err != nil {
				log.Error("gap-fill fetch failed", "cursor", cursor, "error", err)
				break
			}
			if len(bars) == 0 {
				// The venue has nothing for this window; stop probing it.
				break
			}
			inserted, err := s.store.InsertBars(ctx, interval, bars)
			if err != nil {
				log.Error("gap-fill insert failed", "error", err)
				break
			}
			if inserted > 0 {
				filledTotal += inserted
				openTimes := make([]int64, len(bars))
				for j, b := range bars {
					openTimes[j] = b.OpenTimeMS
				}
				if _, err := s.store.EnqueueTasks(ctx, symbol, interval, openTimes, traceID); err != nil {
					log.Error("gap-fill enqueue failed", "error", err)
				}
			}
			cursor += int64(limit) * intervalMS
		}
	}
	return filledTotal
}
