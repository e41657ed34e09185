package datasyncer

import (
	"context"
	"time"

	"github.com/tommyca/opensqt-trading-engine/internal/idgen"
	"github.com/tommyca/opensqt-trading-engine/internal/store"
)

// archiveCutoffDays is how old a hot row must be before it moves to its
// history table.
const archiveCutoffDays = 90

// hkZone is the only zone-aware computation in the system: the archival
// daily window guard.
var hkZone = mustLoadHK()

func mustLoadHK() *time.Location {
	loc, err := time.LoadLocation("Asia/Hong_Kong")
	if err != nil {
		// Fixed offset fallback; HK has no DST.
		return time.FixedZone("HKT", 8*60*60)
	}
	return loc
}

// runDailyArchive moves rows older than 90 days into history tables once
// per HK calendar day, inside the 00:00-00:05 HK window. The
// system_config guard key makes reruns within the same day no-ops.
func (s *Syncer) runDailyArchive(ctx context.Context) {
	hk := s.now().In(hkZone)
	if hk.Hour() != 0 || hk.Minute() > 5 {
		return
	}

	hkDate := hk.Format("2006-01-02")
	last, _, err := s.store.GetConfigValue(ctx, store.KeyArchiveLastHKDate)
	if err != nil {
		s.logger.Error("archive guard read failed", "error", err)
		return
	}
	if last == hkDate {
		return
	}

	traceID := idgen.NewTraceID("archive")
	log := s.logger.WithField("trace_id", traceID)

	moved, err := s.store.ArchiveOldRows(ctx, archiveCutoffDays, traceID, "archive done hk_date="+hkDate)
	if err != nil {
		log.Error("archive run failed", "error", err)
		return
	}

	if err := s.store.SetConfigValue(ctx, Service, store.KeyArchiveLastHKDate, hkDate,
		traceID, "DATA_SYNC", "daily archive completed"); err != nil {
		log.Error("failed to set archive guard", "error", err)
		return
	}
	log.Info("daily archive complete", "hk_date", hkDate, "moved_rows", moved)
}
