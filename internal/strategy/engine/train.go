package engine

import (
	"context"

	"github.com/tommyca/opensqt-trading-engine/internal/core"
	"github.com/tommyca/opensqt-trading-engine/internal/indicator"
)

// trainBatchLimit bounds how many closed trades one tick consumes.
const trainBatchLimit = 100

// train feeds newly closed, labeled trades into the online model and
// persists the model to system_config every modelSaveEvery updates.
func (e *Engine) train(ctx context.Context, log core.ILogger, traceID string) {
	if !e.cfg.AIEnabled {
		return
	}
	trades, err := e.store.ClosedTradesAfter(ctx, e.lastTrainedID, trainBatchLimit)
	if err != nil {
		log.Error("failed to load closed trades for training", "error", err)
		return
	}

	for _, t := range trades {
		x := t.FeaturesVector(indicator.ModelFeatureOrder)
		e.model.PartialFit(x, t.Label)
		e.lastTrainedID = t.ID
		e.updatesSinceSave++
		e.metrics.AIModelUpdates.Inc()

		if e.updatesSinceSave >= modelSaveEvery {
			e.persistModel(ctx, log, traceID)
		}
	}
}

func (e *Engine) persistModel(ctx context.Context, log core.ILogger, traceID string) {
	raw, err := e.model.Marshal()
	if err != nil {
		log.Error("failed to marshal model", "error", err)
		return
	}
	if err := e.store.SetConfigValue(ctx, Service, e.cfg.AIModelKey, raw,
		traceID, ReasonAITrain, "online model checkpoint"); err != nil {
		log.Error("failed to persist model", "error", err)
		return
	}
	e.updatesSinceSave = 0
	log.Info("model checkpoint persisted", "seen", e.model.Seen())
}
