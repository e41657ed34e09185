// Package engine runs the strategy tick: refresh control flags, enforce
// stop-losses and emergency exits, evaluate Setup B, rank candidates
// with the AI overlay, size and place orders idempotently, reconcile
// stuck orders, and train the online model on closed trades.
package engine

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tommyca/opensqt-trading-engine/internal/config"
	"github.com/tommyca/opensqt-trading-engine/internal/core"
	"github.com/tommyca/opensqt-trading-engine/internal/idgen"
	"github.com/tommyca/opensqt-trading-engine/internal/indicator"
	"github.com/tommyca/opensqt-trading-engine/internal/notify"
	"github.com/tommyca/opensqt-trading-engine/internal/store"
	"github.com/tommyca/opensqt-trading-engine/internal/strategy/model"
	"github.com/tommyca/opensqt-trading-engine/internal/strategy/signal"
	"github.com/tommyca/opensqt-trading-engine/pkg/decimalutil"
	"github.com/tommyca/opensqt-trading-engine/pkg/telemetry"
)

// Service is the name written to service_status and order_events.
const Service = "strategy-engine"

// Reason codes for order events and config audit rows.
const (
	ReasonStrategySignal = "STRATEGY_SIGNAL"
	ReasonStrategyExit   = "STRATEGY_EXIT"
	ReasonTakeProfit     = "TAKE_PROFIT"
	ReasonStopLoss       = "STOP_LOSS"
	ReasonEmergencyExit  = "EMERGENCY_EXIT"
	ReasonReconcile      = "RECONCILE"
	ReasonAITrain        = "AI_TRAIN"
)

const (
	// reconcileMinAge is how long a CREATED/SUBMITTED event must sit
	// before the reconciliation pass queries the venue.
	reconcileMinAge = 180 * time.Second
	// reconcileMaxPerTick caps reconciliation work per tick.
	reconcileMaxPerTick = 200
	// modelSaveEvery persists the online model every N updates.
	modelSaveEvery = 10
	// qtyStepExp is the quantity precision: ceil to 1e-6.
	qtyStepExp = -6
)

// priceUpdater is implemented by the paper exchange, which needs a mark
// price pinned before fills.
type priceUpdater interface {
	UpdateLastPrice(symbol string, price decimal.Decimal)
}

// Engine is the strategy engine for one exchange.
type Engine struct {
	cfg     *config.Config
	store   *store.Store
	ex      core.IExchange
	logger  core.ILogger
	alerts  *notify.AlertManager
	metrics *telemetry.MetricsHolder

	model            *model.OnlineLogisticRegression
	lastTrainedID    int64
	updatesSinceSave int

	strategyTag string
	now         func() time.Time
}

// New wires an engine and loads the persisted model (zero-initialized
// when missing or corrupt).
func New(cfg *config.Config, st *store.Store, ex core.IExchange, logger core.ILogger, alerts *notify.AlertManager) *Engine {
	raw, _, err := st.GetConfigValue(context.Background(), cfg.AIModelKey)
	if err != nil {
		raw = ""
	}
	return &Engine{
		cfg:         cfg,
		store:       st,
		ex:          ex,
		logger:      logger.WithField("service", Service),
		alerts:      alerts,
		metrics:     telemetry.GetGlobalMetrics(),
		model:       model.Load(raw, model.Dim, cfg.AILR, cfg.AIL2),
		strategyTag: idgen.DefaultStrategyTag,
		now:         time.Now,
	}
}

// Run aligns ticks to multiples of STRATEGY_TICK_SECONDS and runs them
// until the context is canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("strategy engine started",
		"exchange", e.cfg.Exchange, "symbols", e.cfg.Symbols,
		"tick_seconds", e.cfg.StrategyTickSeconds)
	for {
		sleep := nextTickSleep(e.now(), e.cfg.StrategyTickSeconds)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		e.RunTick(ctx)
	}
}

// nextTickSleep returns the wait until the next wall-clock multiple of
// tickSeconds.
func nextTickSleep(now time.Time, tickSeconds int) time.Duration {
	period := int64(tickSeconds)
	epoch := now.Unix()
	next := (epoch/period + 1) * period
	return time.Duration(next-epoch)*time.Second - time.Duration(now.Nanosecond())
}

// candidate is one symbol eligible for entry this tick.
type candidate struct {
	symbol     string
	openTimeMS int64
	lastClose  decimal.Decimal
	emaFast    float64
	emaSlow    float64
	rsi        *float64
	features   string
	robotScore float64
	aiProb     float64
	combined   float64
}

// RunTick executes one full strategy tick. Any per-symbol failure is
// logged and never aborts the rest of the tick; the heartbeat is always
// written.
func (e *Engine) RunTick(ctx context.Context) {
	start := e.now()
	traceID := idgen.NewTraceID("tick")
	log := e.logger.WithField("trace_id", traceID)
	tickEpoch := start.Unix() / int64(e.cfg.StrategyTickSeconds)

	status := map[string]interface{}{"trace_id": traceID, "status": "OK"}
	defer func() {
		if err := e.store.UpsertHeartbeat(ctx, Service, e.cfg.InstanceID, status); err != nil {
			log.Error("failed to write heartbeat", "error", err)
		}
	}()

	halted, err := e.store.GetFlag(ctx, store.KeyHaltTrading, false)
	if err != nil {
		log.Error("failed to read HALT_TRADING", "error", err)
		status["status"] = "ERROR"
		return
	}
	emergency, err := e.store.GetFlag(ctx, store.KeyEmergencyExit, false)
	if err != nil {
		log.Error("failed to read EMERGENCY_EXIT", "error", err)
		status["status"] = "ERROR"
		return
	}
	if emergency {
		e.metrics.EmergencyExitState.Set(1)
	} else {
		e.metrics.EmergencyExitState.Set(0)
	}

	// Best-effort reconciliation runs even on halted ticks.
	e.reconcile(ctx, log, traceID)

	if emergency {
		e.runEmergencyExit(ctx, log, traceID, tickEpoch)
	}

	if halted {
		log.Warn("HALT_TRADING is set, skipping tick")
		status["status"] = "HALTED"
		return
	}

	openCnt, err := e.store.OpenPositionCount(ctx)
	if err != nil {
		log.Error("failed to count open positions", "error", err)
		status["status"] = "ERROR"
		return
	}

	var candidates []candidate
	for _, symbol := range e.cfg.Symbols {
		symStart := e.now()
		c := e.withSymbolLock(ctx, log, symbol, tickEpoch, func() *candidate {
			return e.processSymbol(ctx, log, traceID, symbol)
		})
		e.metrics.TickDuration.WithLabelValues(e.cfg.Exchange, symbol).
			Observe(e.now().Sub(symStart).Seconds())
		if c != nil {
			candidates = append(candidates, *c)
		}
	}

	slots := e.cfg.MaxConcurrentPos - openCnt
	if slots < 0 {
		slots = 0
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].combined > candidates[j].combined
	})
	opened := 0
	for _, c := range candidates {
		if opened >= slots {
			break
		}
		c := c
		ok := e.withSymbolLock(ctx, log, c.symbol+":open", tickEpoch, func() *candidate {
			if e.openCandidate(ctx, log, traceID, c) {
				return &c
			}
			return nil
		})
		if ok != nil {
			opened++
		}
	}

	e.train(ctx, log, traceID)

	status["open_positions"] = openCnt + opened
	status["candidates"] = len(candidates)
	log.Info("tick complete",
		"candidates", len(candidates), "opened", opened,
		"duration", e.now().Sub(start).String())
}

// withSymbolLock serializes the per-(exchange, symbol, tick) critical
// section via the shared lock table. Losing the lock silently skips the
// symbol for this tick.
func (e *Engine) withSymbolLock(ctx context.Context, log core.ILogger, symbol string, tickEpoch int64, fn func() *candidate) *candidate {
	key := store.TickLockKey(e.cfg.Exchange, symbol, tickEpoch)
	ttl := time.Duration(float64(e.cfg.TickPeriod()) * 0.9)
	ok, err := e.store.AcquireTickLock(ctx, key, e.cfg.InstanceID, ttl)
	if err != nil {
		log.Error("failed to acquire tick lock", "symbol", symbol, "error", err)
		return nil
	}
	if !ok {
		log.Debug("tick lock held elsewhere, skipping symbol", "symbol", symbol)
		return nil
	}
	// The lock is deliberately not released: it guards the whole tick
	// window and lapses with its TTL.
	return fn()
}

// processSymbol handles exits for one symbol and returns an entry
// candidate when Setup B fires on a flat symbol.
func (e *Engine) processSymbol(ctx context.Context, log core.ILogger, traceID, symbol string) *candidate {
	jb, err := e.store.LatestJoinedBar(ctx, symbol, e.cfg.IntervalMinutes)
	if err != nil {
		log.Error("failed to load latest bar", "symbol", symbol, "error", err)
		return nil
	}
	if jb == nil {
		log.Warn("no market data yet", "symbol", symbol)
		return nil
	}
	if pu, ok := e.ex.(priceUpdater); ok {
		pu.UpdateLastPrice(symbol, jb.Close)
	}

	pos, err := e.store.LatestPosition(ctx, symbol)
	if err != nil {
		log.Error("failed to load position", "symbol", symbol, "error", err)
		return nil
	}

	long := pos != nil && pos.BaseQty.IsPositive()

	// Stop-loss takes precedence over signal evaluation.
	if long {
		if stopPrice, ok := e.stopPriceFor(pos); ok && jb.Close.LessThanOrEqual(stopPrice) {
			if err := e.closePosition(ctx, log, traceID, symbol, pos, jb, "sl",
				ReasonStopLoss, "hard stop loss: last="+jb.Close.String()+" <= stop="+stopPrice.String()); err != nil {
				log.Error("stop loss close failed", "symbol", symbol, "error", err)
			}
			return nil
		}
	}

	sig := signal.Evaluate(jb.EmaFast, jb.EmaSlow, jb.RSI)
	switch {
	case sig == signal.Sell && long:
		if err := e.closePosition(ctx, log, traceID, symbol, pos, jb, "sell",
			ReasonStrategyExit, "Setup B SELL"); err != nil {
			log.Error("strategy exit failed", "symbol", symbol, "error", err)
		}
		return nil
	case sig == signal.Buy && !long:
		return e.buildCandidate(jb, symbol)
	}
	return nil
}

// stopPriceFor reads the stored stop price, recomputing from the entry
// when the snapshot predates the stop fields.
func (e *Engine) stopPriceFor(pos *store.Position) (decimal.Decimal, bool) {
	if sp, ok := pos.StopPrice(); ok {
		return sp, true
	}
	if pos.AvgEntryPrice != nil {
		pct := decimal.NewFromFloat(e.cfg.HardStopLossPct)
		return pos.AvgEntryPrice.Mul(decimal.NewFromInt(1).Sub(pct)), true
	}
	return decimal.Zero, false
}

func (e *Engine) buildCandidate(jb *store.JoinedBar, symbol string) *candidate {
	price, _ := jb.Close.Float64()
	robot := signal.RobotScore(signal.Buy, *jb.EmaFast, *jb.EmaSlow, price, jb.RSI)

	aiProb := 0.5
	if e.cfg.AIEnabled {
		aiProb = e.model.PredictProba(vectorFromJoined(jb))
	}
	combined := robot
	if e.cfg.AIEnabled {
		combined = signal.Combined(robot, aiProb, e.cfg.AIWeight)
	}

	return &candidate{
		symbol:     symbol,
		openTimeMS: jb.OpenTimeMS,
		lastClose:  jb.Close,
		emaFast:    *jb.EmaFast,
		emaSlow:    *jb.EmaSlow,
		rsi:        jb.RSI,
		features:   jb.FeaturesJSON,
		robotScore: robot,
		aiProb:     aiProb,
		combined:   combined,
	}
}

// vectorFromJoined flattens a joined bar into the model's input order.
func vectorFromJoined(jb *store.JoinedBar) []float64 {
	var m map[string]interface{}
	if jb.FeaturesJSON != "" {
		_ = json.Unmarshal([]byte(jb.FeaturesJSON), &m)
	}
	out := make([]float64, len(indicator.ModelFeatureOrder))
	for i, key := range indicator.ModelFeatureOrder {
		switch key {
		case "ema_fast":
			if jb.EmaFast != nil {
				out[i] = *jb.EmaFast
			}
		case "ema_slow":
			if jb.EmaSlow != nil {
				out[i] = *jb.EmaSlow
			}
		case "rsi":
			out[i] = 50
			if jb.RSI != nil {
				out[i] = *jb.RSI
			}
		default:
			if m != nil {
				if raw, ok := m[key]; ok && raw != nil {
					if f, ok := raw.(float64); ok {
						out[i] = f
					}
				}
			}
		}
	}
	return out
}

// sizeOrder maps the robot score to leverage and derives the minimum
// quantity whose notional covers MIN_ORDER_USDT at that leverage.
// Rounding is upward so the notional never undershoots the floor.
func (e *Engine) sizeOrder(robotScore float64, price decimal.Decimal) (decimal.Decimal, int) {
	leverage := decimalutil.LeverageForScore(
		decimal.NewFromFloat(robotScore),
		decimal.NewFromInt(int64(e.cfg.AutoLeverageMin)),
		decimal.NewFromInt(int64(e.cfg.AutoLeverageMax)))
	if leverage < e.cfg.AutoLeverageMin {
		leverage = e.cfg.AutoLeverageMin
	}
	if leverage > e.cfg.AutoLeverageMax {
		leverage = e.cfg.AutoLeverageMax
	}

	if price.IsZero() {
		return decimal.Zero, leverage
	}
	notional := decimal.NewFromFloat(e.cfg.MinOrderUSDT).Mul(decimal.NewFromInt(int64(leverage)))
	qty := decimalutil.CeilToStep(notional.Div(price), decimal.New(1, qtyStepExp))
	return qty, leverage
}
