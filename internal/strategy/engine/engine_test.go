package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tommyca/opensqt-trading-engine/internal/config"
	"github.com/tommyca/opensqt-trading-engine/internal/core"
	"github.com/tommyca/opensqt-trading-engine/internal/indicator"
	"github.com/tommyca/opensqt-trading-engine/internal/exchange/paper"
	"github.com/tommyca/opensqt-trading-engine/internal/store"
	"github.com/tommyca/opensqt-trading-engine/pkg/decimalutil"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (l nopLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l nopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

const baseOT = int64(1_700_000_100_000) / 900_000 * 900_000

func testConfig() *config.Config {
	return &config.Config{
		Exchange:            "paper",
		Symbols:             []string{"BTCUSDT"},
		IntervalMinutes:     15,
		StrategyTickSeconds: 900,
		HardStopLossPct:     0.03,
		MaxConcurrentPos:    1,
		MinOrderUSDT:        50,
		AutoLeverageMin:     10,
		AutoLeverageMax:     20,
		AIEnabled:           false,
		AIWeight:            0.35,
		AILR:                0.05,
		AIL2:                1e-6,
		AIModelKey:          "AI_MODEL_V1",
		InstanceID:          "test-instance",

		TakeProfitReasonOnPositivePnl: true,
	}
}

func newTestEngine(t *testing.T, cfg *config.Config) (*Engine, *store.Store, *paper.Exchange) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ex := paper.New(nopLogger{})
	eng := New(cfg, st, ex, nopLogger{}, nil)
	return eng, st, ex
}

// seedBars inserts bars for the given closes and computes real cache
// rows through the indicator pipeline.
func seedBars(t *testing.T, st *store.Store, symbol string, closes []float64) []core.Bar {
	t.Helper()
	bars := make([]core.Bar, len(closes))
	for i, c := range closes {
		d := decimal.NewFromFloat(c)
		ot := baseOT + int64(i)*900_000
		bars[i] = core.Bar{
			Symbol: symbol, OpenTimeMS: ot, CloseTimeMS: ot + 899_999,
			Open: d, High: d, Low: d, Close: d, Volume: decimal.NewFromInt(100),
		}
	}
	_, err := st.InsertBars(context.Background(), 15, bars)
	require.NoError(t, err)

	rows := indicator.ComputeFeatures(bars, 0)
	cache := make([]store.CacheRow, len(rows))
	for i, r := range rows {
		raw, err := json.Marshal(r.Features)
		require.NoError(t, err)
		cache[i] = store.CacheRow{
			Symbol: symbol, IntervalMinutes: 15, OpenTimeMS: r.OpenTimeMS,
			EmaFast: r.EmaFast, EmaSlow: r.EmaSlow, RSI: r.RSI, FeaturesJSON: string(raw),
		}
	}
	require.NoError(t, st.UpsertCacheRows(context.Background(), cache))
	return bars
}

// trendCloses builds the uptrend phase from the spec's entry scenario:
// +0.15% per bar.
func trendCloses(n int) []float64 {
	out := make([]float64, n)
	p := 100.0
	for i := range out {
		out[i] = p
		p *= 1.0015
	}
	return out
}

// openSeedPosition opens a long both in the store and on the paper venue
// so close-path pnl is computed against a real fill.
func openSeedPosition(t *testing.T, st *store.Store, ex *paper.Exchange, symbol string, qty, entry decimal.Decimal) {
	t.Helper()
	ctx := context.Background()
	ex.UpdateLastPrice(symbol, entry)
	_, err := ex.PlaceMarketOrder(ctx, core.PlaceOrderRequest{
		Symbol: symbol, Side: core.SideBuy, Quantity: qty, ClientOrderID: "seed-" + symbol,
	})
	require.NoError(t, err)

	stop := entry.Mul(decimal.RequireFromString("0.97"))
	_, err = st.InsertTradeLog(ctx, store.TradeLog{
		TraceID: "seed", Symbol: symbol, Side: core.SideBuy, Qty: qty,
		Leverage: 10, StopDistPct: 0.03, StopPrice: &stop,
		ClientOrderID: "seed-" + symbol, EntryTimeMS: baseOT, EntryPrice: &entry,
	})
	require.NoError(t, err)
	require.NoError(t, st.SavePositionSnapshot(ctx, symbol, qty, &entry, map[string]interface{}{
		"stop_price":    stop.String(),
		"stop_dist_pct": "0.03",
		"leverage":      10,
	}))
}

func advanceTick(eng *Engine, cur *time.Time) {
	*cur = cur.Add(eng.cfg.TickPeriod())
	now := *cur
	eng.now = func() time.Time { return now }
}

func TestNextTickSleep(t *testing.T) {
	now := time.Unix(1000, 0)
	assert.Equal(t, 800*time.Second, nextTickSleep(now, 900))
	now = time.Unix(1799, 500_000_000)
	assert.InDelta(t, float64(500*time.Millisecond), float64(nextTickSleep(now, 900)), float64(time.Millisecond))
}

// Spec entry scenario: after a long uptrend, the first tick where RSI
// has cooled below 70 while the EMAs are still crossed up places exactly
// one BUY sized from the minimum margin.
func TestSetupBEntry(t *testing.T) {
	cfg := testConfig()
	eng, st, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	closes := trendCloses(182)
	cur := time.Unix(1_700_000_000, 0)

	// Drift phase: -0.05% per bar until the entry fires (bounded by the
	// scenario's 78 drift bars).
	var pos *store.Position
	for i := 0; i < 78; i++ {
		closes = append(closes, closes[len(closes)-1]*0.9995)
		seedBars(t, st, "BTCUSDT", closes)

		advanceTick(eng, &cur)
		eng.RunTick(ctx)

		var err error
		pos, err = st.LatestPosition(ctx, "BTCUSDT")
		require.NoError(t, err)
		if pos != nil && pos.BaseQty.IsPositive() {
			break
		}
	}
	require.NotNil(t, pos, "no entry during the drift phase")
	require.True(t, pos.BaseQty.IsPositive(), "no entry during the drift phase")

	// Leverage within the configured band.
	lev, ok := pos.Meta["leverage"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, lev, 10.0)
	assert.LessOrEqual(t, lev, 20.0)

	// qty = ceil6(50 * leverage / price).
	require.NotNil(t, pos.AvgEntryPrice)
	wantQty := decimalutil.CeilToStep(
		decimal.NewFromFloat(50).Mul(decimal.NewFromFloat(lev)).Div(*pos.AvgEntryPrice),
		decimal.New(1, -6))
	assert.True(t, pos.BaseQty.Equal(wantQty), "qty %s != %s", pos.BaseQty, wantQty)

	// Notional covers the margin floor at that leverage.
	notional := pos.BaseQty.Mul(*pos.AvgEntryPrice)
	assert.True(t, notional.GreaterThanOrEqual(decimal.NewFromFloat(50*lev).Sub(decimal.NewFromFloat(0.01))))

	// meta.stop_price = entry * 0.97.
	sp, ok := pos.StopPrice()
	require.True(t, ok)
	assert.True(t, sp.Equal(pos.AvgEntryPrice.Mul(decimal.RequireFromString("0.97"))))

	// Exactly one trade log, status OPEN.
	trade, err := st.OpenTrade(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, core.SideBuy, trade.Side)
}

// Spec stop-loss scenario: an open long at 100 with a 3% stop sees a 96
// close; the SELL fires with STOP_LOSS before any signal evaluation and
// the trade closes with label 0.
func TestStopLossFiresBeforeSignal(t *testing.T) {
	cfg := testConfig()
	eng, st, ex := newTestEngine(t, cfg)
	ctx := context.Background()

	entry := decimal.NewFromInt(100)
	qty := decimal.RequireFromString("5")
	openSeedPosition(t, st, ex, "BTCUSDT", qty, entry)

	// An uptrend-shaped cache (BUY signal) whose latest close breaches
	// the stop: the stop must win.
	closes := trendCloses(40)
	scale := 96.0 / closes[len(closes)-1]
	for i := range closes {
		closes[i] *= scale
	}
	seedBars(t, st, "BTCUSDT", closes)

	cur := time.Unix(1_700_100_000, 0)
	advanceTick(eng, &cur)
	eng.RunTick(ctx)

	pos, err := st.LatestPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.BaseQty.IsZero(), "position must be flat after stop loss")

	// The SELL's events carry the STOP_LOSS reason.
	cid := "sl_sb_BTCUSDT_" + strconv.FormatInt(baseOT+39*900_000, 10)
	n, err := st.CountEvents(ctx, "paper", "BTCUSDT", cid, core.OrderStatusCreated)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = st.CountEvents(ctx, "paper", "BTCUSDT", cid, core.OrderStatusFilled)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var reason string
	require.NoError(t, st.DB().QueryRow(
		`SELECT reason_code FROM order_events WHERE client_order_id = ? AND event_type = 'CREATED'`, cid).Scan(&reason))
	assert.Equal(t, ReasonStopLoss, reason)

	// Trade closed with a loss: label 0.
	closed, err := st.ClosedTradesAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, 0, closed[0].Label)
}

// Spec emergency scenario: two open positions, EMERGENCY_EXIT=true.
// Next tick flattens both with EMERGENCY_EXIT reasons and clears the
// flag with an audit row.
func TestEmergencyExitFlattensAllAndClearsFlag(t *testing.T) {
	cfg := testConfig()
	cfg.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	cfg.MaxConcurrentPos = 2
	eng, st, ex := newTestEngine(t, cfg)
	ctx := context.Background()

	openSeedPosition(t, st, ex, "BTCUSDT", decimal.RequireFromString("0.01"), decimal.NewFromInt(50000))
	openSeedPosition(t, st, ex, "ETHUSDT", decimal.RequireFromString("0.5"), decimal.NewFromInt(3000))
	seedBars(t, st, "BTCUSDT", trendCloses(30))
	seedBars(t, st, "ETHUSDT", trendCloses(30))

	require.NoError(t, st.SetConfigValue(ctx, "admin", store.KeyEmergencyExit, "true", "t-admin", "EMERGENCY_EXIT", "drill"))

	cur := time.Unix(1_700_200_000, 0)
	advanceTick(eng, &cur)
	eng.RunTick(ctx)

	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		pos, err := st.LatestPosition(ctx, sym)
		require.NoError(t, err)
		require.NotNil(t, pos, sym)
		assert.True(t, pos.BaseQty.IsZero(), "%s must be flat", sym)
	}

	var sells int
	require.NoError(t, st.DB().QueryRow(
		`SELECT COUNT(*) FROM order_events WHERE event_type = 'FILLED' AND reason_code = 'EMERGENCY_EXIT'`).Scan(&sells))
	assert.Equal(t, 2, sells)

	// Flag cleared with audit.
	flag, err := st.GetFlag(ctx, store.KeyEmergencyExit, true)
	require.NoError(t, err)
	assert.False(t, flag)

	audits, err := st.ConfigAuditForKey(ctx, store.KeyEmergencyExit, 10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(audits), 2)
	assert.Equal(t, Service, audits[0].Actor)
	assert.Equal(t, "false", audits[0].NewValue)
}

// Spec idempotency scenario: the same candidate submitted twice within
// one bar yields one venue order, one CREATED and one FILLED event.
func TestIdempotentEntryRetry(t *testing.T) {
	cfg := testConfig()
	eng, st, ex := newTestEngine(t, cfg)
	ctx := context.Background()

	ex.UpdateLastPrice("BTCUSDT", decimal.NewFromInt(50000))
	c := candidate{
		symbol:     "BTCUSDT",
		openTimeMS: baseOT,
		lastClose:  decimal.NewFromInt(50000),
		emaFast:    50100, emaSlow: 50000,
		robotScore: 60, aiProb: 0.5, combined: 60,
	}

	require.True(t, eng.openCandidate(ctx, nopLogger{}, "t1", c))
	// Retry within the same bar: same client order id, no second order.
	require.False(t, eng.openCandidate(ctx, nopLogger{}, "t2", c))

	cid := "buy_sb_BTCUSDT_" + strconv.FormatInt(baseOT, 10)
	n, err := st.CountEvents(ctx, "paper", "BTCUSDT", cid, core.OrderStatusCreated)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = st.CountEvents(ctx, "paper", "BTCUSDT", cid, core.OrderStatusFilled)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Only the original paper order exists.
	res, err := ex.GetOrderStatus(ctx, "BTCUSDT", cid, "")
	require.NoError(t, err)
	assert.Equal(t, "paper-1", res.ExchangeOrderID)

	// One snapshot with qty > 0, one open trade.
	var snapshots int
	require.NoError(t, st.DB().QueryRow(`SELECT COUNT(*) FROM position_snapshots WHERE symbol = 'BTCUSDT'`).Scan(&snapshots))
	assert.Equal(t, 1, snapshots)
}

// Spec reconciliation scenario: a CREATED event aged past 180s whose
// order the venue knows as FILLED gains a FILLED event with
// reason_code=RECONCILE plus a RECONCILED observation.
func TestReconcileStuckOrder(t *testing.T) {
	cfg := testConfig()
	eng, st, ex := newTestEngine(t, cfg)
	ctx := context.Background()

	// The venue knows the order as filled.
	ex.UpdateLastPrice("BTCUSDT", decimal.NewFromInt(50000))
	cid := "buy_sb_BTCUSDT_1699990000000"
	_, err := ex.PlaceMarketOrder(ctx, core.PlaceOrderRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy,
		Quantity: decimal.RequireFromString("0.01"), ClientOrderID: cid,
	})
	require.NoError(t, err)

	// Locally the order is stuck at CREATED, 5 minutes old.
	require.NoError(t, st.AppendOrderEvent(ctx, store.OrderEvent{
		TraceID: "t-old", Service: Service, Exchange: "paper", Symbol: "BTCUSDT",
		ClientOrderID: cid, EventType: core.OrderStatusCreated, Side: core.SideBuy,
		Qty: decimal.RequireFromString("0.01"), Status: "CREATED", ReasonCode: ReasonStrategySignal,
	}))
	_, err = st.DB().Exec(`UPDATE order_events SET created_at = datetime('now', '-5 minutes')`)
	require.NoError(t, err)

	eng.reconcile(ctx, nopLogger{}, "t-reconcile")

	n, err := st.CountEvents(ctx, "paper", "BTCUSDT", cid, core.OrderStatusFilled)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = st.CountEvents(ctx, "paper", "BTCUSDT", cid, core.OrderStatusReconciled)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var reason string
	require.NoError(t, st.DB().QueryRow(
		`SELECT reason_code FROM order_events WHERE client_order_id = ? AND event_type = 'FILLED'`, cid).Scan(&reason))
	assert.Equal(t, ReasonReconcile, reason)
}

// MAX_CONCURRENT_POSITIONS=0 blocks entries while stop-losses keep firing.
func TestZeroSlotsStillCloses(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPos = 0
	eng, st, ex := newTestEngine(t, cfg)
	ctx := context.Background()

	entry := decimal.NewFromInt(100)
	openSeedPosition(t, st, ex, "BTCUSDT", decimal.RequireFromString("5"), entry)

	closes := trendCloses(40)
	scale := 96.0 / closes[len(closes)-1]
	for i := range closes {
		closes[i] *= scale
	}
	seedBars(t, st, "BTCUSDT", closes)

	cur := time.Unix(1_700_300_000, 0)
	advanceTick(eng, &cur)
	eng.RunTick(ctx)

	pos, err := st.LatestPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.BaseQty.IsZero(), "stop loss must fire even with zero slots")

	// And with a fresh flat symbol plus a BUY-shaped cache, no entry.
	seedBars(t, st, "BTCUSDT", append(trendCloses(182), 130.0))
	advanceTick(eng, &cur)
	eng.RunTick(ctx)
	var buys int
	require.NoError(t, st.DB().QueryRow(
		`SELECT COUNT(*) FROM order_events WHERE side = 'BUY'`).Scan(&buys))
	assert.Equal(t, 0, buys)
}

func TestHaltTradingSkipsTick(t *testing.T) {
	cfg := testConfig()
	eng, st, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	seedBars(t, st, "BTCUSDT", trendCloses(200))
	require.NoError(t, st.SetConfigValue(ctx, "admin", store.KeyHaltTrading, "true", "t-admin", "ADMIN_HALT", "maintenance"))

	cur := time.Unix(1_700_400_000, 0)
	advanceTick(eng, &cur)
	eng.RunTick(ctx)

	var events int
	require.NoError(t, st.DB().QueryRow(`SELECT COUNT(*) FROM order_events`).Scan(&events))
	assert.Equal(t, 0, events)

	// The heartbeat still lands.
	age, ok, err := st.HeartbeatAge(ctx, Service)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Less(t, age, 30*time.Second)
}

// Training consumes closed trades and checkpoints the model with an
// AI_TRAIN audit row after every 10 updates.
func TestTrainPersistsModel(t *testing.T) {
	cfg := testConfig()
	cfg.AIEnabled = true
	eng, st, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	entry := decimal.NewFromInt(100)
	for i := 0; i < 10; i++ {
		exit := decimal.NewFromInt(int64(100 + i - 5))
		pnl := exit.Sub(entry)
		stop := decimal.NewFromInt(97)
		id, err := st.InsertTradeLog(ctx, store.TradeLog{
			TraceID: "t", Symbol: "BTCUSDT", Side: core.SideBuy,
			Qty: decimal.RequireFromString("1"), Leverage: 10, StopDistPct: 0.03,
			StopPrice: &stop, ClientOrderID: strconv.Itoa(i),
			EntryTimeMS: baseOT, EntryPrice: &entry,
			FeaturesJSON: `{"mom10": 1.0, "ret1": 0.001}`,
		})
		require.NoError(t, err)
		require.NoError(t, st.CloseTradeLog(ctx, id, store.TradeClose{
			CloseReasonCode: ReasonStrategyExit, ExitTimeMS: baseOT + 900_000,
			ExitPrice: &exit, Pnl: &pnl,
		}))
	}

	eng.train(ctx, nopLogger{}, "t-train")
	assert.Equal(t, 10, eng.model.Seen())

	raw, ok, err := st.GetConfigValue(ctx, cfg.AIModelKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, raw, `"seen":10`)

	audits, err := st.ConfigAuditForKey(ctx, cfg.AIModelKey, 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, ReasonAITrain, audits[0].ReasonCode)

	// Re-running trains nothing new.
	eng.train(ctx, nopLogger{}, "t-train-2")
	assert.Equal(t, 10, eng.model.Seen())
}

func TestVectorFromJoined(t *testing.T) {
	ef, es, rsi := 1.5, 1.2, 60.0
	jb := &store.JoinedBar{
		EmaFast: &ef, EmaSlow: &es, RSI: &rsi,
		FeaturesJSON: `{"atr14": 2.0, "mom10": -1.0}`,
	}
	v := vectorFromJoined(jb)
	require.Len(t, v, len(indicator.ModelFeatureOrder))
	assert.Equal(t, 1.5, v[0])
	assert.Equal(t, 1.2, v[1])
	assert.Equal(t, 60.0, v[2])
	assert.Equal(t, 2.0, v[3])  // atr14
	assert.Equal(t, -1.0, v[9]) // mom10

	// Missing everything: rsi defaults to 50.
	v = vectorFromJoined(&store.JoinedBar{EmaFast: &ef, EmaSlow: &es})
	assert.Equal(t, 50.0, v[2])
}
