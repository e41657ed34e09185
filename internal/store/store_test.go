package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tommyca/opensqt-trading-engine/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func testBar(symbol string, openTimeMS int64, close string) core.Bar {
	return core.Bar{
		Symbol:      symbol,
		OpenTimeMS:  openTimeMS,
		CloseTimeMS: openTimeMS + 15*60_000 - 1,
		Open:        dec(close),
		High:        dec(close),
		Low:         dec(close),
		Close:       dec(close),
		Volume:      dec("100"),
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	// Reopening must not reapply migrations.
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	var n int
	require.NoError(t, s2.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestInsertBars_IgnoresDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bars := []core.Bar{testBar("BTCUSDT", 1_700_000_000_000, "50000"), testBar("BTCUSDT", 1_700_000_900_000, "50100")}
	n, err := s.InsertBars(ctx, 15, bars)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.InsertBars(ctx, 15, bars)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	ot, ok, err := s.LatestOpenTime(ctx, "BTCUSDT", 15)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1_700_000_900_000), ot)
}

func TestBarsRange_Ascending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var bars []core.Bar
	for i := int64(0); i < 5; i++ {
		bars = append(bars, testBar("BTCUSDT", 1_700_000_000_000+i*900_000, "50000"))
	}
	_, err := s.InsertBars(ctx, 15, bars)
	require.NoError(t, err)

	got, err := s.BarsRange(ctx, "BTCUSDT", 15, 1_700_000_900_000, 1_700_002_700_000)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(1_700_000_900_000), got[0].OpenTimeMS)
	assert.Equal(t, int64(1_700_002_700_000), got[2].OpenTimeMS)
	assert.True(t, got[0].Close.Equal(dec("50000")))
}

func TestTasks_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ots := []int64{3000, 1000, 2000}
	n, err := s.EnqueueTasks(ctx, "BTCUSDT", 15, ots, "trace-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Re-enqueue is a no-op.
	n, err = s.EnqueueTasks(ctx, "BTCUSDT", 15, ots, "trace-2")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	pending, err := s.PendingTasks(ctx, "BTCUSDT", 15, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1000, 2000, 3000}, pending)

	require.NoError(t, s.MarkTasksDoneUpTo(ctx, "BTCUSDT", 15, 2000))
	pending, err = s.PendingTasks(ctx, "BTCUSDT", 15, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{3000}, pending)

	require.NoError(t, s.MarkTasksError(ctx, "BTCUSDT", 15, []int64{3000}, "trace-3", "boom"))
	pending, err = s.PendingTasks(ctx, "BTCUSDT", 15, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	var tryCount int
	var lastErr string
	require.NoError(t, s.DB().QueryRow(
		`SELECT try_count, last_error FROM precompute_tasks WHERE open_time_ms = 3000`).Scan(&tryCount, &lastErr))
	assert.Equal(t, 1, tryCount)
	assert.Equal(t, "boom", lastErr)
}

func TestAppendOrderEvent_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := OrderEvent{
		TraceID:       "trace-1",
		Service:       "strategy-engine",
		Exchange:      "paper",
		Symbol:        "BTCUSDT",
		ClientOrderID: "buy_sb_BTCUSDT_1700000000000",
		EventType:     core.OrderStatusCreated,
		Side:          core.SideBuy,
		Qty:           dec("0.01"),
		Status:        "CREATED",
		ReasonCode:    "STRATEGY_SIGNAL",
		Reason:        "Setup B BUY",
		Payload:       map[string]interface{}{"score": 42.5},
	}
	require.NoError(t, s.AppendOrderEvent(ctx, ev))
	// Duplicate write of the same transition is swallowed.
	require.NoError(t, s.AppendOrderEvent(ctx, ev))

	n, err := s.CountEvents(ctx, "paper", "BTCUSDT", ev.ClientOrderID, core.OrderStatusCreated)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A different event type for the same key is a new row.
	ev.EventType = core.OrderStatusFilled
	ev.Status = "FILLED"
	require.NoError(t, s.AppendOrderEvent(ctx, ev))
	n, err = s.CountEvents(ctx, "paper", "BTCUSDT", ev.ClientOrderID, core.OrderStatusFilled)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStuckOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := OrderEvent{
		TraceID: "t1", Service: "strategy-engine", Exchange: "paper", Symbol: "BTCUSDT",
		ClientOrderID: "cid-stale", EventType: core.OrderStatusCreated, Side: core.SideBuy,
		Qty: dec("0.01"), Status: "CREATED", ReasonCode: "STRATEGY_SIGNAL",
	}
	require.NoError(t, s.AppendOrderEvent(ctx, stale))
	// Backdate it past the reconciliation age.
	_, err := s.DB().Exec(
		`UPDATE order_events SET created_at = datetime('now', '-10 minutes') WHERE client_order_id = 'cid-stale'`)
	require.NoError(t, err)

	fresh := stale
	fresh.ClientOrderID = "cid-fresh"
	require.NoError(t, s.AppendOrderEvent(ctx, fresh))

	terminal := stale
	terminal.ClientOrderID = "cid-done"
	require.NoError(t, s.AppendOrderEvent(ctx, terminal))
	terminal.EventType = core.OrderStatusFilled
	terminal.Status = "FILLED"
	require.NoError(t, s.AppendOrderEvent(ctx, terminal))

	stuck, err := s.StuckOrders(ctx, 180*time.Second, 200)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "cid-stale", stuck[0].ClientOrderID)
	assert.Equal(t, core.OrderStatusCreated, stuck[0].EventType)
}

func TestPositions_LatestAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := dec("50000")
	require.NoError(t, s.SavePositionSnapshot(ctx, "BTCUSDT", dec("0.01"), &entry,
		map[string]interface{}{"stop_price": "48500", "stop_dist_pct": "0.03"}))
	require.NoError(t, s.SavePositionSnapshot(ctx, "ETHUSDT", dec("0.5"), &entry, nil))

	n, err := s.OpenPositionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Close BTC; count drops, latest snapshot wins.
	require.NoError(t, s.SavePositionSnapshot(ctx, "BTCUSDT", decimal.Zero, nil, nil))
	n, err = s.OpenPositionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := s.LatestPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.BaseQty.IsZero())

	syms, err := s.OpenPositionSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ETHUSDT"}, syms)
}

func TestPosition_StopPrice(t *testing.T) {
	entry := dec("100")
	p := &Position{AvgEntryPrice: &entry, Meta: map[string]interface{}{"stop_price": "97"}}
	sp, ok := p.StopPrice()
	require.True(t, ok)
	assert.True(t, sp.Equal(dec("97")))

	// Fallback to recompute from stop_dist_pct.
	p = &Position{AvgEntryPrice: &entry, Meta: map[string]interface{}{"stop_dist_pct": "0.03"}}
	sp, ok = p.StopPrice()
	require.True(t, ok)
	assert.True(t, sp.Equal(dec("97")))

	p = &Position{}
	_, ok = p.StopPrice()
	assert.False(t, ok)
}

func TestTradeLogs_OpenClose(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := dec("50000")
	stop := dec("48500")
	id, err := s.InsertTradeLog(ctx, TradeLog{
		TraceID: "t1", Symbol: "BTCUSDT", Side: core.SideBuy, Qty: dec("0.01"),
		Leverage: 12, StopDistPct: 0.03, StopPrice: &stop,
		ClientOrderID: "cid-1", RobotScore: 61.5,
		OpenReasonCode: "STRATEGY_SIGNAL", OpenReason: "Setup B BUY",
		EntryTimeMS: 1_700_000_000_000, EntryPrice: &entry,
		FeaturesJSON: `{"rsi": 55.0}`,
	})
	require.NoError(t, err)

	open, err := s.OpenTrade(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, id, open.ID)
	assert.Equal(t, 12, open.Leverage)

	exit := dec("51000")
	pnl := dec("9.37")
	require.NoError(t, s.CloseTradeLog(ctx, id, TradeClose{
		CloseReasonCode: "TAKE_PROFIT", CloseReason: "strategy exit with positive pnl",
		ExitTimeMS: 1_700_000_900_000, ExitPrice: &exit, Pnl: &pnl,
	}))

	open, err = s.OpenTrade(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, open)

	closed, err := s.ClosedTradesAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, 1, closed[0].Label)

	// Negative pnl labels 0.
	stop2 := dec("48500")
	id2, err := s.InsertTradeLog(ctx, TradeLog{
		TraceID: "t2", Symbol: "BTCUSDT", Side: core.SideBuy, Qty: dec("0.01"),
		Leverage: 10, StopDistPct: 0.03, StopPrice: &stop2,
		ClientOrderID: "cid-2", EntryTimeMS: 1_700_001_000_000, EntryPrice: &entry,
	})
	require.NoError(t, err)
	loss := dec("-4.2")
	require.NoError(t, s.CloseTradeLog(ctx, id2, TradeClose{
		CloseReasonCode: "STOP_LOSS", ExitTimeMS: 1_700_001_900_000, Pnl: &loss,
	}))
	closed, err = s.ClosedTradesAfter(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, 0, closed[0].Label)
}

func TestFeaturesVector(t *testing.T) {
	ct := &ClosedTrade{FeaturesJSON: `{"ema_fast": 1.5, "mom10": -2.0}`}
	v := ct.FeaturesVector([]string{"ema_fast", "rsi", "mom10"})
	assert.Equal(t, []float64{1.5, 50, -2.0}, v)
}

func TestSetConfigValue_WritesAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetConfigValue(ctx, "admin", KeyHaltTrading, "true", "t1", "ADMIN_HALT", "maintenance"))

	v, ok, err := s.GetConfigValue(ctx, KeyHaltTrading)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "true", v)

	halted, err := s.GetFlag(ctx, KeyHaltTrading, false)
	require.NoError(t, err)
	assert.True(t, halted)

	audits, err := s.ConfigAuditForKey(ctx, KeyHaltTrading, 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Nil(t, audits[0].OldValue)
	assert.Equal(t, "true", audits[0].NewValue)
	assert.Equal(t, "ADMIN_HALT", audits[0].ReasonCode)

	// Second write records the old value.
	require.NoError(t, s.SetConfigValue(ctx, "admin", KeyHaltTrading, "false", "t2", "ADMIN_RESUME", "done"))
	audits, err = s.ConfigAuditForKey(ctx, KeyHaltTrading, 10)
	require.NoError(t, err)
	require.Len(t, audits, 2)
	require.NotNil(t, audits[0].OldValue)
	assert.Equal(t, "true", *audits[0].OldValue)
}

func TestTickLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := TickLockKey("paper", "BTCUSDT", 1888888)
	ok, err := s.AcquireTickLock(ctx, key, "inst-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second acquirer loses silently.
	ok, err = s.AcquireTickLock(ctx, key, "inst-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseTickLock(ctx, key, "inst-1"))
	ok, err = s.AcquireTickLock(ctx, key, "inst-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTickLocks_TTLExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := TickLockKey("paper", "BTCUSDT", 1888889)
	ok, err := s.AcquireTickLock(ctx, key, "inst-1", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	ok, err = s.AcquireTickLock(ctx, key, "inst-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHeartbeat_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertHeartbeat(ctx, "data-syncer", "inst-1", map[string]interface{}{"status": "OK"}))
	require.NoError(t, s.UpsertHeartbeat(ctx, "data-syncer", "inst-1", map[string]interface{}{"status": "ERROR"}))

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM service_status`).Scan(&n))
	assert.Equal(t, 1, n)

	age, ok, err := s.HeartbeatAge(ctx, "data-syncer")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Less(t, age, 30*time.Second)
}

func TestArchive_MovesAndIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertBars(ctx, 15, []core.Bar{testBar("BTCUSDT", 1_600_000_000_000, "20000")})
	require.NoError(t, err)
	// Backdate past the 90-day cutoff.
	_, err = s.DB().Exec(`UPDATE market_data SET created_at = datetime('now', '-120 days')`)
	require.NoError(t, err)
	_, err = s.InsertBars(ctx, 15, []core.Bar{testBar("BTCUSDT", 1_700_000_000_000, "50000")})
	require.NoError(t, err)

	moved, err := s.ArchiveOldRows(ctx, 90, "trace-a", "test run")
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	var hot, hist int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM market_data`).Scan(&hot))
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM market_data_history`).Scan(&hist))
	assert.Equal(t, 1, hot)
	assert.Equal(t, 1, hist)

	// Second run on the same day moves nothing.
	moved, err = s.ArchiveOldRows(ctx, 90, "trace-b", "second run")
	require.NoError(t, err)
	assert.Equal(t, int64(0), moved)
}

func TestUpsertCacheAndJoin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertBars(ctx, 15, []core.Bar{testBar("BTCUSDT", 1_700_000_000_000, "50000")})
	require.NoError(t, err)

	// Join before the cache row exists: features are nil.
	jb, err := s.LatestJoinedBar(ctx, "BTCUSDT", 15)
	require.NoError(t, err)
	require.NotNil(t, jb)
	assert.Nil(t, jb.EmaFast)

	rsi := 55.5
	require.NoError(t, s.UpsertCacheRows(ctx, []CacheRow{{
		Symbol: "BTCUSDT", IntervalMinutes: 15, OpenTimeMS: 1_700_000_000_000,
		EmaFast: 50050, EmaSlow: 49900, RSI: &rsi, FeaturesJSON: `{"mom10": 1.0}`,
	}}))

	jb, err = s.LatestJoinedBar(ctx, "BTCUSDT", 15)
	require.NoError(t, err)
	require.NotNil(t, jb)
	require.NotNil(t, jb.EmaFast)
	assert.Equal(t, 50050.0, *jb.EmaFast)
	require.NotNil(t, jb.RSI)
	assert.Equal(t, 55.5, *jb.RSI)
	assert.True(t, jb.Close.Equal(dec("50000")))

	ot, ok, err := s.LatestCacheOpenTime(ctx, "BTCUSDT", 15)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1_700_000_000_000), ot)
}
