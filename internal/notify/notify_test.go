package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tommyca/opensqt-trading-engine/internal/core"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (l nopLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l nopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

type captureChannel struct {
	name string
	err  error

	mu   sync.Mutex
	sent []Event
}

func (c *captureChannel) Name() string { return c.name }

func (c *captureChannel) Send(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, ev)
	return c.err
}

func (c *captureChannel) events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.sent))
	copy(out, c.sent)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, SeverityCritical, SeverityFor("EMERGENCY_EXIT"))
	assert.Equal(t, SeverityWarning, SeverityFor("STOP_LOSS"))
	assert.Equal(t, SeverityWarning, SeverityFor("ADMIN_HALT"))
	assert.Equal(t, SeverityInfo, SeverityFor("STRATEGY_SIGNAL"))
	assert.Equal(t, SeverityInfo, SeverityFor("SOMETHING_NEW"))
}

func TestNotify_FansOutToAllChannels(t *testing.T) {
	am := NewAlertManager(nopLogger{})
	ch1 := &captureChannel{name: "ch1"}
	ch2 := &captureChannel{name: "ch2"}
	am.AddChannel(ch1)
	am.AddChannel(ch2)

	am.Notify(context.Background(), Event{
		ReasonCode: "STOP_LOSS",
		Summary:    "position closed",
		Fields:     map[string]string{"symbol": "BTCUSDT", "trace_id": "tick-1"},
		Payload:    map[string]interface{}{"pnl_usdt": "-4.20"},
	})

	waitFor(t, func() bool { return len(ch1.events()) == 1 && len(ch2.events()) == 1 })

	ev := ch1.events()[0]
	assert.Equal(t, "STOP_LOSS", ev.ReasonCode)
	assert.Equal(t, SeverityWarning, ev.Severity())
	assert.Equal(t, "tick-1", ev.TraceID())
	assert.Equal(t, "BTCUSDT", ev.Fields["symbol"])
	assert.False(t, ev.Time.IsZero(), "dispatch must stamp the event time")
}

func TestNotify_ChannelFailureIsSwallowed(t *testing.T) {
	am := NewAlertManager(nopLogger{})
	failing := &captureChannel{name: "failing", err: errors.New("boom")}
	healthy := &captureChannel{name: "healthy"}
	am.AddChannel(failing)
	am.AddChannel(healthy)

	// Must not panic or block; the healthy channel still delivers.
	am.AlertReasonCode(context.Background(), "EMERGENCY_EXIT", "flatten all", map[string]string{"trace_id": "t-9"})

	waitFor(t, func() bool { return len(healthy.events()) == 1 })
	require.Len(t, failing.events(), 1)
	assert.Equal(t, SeverityCritical, healthy.events()[0].Severity())
}

func TestNotify_SurvivesCanceledCaller(t *testing.T) {
	am := NewAlertManager(nopLogger{})
	ch := &captureChannel{name: "ch"}
	am.AddChannel(ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A canceled trading-path context must not prevent delivery.
	am.Notify(ctx, Event{ReasonCode: "ADMIN_RESUME", Summary: "resume"})

	waitFor(t, func() bool { return len(ch.events()) == 1 })
}

func TestFormatEvent_TelegramLayout(t *testing.T) {
	msg := formatEvent(Event{
		ReasonCode: "TAKE_PROFIT",
		Summary:    "position closed",
		Fields:     map[string]string{"symbol": "BTCUSDT", "pnl_usdt": "7.00"},
		Payload:    map[string]interface{}{"exchange_order_id": "123"},
	})

	assert.Contains(t, msg, "*[TAKE_PROFIT]* position closed")
	// Fields render sorted as key=value lines.
	assert.Contains(t, msg, "`pnl_usdt=7.00`")
	assert.Contains(t, msg, "`symbol=BTCUSDT`")
	assert.Less(t, len("pnl"), len(msg))
	// Payload renders as a fenced JSON block.
	assert.Contains(t, msg, "```")
	assert.Contains(t, msg, `"exchange_order_id": "123"`)
}

func TestEmptyChannelConfigsAreNoops(t *testing.T) {
	// Unconfigured channels drop events silently instead of erroring.
	tg := NewTelegramChannel("", "")
	assert.NoError(t, tg.Send(context.Background(), Event{ReasonCode: "STRATEGY_SIGNAL"}))

	sl := NewSlackChannel("")
	assert.NoError(t, sl.Send(context.Background(), Event{ReasonCode: "STRATEGY_SIGNAL"}))
}
