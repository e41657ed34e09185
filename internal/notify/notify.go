// Package notify fans trading events out to operator channels (Telegram,
// Slack). Every notification is keyed by one of the engine's reason codes
// and carries a compact key/value summary plus an optional JSON payload
// for forensics. Delivery is strictly best-effort: sends run detached
// with a per-channel timeout, and a failed channel can never surface an
// error into the trading path.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/tommyca/opensqt-trading-engine/internal/core"
)

// Severity of an event, derived from its reason code unless overridden.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// channelTimeout bounds one channel's send attempt.
const channelTimeout = 10 * time.Second

// Event is one operator notification. ReasonCode comes from the closed
// set the engine and admin plane share (STRATEGY_SIGNAL, STOP_LOSS,
// EMERGENCY_EXIT, ADMIN_HALT, ...); Summary is the short human line;
// Fields are the compact key/value summary; Payload, when present, is
// rendered as JSON for forensic analysis.
type Event struct {
	ReasonCode string
	Summary    string
	Fields     map[string]string
	Payload    map[string]interface{}
	Time       time.Time
}

// SeverityFor maps a reason code onto an alert severity. Unknown codes
// are informational.
func SeverityFor(reasonCode string) Severity {
	switch reasonCode {
	case "EMERGENCY_EXIT":
		return SeverityCritical
	case "STOP_LOSS", "ADMIN_HALT", "RECONCILE":
		return SeverityWarning
	}
	return SeverityInfo
}

// Severity resolves the event's severity from its reason code.
func (ev Event) Severity() Severity {
	return SeverityFor(ev.ReasonCode)
}

// TraceID pulls the trace id out of the summary fields when the emitter
// attached one.
func (ev Event) TraceID() string {
	return ev.Fields["trace_id"]
}

// Channel delivers one event to one destination.
type Channel interface {
	Send(ctx context.Context, ev Event) error
	Name() string
}

// AlertManager owns the channel set and the detached fan-out.
type AlertManager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   core.ILogger
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		logger: logger.WithField("component", "alert_manager"),
	}
}

func (am *AlertManager) AddChannel(ch Channel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("notification channel registered", "channel", ch.Name())
}

// Notify dispatches the event to every channel without waiting for
// delivery. Send failures are logged with the event's trace id and
// otherwise swallowed.
func (am *AlertManager) Notify(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	am.mu.RLock()
	channels := make([]Channel, len(am.channels))
	copy(channels, am.channels)
	am.mu.RUnlock()

	am.logger.Info("dispatching notification",
		"reason_code", ev.ReasonCode, "severity", ev.Severity(),
		"trace_id", ev.TraceID(), "channels", len(channels))

	for _, ch := range channels {
		go func(c Channel) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), channelTimeout)
			defer cancel()
			if err := c.Send(sendCtx, ev); err != nil {
				am.logger.Error("notification delivery failed",
					"channel", c.Name(), "reason_code", ev.ReasonCode,
					"trace_id", ev.TraceID(), "error", err)
			}
		}(ch)
	}
}

// AlertReasonCode is the one-line entry point used by the engine and the
// admin plane: reason code, short message, compact fields.
func (am *AlertManager) AlertReasonCode(ctx context.Context, reasonCode, summary string, fields map[string]string) {
	am.Notify(ctx, Event{
		ReasonCode: reasonCode,
		Summary:    summary,
		Fields:     fields,
	})
}
