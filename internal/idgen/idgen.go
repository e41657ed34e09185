// Package idgen builds the engine's identifiers: trace ids for log and
// audit correlation, and deterministic client order ids used as venue-side
// idempotency keys. The client order id for a given (action, symbol, bar)
// tuple is stable across retries, so re-issuing an order within the same
// bar can never create a second venue order.
package idgen

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MaxClientOrderIDLen is the common venue limit for client order ids.
const MaxClientOrderIDLen = 64

// DefaultStrategyTag namespaces client order ids so two strategies on the
// same account cannot collide.
const DefaultStrategyTag = "sb"

// NewTraceID returns a prefixed trace id, e.g. "tick-1f2e3d...".
func NewTraceID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// NormalizeSymbol strips separators so a symbol fits inside a client order
// id: "BTC/USDT" -> "BTCUSDT".
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, sep := range []string{"/", "-", ":", " "} {
		s = strings.ReplaceAll(s, sep, "")
	}
	return s
}

// ClientOrderID builds the deterministic idempotency key
// "<action>_<tag>_<symbol>_<open_time_ms>". If the id would exceed the
// venue limit it is shortened with a sha1 suffix while keeping a readable
// prefix.
func ClientOrderID(action, strategyTag, symbol string, klineOpenTimeMS int64) string {
	a := strings.ToLower(strings.TrimSpace(action))
	if strategyTag == "" {
		strategyTag = DefaultStrategyTag
	}
	sym := NormalizeSymbol(symbol)

	base := fmt.Sprintf("%s_%s_%s_%d", a, strategyTag, sym, klineOpenTimeMS)
	if len(base) <= MaxClientOrderIDLen {
		return base
	}

	sum := sha1.Sum([]byte(base))
	h := hex.EncodeToString(sum[:])[:10]
	symShort := sym
	if len(symShort) > 10 {
		symShort = symShort[:10]
	}
	short := fmt.Sprintf("%s_%s_%s_%d_%s", a, strategyTag, symShort, klineOpenTimeMS, h)
	if len(short) > MaxClientOrderIDLen {
		short = short[:MaxClientOrderIDLen]
	}
	return short
}
