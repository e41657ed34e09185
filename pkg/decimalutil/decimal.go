// Package decimalutil collects the small set of fixed-point helpers the
// risk sizing and order lifecycle code needs on top of shopspring/decimal.
package decimalutil

import "github.com/shopspring/decimal"

// CeilToStep rounds qty up to the nearest multiple of step (step > 0).
// Used to turn a minimum-margin-derived notional into an exchange-legal
// order quantity that never undershoots the configured floor.
func CeilToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	units := qty.Div(step).Ceil()
	return units.Mul(step)
}

// LeverageForScore linearly maps a 0-100 robot_score into [lo, hi],
// clamping the score to [0, 100] first.
func LeverageForScore(score, lo, hi decimal.Decimal) int {
	clamped := score
	if clamped.LessThan(decimal.Zero) {
		clamped = decimal.Zero
	}
	if clamped.GreaterThan(decimal.NewFromInt(100)) {
		clamped = decimal.NewFromInt(100)
	}
	span := hi.Sub(lo)
	leverage := lo.Add(clamped.Div(decimal.NewFromInt(100)).Mul(span))
	return int(leverage.Round(0).IntPart())
}

// StopLossPrice returns the hard stop price for a position given its entry
// price, side and the configured stop-loss percentage (e.g. 0.03 for 3%).
func StopLossPrice(entryPrice decimal.Decimal, isLong bool, stopLossPct decimal.Decimal) decimal.Decimal {
	delta := entryPrice.Mul(stopLossPct)
	if isLong {
		return entryPrice.Sub(delta)
	}
	return entryPrice.Add(delta)
}

// NotionalToQuantity converts a USDT notional and a reference price into a
// base-asset quantity, rounded down to the exchange's quantity step.
func NotionalToQuantity(notional, price, qtyStep decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	raw := notional.Div(price)
	if qtyStep.IsZero() {
		return raw
	}
	units := raw.Div(qtyStep).Floor()
	return units.Mul(qtyStep)
}
