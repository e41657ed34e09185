// Package indicator computes the per-bar feature vector consumed by the
// strategy engine. All indicators are streaming: one Stream instance
// walks an ascending bar sequence and emits a FeatureRow per bar in
// amortized O(1). Feature math runs on float64; decimals stop at the
// package boundary.
package indicator

import (
	"math"

	"github.com/tommyca/opensqt-trading-engine/internal/core"
)

const (
	emaFastPeriod = 7
	emaSlowPeriod = 25
	rsiPeriod     = 14
	atrPeriod     = 14
	adxPeriod     = 14
	bbPeriod      = 20
	momPeriod     = 10
	volPeriod     = 20

	// WarmupBars is how many prior bars a batch computation loads before
	// its first target bar so the smoothed indicators have converged.
	WarmupBars = 300
)

// Features is the derived vector stored in market_data_cache.features_json.
// Nil means "not defined yet" (window not filled).
type Features struct {
	ATR14     *float64 `json:"atr14"`
	ADX14     *float64 `json:"adx14"`
	PlusDI14  *float64 `json:"plus_di14"`
	MinusDI14 *float64 `json:"minus_di14"`
	BBMid20   *float64 `json:"bb_mid20"`
	BBUpper20 *float64 `json:"bb_upper20"`
	BBLower20 *float64 `json:"bb_lower20"`
	BBWidth20 *float64 `json:"bb_width20"`
	VolSMA20  *float64 `json:"vol_sma20"`
	VolRatio  *float64 `json:"vol_ratio"`
	Mom10     *float64 `json:"mom10"`
	Ret1      *float64 `json:"ret1"`
	RetStd20  *float64 `json:"ret_std20"`
}

// FeatureRow is the full output for one bar.
type FeatureRow struct {
	OpenTimeMS int64
	EmaFast    float64
	EmaSlow    float64
	RSI        *float64
	Features   Features
}

// ModelFeatureOrder is the fixed input order of the online classifier.
var ModelFeatureOrder = []string{
	"ema_fast", "ema_slow", "rsi", "atr14", "adx14", "plus_di14",
	"minus_di14", "bb_width20", "vol_ratio", "mom10", "ret1", "ret_std20",
}

// Vector flattens the row into the classifier's input order. Missing
// values become 0; a missing rsi becomes the neutral 50.
func (r FeatureRow) Vector() []float64 {
	f := r.Features
	pick := func(p *float64) float64 {
		if p == nil {
			return 0
		}
		return *p
	}
	rsi := 50.0
	if r.RSI != nil {
		rsi = *r.RSI
	}
	return []float64{
		r.EmaFast, r.EmaSlow, rsi,
		pick(f.ATR14), pick(f.ADX14), pick(f.PlusDI14), pick(f.MinusDI14),
		pick(f.BBWidth20), pick(f.VolRatio), pick(f.Mom10), pick(f.Ret1), pick(f.RetStd20),
	}
}

// window is a bounded FIFO of float64 samples.
type window struct {
	buf []float64
	max int
}

func newWindow(max int) *window {
	return &window{max: max}
}

func (w *window) push(v float64) {
	w.buf = append(w.buf, v)
	if len(w.buf) > w.max {
		w.buf = w.buf[1:]
	}
}

func (w *window) full() bool { return len(w.buf) == w.max }

func (w *window) mean() float64 {
	if len(w.buf) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range w.buf {
		sum += v
	}
	return sum / float64(len(w.buf))
}

// std is the population standard deviation of the window.
func (w *window) std() float64 {
	if len(w.buf) < 2 {
		return 0
	}
	m := w.mean()
	varSum := 0.0
	for _, v := range w.buf {
		d := v - m
		varSum += d * d
	}
	return math.Sqrt(varSum / float64(len(w.buf)))
}

// Stream holds all streaming indicator state for one (symbol, interval).
type Stream struct {
	emaFast *float64
	emaSlow *float64

	closes []float64
	gains  *window
	losses *window

	bbWindow  *window
	volWindow *window
	retWindow *window

	prevClose *float64
	prevHigh  *float64
	prevLow   *float64

	trSeed      *window
	plusDMSeed  *window
	minusDMSeed *window
	atr         *float64
	plusDMS     *float64
	minusDMS    *float64

	dxSeed *window
	adx    *float64
}

// NewStream returns an empty indicator state.
func NewStream() *Stream {
	return &Stream{
		gains:       newWindow(rsiPeriod),
		losses:      newWindow(rsiPeriod),
		bbWindow:    newWindow(bbPeriod),
		volWindow:   newWindow(volPeriod),
		retWindow:   newWindow(volPeriod),
		trSeed:      newWindow(atrPeriod),
		plusDMSeed:  newWindow(atrPeriod),
		minusDMSeed: newWindow(atrPeriod),
		dxSeed:      newWindow(adxPeriod),
	}
}

func emaUpdate(prev *float64, price float64, period int) float64 {
	if prev == nil {
		return price
	}
	k := 2.0 / (float64(period) + 1.0)
	return price*k + *prev*(1.0-k)
}

// Update consumes the next bar (ascending open time) and returns its
// feature row.
func (st *Stream) Update(b core.Bar) FeatureRow {
	closeP, _ := b.Close.Float64()
	highP, _ := b.High.Float64()
	lowP, _ := b.Low.Float64()
	volume, _ := b.Volume.Float64()

	ef := emaUpdate(st.emaFast, closeP, emaFastPeriod)
	es := emaUpdate(st.emaSlow, closeP, emaSlowPeriod)
	st.emaFast = &ef
	st.emaSlow = &es

	// RSI: simple average gains/losses over the window; undefined until
	// period+1 closes are seen, 100 when losses are zero.
	if len(st.closes) > 0 {
		diff := closeP - st.closes[len(st.closes)-1]
		st.gains.push(math.Max(diff, 0))
		st.losses.push(math.Max(-diff, 0))
	}
	st.closes = append(st.closes, closeP)
	var rsi *float64
	if len(st.closes) >= rsiPeriod+1 {
		avgGain := 0.0
		avgLoss := 0.0
		for _, g := range st.gains.buf {
			avgGain += g
		}
		for _, l := range st.losses.buf {
			avgLoss += l
		}
		avgGain /= rsiPeriod
		avgLoss /= rsiPeriod
		v := 100.0
		if avgLoss != 0 {
			rs := avgGain / avgLoss
			v = 100.0 - 100.0/(1.0+rs)
		}
		rsi = &v
	}

	var f Features

	// Return and return-volatility.
	if st.prevClose != nil && *st.prevClose != 0 {
		r := closeP / *st.prevClose - 1.0
		f.Ret1 = &r
		st.retWindow.push(r)
	}
	if len(st.retWindow.buf) >= 2 {
		sd := st.retWindow.std()
		f.RetStd20 = &sd
	}

	// Momentum over the raw close series.
	if len(st.closes) > momPeriod {
		m := closeP - st.closes[len(st.closes)-1-momPeriod]
		f.Mom10 = &m
	}

	// Bollinger 20 / 2 sigma.
	st.bbWindow.push(closeP)
	if st.bbWindow.full() {
		mid := st.bbWindow.mean()
		sd := st.bbWindow.std()
		upper := mid + 2.0*sd
		lower := mid - 2.0*sd
		f.BBMid20 = &mid
		f.BBUpper20 = &upper
		f.BBLower20 = &lower
		if mid != 0 {
			width := (upper - lower) / mid
			f.BBWidth20 = &width
		}
	}

	// Volume ratio against its own SMA.
	st.volWindow.push(volume)
	if st.volWindow.full() {
		sma := st.volWindow.mean()
		f.VolSMA20 = &sma
		if sma != 0 {
			ratio := volume / sma
			f.VolRatio = &ratio
		}
	}

	// ATR / ADX with Wilder smoothing, seeded by plain means.
	if st.prevClose != nil && st.prevHigh != nil && st.prevLow != nil {
		tr := math.Max(highP-lowP, math.Max(math.Abs(highP-*st.prevClose), math.Abs(lowP-*st.prevClose)))
		upMove := highP - *st.prevHigh
		downMove := *st.prevLow - lowP
		plusDM := 0.0
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		minusDM := 0.0
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}

		st.trSeed.push(tr)
		st.plusDMSeed.push(plusDM)
		st.minusDMSeed.push(minusDM)

		if st.atr == nil && st.trSeed.full() {
			a := st.trSeed.mean()
			p := st.plusDMSeed.mean()
			m := st.minusDMSeed.mean()
			st.atr, st.plusDMS, st.minusDMS = &a, &p, &m
		} else if st.atr != nil {
			a := *st.atr - *st.atr/atrPeriod + tr
			p := *st.plusDMS - *st.plusDMS/atrPeriod + plusDM
			m := *st.minusDMS - *st.minusDMS/atrPeriod + minusDM
			st.atr, st.plusDMS, st.minusDMS = &a, &p, &m
		}

		if st.atr != nil && *st.atr != 0 {
			plusDI := 100.0 * *st.plusDMS / *st.atr
			minusDI := 100.0 * *st.minusDMS / *st.atr
			f.PlusDI14 = &plusDI
			f.MinusDI14 = &minusDI
			if denom := plusDI + minusDI; denom != 0 {
				dx := 100.0 * math.Abs(plusDI-minusDI) / denom
				st.dxSeed.push(dx)
				if st.adx == nil && st.dxSeed.full() {
					a := st.dxSeed.mean()
					st.adx = &a
				} else if st.adx != nil {
					a := (*st.adx*(adxPeriod-1) + dx) / adxPeriod
					st.adx = &a
				}
			}
		}
	}
	if st.atr != nil {
		v := *st.atr
		f.ATR14 = &v
	}
	if st.adx != nil {
		v := *st.adx
		f.ADX14 = &v
	}

	st.prevClose = &closeP
	st.prevHigh = &highP
	st.prevLow = &lowP

	return FeatureRow{
		OpenTimeMS: b.OpenTimeMS,
		EmaFast:    ef,
		EmaSlow:    es,
		RSI:        rsi,
		Features:   f,
	}
}

// ComputeFeatures runs the stream over bars (ascending) and returns rows
// for bars at or after minOpenTimeMS. Bars before it are warm-up only.
func ComputeFeatures(bars []core.Bar, minOpenTimeMS int64) []FeatureRow {
	st := NewStream()
	var out []FeatureRow
	for _, b := range bars {
		row := st.Update(b)
		if b.OpenTimeMS >= minOpenTimeMS {
			out = append(out, row)
		}
	}
	return out
}
