package market

import (
	"math"

	"github.com/markcheno/go-talib"
)

// ATR returns the latest average true range over period candles. It needs
// at least period+1 candles.
func ATR(candles []Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) <= period {
		return 0, false
	}
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
	}
	atr := talib.Atr(highs, lows, closes(candles), period)
	last := atr[len(atr)-1]
	if math.IsNaN(last) || math.IsInf(last, 0) || last < 0 {
		return 0, false
	}
	return last, true
}

// EMACross compares the fast and slow EMAs of closes: +1 when fast is
// above slow, -1 below, 0 when they are equal.
func EMACross(closes []float64, fast, slow int) (int, bool) {
	if fast <= 1 || slow <= fast || len(closes) < slow {
		return 0, false
	}
	f := talib.Ema(closes, fast)
	s := talib.Ema(closes, slow)
	lastFast, lastSlow := f[len(f)-1], s[len(s)-1]
	switch {
	case lastFast > lastSlow:
		return 1, true
	case lastFast < lastSlow:
		return -1, true
	default:
		return 0, true
	}
}

// ReturnVolatility is the standard deviation of close-to-close returns,
// in percent.
func ReturnVolatility(closes []float64) float64 {
	if len(closes) < 2 {
		return 0
	}
	var sum float64
	var sumSq float64
	var count float64
	for i := 1; i < len(closes); i++ {
		prev := closes[i-1]
		curr := closes[i]
		if prev == 0 {
			continue
		}
		r := (curr - prev) / prev
		sum += r
		sumSq += r * r
		count++
	}
	if count == 0 {
		return 0
	}
	mean := sum / count
	variance := sumSq/count - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance) * 100
}
