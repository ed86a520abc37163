package market

import (
	"time"

	"perp-core-bot/internal/safemath"
)

type Candle struct {
	Asset    string
	Interval string
	Start    time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

func (c Candle) Valid() bool {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if !safemath.Finite(v) {
			return false
		}
	}
	return c.Asset != "" && c.Close > 0 && c.High >= c.Low && !c.Start.IsZero()
}

func closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
