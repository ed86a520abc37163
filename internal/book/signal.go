package book

import (
	"errors"
	"fmt"

	"perp-core-bot/internal/safemath"
)

const (
	DefaultSkewFactor = 0.5
	maxSkewAdjustment = 0.5
)

var ErrInvalidConfig = errors.New("book: invalid config")

// Signal is derived from a snapshot; every field is zero for an empty or
// volumeless book.
type Signal struct {
	Microprice     float64
	Imbalance      float64
	SkewAdjustment float64
	Confidence     float64
}

func (s Signal) Zero() bool {
	return s == Signal{}
}

// Compute aggregates the first levels of each side. Heavier bid volume pulls
// the microprice toward the ask.
func Compute(snap Snapshot, levels int, volumeNorm float64) Signal {
	return compute(snap, levels, volumeNorm, DefaultSkewFactor)
}

func compute(snap Snapshot, levels int, volumeNorm, skewFactor float64) Signal {
	if snap.Empty() || levels <= 0 {
		return Signal{}
	}
	bestBid := snap.Bids[0].Price
	bestAsk := snap.Asks[0].Price
	if !validPrice(bestBid) || !validPrice(bestAsk) {
		return Signal{}
	}
	bidVol := sideVolume(snap.Bids, levels)
	askVol := sideVolume(snap.Asks, levels)
	total := bidVol + askVol
	if !safemath.Finite(total) || total <= 0 {
		return Signal{}
	}
	imbalance := safemath.Clamp((bidVol-askVol)/total, -1, 1)
	return Signal{
		Microprice:     (bidVol*bestAsk + askVol*bestBid) / total,
		Imbalance:      imbalance,
		SkewAdjustment: safemath.Clamp(skewFactor*imbalance, -maxSkewAdjustment, maxSkewAdjustment),
		Confidence:     safemath.Clamp(safemath.Div(total, volumeNorm, 0), 0, 1),
	}
}

func sideVolume(levels []Level, depth int) float64 {
	if depth > len(levels) {
		depth = len(levels)
	}
	var vol float64
	for _, lvl := range levels[:depth] {
		if safemath.Finite(lvl.Size) && lvl.Size > 0 {
			vol += lvl.Size
		}
	}
	return vol
}

// Analyzer binds the configured depth and reference liquidity.
type Analyzer struct {
	Levels     int
	VolumeNorm float64
	SkewFactor float64
}

func NewAnalyzer(levels int, volumeNorm, skewFactor float64) (*Analyzer, error) {
	if levels <= 0 {
		return nil, fmt.Errorf("levels must be > 0: %w", ErrInvalidConfig)
	}
	if volumeNorm <= 0 {
		return nil, fmt.Errorf("volume_norm must be > 0: %w", ErrInvalidConfig)
	}
	if skewFactor == 0 {
		skewFactor = DefaultSkewFactor
	}
	if skewFactor < 0 {
		return nil, fmt.Errorf("skew_factor must be >= 0: %w", ErrInvalidConfig)
	}
	return &Analyzer{Levels: levels, VolumeNorm: volumeNorm, SkewFactor: skewFactor}, nil
}

func (a *Analyzer) Signal(snap Snapshot) Signal {
	return compute(snap, a.Levels, a.VolumeNorm, a.SkewFactor)
}
