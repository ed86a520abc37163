package spread

import (
	"errors"
	"fmt"
	"math"

	"perp-core-bot/internal/safemath"
)

const (
	DefaultVolatilityWeight = 0.5
	DefaultVolatilityCap    = 1.0
	DefaultInventoryWeight  = 0.3
	DefaultConfidenceWeight = 0.2
	DefaultFavorMultiplier  = 1.2
)

var ErrInvalidConfig = errors.New("spread: invalid config")

// Coefficients shape the spread and side sizes. They are taken as given:
// a zero weight switches its term off. The defaults are uncalibrated and
// exposed for tuning.
type Coefficients struct {
	VolatilityWeight float64
	VolatilityCap    float64
	InventoryWeight  float64
	ConfidenceWeight float64
	FavorMultiplier  float64
}

func DefaultCoefficients() Coefficients {
	return Coefficients{
		VolatilityWeight: DefaultVolatilityWeight,
		VolatilityCap:    DefaultVolatilityCap,
		InventoryWeight:  DefaultInventoryWeight,
		ConfidenceWeight: DefaultConfidenceWeight,
		FavorMultiplier:  DefaultFavorMultiplier,
	}
}

// Params configures the quoting model.
type Params struct {
	BaseBps  float64
	MinBps   float64
	MaxBps   float64
	ClipSize float64
	Coefficients
}

type Model struct {
	p Params
}

// Quote is a two-sided resting quote around a center price.
type Quote struct {
	Center    float64
	SpreadBps float64
	BidPrice  float64
	AskPrice  float64
	BidSize   float64
	AskSize   float64
}

func New(p Params) (*Model, error) {
	if p.MinBps < 0 || p.MaxBps <= 0 {
		return nil, fmt.Errorf("spread bounds must satisfy 0 <= min and max > 0: %w", ErrInvalidConfig)
	}
	if p.MinBps > p.MaxBps {
		return nil, fmt.Errorf("min_spread_bps %.4f exceeds max_spread_bps %.4f: %w", p.MinBps, p.MaxBps, ErrInvalidConfig)
	}
	if p.BaseBps < p.MinBps || p.BaseBps > p.MaxBps {
		return nil, fmt.Errorf("base_spread_bps %.4f outside [%.4f, %.4f]: %w", p.BaseBps, p.MinBps, p.MaxBps, ErrInvalidConfig)
	}
	if p.ClipSize <= 0 {
		return nil, fmt.Errorf("clip_size must be > 0: %w", ErrInvalidConfig)
	}
	c := p.Coefficients
	for _, v := range []float64{c.VolatilityWeight, c.VolatilityCap, c.InventoryWeight, c.ConfidenceWeight, c.FavorMultiplier} {
		if !safemath.Finite(v) {
			return nil, fmt.Errorf("spread coefficients must be finite: %w", ErrInvalidConfig)
		}
	}
	if c.VolatilityWeight < 0 || c.VolatilityCap < 0 || c.InventoryWeight < 0 || c.FavorMultiplier < 0 {
		return nil, fmt.Errorf("spread coefficients must be >= 0: %w", ErrInvalidConfig)
	}
	if p.ConfidenceWeight < 0 || p.ConfidenceWeight >= 1 {
		return nil, fmt.Errorf("confidence weight must be in [0, 1): %w", ErrInvalidConfig)
	}
	return &Model{p: p}, nil
}

func (m *Model) Params() Params {
	return m.p
}

// SpreadBps widens with volatility and inventory, narrows with book
// confidence, and is always clamped to [MinBps, MaxBps].
func (m *Model) SpreadBps(volatility, inventorySkew, obiConfidence float64) float64 {
	skew := safemath.Clamp(inventorySkew, -1, 1)
	confidence := safemath.Clamp(obiConfidence, 0, 1)

	spread := m.p.BaseBps *
		(1 + m.volatilityTerm(volatility)) *
		(1 + m.p.InventoryWeight*math.Abs(skew)) *
		(1 - m.p.ConfidenceWeight*confidence)
	return safemath.Clamp(spread, m.p.MinBps, m.p.MaxBps)
}

func (m *Model) volatilityTerm(v float64) float64 {
	if !(v > 0) || m.p.VolatilityWeight == 0 {
		return 0
	}
	if math.IsInf(v, 1) {
		return m.p.VolatilityCap
	}
	return math.Min(m.p.VolatilityCap, m.p.VolatilityWeight*v)
}

// Scale multiplies an already computed spread and re-applies the bounds.
// A factor that is not a positive finite number leaves the spread as is.
func (m *Model) Scale(spreadBps, factor float64) float64 {
	if !(factor > 0) || math.IsInf(factor, 1) {
		factor = 1
	}
	return safemath.Clamp(spreadBps*factor, m.p.MinBps, m.p.MaxBps)
}

// SideSizes quotes smaller on the side that would grow the current
// inventory and larger on the side that reduces it.
func (m *Model) SideSizes(inventorySkew float64) (bid, ask float64) {
	skew := safemath.Clamp(inventorySkew, -1, 1)
	clip := m.p.ClipSize
	switch {
	case skew > 0:
		return clip * (1 - skew), clip * m.p.FavorMultiplier
	case skew < 0:
		return clip * m.p.FavorMultiplier, clip * (1 + skew)
	default:
		return clip, clip
	}
}

func (m *Model) Quote(center, volatility, inventorySkew, obiConfidence float64) Quote {
	return m.QuoteAt(center, m.SpreadBps(volatility, inventorySkew, obiConfidence), inventorySkew)
}

// QuoteAt builds the quote for a spread the caller already settled on.
func (m *Model) QuoteAt(center, spreadBps, inventorySkew float64) Quote {
	bidSize, askSize := m.SideSizes(inventorySkew)
	q := Quote{Center: center, SpreadBps: spreadBps, BidSize: bidSize, AskSize: askSize}
	if !(center > 0) || math.IsInf(center, 0) {
		return q
	}
	half := spreadBps / 2 / 10000
	q.BidPrice = center * (1 - half)
	q.AskPrice = center * (1 + half)
	return q
}
