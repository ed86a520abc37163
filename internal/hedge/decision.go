package hedge

import (
	"fmt"
	"math"

	"perp-core-bot/internal/safemath"
)

type Action string

type Reason string

const (
	ActionSkip  Action = "SKIP"
	ActionHedge Action = "HEDGE"
)

const (
	ReasonNone     Reason = ""
	ReasonNoDelta  Reason = "NO_DELTA"
	ReasonNoPrice  Reason = "NO_PRICE"
	ReasonNoEquity Reason = "NO_EQUITY"
	ReasonDust     Reason = "DUST"
)

const DefaultMaxUrgency = 10.0

// Thresholds exist so zero or missing boot-time data resolves to a SKIP.
type Thresholds struct {
	Delta      float64
	Price      float64
	ATR        float64
	Equity     float64
	Dust       float64
	MaxUrgency float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Delta:      1e-6,
		Price:      1e-6,
		ATR:        1e-9,
		Equity:     1e-2,
		Dust:       1e-6,
		MaxUrgency: DefaultMaxUrgency,
	}
}

// Input carries one cycle's exposure and market data. Optional values are
// only read when their Has flag is set.
type Input struct {
	NetExposureUSD float64
	MidPrice       float64
	HasMidPrice    bool
	ATR            float64
	HasATR         bool
	EquityUSD      float64
	HasEquity      bool
}

type Decision struct {
	Action  Action
	Reason  Reason
	Qty     float64
	Urgency float64
}

func (d Decision) Hedge() bool {
	return d.Action == ActionHedge
}

// Side is BUY for a positive hedge quantity and SELL for a negative one.
func (d Decision) Side() string {
	if d.Qty >= 0 {
		return "BUY"
	}
	return "SELL"
}

func (d Decision) String() string {
	if d.Action == ActionSkip {
		return fmt.Sprintf("SKIP/%s", d.Reason)
	}
	return fmt.Sprintf("HEDGE qty=%.6f urgency=%.2f", d.Qty, d.Urgency)
}

func skip(reason Reason) Decision {
	return Decision{Action: ActionSkip, Reason: reason}
}

// Decide classifies the cycle; the first matching rule wins. Urgency is
// clamped after the ATR floor is applied, so a zero ATR saturates it.
func Decide(in Input, th Thresholds) Decision {
	exposure := in.NetExposureUSD
	if !safemath.Finite(exposure) || math.Abs(exposure) < th.Delta {
		return skip(ReasonNoDelta)
	}
	if !in.HasMidPrice || !safemath.Finite(in.MidPrice) || in.MidPrice <= th.Price {
		return skip(ReasonNoPrice)
	}
	if !in.HasEquity || !safemath.Finite(in.EquityUSD) || in.EquityUSD <= th.Equity {
		return skip(ReasonNoEquity)
	}
	atr := 0.0
	if in.HasATR && safemath.Finite(in.ATR) {
		atr = in.ATR
	}
	guardedATR := math.Max(math.Abs(atr), th.ATR)
	maxUrgency := th.MaxUrgency
	if maxUrgency <= 0 {
		maxUrgency = DefaultMaxUrgency
	}
	urgency := safemath.Clamp(safemath.Div(math.Abs(exposure), guardedATR, 0), 0, maxUrgency)
	qty := -safemath.Div(exposure, in.MidPrice, 0)
	if math.Abs(qty) < th.Dust {
		return skip(ReasonDust)
	}
	return Decision{Action: ActionHedge, Qty: qty, Urgency: urgency}
}
