package strategy

import (
	"time"

	"perp-core-bot/internal/book"
	"perp-core-bot/internal/hedge"
	"perp-core-bot/internal/inventory"
	"perp-core-bot/internal/risk"
	"perp-core-bot/internal/router"
	"perp-core-bot/internal/spread"
	"perp-core-bot/internal/venue"
)

type Kind string

const (
	KindHedger Kind = "hedger"
	KindMaker  Kind = "maker"
	KindTrend  Kind = "trend"
)

func (k Kind) Valid() bool {
	switch k {
	case KindHedger, KindMaker, KindTrend:
		return true
	default:
		return false
	}
}

type SignalSource interface {
	Signal(snap book.Snapshot) book.Signal
}

type RiskAuthority interface {
	Evaluate(equity float64) risk.State
	Decisions(s risk.State) risk.Verdict
}

type Router interface {
	Route(a router.Action, v risk.Verdict, resting int) router.Plan
}

// CycleInput is everything one evaluation reads. It is assembled by the
// caller from copies; the engine never reaches back into live state.
type CycleInput struct {
	Time        time.Time
	Book        book.Snapshot
	Account     venue.AccountState
	Position    inventory.PositionState
	PendingSize float64
	Resting     int
	ATR         float64
	HasATR      bool
	Volatility  float64
	Closes      []float64
}

type CycleResult struct {
	Time     time.Time
	Kind     Kind
	Asset    string
	Signal   book.Signal
	Mid      float64
	HasMid   bool
	Risk     risk.State
	Verdict  risk.Verdict
	Hedge    hedge.Decision
	Quote    spread.Quote
	HasQuote bool
	Target   float64
	Trend    int
	Action   router.Action
	Plan     router.Plan
}

// Halted reports whether the gate vetoed all trading this cycle.
func (r CycleResult) Halted() bool {
	return r.Risk.Mode == risk.ModeHalt
}
