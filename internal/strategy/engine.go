package strategy

import (
	"errors"
	"fmt"
	"math"

	"perp-core-bot/internal/hedge"
	"perp-core-bot/internal/inventory"
	"perp-core-bot/internal/market"
	"perp-core-bot/internal/router"
	"perp-core-bot/internal/spread"
)

var ErrInvalidConfig = errors.New("strategy: invalid config")

type Config struct {
	Kind            Kind
	Asset           string
	Hedge           hedge.Thresholds
	TrendFastPeriod int
	TrendSlowPeriod int
	TrendTargetSize float64
}

// Engine composes the shared components into one bot loop. The three
// kinds differ only in how they pick the action handed to the router.
type Engine struct {
	cfg       Config
	signals   SignalSource
	risk      RiskAuthority
	router    Router
	inventory inventory.Model
	quotes    *spread.Model
}

func NewEngine(cfg Config, signals SignalSource, risk RiskAuthority, r Router, inv inventory.Model, quotes *spread.Model) (*Engine, error) {
	if !cfg.Kind.Valid() {
		return nil, fmt.Errorf("unknown strategy kind %q: %w", cfg.Kind, ErrInvalidConfig)
	}
	if cfg.Asset == "" {
		return nil, fmt.Errorf("asset is required: %w", ErrInvalidConfig)
	}
	if signals == nil || risk == nil || r == nil {
		return nil, fmt.Errorf("signal source, risk authority and router are required: %w", ErrInvalidConfig)
	}
	if !(inv.MaxPositionAbs > 0) {
		return nil, fmt.Errorf("max_position_abs must be > 0: %w", ErrInvalidConfig)
	}
	if cfg.Kind == KindMaker && quotes == nil {
		return nil, fmt.Errorf("maker requires a spread model: %w", ErrInvalidConfig)
	}
	if cfg.Kind == KindTrend {
		if cfg.TrendFastPeriod < 2 || cfg.TrendSlowPeriod <= cfg.TrendFastPeriod {
			return nil, fmt.Errorf("trend periods need 2 <= fast < slow: %w", ErrInvalidConfig)
		}
		if !(cfg.TrendTargetSize > 0) {
			return nil, fmt.Errorf("trend_target_size must be > 0: %w", ErrInvalidConfig)
		}
	}
	if cfg.Hedge == (hedge.Thresholds{}) {
		cfg.Hedge = hedge.DefaultThresholds()
	}
	return &Engine{cfg: cfg, signals: signals, risk: risk, router: r, inventory: inv, quotes: quotes}, nil
}

func (e *Engine) Kind() Kind {
	return e.cfg.Kind
}

func (e *Engine) Asset() string {
	return e.cfg.Asset
}

// Evaluate runs one cycle. The gate is consulted first; when it vetoes
// trading the router turns whatever was computed into a cancel-all.
func (e *Engine) Evaluate(in CycleInput) CycleResult {
	res := CycleResult{Time: in.Time, Kind: e.cfg.Kind, Asset: e.cfg.Asset}
	equity := math.NaN()
	if in.Account.HasEquity {
		equity = in.Account.EquityUSD
	}
	res.Risk = e.risk.Evaluate(equity)
	res.Verdict = e.risk.Decisions(res.Risk)
	res.Signal = e.signals.Signal(in.Book)
	res.Mid, res.HasMid = in.Book.Mid()

	switch e.cfg.Kind {
	case KindHedger:
		exposure := in.Account.NetExposureUSD
		if res.HasMid {
			exposure += in.PendingSize * res.Mid
		}
		res.Hedge = e.decide(in, exposure, res.Mid, res.HasMid)
		res.Action = router.HedgeAction(e.cfg.Asset, res.Mid, res.Hedge, in.Position.Size)
	case KindMaker:
		e.evaluateMaker(in, &res)
	case KindTrend:
		e.evaluateTrend(in, &res)
	}
	res.Plan = e.router.Route(res.Action, res.Verdict, in.Resting)
	return res
}

// evaluateMaker quotes around the microprice. Sizes are capped by the
// headroom left under max_position_abs; beyond the cap the excess is
// hedged instead of quoted.
func (e *Engine) evaluateMaker(in CycleInput, res *CycleResult) {
	pos := in.Position.Size
	ref := res.Signal.Microprice
	if !(ref > 0) {
		ref = res.Mid
	}
	if !(ref > 0) {
		res.Action = router.NoAction(e.cfg.Asset, 0, pos)
		return
	}
	if math.Abs(pos) > e.inventory.MaxPositionAbs {
		excess := pos - math.Copysign(e.inventory.MaxPositionAbs, pos)
		res.Hedge = e.decide(in, excess*ref, ref, true)
		if res.Hedge.Hedge() {
			res.Action = router.HedgeAction(e.cfg.Asset, ref, res.Hedge, pos)
			return
		}
	}
	skew := e.inventory.Skew(pos)
	spreadBps := e.quotes.SpreadBps(in.Volatility, skew, res.Signal.Confidence)
	spreadBps = e.quotes.Scale(spreadBps, res.Verdict.SpreadMultiplier)
	center := ref * (1 + res.Signal.SkewAdjustment*spreadBps/2/1e4)
	q := e.quotes.QuoteAt(center, spreadBps, skew)
	q.BidSize = math.Min(q.BidSize, e.inventory.Headroom(pos, 1))
	q.AskSize = math.Min(q.AskSize, e.inventory.Headroom(pos, -1))
	res.Quote = q
	res.HasQuote = true
	res.Action = router.QuoteAction(e.cfg.Asset, q, pos)
}

// evaluateTrend follows an EMA crossover to a fixed target position and
// hedges the gap between the current position and that target.
func (e *Engine) evaluateTrend(in CycleInput, res *CycleResult) {
	pos := in.Position.Size
	dir, ok := market.EMACross(in.Closes, e.cfg.TrendFastPeriod, e.cfg.TrendSlowPeriod)
	if !ok {
		res.Target = pos
		res.Action = router.NoAction(e.cfg.Asset, res.Mid, pos)
		return
	}
	res.Trend = dir
	target := pos
	switch {
	case dir > 0:
		target = e.cfg.TrendTargetSize
	case dir < 0:
		target = -e.cfg.TrendTargetSize
	}
	limit := e.inventory.MaxPositionAbs
	target = math.Max(-limit, math.Min(limit, target))
	res.Target = target

	gap := pos + in.PendingSize - target
	res.Hedge = e.decide(in, gap*res.Mid, res.Mid, res.HasMid)
	res.Action = router.HedgeAction(e.cfg.Asset, res.Mid, res.Hedge, pos)
}

func (e *Engine) decide(in CycleInput, exposureUSD, mid float64, hasMid bool) hedge.Decision {
	return hedge.Decide(hedge.Input{
		NetExposureUSD: exposureUSD,
		MidPrice:       mid,
		HasMidPrice:    hasMid,
		ATR:            in.ATR,
		HasATR:         in.HasATR,
		EquityUSD:      in.Account.EquityUSD,
		HasEquity:      in.Account.HasEquity,
	}, e.cfg.Hedge)
}
