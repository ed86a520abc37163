package router

import (
	"errors"
	"fmt"
	"math"

	"perp-core-bot/internal/hedge"
	"perp-core-bot/internal/inventory"
	"perp-core-bot/internal/risk"
	"perp-core-bot/internal/spread"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Route string

const (
	RouteAggressive Route = "AGGRESSIVE"
	RoutePassive    Route = "PASSIVE"
)

type Kind string

const (
	KindNone  Kind = "none"
	KindHedge Kind = "hedge"
	KindQuote Kind = "quote"
)

const (
	ReasonTradingBlocked  = "trading_blocked"
	ReasonQuotingDisabled = "quoting_disabled"
	ReasonNoAction        = "no_action"
	ReasonNoPrice         = "no_reference_price"
	ReasonBelowLot        = "below_lot_size"
	ReasonBelowMinOrder   = "below_min_order"
	ReasonHedge           = "hedge"
	ReasonQuoteBid        = "quote_bid"
	ReasonQuoteAsk        = "quote_ask"
	ReasonForceFlatten    = "force_flatten"
)

var ErrInvalidConfig = errors.New("router: invalid config")

type Params struct {
	UrgencyThreshold      float64
	AggressiveSlippageBps float64
	PassiveOffsetBps      float64
	TickSize              float64
	LotSize               float64
	MinOrderUSD           float64
}

func DefaultParams() Params {
	return Params{
		UrgencyThreshold:      1.0,
		AggressiveSlippageBps: 10,
		PassiveOffsetBps:      2,
	}
}

// OrderIntent is the router's output. It is never mutated once emitted.
type OrderIntent struct {
	ClientOrderID string
	Asset         string
	Side          inventory.Side
	Price         float64
	Size          float64
	SizeUSD       float64
	Route         Route
	ReduceOnly    bool
	Reason        string
}

func (o OrderIntent) IsBuy() bool {
	return o.Side == inventory.SideBuy
}

// SignedSize is positive for buys and negative for sells.
func (o OrderIntent) SignedSize() float64 {
	if o.Side == inventory.SideSell {
		return -o.Size
	}
	return o.Size
}

// Action is what the strategy wants done this cycle. Position is the
// fill-confirmed base size, used only when the gate forces a flatten.
type Action struct {
	Kind     Kind
	Asset    string
	RefPrice float64
	Hedge    hedge.Decision
	Quote    spread.Quote
	Position float64
}

func HedgeAction(asset string, refPrice float64, d hedge.Decision, position float64) Action {
	return Action{Kind: KindHedge, Asset: asset, RefPrice: refPrice, Hedge: d, Position: position}
}

func QuoteAction(asset string, q spread.Quote, position float64) Action {
	return Action{Kind: KindQuote, Asset: asset, RefPrice: q.Center, Quote: q, Position: position}
}

func NoAction(asset string, refPrice, position float64) Action {
	return Action{Kind: KindNone, Asset: asset, RefPrice: refPrice, Position: position}
}

type Plan struct {
	Intents   []OrderIntent
	CancelAll bool
	Reason    string
	Dropped   []string
}

func (p Plan) Empty() bool {
	return len(p.Intents) == 0 && !p.CancelAll
}

type Router struct {
	params Params
	newID  func() string
}

func New(p Params) (*Router, error) {
	if p.UrgencyThreshold < 0 || math.IsNaN(p.UrgencyThreshold) {
		return nil, fmt.Errorf("urgency_route_threshold must be >= 0: %w", ErrInvalidConfig)
	}
	if p.AggressiveSlippageBps < 0 || p.PassiveOffsetBps < 0 {
		return nil, fmt.Errorf("slippage budgets must be >= 0: %w", ErrInvalidConfig)
	}
	if p.AggressiveSlippageBps >= 1e4 || p.PassiveOffsetBps >= 1e4 {
		return nil, fmt.Errorf("slippage budgets must be below 10000 bps: %w", ErrInvalidConfig)
	}
	if p.TickSize < 0 || p.LotSize < 0 || p.MinOrderUSD < 0 {
		return nil, fmt.Errorf("tick_size, lot_size and min_order_usd must be >= 0: %w", ErrInvalidConfig)
	}
	return &Router{params: p, newID: uuid.NewString}, nil
}

func (r *Router) Params() Params {
	return r.params
}

// RouteFor classifies an urgency score.
func (r *Router) RouteFor(urgency float64) Route {
	if urgency > r.params.UrgencyThreshold {
		return RouteAggressive
	}
	return RoutePassive
}

// Route turns an action and the gate's verdict into a plan. It never
// retries and never talks to a venue.
func (r *Router) Route(a Action, v risk.Verdict, resting int) Plan {
	if !v.AllowTrading {
		plan := Plan{CancelAll: resting > 0 || v.CancelResting, Reason: ReasonTradingBlocked}
		if v.ForceFlatten && a.Position != 0 {
			r.add(&plan, a.Asset, -a.Position, a.RefPrice, RouteAggressive, true, ReasonForceFlatten)
		}
		return plan
	}
	switch a.Kind {
	case KindHedge:
		return r.routeHedge(a, v)
	case KindQuote:
		return r.routeQuote(a, v, resting)
	default:
		return Plan{Reason: ReasonNoAction}
	}
}

func (r *Router) routeHedge(a Action, v risk.Verdict) Plan {
	if !a.Hedge.Hedge() {
		return Plan{Reason: string(a.Hedge.Reason)}
	}
	plan := Plan{Reason: ReasonHedge}
	qty := a.Hedge.Qty * v.SizeMultiplier
	if drop := r.add(&plan, a.Asset, qty, a.RefPrice, r.RouteFor(a.Hedge.Urgency), false, ReasonHedge); drop != "" {
		plan.Reason = drop
	}
	return plan
}

// routeQuote replaces the resting quotes. Quote prices already carry the
// spread, so no extra passive offset is applied.
func (r *Router) routeQuote(a Action, v risk.Verdict, resting int) Plan {
	if !v.AllowQuoting {
		return Plan{CancelAll: resting > 0, Reason: ReasonQuotingDisabled}
	}
	plan := Plan{CancelAll: resting > 0, Reason: ReasonNoAction}
	q := a.Quote
	if q.BidSize > 0 {
		r.addAt(&plan, a.Asset, inventory.SideBuy, q.BidSize*v.SizeMultiplier, q.BidPrice, RoutePassive, false, ReasonQuoteBid)
	}
	if q.AskSize > 0 {
		r.addAt(&plan, a.Asset, inventory.SideSell, q.AskSize*v.SizeMultiplier, q.AskPrice, RoutePassive, false, ReasonQuoteAsk)
	}
	if len(plan.Intents) > 0 {
		plan.Reason = string(KindQuote)
	}
	return plan
}

func (r *Router) add(plan *Plan, asset string, qty, ref float64, route Route, reduceOnly bool, reason string) string {
	side := inventory.SideBuy
	if qty < 0 {
		side = inventory.SideSell
	}
	return r.addAt(plan, asset, side, math.Abs(qty), r.limitPrice(ref, side, route), route, reduceOnly, reason)
}

func (r *Router) addAt(plan *Plan, asset string, side inventory.Side, size, price float64, route Route, reduceOnly bool, reason string) string {
	intent, drop := r.build(asset, side, size, price, route, reduceOnly, reason)
	if drop != "" {
		plan.Dropped = append(plan.Dropped, reason+":"+drop)
		return drop
	}
	plan.Intents = append(plan.Intents, intent)
	return ""
}

// limitPrice is adverse by the slippage budget for aggressive routes and
// favourable by the passive offset for resting ones.
func (r *Router) limitPrice(ref float64, side inventory.Side, route Route) float64 {
	bps := r.params.PassiveOffsetBps
	sign := -1.0
	if route == RouteAggressive {
		bps = r.params.AggressiveSlippageBps
		sign = 1.0
	}
	if side == inventory.SideSell {
		sign = -sign
	}
	return ref * (1 + sign*bps/1e4)
}

func (r *Router) build(asset string, side inventory.Side, size, price float64, route Route, reduceOnly bool, reason string) (OrderIntent, string) {
	if !(price > 0) || math.IsInf(price, 0) {
		return OrderIntent{}, ReasonNoPrice
	}
	if !(size > 0) || math.IsInf(size, 0) {
		return OrderIntent{}, ReasonBelowLot
	}
	px := quantizePrice(price, r.params.TickSize, roundUp(side, route))
	sz := quantizeSize(size, r.params.LotSize)
	if !px.IsPositive() {
		return OrderIntent{}, ReasonNoPrice
	}
	if !sz.IsPositive() {
		return OrderIntent{}, ReasonBelowLot
	}
	notional := px.Mul(sz)
	if r.params.MinOrderUSD > 0 && notional.LessThan(decimal.NewFromFloat(r.params.MinOrderUSD)) {
		return OrderIntent{}, ReasonBelowMinOrder
	}
	return OrderIntent{
		ClientOrderID: r.newID(),
		Asset:         asset,
		Side:          side,
		Price:         px.InexactFloat64(),
		Size:          sz.InexactFloat64(),
		SizeUSD:       notional.InexactFloat64(),
		Route:         route,
		ReduceOnly:    reduceOnly,
		Reason:        reason,
	}, ""
}

// roundUp keeps aggressive orders marketable and passive orders on their
// own side of the book after tick rounding.
func roundUp(side inventory.Side, route Route) bool {
	buy := side == inventory.SideBuy
	if route == RouteAggressive {
		return buy
	}
	return !buy
}

func quantizePrice(price, tick float64, up bool) decimal.Decimal {
	d := decimal.NewFromFloat(price)
	if tick <= 0 {
		return d
	}
	t := decimal.NewFromFloat(tick)
	steps := d.Div(t)
	if up {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	return steps.Mul(t)
}

func quantizeSize(size, lot float64) decimal.Decimal {
	d := decimal.NewFromFloat(size)
	if lot <= 0 {
		return d
	}
	l := decimal.NewFromFloat(lot)
	return d.Div(l).Floor().Mul(l)
}
