package strategy

import (
	"errors"
	"math"
	"testing"
	"time"

	"perp-core-bot/internal/book"
	"perp-core-bot/internal/hedge"
	"perp-core-bot/internal/inventory"
	"perp-core-bot/internal/risk"
	"perp-core-bot/internal/router"
	"perp-core-bot/internal/spread"
	"perp-core-bot/internal/venue"
)

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func testBook() book.Snapshot {
	return book.Snapshot{
		Asset: "BTC",
		Bids:  []book.Level{{Price: 99.5, Size: 5}, {Price: 99, Size: 5}},
		Asks:  []book.Level{{Price: 100.5, Size: 5}, {Price: 101, Size: 5}},
		Time:  time.Unix(1700000000, 0),
	}
}

type components struct {
	gate   *risk.Gate
	router *router.Router
	inv    inventory.Model
	quotes *spread.Model
	signal *book.Analyzer
}

func newComponents(t *testing.T) components {
	t.Helper()
	gate, err := risk.NewGate(risk.DefaultParams(0.05, 0.10))
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	r, err := router.New(router.DefaultParams())
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	inv, err := inventory.NewModel(10)
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	quotes, err := spread.New(spread.Params{BaseBps: 10, MinBps: 2, MaxBps: 50, ClipSize: 1, Coefficients: spread.DefaultCoefficients()})
	if err != nil {
		t.Fatalf("spread: %v", err)
	}
	signal, err := book.NewAnalyzer(5, 100, book.DefaultSkewFactor)
	if err != nil {
		t.Fatalf("analyzer: %v", err)
	}
	return components{gate: gate, router: r, inv: inv, quotes: quotes, signal: signal}
}

func newEngine(t *testing.T, c components, cfg Config) *Engine {
	t.Helper()
	if cfg.Asset == "" {
		cfg.Asset = "BTC"
	}
	e, err := NewEngine(cfg, c.signal, c.gate, c.router, c.inv, c.quotes)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e
}

func account(equity, exposure float64) venue.AccountState {
	return venue.AccountState{EquityUSD: equity, NetExposureUSD: exposure, HasEquity: true}
}

func TestNewEngineValidation(t *testing.T) {
	c := newComponents(t)
	cases := []Config{
		{Kind: "scalper", Asset: "BTC"},
		{Kind: KindHedger},
		{Kind: KindTrend, Asset: "BTC", TrendFastPeriod: 5, TrendSlowPeriod: 3, TrendTargetSize: 1},
		{Kind: KindTrend, Asset: "BTC", TrendFastPeriod: 2, TrendSlowPeriod: 3},
	}
	for i, cfg := range cases {
		if _, err := NewEngine(cfg, c.signal, c.gate, c.router, c.inv, c.quotes); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: expected config error, got %v", i, err)
		}
	}
	if _, err := NewEngine(Config{Kind: KindMaker, Asset: "BTC"}, c.signal, c.gate, c.router, c.inv, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected maker without spread model to fail, got %v", err)
	}
}

func TestHedgerScenarioAggressive(t *testing.T) {
	e := newEngine(t, newComponents(t), Config{Kind: KindHedger})
	res := e.Evaluate(CycleInput{
		Book:     testBook(),
		Account:  account(10000, 1000),
		Position: inventory.PositionState{Size: 10},
		ATR:      2,
		HasATR:   true,
	})
	if !res.Hedge.Hedge() || !near(res.Hedge.Qty, -10) || !near(res.Hedge.Urgency, 10) {
		t.Fatalf("unexpected decision %s", res.Hedge)
	}
	if len(res.Plan.Intents) != 1 {
		t.Fatalf("expected one intent, got %#v", res.Plan)
	}
	intent := res.Plan.Intents[0]
	if intent.Route != router.RouteAggressive || intent.Side != inventory.SideSell {
		t.Fatalf("expected aggressive sell, got %s %s", intent.Route, intent.Side)
	}
}

func TestHedgerScenarioZeroATR(t *testing.T) {
	e := newEngine(t, newComponents(t), Config{Kind: KindHedger})
	res := e.Evaluate(CycleInput{Book: testBook(), Account: account(10000, 1000), HasATR: true})
	if !near(res.Hedge.Urgency, 10) {
		t.Fatalf("expected urgency to saturate at 10, got %f", res.Hedge.Urgency)
	}
}

func TestHedgerScenarioEmptyBook(t *testing.T) {
	e := newEngine(t, newComponents(t), Config{Kind: KindHedger})
	res := e.Evaluate(CycleInput{Book: book.Snapshot{Asset: "BTC"}, Account: account(10000, 1000)})
	if res.Hedge.Hedge() || res.Hedge.Reason != hedge.ReasonNoPrice {
		t.Fatalf("expected NO_PRICE, got %s", res.Hedge)
	}
	if !res.Signal.Zero() {
		t.Fatalf("expected zero signal for an empty book")
	}
	if !res.Plan.Empty() {
		t.Fatalf("expected empty plan, got %#v", res.Plan)
	}
}

func TestHedgerCountsPendingOrders(t *testing.T) {
	e := newEngine(t, newComponents(t), Config{Kind: KindHedger})
	res := e.Evaluate(CycleInput{Book: testBook(), Account: account(10000, 1000), PendingSize: -10})
	if res.Hedge.Hedge() || res.Hedge.Reason != hedge.ReasonNoDelta {
		t.Fatalf("expected pending hedge to cover exposure, got %s", res.Hedge)
	}
}

func TestEngineHaltCancelsBeforeTrading(t *testing.T) {
	e := newEngine(t, newComponents(t), Config{Kind: KindHedger})
	series := []float64{10000, 9800, 9500, 9300, 9000}
	var res CycleResult
	for _, eq := range series {
		res = e.Evaluate(CycleInput{Book: testBook(), Account: account(eq, 1000), Resting: 2, ATR: 2, HasATR: true})
	}
	if !res.Halted() {
		t.Fatalf("expected halt, got %s", res.Risk.Mode)
	}
	if !res.Hedge.Hedge() {
		t.Fatalf("expected a hedge to still be computed")
	}
	if len(res.Plan.Intents) != 0 || !res.Plan.CancelAll {
		t.Fatalf("expected cancel-all priority, got %#v", res.Plan)
	}
	res = e.Evaluate(CycleInput{Book: testBook(), Account: account(12000, 1000), Resting: 0})
	if !res.Halted() || len(res.Plan.Intents) != 0 {
		t.Fatalf("expected halt to persist on an equity uptick")
	}
}

func TestEngineDeRiskHalvesSize(t *testing.T) {
	e := newEngine(t, newComponents(t), Config{Kind: KindHedger})
	e.Evaluate(CycleInput{Book: testBook(), Account: account(10000, 0)})
	res := e.Evaluate(CycleInput{Book: testBook(), Account: account(9400, 1000), ATR: 2, HasATR: true})
	if res.Risk.Mode != risk.ModeDeRisk {
		t.Fatalf("expected de-risk, got %s", res.Risk.Mode)
	}
	if len(res.Plan.Intents) != 1 || !near(res.Plan.Intents[0].Size, 5) {
		t.Fatalf("expected halved hedge, got %#v", res.Plan.Intents)
	}
}

func TestMakerQuotesBothSides(t *testing.T) {
	e := newEngine(t, newComponents(t), Config{Kind: KindMaker})
	res := e.Evaluate(CycleInput{Book: testBook(), Account: account(10000, 0), Resting: 2})
	if !res.HasQuote {
		t.Fatalf("expected a quote")
	}
	if len(res.Plan.Intents) != 2 || !res.Plan.CancelAll {
		t.Fatalf("expected two replacing quotes, got %#v", res.Plan)
	}
	bid, ask := res.Plan.Intents[0], res.Plan.Intents[1]
	if bid.Side != inventory.SideBuy || ask.Side != inventory.SideSell {
		t.Fatalf("unexpected sides %s %s", bid.Side, ask.Side)
	}
	if !(bid.Price < res.Quote.Center && ask.Price > res.Quote.Center) {
		t.Fatalf("expected quotes around %f, got %f / %f", res.Quote.Center, bid.Price, ask.Price)
	}
	if bid.Route != router.RoutePassive || ask.Route != router.RoutePassive {
		t.Fatalf("expected passive quotes")
	}
}

func TestMakerLongInventorySkewsSizes(t *testing.T) {
	e := newEngine(t, newComponents(t), Config{Kind: KindMaker})
	res := e.Evaluate(CycleInput{Book: testBook(), Account: account(10000, 500), Position: inventory.PositionState{Size: 5}})
	if !(res.Quote.BidSize < res.Quote.AskSize) {
		t.Fatalf("expected smaller bid when long, got bid %f ask %f", res.Quote.BidSize, res.Quote.AskSize)
	}
}

func TestMakerAtCapQuotesReducingSideOnly(t *testing.T) {
	e := newEngine(t, newComponents(t), Config{Kind: KindMaker})
	res := e.Evaluate(CycleInput{Book: testBook(), Account: account(10000, 1000), Position: inventory.PositionState{Size: 10}})
	if res.Quote.BidSize != 0 {
		t.Fatalf("expected no bid at the cap, got %f", res.Quote.BidSize)
	}
	if len(res.Plan.Intents) != 1 || res.Plan.Intents[0].Side != inventory.SideSell {
		t.Fatalf("expected ask only, got %#v", res.Plan.Intents)
	}
}

func TestMakerOverCapHedgesExcess(t *testing.T) {
	e := newEngine(t, newComponents(t), Config{Kind: KindMaker})
	res := e.Evaluate(CycleInput{Book: testBook(), Account: account(10000, 1200), Position: inventory.PositionState{Size: 12}, ATR: 1, HasATR: true})
	if !res.Hedge.Hedge() || !near(res.Hedge.Qty, -2) {
		t.Fatalf("expected hedge of the 2 excess, got %s", res.Hedge)
	}
	if res.HasQuote {
		t.Fatalf("expected no quote while over the cap")
	}
	if len(res.Plan.Intents) != 1 || res.Plan.Intents[0].Side != inventory.SideSell {
		t.Fatalf("expected one sell, got %#v", res.Plan.Intents)
	}
}

func TestTrendFollowsCrossover(t *testing.T) {
	e := newEngine(t, newComponents(t), Config{Kind: KindTrend, TrendFastPeriod: 2, TrendSlowPeriod: 4, TrendTargetSize: 3})
	closes := []float64{90, 92, 94, 96, 98, 100}
	res := e.Evaluate(CycleInput{Book: testBook(), Account: account(10000, 0), Closes: closes, ATR: 1, HasATR: true})
	if res.Trend != 1 || res.Target != 3 {
		t.Fatalf("expected long target 3, got trend %d target %f", res.Trend, res.Target)
	}
	if !res.Hedge.Hedge() || !near(res.Hedge.Qty, 3) {
		t.Fatalf("expected buy of 3, got %s", res.Hedge)
	}
	if len(res.Plan.Intents) != 1 || res.Plan.Intents[0].Side != inventory.SideBuy {
		t.Fatalf("expected buy intent, got %#v", res.Plan.Intents)
	}
}

func TestTrendAtTargetSkips(t *testing.T) {
	e := newEngine(t, newComponents(t), Config{Kind: KindTrend, TrendFastPeriod: 2, TrendSlowPeriod: 4, TrendTargetSize: 3})
	closes := []float64{100, 98, 96, 94, 92, 90}
	res := e.Evaluate(CycleInput{Book: testBook(), Account: account(10000, -300), Position: inventory.PositionState{Size: -3}, Closes: closes})
	if res.Trend != -1 || res.Hedge.Hedge() {
		t.Fatalf("expected short target already held, got trend %d %s", res.Trend, res.Hedge)
	}
}

func TestTrendWarmingUp(t *testing.T) {
	e := newEngine(t, newComponents(t), Config{Kind: KindTrend, TrendFastPeriod: 2, TrendSlowPeriod: 4, TrendTargetSize: 3})
	res := e.Evaluate(CycleInput{Book: testBook(), Account: account(10000, 0), Closes: []float64{1, 2}})
	if res.Action.Kind != router.KindNone || !res.Plan.Empty() {
		t.Fatalf("expected no action while warming up, got %#v", res.Plan)
	}
}

func TestTrendTargetCappedByInventory(t *testing.T) {
	e := newEngine(t, newComponents(t), Config{Kind: KindTrend, TrendFastPeriod: 2, TrendSlowPeriod: 4, TrendTargetSize: 50})
	closes := []float64{90, 92, 94, 96, 98, 100}
	res := e.Evaluate(CycleInput{Book: testBook(), Account: account(10000, 0), Closes: closes})
	if res.Target != 10 {
		t.Fatalf("expected target capped at 10, got %f", res.Target)
	}
}

func TestTrendWithoutBookIsNoPrice(t *testing.T) {
	e := newEngine(t, newComponents(t), Config{Kind: KindTrend, TrendFastPeriod: 2, TrendSlowPeriod: 4, TrendTargetSize: 3})
	closes := []float64{90, 92, 94, 96, 98, 100}
	res := e.Evaluate(CycleInput{Book: book.Snapshot{Asset: "BTC"}, Account: account(10000, 0), Closes: closes, ATR: 1, HasATR: true})
	if res.Trend != 1 || res.Target != 3 {
		t.Fatalf("expected the crossover to still set a target, got trend %d target %f", res.Trend, res.Target)
	}
	if res.Hedge.Hedge() || res.Hedge.Reason != hedge.ReasonNoPrice {
		t.Fatalf("expected NO_PRICE without a book, got %s", res.Hedge)
	}
	if len(res.Plan.Intents) != 0 {
		t.Fatalf("expected no intents, got %#v", res.Plan.Intents)
	}
}

func TestMakerDeRiskTightensSpread(t *testing.T) {
	normal := newEngine(t, newComponents(t), Config{Kind: KindMaker})
	base := normal.Evaluate(CycleInput{Book: testBook(), Account: account(10000, 0)})
	if !base.HasQuote || base.Risk.Mode != risk.ModeNormal {
		t.Fatalf("expected a normal quote, got mode %s", base.Risk.Mode)
	}

	e := newEngine(t, newComponents(t), Config{Kind: KindMaker})
	e.Evaluate(CycleInput{Book: testBook(), Account: account(10000, 0)})
	res := e.Evaluate(CycleInput{Book: testBook(), Account: account(9400, 0)})
	if res.Risk.Mode != risk.ModeDeRisk || !res.HasQuote {
		t.Fatalf("expected a de-risk quote, got mode %s", res.Risk.Mode)
	}
	want := base.Quote.SpreadBps * risk.DefaultDeRiskSpreadMultiplier
	if !near(res.Quote.SpreadBps, want) {
		t.Fatalf("expected spread %f, got %f", want, res.Quote.SpreadBps)
	}
	if !(res.Quote.AskPrice-res.Quote.BidPrice < base.Quote.AskPrice-base.Quote.BidPrice) {
		t.Fatalf("expected a tighter quote, got %#v vs %#v", res.Quote, base.Quote)
	}
}
