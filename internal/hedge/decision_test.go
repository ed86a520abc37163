package hedge

import (
	"math"
	"testing"
)

func baseInput() Input {
	return Input{
		NetExposureUSD: 1000,
		MidPrice:       100,
		HasMidPrice:    true,
		ATR:            2,
		HasATR:         true,
		EquityUSD:      10000,
		HasEquity:      true,
	}
}

func TestDecideNoDeltaRegardlessOfInputs(t *testing.T) {
	inputs := []Input{
		{NetExposureUSD: 0},
		{NetExposureUSD: 0, MidPrice: 100, HasMidPrice: true, EquityUSD: 1e6, HasEquity: true},
		{NetExposureUSD: 0, MidPrice: -1, HasMidPrice: true, ATR: math.NaN(), HasATR: true},
		{NetExposureUSD: math.NaN(), MidPrice: 100, HasMidPrice: true},
	}
	for i, in := range inputs {
		got := Decide(in, DefaultThresholds())
		if got.Action != ActionSkip || got.Reason != ReasonNoDelta {
			t.Fatalf("case %d: expected SKIP/NO_DELTA, got %s", i, got)
		}
	}
}

func TestDecideScenarioA(t *testing.T) {
	got := Decide(baseInput(), DefaultThresholds())
	if got.Action != ActionHedge {
		t.Fatalf("expected HEDGE, got %s", got)
	}
	if got.Qty != -10 {
		t.Fatalf("expected qty -10, got %f", got.Qty)
	}
	if got.Urgency != 10 {
		t.Fatalf("expected urgency 10, got %f", got.Urgency)
	}
	if got.Side() != "SELL" {
		t.Fatalf("expected SELL hedge for long exposure, got %s", got.Side())
	}
}

func TestDecideScenarioBZeroATRClampsAfterGuard(t *testing.T) {
	in := baseInput()
	in.ATR = 0
	got := Decide(in, DefaultThresholds())
	if got.Action != ActionHedge || got.Qty != -10 || got.Urgency != 10 {
		t.Fatalf("expected HEDGE qty=-10 urgency=10, got %s", got)
	}

	in.HasATR = false
	got = Decide(in, DefaultThresholds())
	if got.Action != ActionHedge || got.Urgency != 10 {
		t.Fatalf("expected missing ATR to use the floor, got %s", got)
	}
}

func TestDecideScenarioCBelowDelta(t *testing.T) {
	in := baseInput()
	in.NetExposureUSD = 0.0000001
	got := Decide(in, DefaultThresholds())
	if got.Action != ActionSkip || got.Reason != ReasonNoDelta {
		t.Fatalf("expected SKIP/NO_DELTA, got %s", got)
	}
}

func TestDecideNoPrice(t *testing.T) {
	in := baseInput()
	in.HasMidPrice = false
	if got := Decide(in, DefaultThresholds()); got.Reason != ReasonNoPrice {
		t.Fatalf("expected NO_PRICE for missing mid, got %s", got)
	}
	in = baseInput()
	in.MidPrice = 0
	if got := Decide(in, DefaultThresholds()); got.Reason != ReasonNoPrice {
		t.Fatalf("expected NO_PRICE for zero mid, got %s", got)
	}
}

func TestDecideNoEquity(t *testing.T) {
	in := baseInput()
	in.EquityUSD = 0.005
	if got := Decide(in, DefaultThresholds()); got.Reason != ReasonNoEquity {
		t.Fatalf("expected NO_EQUITY, got %s", got)
	}
	in = baseInput()
	in.HasEquity = false
	if got := Decide(in, DefaultThresholds()); got.Reason != ReasonNoEquity {
		t.Fatalf("expected NO_EQUITY for missing equity, got %s", got)
	}
}

func TestDecideDust(t *testing.T) {
	in := baseInput()
	in.NetExposureUSD = 0.01
	in.MidPrice = 1e5
	got := Decide(in, DefaultThresholds())
	if got.Action != ActionSkip || got.Reason != ReasonDust {
		t.Fatalf("expected SKIP/DUST, got %s", got)
	}
}

func TestDecideUrgencyMonotonic(t *testing.T) {
	in := baseInput()
	in.ATR = 1000
	in.NetExposureUSD = -500
	low := Decide(in, DefaultThresholds())
	in.NetExposureUSD = -2000
	high := Decide(in, DefaultThresholds())
	if low.Urgency != 0.5 || high.Urgency != 2 {
		t.Fatalf("expected urgencies 0.5 and 2, got %f and %f", low.Urgency, high.Urgency)
	}
	if low.Qty != 5 || low.Side() != "BUY" {
		t.Fatalf("expected BUY 5 for short exposure, got %f %s", low.Qty, low.Side())
	}
	in.ATR = 4000
	quieter := Decide(in, DefaultThresholds())
	if quieter.Urgency >= high.Urgency {
		t.Fatalf("expected higher ATR to lower urgency, got %f vs %f", quieter.Urgency, high.Urgency)
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	in := baseInput()
	in.ATR = 333
	a := Decide(in, DefaultThresholds())
	b := Decide(in, DefaultThresholds())
	if a != b {
		t.Fatalf("expected identical decisions, got %s and %s", a, b)
	}
}
