package risk

import (
	"errors"
	"math"
	"testing"
	"time"
)

func newGate(t *testing.T, p Params) *Gate {
	t.Helper()
	if p.SoftDrawdownPct == 0 {
		p.SoftDrawdownPct = 0.05
	}
	if p.HardDrawdownPct == 0 {
		p.HardDrawdownPct = 0.10
	}
	if p.DeRiskSizeMultiplier == 0 {
		p.DeRiskSizeMultiplier = DefaultDeRiskSizeMultiplier
	}
	if p.DeRiskSpreadMultiplier == 0 {
		p.DeRiskSpreadMultiplier = DefaultDeRiskSpreadMultiplier
	}
	g, err := NewGate(p)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return g
}

func TestNewGateValidation(t *testing.T) {
	with := func(fn func(p *Params)) Params {
		p := DefaultParams(0.1, 0.2)
		fn(&p)
		return p
	}
	cases := []Params{
		DefaultParams(0, 0.1),
		DefaultParams(0.2, 0.1),
		DefaultParams(0.1, 0.1),
		DefaultParams(0.1, 1.5),
		with(func(p *Params) { p.DeRiskSizeMultiplier = 2 }),
		with(func(p *Params) { p.DeRiskSizeMultiplier = 0 }),
		with(func(p *Params) { p.DeRiskSpreadMultiplier = 0 }),
		with(func(p *Params) { p.DeRiskSpreadMultiplier = 1.2 }),
		with(func(p *Params) { p.DeRiskSpreadMultiplier = math.NaN() }),
		with(func(p *Params) { p.HaltCooldown = -time.Second }),
		{SoftDrawdownPct: 0.1, HardDrawdownPct: 0.2},
	}
	for i, p := range cases {
		if _, err := NewGate(p); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: expected config error, got %v", i, err)
		}
	}
}

func TestGateStartsNormal(t *testing.T) {
	g := newGate(t, Params{})
	if g.State().Mode != ModeNormal {
		t.Fatalf("expected %s, got %s", ModeNormal, g.State().Mode)
	}
	v := g.Decisions(g.State())
	if !v.AllowTrading || !v.AllowQuoting || v.SizeMultiplier != 1 || v.SpreadMultiplier != 1 {
		t.Fatalf("unexpected normal verdict: %#v", v)
	}
}

func TestGateDrawdownTransitionsAndHaltIsTerminal(t *testing.T) {
	g := newGate(t, Params{})
	var transitions []Mode
	g.OnTransition(func(from, to State) {
		transitions = append(transitions, to.Mode)
	})
	series := []float64{10000, 9800, 9500, 9300, 9000, 8800}
	var modes []Mode
	for _, eq := range series {
		modes = append(modes, g.Evaluate(eq).Mode)
	}
	want := []Mode{ModeNormal, ModeNormal, ModeDeRisk, ModeDeRisk, ModeHalt, ModeHalt}
	for i := range want {
		if modes[i] != want[i] {
			t.Fatalf("step %d: expected %s, got %s (all %v)", i, want[i], modes[i], modes)
		}
	}
	if len(transitions) != 2 || transitions[0] != ModeDeRisk || transitions[1] != ModeHalt {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
	if got := g.Evaluate(12000).Mode; got != ModeHalt {
		t.Fatalf("expected halt to survive an equity uptick, got %s", got)
	}
	v := g.Decisions(g.State())
	if v.AllowTrading || v.AllowQuoting || !v.CancelResting {
		t.Fatalf("unexpected halt verdict: %#v", v)
	}
}

func TestGateDrawdownValue(t *testing.T) {
	g := newGate(t, Params{SoftDrawdownPct: 0.5, HardDrawdownPct: 0.9})
	g.Evaluate(200)
	s := g.Evaluate(150)
	if math.Abs(s.DrawdownPct-0.25) > 1e-12 {
		t.Fatalf("expected drawdown 0.25, got %f", s.DrawdownPct)
	}
	if s.PeakEquity != 200 {
		t.Fatalf("expected peak 200, got %f", s.PeakEquity)
	}
}

func TestGateDeRiskRecovers(t *testing.T) {
	g := newGate(t, Params{})
	g.Evaluate(1000)
	if got := g.Evaluate(940).Mode; got != ModeDeRisk {
		t.Fatalf("expected %s, got %s", ModeDeRisk, got)
	}
	v := g.Decisions(g.State())
	if !v.AllowTrading || v.SizeMultiplier != DefaultDeRiskSizeMultiplier || v.SpreadMultiplier != DefaultDeRiskSpreadMultiplier {
		t.Fatalf("unexpected de-risk verdict: %#v", v)
	}
	s := g.Evaluate(990)
	if s.Mode != ModeNormal || s.Reason != ReasonRecovered {
		t.Fatalf("expected recovery to normal, got %s (%s)", s.Mode, s.Reason)
	}
}

func TestGateIgnoresUnusableEquity(t *testing.T) {
	g := newGate(t, Params{})
	g.Evaluate(1000)
	for _, eq := range []float64{0, -5, math.NaN(), math.Inf(1)} {
		s := g.Evaluate(eq)
		if s.Mode != ModeNormal || s.PeakEquity != 1000 {
			t.Fatalf("expected state unchanged for equity %v, got %#v", eq, s)
		}
		if s.Reason != ReasonBadEquity {
			t.Fatalf("expected reason %s, got %s", ReasonBadEquity, s.Reason)
		}
	}
}

func TestGateZeroPeakHasNoDrawdown(t *testing.T) {
	g := newGate(t, Params{})
	if s := g.State(); s.DrawdownPct != 0 || s.PeakEquity != 0 {
		t.Fatalf("expected no drawdown before any equity, got %#v", s)
	}
}

func TestGateManualReset(t *testing.T) {
	g := newGate(t, Params{ForceFlatten: true})
	g.Evaluate(1000)
	g.Evaluate(800)
	if g.State().Mode != ModeHalt {
		t.Fatalf("expected halt")
	}
	if !g.Decisions(g.State()).ForceFlatten {
		t.Fatalf("expected force flatten in halt")
	}
	s := g.Reset()
	if s.Mode != ModeNormal || s.Reason != ReasonManualReset {
		t.Fatalf("expected manual reset to normal, got %#v", s)
	}
	if got := g.Evaluate(800).Mode; got != ModeNormal {
		t.Fatalf("expected peak to re-anchor after reset, got %s", got)
	}
}

func TestGateHaltCooldown(t *testing.T) {
	g := newGate(t, Params{HaltCooldown: time.Minute})
	now := time.Unix(1700000000, 0)
	g.now = func() time.Time { return now }
	g.Evaluate(1000)
	g.Evaluate(850)
	if g.State().Mode != ModeHalt {
		t.Fatalf("expected halt")
	}
	now = now.Add(30 * time.Second)
	if got := g.Evaluate(850).Mode; got != ModeHalt {
		t.Fatalf("expected halt before cooldown, got %s", got)
	}
	now = now.Add(31 * time.Second)
	s := g.Evaluate(850)
	if s.Mode != ModeNormal || s.Reason != ReasonHaltExpired {
		t.Fatalf("expected cooldown reset, got %s (%s)", s.Mode, s.Reason)
	}
	if s.PeakEquity != 850 {
		t.Fatalf("expected peak to re-anchor at 850, got %f", s.PeakEquity)
	}
}

func TestModeOrdinal(t *testing.T) {
	if ModeNormal.Ordinal() != 0 || ModeDeRisk.Ordinal() != 1 || ModeHalt.Ordinal() != 2 {
		t.Fatalf("unexpected ordinals")
	}
}
