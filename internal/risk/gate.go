package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"perp-core-bot/internal/safemath"
)

const (
	DefaultDeRiskSizeMultiplier   = 0.5
	DefaultDeRiskSpreadMultiplier = 0.8
)

const (
	ReasonDrawdownSoft = "drawdown_soft_limit"
	ReasonDrawdownHard = "drawdown_hard_limit"
	ReasonRecovered    = "drawdown_recovered"
	ReasonBadEquity    = "equity_unavailable"
	ReasonManualReset  = "manual_reset"
	ReasonHaltExpired  = "halt_cooldown_elapsed"
)

var ErrInvalidConfig = errors.New("risk: invalid config")

// Gate is the drawdown state machine. It is the only component allowed to
// veto or degrade the output of the others.
type Gate struct {
	mu           sync.Mutex
	params       Params
	state        State
	now          func() time.Time
	onTransition func(from, to State)
}

func NewGate(p Params) (*Gate, error) {
	if !(p.SoftDrawdownPct > 0) {
		return nil, fmt.Errorf("soft_drawdown_pct must be > 0: %w", ErrInvalidConfig)
	}
	if p.HardDrawdownPct <= p.SoftDrawdownPct || p.HardDrawdownPct > 1 {
		return nil, fmt.Errorf("hard_drawdown_pct must be in (soft_drawdown_pct, 1]: %w", ErrInvalidConfig)
	}
	if !(p.DeRiskSizeMultiplier > 0) || p.DeRiskSizeMultiplier > 1 {
		return nil, fmt.Errorf("de_risk_size_multiplier must be in (0, 1]: %w", ErrInvalidConfig)
	}
	if !(p.DeRiskSpreadMultiplier > 0) || p.DeRiskSpreadMultiplier > 1 {
		return nil, fmt.Errorf("de_risk_spread_multiplier must be in (0, 1]: %w", ErrInvalidConfig)
	}
	if p.HaltCooldown < 0 {
		return nil, fmt.Errorf("halt_cooldown must be >= 0: %w", ErrInvalidConfig)
	}
	g := &Gate{params: p, now: time.Now}
	g.state = State{Mode: ModeNormal, Since: g.now().UTC()}
	return g, nil
}

// OnTransition registers a hook called (outside the lock) on every mode change.
func (g *Gate) OnTransition(fn func(from, to State)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onTransition = fn
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Evaluate folds the current equity into the peak tracker and returns the
// resulting state. Unusable equity leaves the state untouched.
func (g *Gate) Evaluate(equity float64) State {
	g.mu.Lock()
	prev := g.state
	now := g.now().UTC()
	if !safemath.Finite(equity) || equity <= 0 {
		g.state.Reason = ReasonBadEquity
		out := g.state
		g.mu.Unlock()
		return out
	}

	next := g.state
	next.Equity = equity
	next.Reason = ""
	if next.Mode == ModeHalt && g.params.HaltCooldown > 0 && now.Sub(next.Since) >= g.params.HaltCooldown {
		next = State{Mode: ModeNormal, PeakEquity: equity, Equity: equity, Reason: ReasonHaltExpired, Since: now}
	}
	if equity > next.PeakEquity {
		next.PeakEquity = equity
	}
	next.DrawdownPct = 0
	if next.PeakEquity > 0 {
		next.DrawdownPct = safemath.Clamp(safemath.Div(next.PeakEquity-equity, next.PeakEquity, 0), 0, 1)
	}
	next.Mode, next.Reason = g.nextMode(next)
	if next.Mode != prev.Mode {
		next.Since = now
	}
	g.state = next
	hook := g.onTransition
	g.mu.Unlock()

	if hook != nil && next.Mode != prev.Mode {
		hook(prev, next)
	}
	return next
}

func (g *Gate) nextMode(s State) (Mode, string) {
	if s.Mode == ModeHalt {
		return ModeHalt, ReasonDrawdownHard
	}
	switch {
	case s.DrawdownPct >= g.params.HardDrawdownPct:
		return ModeHalt, ReasonDrawdownHard
	case s.DrawdownPct >= g.params.SoftDrawdownPct:
		return ModeDeRisk, ReasonDrawdownSoft
	case s.Mode == ModeDeRisk:
		return ModeNormal, ReasonRecovered
	default:
		return ModeNormal, s.Reason
	}
}

// Reset is the manual exit from HALT. The peak re-anchors on the next
// Evaluate so the old drawdown does not immediately re-trip the gate.
func (g *Gate) Reset() State {
	g.mu.Lock()
	prev := g.state
	now := g.now().UTC()
	g.state = State{Mode: ModeNormal, Equity: prev.Equity, Reason: ReasonManualReset, Since: now}
	next := g.state
	hook := g.onTransition
	g.mu.Unlock()
	if hook != nil && prev.Mode != next.Mode {
		hook(prev, next)
	}
	return next
}

func (g *Gate) Decisions(s State) Verdict {
	switch s.Mode {
	case ModeHalt:
		return Verdict{CancelResting: true, ForceFlatten: g.params.ForceFlatten}
	case ModeDeRisk:
		return Verdict{
			AllowTrading:     true,
			AllowQuoting:     true,
			SizeMultiplier:   g.params.DeRiskSizeMultiplier,
			SpreadMultiplier: g.params.DeRiskSpreadMultiplier,
		}
	default:
		return Verdict{AllowTrading: true, AllowQuoting: true, SizeMultiplier: 1, SpreadMultiplier: 1}
	}
}
