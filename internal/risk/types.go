package risk

import "time"

type Mode string

const (
	ModeNormal Mode = "NORMAL"
	ModeDeRisk Mode = "DE_RISK"
	ModeHalt   Mode = "HALT"
)

// Ordinal is used for gauges: NORMAL=0, DE_RISK=1, HALT=2.
func (m Mode) Ordinal() float64 {
	switch m {
	case ModeDeRisk:
		return 1
	case ModeHalt:
		return 2
	default:
		return 0
	}
}

// State is the gate's read-only view, safe to hand to observability sinks.
type State struct {
	Mode        Mode
	DrawdownPct float64
	PeakEquity  float64
	Equity      float64
	Reason      string
	Since       time.Time
}

// Verdict is what downstream components may do this cycle.
type Verdict struct {
	AllowTrading     bool
	AllowQuoting     bool
	SizeMultiplier   float64
	SpreadMultiplier float64
	CancelResting    bool
	ForceFlatten     bool
}

// Params configures the gate. Both DE_RISK multipliers are required;
// DefaultParams fills them.
type Params struct {
	SoftDrawdownPct        float64
	HardDrawdownPct        float64
	DeRiskSizeMultiplier   float64
	DeRiskSpreadMultiplier float64
	HaltCooldown           time.Duration
	ForceFlatten           bool
}

func DefaultParams(soft, hard float64) Params {
	return Params{
		SoftDrawdownPct:        soft,
		HardDrawdownPct:        hard,
		DeRiskSizeMultiplier:   DefaultDeRiskSizeMultiplier,
		DeRiskSpreadMultiplier: DefaultDeRiskSpreadMultiplier,
	}
}
