package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Observer interface {
	Observe(float64)
}

type Metrics struct {
	CyclesRun          Counter
	CyclesSkipped      Counter
	OrdersPlaced       Counter
	OrdersFailed       Counter
	OrdersRejected     Counter
	CancelAlls         Counter
	FillsApplied       Counter
	RiskTransitions    Counter
	FeedReconnects     Counter
	KillSwitchEngaged  Counter
	KillSwitchRestored Counter

	DrawdownPct Gauge
	RiskMode    Gauge
	Urgency     Gauge
	SpreadBps   Gauge
	Position    Gauge
	EquityUSD   Gauge

	CycleSeconds Observer
}

type noop struct{}

func (noop) Inc()            {}
func (noop) Set(float64)     {}
func (noop) Observe(float64) {}

func NewNoop() *Metrics {
	n := noop{}
	return &Metrics{
		CyclesRun:          n,
		CyclesSkipped:      n,
		OrdersPlaced:       n,
		OrdersFailed:       n,
		OrdersRejected:     n,
		CancelAlls:         n,
		FillsApplied:       n,
		RiskTransitions:    n,
		FeedReconnects:     n,
		KillSwitchEngaged:  n,
		KillSwitchRestored: n,
		DrawdownPct:        n,
		RiskMode:           n,
		Urgency:            n,
		SpreadBps:          n,
		Position:           n,
		EquityUSD:          n,
		CycleSeconds:       n,
	}
}
