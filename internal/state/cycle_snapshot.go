package state

import (
	"context"
	"encoding/json"
	"strings"
)

const CycleSnapshotKey = "cycle:last_snapshot"

// CycleSnapshot is the persisted summary of the last completed cycle, used
// by /status and by the decision journal.
type CycleSnapshot struct {
	Kind         string  `json:"kind"`
	Asset        string  `json:"asset"`
	RiskMode     string  `json:"risk_mode"`
	RiskReason   string  `json:"risk_reason,omitempty"`
	DrawdownPct  float64 `json:"drawdown_pct"`
	PeakEquity   float64 `json:"peak_equity"`
	EquityUSD    float64 `json:"equity_usd"`
	ExposureUSD  float64 `json:"exposure_usd"`
	MidPrice     float64 `json:"mid_price"`
	Microprice   float64 `json:"microprice"`
	Imbalance    float64 `json:"imbalance"`
	Confidence   float64 `json:"confidence"`
	Position     float64 `json:"position"`
	PendingSize  float64 `json:"pending_size"`
	HedgeAction  string  `json:"hedge_action,omitempty"`
	HedgeReason  string  `json:"hedge_reason,omitempty"`
	HedgeQty     float64 `json:"hedge_qty"`
	Urgency      float64 `json:"urgency"`
	SpreadBps    float64 `json:"spread_bps"`
	Intents      int     `json:"intents"`
	Submitted    int     `json:"submitted"`
	CancelAll    bool    `json:"cancel_all"`
	PlanReason   string  `json:"plan_reason,omitempty"`
	SkipReason   string  `json:"skip_reason,omitempty"`
	Paused       bool    `json:"paused"`
	UpdatedAtMS  int64   `json:"updated_at_ms"`
	CycleLatency int64   `json:"cycle_latency_ms"`
}

func LoadCycleSnapshot(ctx context.Context, store Store) (CycleSnapshot, bool, error) {
	if store == nil {
		return CycleSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, CycleSnapshotKey)
	if err != nil {
		return CycleSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return CycleSnapshot{}, false, nil
	}
	var snapshot CycleSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return CycleSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveCycleSnapshot(ctx context.Context, store Store, snapshot CycleSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, CycleSnapshotKey, string(payload))
}
