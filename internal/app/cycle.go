package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"perp-core-bot/internal/book"
	"perp-core-bot/internal/config"
	"perp-core-bot/internal/exec"
	"perp-core-bot/internal/risk"
	"perp-core-bot/internal/router"
	"perp-core-bot/internal/state"
	"perp-core-bot/internal/strategy"
	"perp-core-bot/internal/timescale"
	"perp-core-bot/internal/venue"

	"go.uber.org/zap"
)

const (
	reasonPaused        = "paused"
	reasonExposureLimit = "exposure_limit"
)

// cycle runs one read -> decide -> submit pass. Connectivity failures and
// stale data skip the cycle; they never stop the loop.
func (a *App) cycle(ctx context.Context) error {
	start := a.now()
	asset := a.cfg.Strategy.Asset
	snap := state.CycleSnapshot{
		Kind:   string(a.engine.Kind()),
		Asset:  asset,
		Paused: a.lifecycle.State() == strategy.StatePaused,
	}
	defer func() {
		elapsed := a.now().Sub(start)
		snap.UpdatedAtMS = start.UnixMilli()
		snap.CycleLatency = elapsed.Milliseconds()
		a.metrics.CycleSeconds.Observe(elapsed.Seconds())
		a.persistCycle(ctx, start, snap)
	}()

	in, err := a.gather(ctx, start)
	if err != nil {
		a.metrics.CyclesSkipped.Inc()
		snap.SkipReason = err.Error()
		snap.RiskMode = string(a.gate.State().Mode)
		return err
	}
	limits := a.limits()
	accountAge := time.Duration(0)
	if !in.Account.UpdatedAt.IsZero() {
		accountAge = start.Sub(in.Account.UpdatedAt)
	}
	if err := risk.CheckConnectivity(limits, in.Book.Age(start), accountAge); err != nil {
		a.engageKillSwitch(err)
		a.metrics.CyclesSkipped.Inc()
		snap.SkipReason = err.Error()
		snap.RiskMode = string(a.gate.State().Mode)
		return nil
	}
	a.restoreKillSwitch()

	res := a.engine.Evaluate(in)
	plan := res.Plan
	if snap.Paused && len(plan.Intents) > 0 {
		plan.Intents = nil
		plan.Reason = reasonPaused
	}
	notional := math.Abs(in.Position.Size * res.Mid)
	if err := risk.CheckExposure(limits, in.Resting, notional); err != nil && !res.Halted() {
		a.log.Warn("exposure guard tripped", zap.Error(err))
		plan = reducingOnly(plan, in.Position.Size)
		if errors.Is(err, risk.ErrTooManyOrders) {
			plan.CancelAll = true
		}
		plan.Reason = reasonExposureLimit
	}

	var result exec.Result
	var execErr error
	if !plan.Empty() {
		result, execErr = a.executor.Execute(ctx, asset, plan)
		a.recordExecution(result)
	}
	if execErr != nil {
		a.log.Warn("plan execution failed", zap.String("reason", plan.Reason), zap.Error(execErr))
	}

	a.metrics.CyclesRun.Inc()
	a.metrics.DrawdownPct.Set(res.Risk.DrawdownPct)
	a.metrics.RiskMode.Set(res.Risk.Mode.Ordinal())
	if in.Account.HasEquity {
		a.metrics.EquityUSD.Set(in.Account.EquityUSD)
	}
	a.metrics.Urgency.Set(res.Hedge.Urgency)
	if res.HasQuote {
		a.metrics.SpreadBps.Set(res.Quote.SpreadBps)
	}
	a.metrics.Position.Set(in.Position.Size)

	fillCycleSnapshot(&snap, in, res, plan, result)
	if len(plan.Intents) > 0 || plan.CancelAll {
		a.log.Info("cycle plan",
			zap.String("risk_mode", string(res.Risk.Mode)),
			zap.String("hedge", res.Hedge.String()),
			zap.String("reason", plan.Reason),
			zap.Int("intents", len(plan.Intents)),
			zap.Int("submitted", len(result.Submitted)),
			zap.Bool("cancel_all", plan.CancelAll),
		)
	} else {
		a.log.Debug("cycle idle",
			zap.String("risk_mode", string(res.Risk.Mode)),
			zap.String("hedge", res.Hedge.String()),
			zap.String("reason", plan.Reason),
		)
	}
	return execErr
}

// gather assembles the cycle input from copies of venue, market and
// tracker state. A missing book is degraded input, not an error.
func (a *App) gather(ctx context.Context, now time.Time) (strategy.CycleInput, error) {
	asset := a.cfg.Strategy.Asset
	in := strategy.CycleInput{Time: now}

	snap, err := a.venue.Orderbook(ctx, asset)
	switch {
	case errors.Is(err, venue.ErrNoBook):
		snap = book.Snapshot{Asset: asset}
	case err != nil:
		return in, fmt.Errorf("orderbook: %w", err)
	}
	if err := snap.Validate(); err != nil {
		a.log.Debug("orderbook unusable", zap.String("asset", asset), zap.Error(err))
		snap = book.Snapshot{Asset: asset, Time: snap.Time}
	}
	in.Book = snap

	account, err := a.venue.AccountState(ctx)
	if err != nil {
		return in, fmt.Errorf("account state: %w", err)
	}
	in.Account = account

	open, err := a.venue.OpenOrders(ctx, asset)
	if err != nil {
		return in, fmt.Errorf("open orders: %w", err)
	}
	in.Resting = len(open)
	cloids := make([]string, 0, len(open))
	for _, o := range open {
		cloids = append(cloids, o.ClientOrderID)
	}
	if dropped := a.pending.Retain(cloids); dropped > 0 {
		a.log.Debug("pending intents no longer resting", zap.Int("count", dropped))
	}
	in.PendingSize = a.pending.NetSize()

	if mid, ok := snap.Mid(); ok {
		a.tracker.Mark(mid)
	}
	in.Position = a.tracker.Snapshot()
	in.ATR, in.HasATR = a.market.ATR(asset, a.cfg.Strategy.ATRPeriod)
	in.Volatility, _ = a.market.Volatility(asset)
	in.Closes = a.market.Closes(asset)
	return in, nil
}

func (a *App) recordExecution(result exec.Result) {
	if result.Cancelled {
		a.metrics.CancelAlls.Inc()
	}
	for range result.Submitted {
		a.metrics.OrdersPlaced.Inc()
	}
	for _, f := range result.Failed {
		if venue.IsRejected(f.Err) {
			a.metrics.OrdersRejected.Inc()
			continue
		}
		a.metrics.OrdersFailed.Inc()
	}
}

func (a *App) persistCycle(ctx context.Context, at time.Time, snap state.CycleSnapshot) {
	a.setLastCycle(snap)
	if err := state.SaveCycleSnapshot(ctx, a.store, snap); err != nil && ctx.Err() == nil {
		a.log.Warn("cycle snapshot save failed", zap.Error(err))
	}
	if snap.SkipReason != "" {
		return
	}
	a.journal.EnqueueDecision(timescale.Decision{
		Time:        at.UTC(),
		Kind:        snap.Kind,
		Asset:       snap.Asset,
		RiskMode:    snap.RiskMode,
		DrawdownPct: snap.DrawdownPct,
		EquityUSD:   snap.EquityUSD,
		ExposureUSD: snap.ExposureUSD,
		MidPrice:    snap.MidPrice,
		Microprice:  snap.Microprice,
		Imbalance:   snap.Imbalance,
		Confidence:  snap.Confidence,
		Position:    snap.Position,
		HedgeAction: snap.HedgeAction,
		HedgeReason: snap.HedgeReason,
		HedgeQty:    snap.HedgeQty,
		Urgency:     snap.Urgency,
		SpreadBps:   snap.SpreadBps,
		Intents:     snap.Intents,
		Submitted:   snap.Submitted,
		CancelAll:   snap.CancelAll,
		PlanReason:  snap.PlanReason,
	})
}

func fillCycleSnapshot(snap *state.CycleSnapshot, in strategy.CycleInput, res strategy.CycleResult, plan router.Plan, result exec.Result) {
	snap.RiskMode = string(res.Risk.Mode)
	snap.RiskReason = res.Risk.Reason
	snap.DrawdownPct = res.Risk.DrawdownPct
	snap.PeakEquity = res.Risk.PeakEquity
	snap.EquityUSD = in.Account.EquityUSD
	snap.ExposureUSD = in.Account.NetExposureUSD
	snap.MidPrice = res.Mid
	snap.Microprice = res.Signal.Microprice
	snap.Imbalance = res.Signal.Imbalance
	snap.Confidence = res.Signal.Confidence
	snap.Position = in.Position.Size
	snap.PendingSize = in.PendingSize
	snap.HedgeAction = string(res.Hedge.Action)
	snap.HedgeReason = string(res.Hedge.Reason)
	snap.HedgeQty = res.Hedge.Qty
	snap.Urgency = res.Hedge.Urgency
	if res.HasQuote {
		snap.SpreadBps = res.Quote.SpreadBps
	}
	snap.Intents = len(plan.Intents)
	snap.Submitted = len(result.Submitted)
	snap.CancelAll = plan.CancelAll
	snap.PlanReason = plan.Reason
}

// reducingOnly keeps the intents that move position toward zero.
func reducingOnly(plan router.Plan, position float64) router.Plan {
	kept := plan.Intents[:0:0]
	for _, intent := range plan.Intents {
		reduces := intent.ReduceOnly ||
			(position > 0 && !intent.IsBuy()) ||
			(position < 0 && intent.IsBuy())
		if reduces {
			kept = append(kept, intent)
		}
	}
	plan.Intents = kept
	return plan
}

func (a *App) limits() risk.Limits {
	rc := a.riskConfig()
	return risk.Limits{
		MaxMarketAge:   rc.MaxMarketAge,
		MaxAccountAge:  rc.MaxAccountAge,
		MaxOpenOrders:  rc.MaxOpenOrders,
		MaxNotionalUSD: rc.MaxNotionalUSD,
	}
}

func (a *App) riskConfig() config.RiskConfig {
	a.opsMu.RLock()
	override := a.riskOverride
	a.opsMu.RUnlock()
	if override == nil {
		return a.cfg.Risk
	}
	return *override
}

// engageKillSwitch records the first stale-data skip of a streak.
func (a *App) engageKillSwitch(err error) {
	a.opsMu.Lock()
	already := a.killSwitch
	a.killSwitch = true
	a.opsMu.Unlock()
	if already {
		return
	}
	a.metrics.KillSwitchEngaged.Inc()
	a.log.Warn("kill switch engaged", zap.Error(err))
	a.notify(fmt.Sprintf("kill switch engaged: %v", err))
}

func (a *App) restoreKillSwitch() {
	a.opsMu.Lock()
	was := a.killSwitch
	a.killSwitch = false
	a.opsMu.Unlock()
	if !was {
		return
	}
	a.metrics.KillSwitchRestored.Inc()
	a.log.Info("kill switch restored")
	a.notify("kill switch restored")
}

func (a *App) killSwitchEngaged() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.killSwitch
}
