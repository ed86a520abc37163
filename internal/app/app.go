package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"perp-core-bot/internal/alerts"
	"perp-core-bot/internal/book"
	"perp-core-bot/internal/config"
	"perp-core-bot/internal/exec"
	"perp-core-bot/internal/feed"
	"perp-core-bot/internal/hedge"
	"perp-core-bot/internal/inventory"
	"perp-core-bot/internal/market"
	"perp-core-bot/internal/metrics"
	"perp-core-bot/internal/risk"
	"perp-core-bot/internal/router"
	"perp-core-bot/internal/spread"
	"perp-core-bot/internal/state"
	"perp-core-bot/internal/state/sqlite"
	"perp-core-bot/internal/strategy"
	"perp-core-bot/internal/timescale"
	"perp-core-bot/internal/venue"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const noticeBuffer = 64

// runner is implemented by venues that need a background loop (the paper
// venue's matcher).
type runner interface {
	Run(ctx context.Context) error
}

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	feed      *feed.Client
	market    *market.Data
	venue     venue.Venue
	executor  *exec.Executor
	engine    *strategy.Engine
	gate      *risk.Gate
	tracker   *inventory.Tracker
	pending   *inventory.PendingBook
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	alerts    *alerts.Telegram
	journal   *timescale.Writer
	lifecycle *strategy.StateMachine
	notices   chan string
	now       func() time.Time

	opsMu          sync.RWMutex
	riskOverride   *config.RiskConfig
	killSwitch     bool
	operatorWarned bool
	lastCycle      state.CycleSnapshot
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	journal, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("timescale: %w", err)
	}
	var feedClient *feed.Client
	if cfg.Feed.URL != "" {
		feedClient = feed.New(feed.Options{
			URL:            cfg.Feed.URL,
			ReconnectDelay: cfg.Feed.ReconnectDelay,
			PingInterval:   cfg.Feed.PingInterval,
		}, log)
	} else {
		log.Warn("feed.url not set; market data must be applied directly")
	}
	marketData := market.New(feedClient, cfg.Strategy.CandleWindow, log)
	paper := venue.NewPaper(marketData, venue.PaperConfig{
		StartingEquityUSD: cfg.Paper.StartingEquityUSD,
		TakerFeeBps:       cfg.Paper.TakerFeeBps,
		MakerFeeBps:       cfg.Paper.MakerFeeBps,
		MatchInterval:     cfg.Paper.MatchInterval,
	}, log)
	a, err := build(cfg, log, store, marketData, paper, journal)
	if err != nil {
		_ = store.Close()
		_ = journal.Close()
		return nil, err
	}
	a.feed = feedClient
	return a, nil
}

// build assembles the decision pipeline around an already opened store,
// market view and venue.
func build(cfg *config.Config, log *zap.Logger, store state.Store, marketData *market.Data, v venue.Venue, journal *timescale.Writer) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	asset := cfg.Strategy.Asset
	analyzer, err := book.NewAnalyzer(cfg.Strategy.Levels, cfg.Strategy.VolumeNorm, cfg.Strategy.SkewFactor)
	if err != nil {
		return nil, err
	}
	gate, err := risk.NewGate(risk.Params{
		SoftDrawdownPct:        cfg.Core.SoftDrawdownPct,
		HardDrawdownPct:        cfg.Core.HardDrawdownPct,
		DeRiskSizeMultiplier:   cfg.Risk.DeRiskSizeMultiplier,
		DeRiskSpreadMultiplier: cfg.Risk.DeRiskSpreadMultiplier,
		HaltCooldown:           cfg.Risk.HaltCooldown,
		ForceFlatten:           cfg.Risk.ForceFlatten,
	})
	if err != nil {
		return nil, err
	}
	rt, err := router.New(router.Params{
		UrgencyThreshold:      cfg.Core.UrgencyRouteThreshold,
		AggressiveSlippageBps: cfg.Execution.AggressiveSlippageBps,
		PassiveOffsetBps:      cfg.Execution.PassiveOffsetBps,
		TickSize:              cfg.Execution.TickSize,
		LotSize:               cfg.Execution.LotSize,
		MinOrderUSD:           cfg.Execution.MinOrderUSD,
	})
	if err != nil {
		return nil, err
	}
	inv, err := inventory.NewModel(cfg.Core.MaxPositionAbs)
	if err != nil {
		return nil, err
	}
	quotes, err := spread.New(spread.Params{
		BaseBps:      cfg.Core.BaseSpreadBps,
		MinBps:       cfg.Core.MinSpreadBps,
		MaxBps:       cfg.Core.MaxSpreadBps,
		ClipSize:     cfg.Strategy.ClipSize,
		Coefficients: spreadCoefficients(cfg.Strategy),
	})
	if err != nil {
		return nil, err
	}
	thresholds := hedge.DefaultThresholds()
	thresholds.MaxUrgency = cfg.Strategy.MaxUrgency
	engine, err := strategy.NewEngine(strategy.Config{
		Kind:            strategy.Kind(cfg.Strategy.Mode),
		Asset:           asset,
		Hedge:           thresholds,
		TrendFastPeriod: cfg.Strategy.TrendFastPeriod,
		TrendSlowPeriod: cfg.Strategy.TrendSlowPeriod,
		TrendTargetSize: cfg.Strategy.TrendTargetSize,
	}, analyzer, gate, rt, inv, quotes)
	if err != nil {
		return nil, err
	}
	pending := inventory.NewPendingBook()
	executor := exec.New(v, store, pending, exec.Options{
		Attempts:          cfg.Execution.RetryAttempts,
		InitialBackoff:    cfg.Execution.RetryBackoff,
		RequestsPerSecond: cfg.Execution.RequestsPerSecond,
		Burst:             cfg.Execution.RequestBurst,
		BreakerFailures:   cfg.Execution.BreakerFailures,
		BreakerCooldown:   cfg.Execution.BreakerCooldown,
	}, log)

	a := &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		market:    marketData,
		venue:     v,
		executor:  executor,
		engine:    engine,
		gate:      gate,
		tracker:   inventory.NewTracker(asset),
		pending:   pending,
		metrics:   metrics.NewNoop(),
		alerts:    alerts.NewTelegram(cfg.Telegram, log),
		journal:   journal,
		lifecycle: strategy.NewStateMachine(),
		notices:   make(chan string, noticeBuffer),
		now:       time.Now,
	}
	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	}
	marketData.Track(cfg.Strategy.CandleInterval, asset)
	marketData.OnCandle(a.recordCandle)
	gate.OnTransition(a.onRiskTransition)
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.journal.Close()

	if err := a.reconcile(ctx); err != nil {
		return err
	}
	if a.feed != nil {
		a.feed.OnReconnect(func() { a.metrics.FeedReconnects.Inc() })
	}
	if err := a.market.Start(ctx); err != nil {
		return fmt.Errorf("market start: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.market.Run(ctx) })
	if r, ok := a.venue.(runner); ok {
		g.Go(func() error { return r.Run(ctx) })
	}
	g.Go(func() error { return a.runFills(ctx) })
	g.Go(func() error { return a.journal.Run(ctx) })
	g.Go(func() error { return a.runNotices(ctx) })
	if a.prom != nil {
		g.Go(func() error {
			return a.prom.Serve(ctx, a.cfg.Metrics.Address, a.cfg.Metrics.Path, a.log)
		})
	}
	if a.cfg.Telegram.OperatorEnabled {
		g.Go(func() error { return a.runOperator(ctx) })
	}
	g.Go(func() error { return a.runCycles(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reconcile prepares local state before the first cycle: expired client
// order ids are pruned, the tracker is seeded from the venue and any orders
// left over from a previous run are cancelled.
func (a *App) reconcile(ctx context.Context) error {
	asset := a.cfg.Strategy.Asset
	if pruned, err := a.executor.Prune(ctx, a.cfg.Execution.CloidRetention); err != nil {
		a.log.Warn("cloid prune failed", zap.Error(err))
	} else if pruned > 0 {
		a.log.Info("pruned client order ids", zap.Int64("count", pruned))
	}
	pos, err := a.venue.Position(ctx, asset)
	if err != nil {
		return fmt.Errorf("position reconcile: %w", err)
	}
	if err := a.tracker.Seed(pos.Size, pos.AvgEntryPrice, a.now().UTC()); err != nil {
		return fmt.Errorf("position reconcile: size %v avg %v: %w", pos.Size, pos.AvgEntryPrice, err)
	}
	a.metrics.Position.Set(pos.Size)

	open, err := a.venue.OpenOrders(ctx, asset)
	if err != nil {
		return fmt.Errorf("open orders reconcile: %w", err)
	}
	if len(open) > 0 {
		if err := a.executor.CancelAll(ctx, asset); err != nil {
			return err
		}
		a.metrics.CancelAlls.Inc()
	}
	if prev, ok, err := state.LoadCycleSnapshot(ctx, a.store); err != nil {
		a.log.Warn("cycle snapshot load failed", zap.Error(err))
	} else if ok {
		a.setLastCycle(prev)
		a.log.Info("previous cycle",
			zap.String("risk_mode", prev.RiskMode),
			zap.Float64("equity_usd", prev.EquityUSD),
			zap.Float64("position", prev.Position),
		)
	}
	a.log.Info("reconciled state",
		zap.String("asset", asset),
		zap.Float64("position", pos.Size),
		zap.Int("open_orders", len(open)),
	)
	return nil
}

// runCycles drives one evaluation per tick. The loop is single-threaded so
// a slow cycle delays the next tick instead of overlapping it.
func (a *App) runCycles(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Core.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.cycle(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.log.Warn("cycle failed", zap.Error(err))
			}
		}
	}
}

// runFills applies venue-confirmed fills to the tracker and settles the
// matching pending intents.
func (a *App) runFills(ctx context.Context) error {
	fills := a.venue.Fills()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fill, ok := <-fills:
			if !ok {
				return nil
			}
			a.applyFill(fill)
		}
	}
}

func (a *App) applyFill(fill inventory.Fill) {
	if fill.Asset != "" && fill.Asset != a.cfg.Strategy.Asset {
		return
	}
	applied, err := a.tracker.ApplyFill(fill)
	if err != nil {
		a.log.Warn("fill rejected", zap.String("fill_id", fill.ID), zap.Error(err))
		return
	}
	a.pending.Resolve(fill)
	if !applied {
		return
	}
	a.metrics.FillsApplied.Inc()
	pos := a.tracker.Snapshot()
	a.metrics.Position.Set(pos.Size)
	a.log.Info("fill applied",
		zap.String("cloid", fill.ClientOrderID),
		zap.String("side", string(fill.Side)),
		zap.Float64("size", fill.Size),
		zap.Float64("price", fill.Price),
		zap.Float64("position", pos.Size),
	)
}

func (a *App) onRiskTransition(from, to risk.State) {
	a.metrics.RiskTransitions.Inc()
	a.metrics.RiskMode.Set(to.Mode.Ordinal())
	a.journal.EnqueueTransition(timescale.RiskTransition{
		Time:        a.now().UTC(),
		From:        string(from.Mode),
		To:          string(to.Mode),
		Reason:      to.Reason,
		DrawdownPct: to.DrawdownPct,
		EquityUSD:   to.Equity,
	})
	fields := []zap.Field{
		zap.String("from", string(from.Mode)),
		zap.String("to", string(to.Mode)),
		zap.String("reason", to.Reason),
		zap.Float64("drawdown_pct", to.DrawdownPct),
		zap.Float64("equity_usd", to.Equity),
	}
	switch {
	case to.Mode == risk.ModeHalt:
		a.lifecycle.Apply(strategy.EventHalt)
		a.log.Error("risk gate halted trading", fields...)
	case from.Mode == risk.ModeHalt:
		a.lifecycle.Apply(strategy.EventReset)
		a.log.Warn("risk gate left halt", fields...)
	default:
		a.log.Warn("risk mode changed", fields...)
	}
	a.notify(fmt.Sprintf("risk %s -> %s (%s) drawdown %.2f%% equity %.2f",
		from.Mode, to.Mode, to.Reason, to.DrawdownPct*100, to.Equity))
}

func (a *App) recordCandle(c market.Candle) {
	a.journal.EnqueueCandle(timescale.Candle{
		Asset:    c.Asset,
		Interval: c.Interval,
		Start:    c.Start,
		Open:     c.Open,
		High:     c.High,
		Low:      c.Low,
		Close:    c.Close,
		Volume:   c.Volume,
	})
}

// notify queues an alert without blocking the caller; alerts are dropped
// when the queue is full.
func (a *App) notify(msg string) {
	if !a.alerts.Enabled() {
		return
	}
	select {
	case a.notices <- msg:
	default:
		a.log.Warn("alert queue full", zap.String("message", msg))
	}
}

func (a *App) runNotices(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-a.notices:
			if err := a.alerts.Send(ctx, msg); err != nil {
				a.log.Warn("alert send failed", zap.Error(err))
			}
		}
	}
}

func (a *App) setLastCycle(snap state.CycleSnapshot) {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.lastCycle = snap
}

func (a *App) lastCycleSnapshot() state.CycleSnapshot {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.lastCycle
}

func spreadCoefficients(s config.StrategyConfig) spread.Coefficients {
	return spread.Coefficients{
		VolatilityWeight: s.VolatilityWeight,
		VolatilityCap:    s.VolatilityCap,
		InventoryWeight:  s.InventoryWeight,
		ConfidenceWeight: s.ConfidenceWeight,
		FavorMultiplier:  s.FavorMultiplier,
	}
}
