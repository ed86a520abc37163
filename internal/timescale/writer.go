package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"perp-core-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type Candle struct {
	Asset    string
	Interval string
	Start    time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Decision is one row of the decision journal: what the cycle saw and
// what it chose to do.
type Decision struct {
	Time        time.Time
	Kind        string
	Asset       string
	RiskMode    string
	DrawdownPct float64
	EquityUSD   float64
	ExposureUSD float64
	MidPrice    float64
	Microprice  float64
	Imbalance   float64
	Confidence  float64
	Position    float64
	HedgeAction string
	HedgeReason string
	HedgeQty    float64
	Urgency     float64
	SpreadBps   float64
	Intents     int
	Submitted   int
	CancelAll   bool
	PlanReason  string
}

type RiskTransition struct {
	Time        time.Time
	From        string
	To          string
	Reason      string
	DrawdownPct float64
	EquityUSD   float64
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	db          execer
	closer      func() error
	log         *zap.Logger
	schema      string
	decisions   chan Decision
	candles     chan Candle
	transitions chan RiskTransition
	dropped     atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	w := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	w.closer = db.Close
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(db execer, schema string, queueSize int, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		db:          db,
		log:         log,
		schema:      schema,
		decisions:   make(chan Decision, queueSize),
		candles:     make(chan Candle, queueSize),
		transitions: make(chan RiskTransition, queueSize),
	}
}

// Run drains the queues until ctx is done. Writes are best effort.
func (w *Writer) Run(ctx context.Context) error {
	if w == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-w.decisions:
			w.writeDecision(ctx, d)
		case c := <-w.candles:
			w.writeCandle(ctx, c)
		case tr := <-w.transitions:
			w.writeTransition(ctx, tr)
		}
	}
}

func (w *Writer) Close() error {
	if w == nil || w.closer == nil {
		return nil
	}
	return w.closer()
}

// Dropped is the number of rows discarded on a full queue.
func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

func (w *Writer) EnqueueDecision(d Decision) {
	if w == nil {
		return
	}
	select {
	case w.decisions <- d:
	default:
		w.drop("decision")
	}
}

func (w *Writer) EnqueueCandle(c Candle) {
	if w == nil {
		return
	}
	select {
	case w.candles <- c:
	default:
		w.drop("candle")
	}
}

func (w *Writer) EnqueueTransition(tr RiskTransition) {
	if w == nil {
		return
	}
	select {
	case w.transitions <- tr:
	default:
		w.drop("risk transition")
	}
}

func (w *Writer) drop(kind string) {
	if w.dropped.Add(1) == 1 {
		w.log.Warn("timescale queue full", zap.String("kind", kind))
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		asset TEXT NOT NULL,
		interval TEXT NOT NULL,
		open DOUBLE PRECISION NOT NULL,
		high DOUBLE PRECISION NOT NULL,
		low DOUBLE PRECISION NOT NULL,
		close DOUBLE PRECISION NOT NULL,
		volume DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (ts, asset, interval)
	)`, w.table("market_ohlc"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		kind TEXT NOT NULL,
		asset TEXT NOT NULL,
		risk_mode TEXT NOT NULL,
		drawdown_pct DOUBLE PRECISION NOT NULL,
		equity_usd DOUBLE PRECISION NOT NULL,
		exposure_usd DOUBLE PRECISION NOT NULL,
		mid_price DOUBLE PRECISION NOT NULL,
		microprice DOUBLE PRECISION NOT NULL,
		imbalance DOUBLE PRECISION NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		position DOUBLE PRECISION NOT NULL,
		hedge_action TEXT NOT NULL,
		hedge_reason TEXT NOT NULL,
		hedge_qty DOUBLE PRECISION NOT NULL,
		urgency DOUBLE PRECISION NOT NULL,
		spread_bps DOUBLE PRECISION NOT NULL,
		intents INTEGER NOT NULL,
		submitted INTEGER NOT NULL,
		cancel_all BOOLEAN NOT NULL,
		plan_reason TEXT NOT NULL
	)`, w.table("cycle_decisions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		from_mode TEXT NOT NULL,
		to_mode TEXT NOT NULL,
		reason TEXT NOT NULL,
		drawdown_pct DOUBLE PRECISION NOT NULL,
		equity_usd DOUBLE PRECISION NOT NULL
	)`, w.table("risk_transitions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"market_ohlc", "cycle_decisions"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeDecision(ctx context.Context, d Decision) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, kind, asset, risk_mode, drawdown_pct, equity_usd, exposure_usd, mid_price,
		microprice, imbalance, confidence, position, hedge_action, hedge_reason, hedge_qty,
		urgency, spread_bps, intents, submitted, cancel_all, plan_reason
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21
	)`, w.table("cycle_decisions"))
	if _, err := w.db.ExecContext(ctx, query,
		d.Time,
		d.Kind,
		d.Asset,
		d.RiskMode,
		d.DrawdownPct,
		d.EquityUSD,
		d.ExposureUSD,
		d.MidPrice,
		d.Microprice,
		d.Imbalance,
		d.Confidence,
		d.Position,
		d.HedgeAction,
		d.HedgeReason,
		d.HedgeQty,
		d.Urgency,
		d.SpreadBps,
		d.Intents,
		d.Submitted,
		d.CancelAll,
		d.PlanReason,
	); err != nil {
		w.log.Warn("timescale decision insert failed", zap.Error(err))
	}
}

func (w *Writer) writeCandle(ctx context.Context, candle Candle) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, asset, interval, open, high, low, close, volume
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8
	)
	ON CONFLICT (ts, asset, interval) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume`, w.table("market_ohlc"))
	if _, err := w.db.ExecContext(ctx, query,
		candle.Start,
		candle.Asset,
		candle.Interval,
		candle.Open,
		candle.High,
		candle.Low,
		candle.Close,
		candle.Volume,
	); err != nil {
		w.log.Warn("timescale candle upsert failed", zap.Error(err))
	}
}

func (w *Writer) writeTransition(ctx context.Context, tr RiskTransition) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, from_mode, to_mode, reason, drawdown_pct, equity_usd)
		VALUES ($1,$2,$3,$4,$5,$6)`, w.table("risk_transitions"))
	if _, err := w.db.ExecContext(ctx, query, tr.Time, tr.From, tr.To, tr.Reason, tr.DrawdownPct, tr.EquityUSD); err != nil {
		w.log.Warn("timescale risk transition insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
