package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const promNamespace = "perp_core_bot"

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	cycle    prometheus.Histogram
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
	}
	p.cycle = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: promNamespace,
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of one evaluation cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	p.registry.MustRegister(p.cycle)

	p.Metrics = &Metrics{
		CyclesRun:          p.counter("cycles_total", "Total number of completed evaluation cycles."),
		CyclesSkipped:      p.counter("cycles_skipped_total", "Total number of cycles skipped on degraded input."),
		OrdersPlaced:       p.counter("orders_placed_total", "Total number of orders placed."),
		OrdersFailed:       p.counter("orders_failed_total", "Total number of order placement failures."),
		OrdersRejected:     p.counter("orders_rejected_total", "Total number of orders rejected by the venue."),
		CancelAlls:         p.counter("cancel_all_total", "Total number of cancel-all directives executed."),
		FillsApplied:       p.counter("fills_applied_total", "Total number of fills applied to the position."),
		RiskTransitions:    p.counter("risk_transitions_total", "Total number of risk gate mode changes."),
		FeedReconnects:     p.counter("feed_reconnects_total", "Total number of market feed reconnects."),
		KillSwitchEngaged:  p.counter("kill_switch_engaged_total", "Total number of stale-data kill switch engagements."),
		KillSwitchRestored: p.counter("kill_switch_restored_total", "Total number of stale-data kill switch recoveries."),
		DrawdownPct:        p.gauge("drawdown_pct", "Current drawdown from peak equity."),
		RiskMode:           p.gauge("risk_mode", "Risk gate mode: 0 NORMAL, 1 DE_RISK, 2 HALT."),
		Urgency:            p.gauge("hedge_urgency", "Urgency of the last hedge decision."),
		SpreadBps:          p.gauge("quote_spread_bps", "Spread of the last quote in basis points."),
		Position:           p.gauge("position_size", "Fill-confirmed position in base units."),
		EquityUSD:          p.gauge("equity_usd", "Account equity in USD."),
		CycleSeconds:       p.cycle,
	}
	return p
}

func (p *Prometheus) counter(name, help string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: promNamespace, Name: name, Help: help})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return c
}

func (p *Prometheus) gauge(name, help string) Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: promNamespace, Name: name, Help: help})
	p.registry.MustRegister(g)
	p.gauges[name] = g
	return g
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Serve exposes the registry on addr until ctx is done.
func (p *Prometheus) Serve(ctx context.Context, addr, path string, log *zap.Logger) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, p.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics server listening", zap.String("addr", addr), zap.String("path", path))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
