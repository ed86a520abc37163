package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.CyclesRun.Inc()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersFailed.Inc()
	prom.Metrics.RiskTransitions.Inc()
	prom.Metrics.KillSwitchEngaged.Inc()
	prom.Metrics.KillSwitchRestored.Inc()

	assertCounter(t, prom.counters["cycles_total"], 1)
	assertCounter(t, prom.counters["orders_placed_total"], 2)
	assertCounter(t, prom.counters["orders_failed_total"], 1)
	assertCounter(t, prom.counters["risk_transitions_total"], 1)
	assertCounter(t, prom.counters["kill_switch_engaged_total"], 1)
	assertCounter(t, prom.counters["kill_switch_restored_total"], 1)
	assertCounter(t, prom.counters["fills_applied_total"], 0)
}

func TestPrometheusGauges(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.RiskMode.Set(2)
	prom.Metrics.DrawdownPct.Set(0.12)
	if got := testutil.ToFloat64(prom.gauges["risk_mode"]); got != 2 {
		t.Fatalf("expected risk mode 2, got %v", got)
	}
	if got := testutil.ToFloat64(prom.gauges["drawdown_pct"]); got != 0.12 {
		t.Fatalf("expected drawdown 0.12, got %v", got)
	}
}

func TestPrometheusHandler(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.CycleSeconds.Observe(0.01)
	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "perp_core_bot_cycle_duration_seconds_count 1") {
		t.Fatalf("expected cycle histogram in output, got:\n%s", body)
	}
}

func TestNoopMetrics(t *testing.T) {
	m := NewNoop()
	m.OrdersPlaced.Inc()
	m.DrawdownPct.Set(1)
	m.CycleSeconds.Observe(1)
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
