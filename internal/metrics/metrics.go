// Package metrics exposes Prometheus collectors for venue calls, scans and
// settlements on a private registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

const namespace = "venuearb"

// Metrics owns every collector.
type Metrics struct {
	registry *prometheus.Registry

	venueCalls   *prometheus.CounterVec
	venueLatency *prometheus.HistogramVec

	scans          *prometheus.CounterVec
	scanDuration   prometheus.Histogram
	symbolsScanned prometheus.Counter
	opportunities  prometheus.Counter
	bestProfit     prometheus.Gauge
	venueFailures  *prometheus.CounterVec

	settlementSteps    *prometheus.CounterVec
	settlementOutcomes *prometheus.CounterVec
	settlementsActive  prometheus.Gauge

	mu        sync.Mutex
	stepsSeen map[string]int
}

// New registers all collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		stepsSeen: make(map[string]int),

		venueCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "venue", Name: "calls_total",
			Help: "Venue API calls by operation and result.",
		}, []string{"venue", "op", "result"}),
		venueLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "venue", Name: "call_seconds",
			Help:    "Venue API call latency.",
			Buckets: prometheus.ExponentialBuckets(0.025, 2, 10),
		}, []string{"venue", "op"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scan", Name: "runs_total",
			Help: "Scan passes by result.",
		}, []string{"result"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scan", Name: "duration_seconds",
			Help:    "Wall time of a scan pass.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		symbolsScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scan", Name: "symbols_total",
			Help: "Symbols evaluated across all scans.",
		}),
		opportunities: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scan", Name: "opportunities_total",
			Help: "Opportunities reported across all scans.",
		}),
		bestProfit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scan", Name: "best_profit_pct",
			Help: "Profit of the top opportunity in the last scan that found one.",
		}),
		venueFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scan", Name: "venue_failures_total",
			Help: "Venues excluded from a scan because their symbol list failed.",
		}, []string{"venue"}),
		settlementSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "steps_total",
			Help: "Closed settlement steps by name and status.",
		}, []string{"step", "status"}),
		settlementOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "outcomes_total",
			Help: "Terminal settlements by status and abort reason.",
		}, []string{"status", "reason"}),
		settlementsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "active",
			Help: "Settlements currently running.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.venueCalls, m.venueLatency,
		m.scans, m.scanDuration, m.symbolsScanned, m.opportunities, m.bestProfit, m.venueFailures,
		m.settlementSteps, m.settlementOutcomes, m.settlementsActive,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// VenueCall records one venue request. Its signature matches the venue
// session's OnCall hook.
func (m *Metrics) VenueCall(venueID, op string, elapsed time.Duration, err error) {
	m.venueCalls.WithLabelValues(venueID, op, resultLabel(err)).Inc()
	m.venueLatency.WithLabelValues(venueID, op).Observe(elapsed.Seconds())
}

// ScanFinished records a completed scan pass.
func (m *Metrics) ScanFinished(elapsed time.Duration, symbols int, opps []domain.Opportunity, venueFailures map[string]string, err error) {
	m.scans.WithLabelValues(resultLabel(err)).Inc()
	m.scanDuration.Observe(elapsed.Seconds())
	m.symbolsScanned.Add(float64(symbols))
	m.opportunities.Add(float64(len(opps)))
	if len(opps) > 0 {
		m.bestProfit.Set(opps[0].ProfitPct)
	}
	for id := range venueFailures {
		m.venueFailures.WithLabelValues(id).Inc()
	}
}

// SettlementStarted marks one settlement as running.
func (m *Metrics) SettlementStarted() {
	m.settlementsActive.Inc()
}

// OnTransition counts newly closed steps and terminal outcomes. It
// satisfies the settlement workflow's Observer.
func (m *Metrics) OnTransition(_ context.Context, st domain.SettlementState) {
	m.mu.Lock()
	seen := m.stepsSeen[st.ID]
	if st.Terminal() {
		delete(m.stepsSeen, st.ID)
	} else {
		m.stepsSeen[st.ID] = len(st.Steps)
	}
	m.mu.Unlock()

	for _, step := range st.Steps[min(seen, len(st.Steps)):] {
		m.settlementSteps.WithLabelValues(string(step.Name), string(step.Status)).Inc()
	}
	if st.Terminal() {
		m.settlementOutcomes.WithLabelValues(string(st.Status), string(st.AbortReason)).Inc()
	}
}

// SettlementFinished marks one settlement as no longer running.
func (m *Metrics) SettlementFinished() {
	m.settlementsActive.Dec()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrCapabilityUnsupported):
		return "unsupported"
	default:
		return "error"
	}
}
