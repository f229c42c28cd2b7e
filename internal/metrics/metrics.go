// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry holds all Prometheus metrics for the engine. Metrics register
// against a private registry so multiple instances can coexist in tests.
type Registry struct {
	reg *prometheus.Registry

	// Funnel occupancy, set once per universe refresh
	FunnelTier *prometheus.GaugeVec

	// Decision outcomes by outcome and reason
	Decisions *prometheus.CounterVec

	// Book maintenance
	BookResets    *prometheus.CounterVec
	DepthApply    *prometheus.HistogramVec
	DroppedEvents *prometheus.CounterVec

	// Provider errors by code
	ProviderErrors *prometheus.CounterVec

	// Event-time vs receipt-time skew on tape prints
	TapeSkew prometheus.Histogram

	// Feed connection state (0=down, 1=up)
	FeedConnected prometheus.Gauge
}

// NewRegistry creates and registers all engine metrics.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		FunnelTier: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tapegate_funnel_symbols",
				Help: "Symbols per funnel tier after the last universe refresh",
			},
			[]string{"tier"},
		),

		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapegate_decisions_total",
				Help: "Decision outcomes by outcome and rejection reason",
			},
			[]string{"outcome", "reason"},
		),

		BookResets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapegate_book_resets_total",
				Help: "Order-book resets triggered by discontinuity detection",
			},
			[]string{"symbol"},
		),

		DepthApply: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tapegate_depth_apply_seconds",
				Help:    "Latency of applying one depth update to a book",
				Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
			},
			[]string{"result"},
		),

		DroppedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapegate_dropped_events_total",
				Help: "Feed events dropped before book application",
			},
			[]string{"kind"},
		),

		ProviderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapegate_provider_errors_total",
				Help: "Asynchronous provider errors by code",
			},
			[]string{"code"},
		),

		TapeSkew: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tapegate_tape_event_skew_seconds",
				Help:    "Skew between provider event time and local receipt time on tape prints",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),

		FeedConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tapegate_feed_connected",
				Help: "Whether the market-data feed connection is up",
			},
		),
	}

	r.reg.MustRegister(
		r.FunnelTier,
		r.Decisions,
		r.BookResets,
		r.DepthApply,
		r.DroppedEvents,
		r.ProviderErrors,
		r.TapeSkew,
		r.FeedConnected,
	)

	return r
}

// Handler serves this registry over HTTP.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gather exposes the underlying registry for tests and diagnostics.
func (r *Registry) Gather() prometheus.Gatherer { return r.reg }

// SetFunnel records tier occupancy after a universe refresh.
func (r *Registry) SetFunnel(candidates, eligible, probe, active, tick int) {
	r.FunnelTier.WithLabelValues("candidate").Set(float64(candidates))
	r.FunnelTier.WithLabelValues("eligible").Set(float64(eligible))
	r.FunnelTier.WithLabelValues("probe").Set(float64(probe))
	r.FunnelTier.WithLabelValues("active").Set(float64(active))
	r.FunnelTier.WithLabelValues("tick_by_tick").Set(float64(tick))
}

// Decision records one journaled decision outcome.
func (r *Registry) Decision(outcome, reason string) {
	r.Decisions.WithLabelValues(outcome, reason).Inc()
}

// BookReset records one reconstruction reset for a symbol.
func (r *Registry) BookReset(symbol string) {
	r.BookResets.WithLabelValues(symbol).Inc()
}

// ObserveApply times one depth-update application.
func (r *Registry) ObserveApply(result string, d time.Duration) {
	r.DepthApply.WithLabelValues(result).Observe(d.Seconds())
}

// DroppedEvent counts a feed event discarded before application.
func (r *Registry) DroppedEvent(kind string) {
	r.DroppedEvents.WithLabelValues(kind).Inc()
	log.Debug().Str("kind", kind).Msg("Feed event dropped")
}

// ObserveTapeSkew records how far a print's provider event time lagged
// its local receipt time. Freshness decisions use receipt time only, so
// this is the analytic that shows when the two clocks drift apart.
func (r *Registry) ObserveTapeSkew(eventMs, receiptMs int64) {
	r.TapeSkew.Observe(float64(receiptMs-eventMs) / 1000)
}

// ProviderError counts an asynchronous provider error.
func (r *Registry) ProviderError(code int) {
	r.ProviderErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}
