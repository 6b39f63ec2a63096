// Package metrics exposes Prometheus instrumentation for the pipeline,
// grounded on the teacher's TradingMetrics collector
// (pkg/trader/metrics/metrics.go): a private prometheus.Registry, one
// *Vec per concern grouped by domain area, a Record*/Update* method per
// concern, and a Registry() accessor for wiring an HTTP /metrics
// handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics collects every counter/gauge/histogram the pipeline
// emits across discovery, the feed client, the order-book registry, the
// signal engine, and the multiplex sink.
type PipelineMetrics struct {
	registry *prometheus.Registry

	// Refresh loop (C9)
	RefreshTotal    *prometheus.CounterVec
	RefreshDuration prometheus.Histogram
	CandidateCount  *prometheus.GaugeVec

	// Feed client (C6)
	SubscriptionChurn prometheus.Counter
	FeedReconnects    prometheus.Counter
	FeedMessagesTotal *prometheus.CounterVec

	// Order-book registry (C5)
	ResyncTotal *prometheus.CounterVec

	// Signal engine (C7)
	SignalsEmittedTotal *prometheus.CounterVec
	SignalsSuppressedTotal *prometheus.CounterVec

	// Multiplex sink (C8)
	SinkDeliveryTotal *prometheus.CounterVec
}

// New builds a PipelineMetrics bound to a fresh, unregistered-with-global
// prometheus.Registry, matching the teacher's isolation-over-globals
// preference.
func New() *PipelineMetrics {
	registry := prometheus.NewRegistry()

	pm := &PipelineMetrics{
		registry: registry,

		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsignal_refresh_total",
				Help: "Total discovery refresh cycles by outcome",
			},
			[]string{"outcome"},
		),
		RefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "marketsignal_refresh_duration_seconds",
				Help:    "Wall-clock duration of one refresh cycle",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		CandidateCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketsignal_candidate_markets",
				Help: "Number of markets selected per category on the most recent refresh",
			},
			[]string{"category"},
		),

		SubscriptionChurn: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marketsignal_subscription_changes_total",
				Help: "Total subscribe/unsubscribe rounds sent to the feed",
			},
		),
		FeedReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marketsignal_feed_reconnects_total",
				Help: "Total feed websocket reconnect attempts",
			},
		),
		FeedMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsignal_feed_messages_total",
				Help: "Total decoded feed messages by kind",
			},
			[]string{"kind"},
		),

		ResyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsignal_orderbook_resync_total",
				Help: "Total order-book resync requests by trigger",
			},
			[]string{"trigger"},
		),

		SignalsEmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsignal_signals_emitted_total",
				Help: "Total signals emitted by signal kind",
			},
			[]string{"signal"},
		),
		SignalsSuppressedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsignal_signals_suppressed_total",
				Help: "Total signal emissions suppressed by gating reason",
			},
			[]string{"reason"},
		),

		SinkDeliveryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketsignal_sink_delivery_total",
				Help: "Total per-sink delivery attempts by sink name and outcome",
			},
			[]string{"sink", "outcome"},
		),
	}
	pm.registerAll()
	return pm
}

func (pm *PipelineMetrics) registerAll() {
	pm.registry.MustRegister(
		pm.RefreshTotal,
		pm.RefreshDuration,
		pm.CandidateCount,
		pm.SubscriptionChurn,
		pm.FeedReconnects,
		pm.FeedMessagesTotal,
		pm.ResyncTotal,
		pm.SignalsEmittedTotal,
		pm.SignalsSuppressedTotal,
		pm.SinkDeliveryTotal,
	)
}

// Registry exposes the underlying prometheus.Registry for wiring an HTTP
// /metrics handler.
func (pm *PipelineMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

func (pm *PipelineMetrics) RecordRefresh(outcome string, durationSec float64) {
	pm.RefreshTotal.WithLabelValues(outcome).Inc()
	pm.RefreshDuration.Observe(durationSec)
}

func (pm *PipelineMetrics) UpdateCandidateCount(category string, count int) {
	pm.CandidateCount.WithLabelValues(category).Set(float64(count))
}

func (pm *PipelineMetrics) RecordSubscriptionChange() {
	pm.SubscriptionChurn.Inc()
}

func (pm *PipelineMetrics) RecordFeedReconnect() {
	pm.FeedReconnects.Inc()
}

func (pm *PipelineMetrics) RecordFeedMessage(kind string) {
	pm.FeedMessagesTotal.WithLabelValues(kind).Inc()
}

func (pm *PipelineMetrics) RecordResync(trigger string) {
	pm.ResyncTotal.WithLabelValues(trigger).Inc()
}

func (pm *PipelineMetrics) RecordSignalEmitted(signal string) {
	pm.SignalsEmittedTotal.WithLabelValues(signal).Inc()
}

func (pm *PipelineMetrics) RecordSignalSuppressed(reason string) {
	pm.SignalsSuppressedTotal.WithLabelValues(reason).Inc()
}

func (pm *PipelineMetrics) RecordSinkDelivery(sinkName, outcome string) {
	pm.SinkDeliveryTotal.WithLabelValues(sinkName, outcome).Inc()
}
