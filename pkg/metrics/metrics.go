// Package metrics exposes Prometheus instrumentation for the relay.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	TurnsTotal       *prometheus.CounterVec
	TokensTotal      *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	CacheLookups     *prometheus.CounterVec
	CompactionsTotal *prometheus.CounterVec
	CreditsDebited   prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		TurnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayd",
			Name:      "turns_total",
			Help:      "Chat turns by billing mode and outcome.",
		}, []string{"billing_mode", "status"}),
		TokensTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayd",
			Name:      "tokens_total",
			Help:      "Upstream tokens consumed, by direction.",
		}, []string{"model", "direction"}),
		UpstreamDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relayd",
			Name:      "upstream_duration_seconds",
			Help:      "Wall time of upstream completion streams.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"model"}),
		CacheLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayd",
			Name:      "customization_cache_lookups_total",
			Help:      "Customization cache lookups by result.",
		}, []string{"result"}),
		CompactionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayd",
			Name:      "compactions_total",
			Help:      "Memory compaction attempts by outcome.",
		}, []string{"status"}),
		CreditsDebited: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "relayd",
			Name:      "credits_debited_total",
			Help:      "Credits debited from metered users.",
		}),
	}
}

func (m *Metrics) RecordTurn(billingMode, status string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(billingMode, status).Inc()
}

func (m *Metrics) RecordTokens(model string, prompt, completion int) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues(model, "prompt").Add(float64(prompt))
	m.TokensTotal.WithLabelValues(model, "completion").Add(float64(completion))
}

func (m *Metrics) ObserveUpstream(model string, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamDuration.WithLabelValues(model).Observe(d.Seconds())
}

func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCompaction(status string) {
	if m == nil {
		return
	}
	m.CompactionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordCreditDebit() {
	if m == nil {
		return
	}
	m.CreditsDebited.Inc()
}
