package model

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// JudgeMetrics holds process-wide, monotonic counters. All fields are
// updated with atomic increments and are readable without locks; exact
// instantaneous consistency across fields is not guaranteed.
type JudgeMetrics struct {
	TotalRequests  atomic.Uint64
	CacheHits      atomic.Uint64
	CacheMisses    atomic.Uint64
	LlmTimeouts    atomic.Uint64
	LlmErrors      atomic.Uint64
	FailOpenCount  atomic.Uint64
	Blocks         atomic.Uint64
	Flags          atomic.Uint64
	Allows         atomic.Uint64

	prom *prometheusMetrics
}

type prometheusMetrics struct {
	decisions   *prometheus.CounterVec
	cache       *prometheus.CounterVec
	llmFailures *prometheus.CounterVec
	failOpen    prometheus.Counter
}

var (
	defaultPromOnce sync.Once
	defaultProm     *prometheusMetrics
)

// NewJudgeMetrics constructs a fresh set of atomic counters mirrored into
// Prometheus collectors on the default registry. The collectors are
// registered once per process and shared by every JudgeMetrics built
// here, so calling it more than once is safe; NewJudgeMetricsWithRegisterer
// gives a JudgeMetrics its own collectors on a registry of the caller's.
func NewJudgeMetrics() *JudgeMetrics {
	defaultPromOnce.Do(func() {
		defaultProm = NewJudgeMetricsWithRegisterer(prometheus.DefaultRegisterer).prom
	})
	return &JudgeMetrics{prom: defaultProm}
}

// NewJudgeMetricsWithRegisterer allows tests to avoid colliding with the
// global default registry.
func NewJudgeMetricsWithRegisterer(reg prometheus.Registerer) *JudgeMetrics {
	factory := promauto.With(reg)
	return &JudgeMetrics{
		prom: &prometheusMetrics{
			decisions: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "waf_judge_decisions_total",
				Help: "Total judge decisions by kind.",
			}, []string{"decision"}),
			cache: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "waf_judge_cache_total",
				Help: "Verdict cache lookups by outcome.",
			}, []string{"outcome"}),
			llmFailures: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "waf_judge_llm_failures_total",
				Help: "LLM Gateway failures observed by the Judge, by kind.",
			}, []string{"kind"}),
			failOpen: factory.NewCounter(prometheus.CounterOpts{
				Name: "waf_judge_fail_open_total",
				Help: "Requests that fell back to fail-open Allow@0.",
			}),
		},
	}
}

func (m *JudgeMetrics) IncTotalRequests() {
	m.TotalRequests.Add(1)
}

func (m *JudgeMetrics) IncCacheHit() {
	m.CacheHits.Add(1)
	if m.prom != nil {
		m.prom.cache.WithLabelValues("hit").Inc()
	}
}

func (m *JudgeMetrics) IncCacheMiss() {
	m.CacheMisses.Add(1)
	if m.prom != nil {
		m.prom.cache.WithLabelValues("miss").Inc()
	}
}

func (m *JudgeMetrics) IncLlmTimeout() {
	m.LlmTimeouts.Add(1)
	if m.prom != nil {
		m.prom.llmFailures.WithLabelValues("timeout").Inc()
	}
}

func (m *JudgeMetrics) IncLlmError() {
	m.LlmErrors.Add(1)
	if m.prom != nil {
		m.prom.llmFailures.WithLabelValues("error").Inc()
	}
}

func (m *JudgeMetrics) IncFailOpen() {
	m.FailOpenCount.Add(1)
	if m.prom != nil {
		m.prom.failOpen.Inc()
	}
}

// IncDecision records the final verdict kind in both the atomic counters
// and the Prometheus mirror.
func (m *JudgeMetrics) IncDecision(kind DecisionKind) {
	switch kind {
	case DecisionBlock:
		m.Blocks.Add(1)
	case DecisionFlag:
		m.Flags.Add(1)
	default:
		m.Allows.Add(1)
	}
	if m.prom != nil {
		m.prom.decisions.WithLabelValues(string(kind)).Inc()
	}
}

// Snapshot is a point-in-time, non-atomic read of all counters, for
// /health and admin endpoints.
type MetricsSnapshot struct {
	TotalRequests uint64 `json:"total_requests"`
	CacheHits     uint64 `json:"cache_hits"`
	CacheMisses   uint64 `json:"cache_misses"`
	LlmTimeouts   uint64 `json:"llm_timeouts"`
	LlmErrors     uint64 `json:"llm_errors"`
	FailOpenCount uint64 `json:"fail_open_count"`
	Blocks        uint64 `json:"blocks"`
	Flags         uint64 `json:"flags"`
	Allows        uint64 `json:"allows"`
}

func (m *JudgeMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TotalRequests: m.TotalRequests.Load(),
		CacheHits:     m.CacheHits.Load(),
		CacheMisses:   m.CacheMisses.Load(),
		LlmTimeouts:   m.LlmTimeouts.Load(),
		LlmErrors:     m.LlmErrors.Load(),
		FailOpenCount: m.FailOpenCount.Load(),
		Blocks:        m.Blocks.Load(),
		Flags:         m.Flags.Load(),
		Allows:        m.Allows.Load(),
	}
}
