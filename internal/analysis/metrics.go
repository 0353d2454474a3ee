package analysis

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/lookout/internal/dedup"
	"github.com/linnemanlabs/lookout/internal/throttle"
)

// Metrics holds Prometheus metrics for the analysis subsystem.
type Metrics struct {
	EventsReceived   prometheus.Counter
	EventsSkipped    prometheus.Counter
	BatchSize        prometheus.Histogram
	AnalysesTotal    *prometheus.CounterVec
	AnalysisDuration prometheus.Histogram
	LLMCallsTotal    *prometheus.CounterVec
	LLMTokensIn      prometheus.Counter
	LLMTokensOut     prometheus.Counter
	LLMDuration      prometheus.Histogram
	InFlight         prometheus.Gauge
	ThrottleWait     prometheus.Histogram
	DedupEntries     prometheus.Gauge
	DedupEvictions   prometheus.Counter
}

// NewMetrics registers and returns analysis metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lookout_events_received_total",
			Help: "Total log events received.",
		}),
		EventsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lookout_events_skipped_total",
			Help: "Total log events skipped as duplicates.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lookout_batch_size",
			Help:    "Log events per submitted batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 .. 512
		}),
		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lookout_analyses_total",
			Help: "Total analyses by verdict.",
		}, []string{"verdict"}),
		AnalysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lookout_analysis_duration_seconds",
			Help:    "Duration of a single event analysis including throttle wait, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s .. ~128s
		}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lookout_llm_calls_total",
			Help: "Total LLM provider calls by status.",
		}, []string{"status"}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lookout_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lookout_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lookout_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9), // 0.25s .. ~64s
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lookout_analysis_in_flight",
			Help: "Analysis engine calls currently holding a throttle slot.",
		}),
		ThrottleWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lookout_throttle_wait_seconds",
			Help:    "Time spent waiting for a throttle slot in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 9), // 1ms .. ~65s
		}),
		DedupEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lookout_dedup_entries",
			Help: "Fingerprints in the dedup cache after the last sweep.",
		}),
		DedupEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lookout_dedup_evictions_total",
			Help: "Total expired fingerprints evicted by the janitor.",
		}),
	}

	reg.MustRegister(
		m.EventsReceived,
		m.EventsSkipped,
		m.BatchSize,
		m.AnalysesTotal,
		m.AnalysisDuration,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.InFlight,
		m.ThrottleWait,
		m.DedupEntries,
		m.DedupEvictions,
	)

	return m
}

// EngineHooks returns EngineHooks that record LLM call metrics.
func (m *Metrics) EngineHooks() EngineHooks {
	return EngineHooks{
		OnLLMCall: func(inputTokens, outputTokens int, duration float64, err error) {
			status := "success"
			if err != nil {
				status = "error"
			}
			m.LLMCallsTotal.WithLabelValues(status).Inc()
			m.LLMTokensIn.Add(float64(inputTokens))
			m.LLMTokensOut.Add(float64(outputTokens))
			m.LLMDuration.Observe(duration)
		},
	}
}

// OrchestratorHooks returns OrchestratorHooks that record batch metrics.
func (m *Metrics) OrchestratorHooks() OrchestratorHooks {
	return OrchestratorHooks{
		OnBatch: func(received, _, skipped int) {
			m.EventsReceived.Add(float64(received))
			m.EventsSkipped.Add(float64(skipped))
			m.BatchSize.Observe(float64(received))
		},
		OnAnalyzed: func(duration float64, _ error) {
			m.AnalysisDuration.Observe(duration)
		},
	}
}

// ServiceHooks returns ServiceHooks that count records by verdict.
func (m *Metrics) ServiceHooks() ServiceHooks {
	return ServiceHooks{
		OnRecord: func(v Verdict) {
			m.AnalysesTotal.WithLabelValues(string(v)).Inc()
		},
	}
}

// ThrottleHooks returns throttle.Hooks that track slot usage.
func (m *Metrics) ThrottleHooks() throttle.Hooks {
	return throttle.Hooks{
		OnWait: func(d time.Duration) {
			m.ThrottleWait.Observe(d.Seconds())
		},
		OnInFlight: func(n int) {
			m.InFlight.Set(float64(n))
		},
	}
}

// JanitorHooks returns dedup.JanitorHooks that track cache size.
func (m *Metrics) JanitorHooks() dedup.JanitorHooks {
	return dedup.JanitorHooks{
		OnSweep: func(evicted, remaining int) {
			m.DedupEvictions.Add(float64(evicted))
			m.DedupEntries.Set(float64(remaining))
		},
	}
}
