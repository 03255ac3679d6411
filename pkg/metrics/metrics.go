// Package metrics exposes the pipeline's runtime counters and gauges as
// Prometheus collectors, scraped through the control surface's /metrics
// endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every collector the pipeline records against. Callers
// hold one instance for the process lifetime and pass it down to the
// components that emit samples.
type Registry struct {
	reg *prometheus.Registry

	StateTransitions  *prometheus.CounterVec
	StateDwellSeconds *prometheus.HistogramVec
	BargeInTotal      prometheus.Counter
	UtteranceDiscards prometheus.Counter
	SegQueueDepth     prometheus.Gauge
	AudioQueueDepth   prometheus.Gauge
	PlaybackDropped   prometheus.Counter
	AGCGain           prometheus.Gauge
	ToolCallsTotal    *prometheus.CounterVec
	ToolCallDuration  *prometheus.HistogramVec
	TurnLatency       *prometheus.HistogramVec
	HTTPRequestsTotal *prometheus.CounterVec
}

// New builds a fresh registry with every collector registered under it.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		reg: reg,
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aethon_state_transitions_total",
			Help: "Count of pipeline state machine transitions by destination state.",
		}, []string{"state"}),
		StateDwellSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aethon_state_dwell_seconds",
			Help:    "Time spent in each pipeline state before transitioning away.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"state"}),
		BargeInTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "aethon_bargein_total",
			Help: "Count of confirmed barge-in interruptions while speaking.",
		}),
		UtteranceDiscards: factory.NewCounter(prometheus.CounterOpts{
			Name: "aethon_utterance_discards_total",
			Help: "Count of collected utterances discarded as too short to transcribe.",
		}),
		SegQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aethon_response_seg_queue_depth",
			Help: "Current occupancy of the response engine's sentence queue.",
		}),
		AudioQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aethon_response_audio_queue_depth",
			Help: "Current occupancy of the response engine's synthesized-audio queue.",
		}),
		PlaybackDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "aethon_playback_dropped_chunks_total",
			Help: "Count of capture chunks dropped because the capture queue was full.",
		}),
		AGCGain: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aethon_agc_gain",
			Help: "Current automatic gain control multiplier applied to capture audio.",
		}),
		ToolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aethon_tool_calls_total",
			Help: "Count of tool invocations by name and outcome.",
		}, []string{"tool", "outcome"}),
		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aethon_tool_call_duration_seconds",
			Help:    "Tool call latency by name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		TurnLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aethon_turn_latency_seconds",
			Help:    "Per-turn latency broken out by pipeline stage (stt, llm_first_token, tts_first_audio).",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aethon_http_requests_total",
			Help: "Control surface HTTP requests by route and status class.",
		}, []string{"route", "status"}),
	}
	return r
}

// Registerer exposes the underlying prometheus.Registerer for code that
// needs to register its own collectors alongside the built-in ones.
func (r *Registry) Registerer() prometheus.Registerer { return r.reg }

// Gatherer exposes the underlying prometheus.Gatherer for the /metrics
// HTTP handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveDwell records how long the pipeline spent in state before
// transitioning away from it.
func (r *Registry) ObserveDwell(state string, d time.Duration) {
	r.StateDwellSeconds.WithLabelValues(state).Observe(d.Seconds())
}

// ObserveToolCall records a tool invocation's outcome and latency.
func (r *Registry) ObserveToolCall(tool string, ok bool, d time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	r.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	r.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveTurnStage records latency for one named stage of a single
// request/response turn (e.g. "stt", "llm_first_token", "tts_first_audio").
func (r *Registry) ObserveTurnStage(stage string, d time.Duration) {
	r.TurnLatency.WithLabelValues(stage).Observe(d.Seconds())
}
