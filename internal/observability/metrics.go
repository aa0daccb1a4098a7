package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveRecognitions prometheus.Gauge
	ActiveSyntheses    prometheus.Gauge
	ActiveConnections  prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	EngineErrors       *prometheus.CounterVec
	HubDrops           *prometheus.CounterVec
	GenerationLatency  prometheus.Histogram
	FirstAudioLatency  prometheus.Histogram

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveRecognitions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_recognition_sessions",
			Help:      "Number of recognition sessions accepting audio.",
		}),
		ActiveSyntheses: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_synthesis_sessions",
			Help:      "Number of in-flight synthesis sessions.",
		}),
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Number of open websocket connections.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		EngineErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_errors_total",
			Help:      "Engine errors by engine and code.",
		}, []string{"engine", "code"}),
		HubDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_drops_total",
			Help:      "Events dropped for slow subscribers by type.",
		}, []string{"type"}),
		GenerationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_ms",
			Help:      "Reply generation latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000, 10000},
		}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from final transcript to first reply audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		stages: newStageWindow(256),
	}
}

// The helpers below accept a nil receiver so components can run without
// metrics in tests.

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) EngineError(engine, code string) {
	if m == nil {
		return
	}
	m.EngineErrors.WithLabelValues(engine, code).Inc()
	m.stages.count(engine + "_error")
}

func (m *Metrics) HubDrop(msgType string) {
	if m == nil {
		return
	}
	m.HubDrops.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecognitionStarted() {
	if m == nil {
		return
	}
	m.ActiveRecognitions.Inc()
}

func (m *Metrics) RecognitionEnded() {
	if m == nil {
		return
	}
	m.ActiveRecognitions.Dec()
}

func (m *Metrics) SynthesisStarted() {
	if m == nil {
		return
	}
	m.ActiveSyntheses.Inc()
}

func (m *Metrics) SynthesisEnded() {
	if m == nil {
		return
	}
	m.ActiveSyntheses.Dec()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) ObserveGeneration(d time.Duration) {
	if m == nil {
		return
	}
	m.GenerationLatency.Observe(float64(d.Milliseconds()))
	m.ObserveStage(StageFinalToReplyText, d)
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.ObserveStage(StageFinalToFirstAudio, d)
}

// ObserveStage records one latency sample in the rolling stage window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.observe(stage, float64(d)/float64(time.Millisecond))
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.count(name)
}

func (m *Metrics) SnapshotStages() LatencySnapshot {
	if m == nil {
		return newStageWindow(1).snapshot()
	}
	return m.stages.snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) ResetStages() {
	if m == nil {
		return
	}
	m.stages.reset()
}
