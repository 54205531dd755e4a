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
	ActiveConnections   prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	WSFrames            *prometheus.CounterVec
	DroppedAudioFrames  *prometheus.CounterVec
	ProviderErrors      *prometheus.CounterVec
	TTSRetries          prometheus.Counter
	SegmentsSynthesized prometheus.Counter
	SegmentLatency      prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of active realtime voice connections.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_frames_total",
			Help:      "WebSocket frames by direction and type.",
		}, []string{"direction", "type"}),
		DroppedAudioFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_audio_frames_total",
			Help:      "Inbound audio frames dropped before transcription, by reason.",
		}, []string{"reason"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Upstream provider errors by provider and code.",
		}, []string{"provider", "code"}),
		TTSRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_retries_total",
			Help:      "Text-to-speech request retries.",
		}),
		SegmentsSynthesized: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_synthesized_total",
			Help:      "Reply segments successfully synthesized and streamed.",
		}),
		SegmentLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_latency_ms",
			Help:      "Latency from segment enqueue to first audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 5000},
		}),
	}
}

func (m *Metrics) ObserveSegmentLatency(d time.Duration) {
	m.SegmentLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
