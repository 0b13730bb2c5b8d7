// Package metrics exposes Prometheus collectors for the sync session.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Frame results.
const (
	FrameApplied = "applied"
	FrameIgnored = "ignored"
	FrameDecode  = "decode_error"
	FrameGap     = "referential_gap"
	FramePanic   = "panic"
)

// Refresh reasons.
const (
	RefreshStart     = "start"
	RefreshGap       = "gap"
	RefreshReconnect = "reconnect"
	RefreshManual    = "manual"
)

// Metrics holds the collectors, registered on their own registry so
// tests and multiple sessions in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	connects       prometheus.Counter
	disconnects    prometheus.Counter
	connected      prometheus.Gauge
	reconnectDelay prometheus.Histogram
	frames         *prometheus.CounterVec
	refreshes      *prometheus.CounterVec
}

// New creates and registers all collectors, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_connects_total",
			Help:      "Event stream connections established.",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_disconnects_total",
			Help:      "Event stream connections lost or closed.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_connected",
			Help:      "1 while the event stream is connected.",
		}),
		reconnectDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Backoff delay before each reconnect attempt.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Event stream frames by processing result.",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Conversation list refreshes by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		m.connects,
		m.disconnects,
		m.connected,
		m.reconnectDelay,
		m.frames,
		m.refreshes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) StreamConnected() {
	if m == nil {
		return
	}

	m.connects.Inc()
	m.connected.Set(1)
}

func (m *Metrics) StreamDisconnected() {
	if m == nil {
		return
	}

	m.disconnects.Inc()
	m.connected.Set(0)
}

func (m *Metrics) ReconnectDelay(d time.Duration) {
	if m == nil {
		return
	}

	m.reconnectDelay.Observe(d.Seconds())
}

func (m *Metrics) Frame(result string) {
	if m == nil {
		return
	}

	m.frames.WithLabelValues(result).Inc()
}

func (m *Metrics) Refresh(reason string) {
	if m == nil {
		return
	}

	m.refreshes.WithLabelValues(reason).Inc()
}
