package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/channel"
)

// Metrics owns a private Prometheus registry. It records channel samples as a
// channel.SampleSink and lets other components publish their own counters
// through CounterFunc and GaugeFunc.
type Metrics struct {
	namespace string
	reg       *prometheus.Registry
	factory   promauto.Factory

	sent      *prometheus.CounterVec
	failed    *prometheus.CounterVec
	received  *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	discovery *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	health    *prometheus.GaugeVec
	errRate   *prometheus.GaugeVec
	avgLat    *prometheus.GaugeVec
}

// HealthStatuses are the label values of the channel_health gauge.
var HealthStatuses = []string{"healthy", "degraded", "failed", "unknown"}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	ch := []string{"channel"}
	return &Metrics{
		namespace: namespace,
		reg:       reg,
		factory:   f,
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "messages_sent_total",
			Help: "Messages accepted by a channel adapter.",
		}, ch),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "send_failures_total",
			Help: "Send attempts that failed on a channel.",
		}, ch),
		received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "messages_received_total",
			Help: "Messages delivered by a channel adapter.",
		}, ch),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "bytes_total",
			Help: "Payload bytes moved over a channel.",
		}, []string{"channel", "direction"}),
		discovery: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "discovery_runs_total",
			Help: "Discovery passes run on a channel.",
		}, ch),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "channel", Name: "send_latency_seconds",
			Help:    "Latency of successful sends.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2, 5},
		}, ch),
		health: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "channel", Name: "health",
			Help: "1 for the current health status of a channel, 0 otherwise.",
		}, []string{"channel", "status"}),
		errRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "channel", Name: "error_rate",
			Help: "Failed share of recent send attempts.",
		}, ch),
		avgLat: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "channel", Name: "latency_seconds",
			Help: "Average send latency over the health window.",
		}, ch),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// RecordSample implements channel.SampleSink.
func (m *Metrics) RecordSample(s channel.Sample) {
	ch := s.Channel.String()
	switch {
	case s.Discovery:
		m.discovery.WithLabelValues(ch).Inc()
	case s.Inbound:
		m.received.WithLabelValues(ch).Inc()
		m.bytes.WithLabelValues(ch, "in").Add(float64(s.Bytes))
	case s.Failed:
		m.failed.WithLabelValues(ch).Inc()
	default:
		m.sent.WithLabelValues(ch).Inc()
		m.bytes.WithLabelValues(ch, "out").Add(float64(s.Bytes))
		m.latency.WithLabelValues(ch).Observe(s.Latency.Seconds())
	}
}

// ObserveHealth publishes the latest health verdict for a channel.
func (m *Metrics) ObserveHealth(ch channel.Kind, status string, latency time.Duration, errorRate float64) {
	name := ch.String()
	for _, st := range HealthStatuses {
		v := 0.0
		if st == status {
			v = 1
		}
		m.health.WithLabelValues(name, st).Set(v)
	}
	m.errRate.WithLabelValues(name).Set(errorRate)
	m.avgLat.WithLabelValues(name).Set(latency.Seconds())
}

// CounterFunc exposes a monotonically increasing value read on scrape.
func (m *Metrics) CounterFunc(subsystem, name, help string, fn func() float64) {
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: subsystem, Name: name, Help: help,
	}, fn)
}

// GaugeFunc exposes a point-in-time value read on scrape.
func (m *Metrics) GaugeFunc(subsystem, name, help string, fn func() float64) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: subsystem, Name: name, Help: help,
	}, fn)
}
