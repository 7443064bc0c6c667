// Package metrics exposes daemon counters and gauges to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "busylight"

// Tick outcomes.
const (
	OutcomeNetwork     = "network_unavailable"
	OutcomeCalendar    = "calendar_error"
	OutcomeDevice      = "device_error"
	OutcomeUnchanged   = "unchanged"
	OutcomeStateChange = "state_change"
)

// Metrics holds all collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ticks         *prometheus.CounterVec
	deviceWrites  *prometheus.CounterVec
	retries       *prometheus.CounterVec
	busy          prometheus.Gauge
	errorFlashing prometheus.Gauge
	verified      *prometheus.GaugeVec
	heartbeat     prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Polling ticks by outcome",
		}, []string{"outcome"}),
		deviceWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_writes_total",
			Help:      "Switch state writes by requested state and result",
		}, []string{"state", "result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Failed attempts that were retried, by operation",
		}, []string{"op"}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "busy",
			Help:      "1 if the calendar currently reports busy",
		}),
		errorFlashing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "error_flash_active",
			Help:      "1 while the error flash sequence is running",
		}),
		verified: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_verified",
			Help:      "1 if the port connection is verified",
		}, []string{"port"}),
		heartbeat: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_heartbeat_timestamp_seconds",
			Help:      "Unix time of the last heartbeat",
		}),
	}

	m.registry.MustRegister(
		m.ticks,
		m.deviceWrites,
		m.retries,
		m.busy,
		m.errorFlashing,
		m.verified,
		m.heartbeat,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry (nil for a nil Metrics).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Tick(outcome string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DeviceWrite(on, ok bool) {
	if m == nil {
		return
	}
	state, result := "off", "ok"
	if on {
		state = "on"
	}
	if !ok {
		result = "failed"
	}
	m.deviceWrites.WithLabelValues(state, result).Inc()
}

// Retry matches the retry.WithRetryHook signature.
func (m *Metrics) Retry(op string, _ int, _ time.Duration, _ error) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) SetBusy(busy bool) {
	if m == nil {
		return
	}
	m.busy.Set(boolGauge(busy))
}

func (m *Metrics) SetErrorFlashing(active bool) {
	if m == nil {
		return
	}
	m.errorFlashing.Set(boolGauge(active))
}

func (m *Metrics) SetVerified(port string, ok bool) {
	if m == nil {
		return
	}
	m.verified.WithLabelValues(port).Set(boolGauge(ok))
}

func (m *Metrics) Heartbeat(at time.Time) {
	if m == nil {
		return
	}
	m.heartbeat.Set(float64(at.Unix()))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
