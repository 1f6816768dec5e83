package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "classworks"

// Metrics owns a private registry so tests can build several Apps in one
// process.
type Metrics struct {
	reg *prometheus.Registry

	onlineDevices     prometheus.Gauge
	registeredDevices prometheus.Gauge
	authFailures      *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
	realtimeEvents    *prometheus.CounterVec
	deviceCodeSweeps  prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		onlineDevices: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "online_devices_total",
			Help:      "Device tokens with at least one live realtime connection.",
		}),
		registeredDevices: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "registered_devices_total",
			Help:      "Devices known to the identity store.",
		}),
		authFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "auth_failures_total",
			Help:      "Rejected credentials by strategy and error code.",
		}, []string{"strategy", "code"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limited_total",
			Help:      "Requests refused by a rate-limit class.",
		}, []string{"class"}),
		realtimeEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "realtime_events_total",
			Help:      "Realtime events delivered by kind.",
		}, []string{"kind"}),
		deviceCodeSweeps: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "device_codes_expired_total",
			Help:      "Device codes removed by the expiry sweep.",
		}),
	}
}

// TrackDeviceCodes exports the number of pending device codes.
func (m *Metrics) TrackDeviceCodes(length func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "device_codes_active",
		Help:      "Device codes waiting to be bound or collected.",
	}, func() float64 { return float64(length()) }))
}

func (m *Metrics) SetOnline(n int)          { m.onlineDevices.Set(float64(n)) }
func (m *Metrics) SetRegistered(n int)      { m.registeredDevices.Set(float64(n)) }
func (m *Metrics) DeviceRegistered()        { m.registeredDevices.Inc() }
func (m *Metrics) RateLimited(class string) { m.rateLimited.WithLabelValues(class).Inc() }
func (m *Metrics) RealtimeEvent(kind string) {
	m.realtimeEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) AuthFailure(strategy, code string) {
	m.authFailures.WithLabelValues(strategy, code).Inc()
}

func (m *Metrics) DeviceCodesExpired(n int) {
	if n > 0 {
		m.deviceCodeSweeps.Add(float64(n))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
