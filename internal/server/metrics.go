package server

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/raman-dash/internal/errs"
	"github.com/shaunagostinho/raman-dash/internal/protocol"
)

// Metrics holds the service's Prometheus collectors. It implements
// exchange.Observer so the serial exchange reports into it directly.
type Metrics struct {
	reg *prometheus.Registry
	log logrus.FieldLogger

	CommandRetries  *prometheus.CounterVec
	CommandErrors   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	Samples         *prometheus.CounterVec
	AcquireDuration prometheus.Histogram
	Connected       prometheus.Gauge
	WSClients       prometheus.Gauge
	Goroutines      prometheus.Gauge
	MemoryUsage     prometheus.Gauge
}

// NewMetrics creates and registers the collectors on a private registry.
func NewMetrics(log logrus.FieldLogger) *Metrics {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		log: log.WithField("component", "metrics"),

		CommandRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raman_command_retries_total",
			Help: "Frames resent after a recoverable exchange failure.",
		}, []string{"command", "reason"}),
		CommandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raman_command_errors_total",
			Help: "Commands that failed, by error kind.",
		}, []string{"command", "kind"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "raman_command_duration_seconds",
			Help:    "Time from first write to validated reply.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 70},
		}, []string{"command"}),
		Samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raman_samples_total",
			Help: "Streamed samples by tag.",
		}, []string{"tag"}),
		AcquireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "raman_acquire_duration_seconds",
			Help:    "Capture duration of streamed frames.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "raman_connected",
			Help: "1 while a device session is open.",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "raman_ws_clients",
			Help: "Connected WebSocket clients.",
		}),
		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "raman_goroutines",
			Help: "Current goroutine count.",
		}),
		MemoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "raman_memory_usage_bytes",
			Help: "Heap bytes allocated.",
		}),
	}
	m.reg.MustRegister(
		m.CommandRetries,
		m.CommandErrors,
		m.CommandDuration,
		m.Samples,
		m.AcquireDuration,
		m.Connected,
		m.WSClients,
		m.Goroutines,
		m.MemoryUsage,
	)
	return m
}

// Retried implements exchange.Observer.
func (m *Metrics) Retried(cmd protocol.Command, reason string) {
	m.CommandRetries.WithLabelValues(cmd.String(), reason).Inc()
}

// Completed implements exchange.Observer.
func (m *Metrics) Completed(cmd protocol.Command, d time.Duration, err error) {
	m.CommandDuration.WithLabelValues(cmd.String()).Observe(d.Seconds())
	if err != nil {
		m.CommandErrors.WithLabelValues(cmd.String(), errs.Kind(err)).Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// RunRuntimeMonitor samples goroutine and memory gauges every 10s until ctx
// is done.
func (m *Metrics) RunRuntimeMonitor(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			m.Goroutines.Set(float64(runtime.NumGoroutine()))
			m.MemoryUsage.Set(float64(ms.Alloc))
			m.log.Debugf("goroutines: %d, heap: %.2f MB", runtime.NumGoroutine(), float64(ms.Alloc)/1024/1024)
		}
	}
}
