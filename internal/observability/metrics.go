// internal/observability/metrics.go
package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"picoammeter-service/internal/model"
	"picoammeter-service/pkg/driver"
)

// Metrics holds the process's Prometheus collectors
type Metrics struct {
	SamplesAppended prometheus.Counter
	ReadsSkipped    prometheus.Counter
	Halts           *prometheus.CounterVec
	BufferFill      prometheus.Gauge
	SamplingActive  prometheus.Gauge
	Connected       prometheus.Gauge
	Exports         *prometheus.CounterVec
	ReadLatency     prometheus.Histogram
	HTTPRequests    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SamplesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "picoammeter_samples_appended_total",
			Help: "Samples appended to the session buffer.",
		}),
		ReadsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "picoammeter_reads_skipped_total",
			Help: "Ticks skipped because the instrument frame did not parse.",
		}),
		Halts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "picoammeter_sampling_halts_total",
			Help: "Sampling runs that stopped on an error, by reason.",
		}, []string{"reason"}),
		BufferFill: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "picoammeter_buffer_samples",
			Help: "Samples currently held in the session buffer.",
		}),
		SamplingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "picoammeter_sampling_active",
			Help: "1 while a sampling run is in progress.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "picoammeter_instrument_connected",
			Help: "1 while the instrument connection is open.",
		}),
		Exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "picoammeter_exports_total",
			Help: "Export requests by result.",
		}, []string{"result"}),
		ReadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "picoammeter_read_duration_seconds",
			Help:    "Time for one READ? exchange with the instrument.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "picoammeter_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.SamplesAppended, m.ReadsSkipped, m.Halts, m.BufferFill,
		m.SamplingActive, m.Connected, m.Exports, m.ReadLatency, m.HTTPRequests,
	)
	return m
}

// HaltReason labels a loop halt error
func HaltReason(err error) string {
	var connErr *model.ConnectError
	switch {
	case errors.Is(err, model.ErrBufferFull):
		return "buffer_full"
	case errors.As(err, &connErr):
		return string(connErr.Reason)
	case errors.Is(err, model.ErrNotConnected):
		return "not_connected"
	default:
		return "other"
	}
}

// ObserveRequest counts one HTTP request
func (m *Metrics) ObserveRequest(method, route string, status int) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// SetBool sets a 0/1 gauge
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}

// TimedReader records the duration of every read it forwards
type TimedReader struct {
	reader  driver.Reader
	latency prometheus.Observer
}

// NewTimedReader wraps reader
func NewTimedReader(reader driver.Reader, latency prometheus.Observer) *TimedReader {
	return &TimedReader{reader: reader, latency: latency}
}

func (r *TimedReader) ReadValue(ctx context.Context) (model.Reading, error) {
	start := time.Now()
	reading, err := r.reader.ReadValue(ctx)
	r.latency.Observe(time.Since(start).Seconds())
	return reading, err
}
