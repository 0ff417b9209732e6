// Package metrics records pool, connection and response events.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives server events. Implementations must be cheap; they are called
// from the event loop.
type Recorder interface {
	ConnectionOpened(scheme string)
	ConnectionRejected(reason string)
	ConnectionClosed(fault string)
	BytesRead(n int)
	BytesWritten(n int)
	ResponseDone(method string, status int, size int64)
	PollCycle(ready int)
}

// Nop discards every event.
type Nop struct{}

func (Nop) ConnectionOpened(string)         {}
func (Nop) ConnectionRejected(string)       {}
func (Nop) ConnectionClosed(string)         {}
func (Nop) BytesRead(int)                   {}
func (Nop) BytesWritten(int)                {}
func (Nop) ResponseDone(string, int, int64) {}
func (Nop) PollCycle(int)                   {}

// Prometheus is a Recorder backed by Prometheus collectors.
type Prometheus struct {
	connectionsActive   prometheus.Gauge
	connectionsTotal    *prometheus.CounterVec
	connectionsRejected *prometheus.CounterVec
	connectionsClosed   *prometheus.CounterVec
	bytesRead           prometheus.Counter
	bytesWritten        prometheus.Counter
	responsesTotal      *prometheus.CounterVec
	responseSize        *prometheus.HistogramVec
	pollCycles          prometheus.Counter
	pollReady           prometheus.Histogram
}

// NewPrometheus registers the server collectors with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		connectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "liso_connections_active",
			Help: "Current number of connections in the pool",
		}),
		connectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "liso_connections_total",
			Help: "Total number of admitted connections",
		}, []string{"scheme"}),
		connectionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "liso_connections_rejected_total",
			Help: "Total number of connections rejected before admission",
		}, []string{"reason"}),
		connectionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "liso_connections_closed_total",
			Help: "Total number of evicted connections by fault reason",
		}, []string{"fault"}),
		bytesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "liso_bytes_read_total",
			Help: "Total bytes read from clients",
		}),
		bytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "liso_bytes_written_total",
			Help: "Total bytes written to clients",
		}),
		responsesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "liso_responses_total",
			Help: "Total number of fully generated responses",
		}, []string{"method", "status"}),
		responseSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "liso_response_size_bytes",
			Help:    "Generated response size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		}, []string{"method", "status"}),
		pollCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "liso_poll_cycles_total",
			Help: "Total number of readiness waits",
		}),
		pollReady: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "liso_poll_ready_descriptors",
			Help:    "Descriptors reported ready per readiness wait",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 64, 256, 1024},
		}),
	}
}

func (p *Prometheus) ConnectionOpened(scheme string) {
	p.connectionsActive.Inc()
	p.connectionsTotal.WithLabelValues(scheme).Inc()
}

func (p *Prometheus) ConnectionRejected(reason string) {
	p.connectionsRejected.WithLabelValues(reason).Inc()
}

// ConnectionClosed records an eviction; fault is "" for a graceful close.
func (p *Prometheus) ConnectionClosed(fault string) {
	if fault == "" {
		fault = "none"
	}
	p.connectionsActive.Dec()
	p.connectionsClosed.WithLabelValues(fault).Inc()
}

func (p *Prometheus) BytesRead(n int)    { p.bytesRead.Add(float64(n)) }
func (p *Prometheus) BytesWritten(n int) { p.bytesWritten.Add(float64(n)) }

func (p *Prometheus) ResponseDone(method string, status int, size int64) {
	s := strconv.Itoa(status)
	p.responsesTotal.WithLabelValues(method, s).Inc()
	p.responseSize.WithLabelValues(method, s).Observe(float64(size))
}

func (p *Prometheus) PollCycle(ready int) {
	p.pollCycles.Inc()
	p.pollReady.Observe(float64(ready))
}
