// Package metrics exposes Prometheus instrumentation for reservations, selections and the realtime hub.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what services depend on; Nop satisfies it when metrics are off.
type Recorder interface {
	RecordReservation(op, outcome string)
	RecordCommitLatency(op string, d time.Duration)
	RecordSelection(tier, op, outcome string)
	RecordBroadcast(eventType string)
	SetRealtimeClients(n int)
	RecordHTTPStatus(statusCode int)
}

type Collector struct {
	reservations    *prometheus.CounterVec
	commitLatency   *prometheus.HistogramVec
	selections      *prometheus.CounterVec
	broadcasts      *prometheus.CounterVec
	realtimeClients prometheus.Gauge
	httpStatus      *prometheus.CounterVec
}

var _ Recorder = (*Collector)(nil)

// NewCollector registers every metric on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slots_reservation_ops_total",
			Help: "Reservation operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		commitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slots_reservation_commit_seconds",
			Help:    "Latency of the conflict-safe commit transaction.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slots_selection_ops_total",
			Help: "Selection store operations by tier, operation and outcome.",
		}, []string{"tier", "op", "outcome"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slots_realtime_broadcasts_total",
			Help: "Realtime envelopes broadcast by type.",
		}, []string{"type"}),
		realtimeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slots_realtime_clients",
			Help: "Connected push-channel clients on this instance.",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slots_http_status_total",
			Help: "HTTP responses by status code.",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.reservations,
		c.commitLatency,
		c.selections,
		c.broadcasts,
		c.realtimeClients,
		c.httpStatus,
	)

	return c
}

func (c *Collector) RecordReservation(op, outcome string) {
	c.reservations.WithLabelValues(op, outcome).Inc()
}

func (c *Collector) RecordCommitLatency(op string, d time.Duration) {
	c.commitLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (c *Collector) RecordSelection(tier, op, outcome string) {
	c.selections.WithLabelValues(tier, op, outcome).Inc()
}

func (c *Collector) RecordBroadcast(eventType string) {
	c.broadcasts.WithLabelValues(eventType).Inc()
}

func (c *Collector) SetRealtimeClients(n int) {
	c.realtimeClients.Set(float64(n))
}

func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler serves the gatherer in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) RecordReservation(string, string)          {}
func (Nop) RecordCommitLatency(string, time.Duration) {}
func (Nop) RecordSelection(string, string, string)    {}
func (Nop) RecordBroadcast(string)                    {}
func (Nop) SetRealtimeClients(int)                    {}
func (Nop) RecordHTTPStatus(int)                      {}
