// Package metrics mirrors the reliable-transport engine's in-memory
// Stats (spec.md §4.4) as Prometheus collectors, so an operator can point
// a scraper at -metrics-addr instead of polling the CLI's "stats"
// command. The in-memory Stats struct stays authoritative; this package
// only republishes it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tarkalabs/reliabletransport/internal/transport"
)

// Collectors holds the gauges/counters a single endpoint's engine(s)
// report through.
type Collectors struct {
	PacketsSent      prometheus.Counter
	PacketsReceived  prometheus.Counter
	Retransmissions  prometheus.Counter
	ErrorsDetected   prometheus.Counter
	DuplicatePackets prometheus.Counter
	Pending          prometheus.Gauge
	WindowSize       prometheus.Gauge
}

// NewCollectors registers a fresh set of collectors under registry,
// labeled by component (e.g. "client" or a server peer ID).
func NewCollectors(registry *prometheus.Registry, component string) *Collectors {
	labels := prometheus.Labels{"component": component}
	c := &Collectors{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "reliabletransport_packets_sent_total",
			Help:        "DATA packets sent by the reliable-transport engine.",
			ConstLabels: labels,
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "reliabletransport_packets_received_total",
			Help:        "DATA packets accepted (checksum-valid, non-duplicate) by the engine.",
			ConstLabels: labels,
		}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "reliabletransport_retransmissions_total",
			Help:        "Packets retransmitted due to NACK or timer expiry.",
			ConstLabels: labels,
		}),
		ErrorsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "reliabletransport_errors_detected_total",
			Help:        "Checksum failures and decode errors detected.",
			ConstLabels: labels,
		}),
		DuplicatePackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "reliabletransport_duplicate_packets_total",
			Help:        "Duplicate DATA packets observed.",
			ConstLabels: labels,
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "reliabletransport_pending_packets",
			Help:        "Packets currently awaiting acknowledgement.",
			ConstLabels: labels,
		}),
		WindowSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "reliabletransport_window_size",
			Help:        "Current negotiated sliding-window size.",
			ConstLabels: labels,
		}),
	}
	registry.MustRegister(c.PacketsSent, c.PacketsReceived, c.Retransmissions, c.ErrorsDetected, c.DuplicatePackets, c.Pending, c.WindowSize)
	return c
}

// Observer republishes transport.Stats snapshots. Counters only move
// forward, so Observe tracks the last-seen cumulative value and adds the
// delta.
type Observer struct {
	c            *Collectors
	lastSent     int
	lastRecv     int
	lastRetrans  int
	lastErrors   int
	lastDupes    int
}

// NewObserver creates an Observer bound to c.
func NewObserver(c *Collectors) *Observer {
	return &Observer{c: c}
}

// Observe updates the collectors from a fresh stats snapshot.
func (o *Observer) Observe(s transport.Stats) {
	if d := s.PacketsSent - o.lastSent; d > 0 {
		o.c.PacketsSent.Add(float64(d))
		o.lastSent = s.PacketsSent
	}
	if d := s.PacketsReceived - o.lastRecv; d > 0 {
		o.c.PacketsReceived.Add(float64(d))
		o.lastRecv = s.PacketsReceived
	}
	if d := s.Retransmissions - o.lastRetrans; d > 0 {
		o.c.Retransmissions.Add(float64(d))
		o.lastRetrans = s.Retransmissions
	}
	if d := s.ErrorsDetected - o.lastErrors; d > 0 {
		o.c.ErrorsDetected.Add(float64(d))
		o.lastErrors = s.ErrorsDetected
	}
	if d := s.DuplicatePackets - o.lastDupes; d > 0 {
		o.c.DuplicatePackets.Add(float64(d))
		o.lastDupes = s.DuplicatePackets
	}
	o.c.Pending.Set(float64(s.Pending))
	o.c.WindowSize.Set(float64(s.WindowSize))
}

// Serve starts an HTTP server exposing /metrics on addr using registry.
// It blocks; callers should run it in its own goroutine.
func Serve(addr string, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
