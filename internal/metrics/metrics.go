// Package metrics exposes Prometheus collectors for endpoint sessions.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Request kinds used as label values.
const (
	RequestDevices = "devices"
	RequestStats   = "stats"
)

// Failure kinds used as label values.
const (
	FailureTransport = "transport"
	FailureDocument  = "document"
	FailureEntry     = "entry"
	FailureStale     = "stale"
)

// Metrics groups the collectors updated by the session engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Polls       *prometheus.CounterVec
	Failures    *prometheus.CounterVec
	Cameras     *prometheus.GaugeVec
	Online      *prometheus.GaugeVec
	ServerStats *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dvr",
			Name:      "poll_cycles_total",
			Help:      "Number of poll cycles issued per endpoint.",
		}, []string{"server"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dvr",
			Name:      "reply_failures_total",
			Help:      "Replies that could not be applied, by request and failure kind.",
		}, []string{"server", "request", "kind"}),
		Cameras: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dvr",
			Name:      "cameras",
			Help:      "Number of cameras currently known per endpoint.",
		}, []string{"server"}),
		Online: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dvr",
			Name:      "online",
			Help:      "1 when the endpoint session is online.",
		}, []string{"server"}),
		ServerStats: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dvr",
			Name:      "server_stat",
			Help:      "Numeric values reported by the endpoint stats document.",
		}, []string{"server", "name"}),
	}
	reg.MustRegister(m.Polls, m.Failures, m.Cameras, m.Online, m.ServerStats)
	return m
}

func label(serverID int) string {
	return strconv.Itoa(serverID)
}

// Poll counts one poll cycle.
func (m *Metrics) Poll(serverID int) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(label(serverID)).Inc()
}

// Failure counts one rejected reply or entry.
func (m *Metrics) Failure(serverID int, request, kind string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(label(serverID), request, kind).Inc()
}

// SetCameras records the current inventory size.
func (m *Metrics) SetCameras(serverID, n int) {
	if m == nil {
		return
	}
	m.Cameras.WithLabelValues(label(serverID)).Set(float64(n))
}

// SetOnline records the session state.
func (m *Metrics) SetOnline(serverID int, online bool) {
	if m == nil {
		return
	}
	v := 0.0
	if online {
		v = 1
	}
	m.Online.WithLabelValues(label(serverID)).Set(v)
}

// SetServerStats records every value that parses as a number.
func (m *Metrics) SetServerStats(serverID int, values map[string]string) {
	if m == nil {
		return
	}
	for name, raw := range values {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		m.ServerStats.WithLabelValues(label(serverID), name).Set(v)
	}
}

// Forget drops every series of an endpoint.
func (m *Metrics) Forget(serverID int) {
	if m == nil {
		return
	}
	l := prometheus.Labels{"server": label(serverID)}
	m.Polls.DeletePartialMatch(l)
	m.Failures.DeletePartialMatch(l)
	m.Cameras.DeletePartialMatch(l)
	m.Online.DeletePartialMatch(l)
	m.ServerStats.DeletePartialMatch(l)
}
