package chunkpeer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the engine's live connection counts and cumulative
// counters as Prometheus collectors. Wiring is additive observability, not
// a protocol feature, so it carries no surface on the wire (spec.md's
// non-goals are about fragment/transport behavior, not ambient
// instrumentation).
type Metrics struct {
	SendConns   prometheus.Gauge
	RecvConns   prometheus.Gauge
	Downloads   prometheus.Gauge
	BytesSent   prometheus.Counter
	BytesRecv   prometheus.Counter
	Retransmits prometheus.Counter
	FastRetrans prometheus.Counter
	Denials     prometheus.Counter
	Stalls      prometheus.Counter
}

// NewMetrics constructs and registers the collectors against reg. Passing a
// fresh prometheus.NewRegistry() keeps this isolated from the global
// default registry, which matters when multiple peers run in one test
// process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SendConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chunkpeer_send_connections",
			Help: "Number of live send (upload) connections.",
		}),
		RecvConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chunkpeer_recv_connections",
			Help: "Number of live receive (download) connections.",
		}),
		Downloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chunkpeer_active_downloads",
			Help: "Number of download tasks not yet done.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkpeer_bytes_sent_total",
			Help: "Cumulative DATA payload bytes sent.",
		}),
		BytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkpeer_bytes_received_total",
			Help: "Cumulative DATA payload bytes received (including duplicates).",
		}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkpeer_retransmits_total",
			Help: "Cumulative RTO-triggered retransmissions.",
		}),
		FastRetrans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkpeer_fast_retransmits_total",
			Help: "Cumulative triple-duplicate-ACK retransmissions.",
		}),
		Denials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkpeer_denied_uploads_total",
			Help: "Cumulative GET requests refused due to the upload admission limit.",
		}),
		Stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkpeer_stalled_transfers_total",
			Help: "Cumulative receive connections torn down for inactivity.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SendConns, m.RecvConns, m.Downloads,
			m.BytesSent, m.BytesRecv, m.Retransmits, m.FastRetrans,
			m.Denials, m.Stalls,
		)
	}
	return m
}
