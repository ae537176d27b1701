package treescale

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks operational counters for a Network. All counters are
// lock-free (atomic int64); the engine and workers only ever do atomic adds
// on the hot path. The same values are exported to a per-Network Prometheus
// registry as CounterFunc/GaugeFunc wrappers, so scraping never touches
// engine-owned state.
type Metrics struct {
	ConnsAccepted       atomic.Int64 // inbound sockets taken from the listener
	ConnsAdopted        atomic.Int64 // outbound sockets adopted via command
	HandshakesCompleted atomic.Int64 // full identity payloads decoded
	HandshakesFailed    atomic.Int64 // closed during handshake (decode/io error)
	PendingNotified     atomic.Int64 // on_pending_connection events fired
	ConnsClosed         atomic.Int64 // envelopes closed before handoff
	Handoffs            atomic.Int64 // connections transferred to a worker
	HandoffsDropped     atomic.Int64 // worker queue refused the connection
	CommandsProcessed   atomic.Int64
	EventsEmitted       atomic.Int64 // EmitEvent commands dispatched to workers
	EventsForwarded     atomic.Int64 // cross-worker deliveries rerouted to the owner
	EventsDelivered     atomic.Int64 // frames written to live peers
	EventsReceived      atomic.Int64 // frames decoded from live peers
	EventsDropped       atomic.Int64 // no such target, or a full worker queue

	// PendingOpen is a gauge: envelopes currently in the pending table.
	// Only the engine thread moves it, so a plain atomic is enough for
	// admin/scrape readers.
	PendingOpen atomic.Int64

	// peerCountFn returns the current number of live registered peers.
	// Set by Network at init time.
	peerCountFn func() int
}

func newMetrics() *Metrics {
	return &Metrics{}
}

// register exports every counter on the given Prometheus registry under the
// "treescale" namespace. A fresh registry per Network keeps multiple
// instances in one process (common in tests) from colliding.
func (m *Metrics) register(reg *prometheus.Registry) {
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "treescale",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}

	reg.MustRegister(
		counter("conns_accepted_total", "Inbound sockets accepted from the listener.", &m.ConnsAccepted),
		counter("conns_adopted_total", "Outbound sockets adopted for handshake.", &m.ConnsAdopted),
		counter("handshakes_completed_total", "Peer identities fully received.", &m.HandshakesCompleted),
		counter("handshakes_failed_total", "Connections closed mid-handshake.", &m.HandshakesFailed),
		counter("pending_notified_total", "on_pending_connection notifications fired.", &m.PendingNotified),
		counter("conns_closed_total", "Envelopes closed before worker handoff.", &m.ConnsClosed),
		counter("handoffs_total", "Connections handed to workers.", &m.Handoffs),
		counter("handoffs_dropped_total", "Handoffs dropped because a worker queue was full.", &m.HandoffsDropped),
		counter("commands_processed_total", "Control commands drained by the engine.", &m.CommandsProcessed),
		counter("events_emitted_total", "EmitEvent commands dispatched to workers.", &m.EventsEmitted),
		counter("events_forwarded_total", "Event deliveries forwarded to the owning worker.", &m.EventsForwarded),
		counter("events_delivered_total", "Event frames written to live peers.", &m.EventsDelivered),
		counter("events_received_total", "Event frames decoded from live peers.", &m.EventsReceived),
		counter("events_dropped_total", "Event deliveries dropped.", &m.EventsDropped),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "treescale",
			Name:      "conns_pending",
			Help:      "Envelopes currently awaiting handshake or acceptance.",
		}, func() float64 { return float64(m.PendingOpen.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "treescale",
			Name:      "peers_live",
			Help:      "Fully-handshaken peers currently registered.",
		}, func() float64 {
			if m.peerCountFn == nil {
				return 0
			}
			return float64(m.peerCountFn())
		}),
	)
}

// Snapshot returns all metric values as a map, suitable for JSON serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	snap := map[string]int64{
		"conns_accepted":       m.ConnsAccepted.Load(),
		"conns_adopted":        m.ConnsAdopted.Load(),
		"handshakes_completed": m.HandshakesCompleted.Load(),
		"handshakes_failed":    m.HandshakesFailed.Load(),
		"pending_notified":     m.PendingNotified.Load(),
		"conns_closed":         m.ConnsClosed.Load(),
		"handoffs":             m.Handoffs.Load(),
		"handoffs_dropped":     m.HandoffsDropped.Load(),
		"commands_processed":   m.CommandsProcessed.Load(),
		"events_emitted":       m.EventsEmitted.Load(),
		"events_forwarded":     m.EventsForwarded.Load(),
		"events_delivered":     m.EventsDelivered.Load(),
		"events_received":      m.EventsReceived.Load(),
		"events_dropped":       m.EventsDropped.Load(),
		"conns_pending":        m.PendingOpen.Load(),
	}
	if m.peerCountFn != nil {
		snap["peers_live"] = int64(m.peerCountFn())
	}
	return snap
}
