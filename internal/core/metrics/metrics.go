// Package metrics exposes the server's Prometheus instrumentation. The
// counters live on the default registry and are scraped through the debug
// HTTP server's /metrics endpoint when debugging is enabled.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Network holds the counters the connection engine increments as traffic
// flows through it.
type Network struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected prometheus.Counter
	ConnectionsDumped   prometheus.Counter
	MessagesIn          prometheus.Counter
	MessagesOut         prometheus.Counter
	BytesIn             prometheus.Counter
	BytesOut            prometheus.Counter
	FramingErrors       prometheus.Counter
	BogusMessages       prometheus.Counter
	DiscoveryRequests   prometheus.Counter
}

var (
	networkOnce     sync.Once
	networkInstance *Network
)

// ForNetwork returns the process-wide network counter set, registering it on
// first use. A singleton keeps repeated server construction (tests spin up
// many) from tripping duplicate-registration panics.
func ForNetwork() *Network {
	networkOnce.Do(func() {
		networkInstance = &Network{
			ConnectionsAccepted: newCounter("astrion_connections_accepted_total", "TCP connections accepted on the listen port."),
			ConnectionsRejected: newCounter("astrion_connections_rejected_total", "Connections closed immediately because the pending set was full."),
			ConnectionsDumped:   newCounter("astrion_connections_dumped_total", "Connections torn down by the server or the host application."),
			MessagesIn:          newCounter("astrion_messages_in_total", "Messages decoded from client connections."),
			MessagesOut:         newCounter("astrion_messages_out_total", "Messages queued for transmission to clients."),
			BytesIn:             newCounter("astrion_bytes_in_total", "Bytes read from client connections."),
			BytesOut:            newCounter("astrion_bytes_out_total", "Frame bytes queued for transmission to clients."),
			FramingErrors:       newCounter("astrion_framing_errors_total", "Malformed frames dropped from client streams."),
			BogusMessages:       newCounter("astrion_bogus_messages_total", "Decoded messages discarded because their sender id did not match the connection."),
			DiscoveryRequests:   newCounter("astrion_discovery_requests_total", "UDP discovery probes answered."),
		}
	})
	return networkInstance
}

func newCounter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	prometheus.MustRegister(c)
	return c
}

// RegisterConnectionGauges wires closure-fed gauges for the current
// connection-table sizes. Called once by the controller after the network
// server exists.
func RegisterConnectionGauges(pendingConns, playerConns func() int) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "astrion_pending_connections",
		Help: "Accepted connections not yet bound to a player.",
	}, func() float64 { return float64(pendingConns()) }))

	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "astrion_player_connections",
		Help: "Connections bound to an established player.",
	}, func() float64 { return float64(playerConns()) }))
}
