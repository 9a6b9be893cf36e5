// Package metrics exposes per-shard counters on a Prometheus registry. Each
// shard owns its label set, so hot-path updates are plain atomic adds with no
// shared mutex between shards.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ShardCounters holds the counters of one worker shard. Only the owning
// shard writes them; the collector reads them atomically.
type ShardCounters struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected prometheus.Counter
	ConnectionsClosed   prometheus.Counter
	BytesRead           prometheus.Counter
	BytesWritten        prometheus.Counter
	PixelsSet           prometheus.Counter
	PixelsBlended       prometheus.Counter
	PixelReads          prometheus.Counter
	ProtocolErrors      prometheus.Counter
}

// Set aggregates the counters of all shards, one "shard" label value each.
type Set struct {
	connectionsAccepted *prometheus.CounterVec
	connectionsRejected *prometheus.CounterVec
	connectionsClosed   *prometheus.CounterVec
	bytesRead           *prometheus.CounterVec
	bytesWritten        *prometheus.CounterVec
	pixelsSet           *prometheus.CounterVec
	pixelsBlended       *prometheus.CounterVec
	pixelReads          *prometheus.CounterVec
	protocolErrors      *prometheus.CounterVec
}

// NewSet builds the metric set and registers it with reg.
func NewSet(reg prometheus.Registerer) *Set {
	counter := func(name, help string) *prometheus.CounterVec {
		v := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wellenbrecher",
			Name:      name,
			Help:      help,
		}, []string{"shard"})
		reg.MustRegister(v)
		return v
	}

	return &Set{
		connectionsAccepted: counter("connections_accepted_total", "Connections accepted."),
		connectionsRejected: counter("connections_rejected_total", "Connections rejected by the per-IP limit."),
		connectionsClosed:   counter("connections_closed_total", "Connections closed."),
		bytesRead:           counter("bytes_read_total", "Bytes read from client sockets."),
		bytesWritten:        counter("bytes_written_total", "Bytes written to client sockets."),
		pixelsSet:           counter("pixels_set_total", "Opaque pixel writes applied."),
		pixelsBlended:       counter("pixels_blended_total", "Alpha-blended pixel writes applied."),
		pixelReads:          counter("pixel_reads_total", "PX read commands answered."),
		protocolErrors:      counter("protocol_errors_total", "Connections closed for protocol violations."),
	}
}

// Shard returns the counter bundle for one shard ID.
func (s *Set) Shard(id string) *ShardCounters {
	return &ShardCounters{
		ConnectionsAccepted: s.connectionsAccepted.WithLabelValues(id),
		ConnectionsRejected: s.connectionsRejected.WithLabelValues(id),
		ConnectionsClosed:   s.connectionsClosed.WithLabelValues(id),
		BytesRead:           s.bytesRead.WithLabelValues(id),
		BytesWritten:        s.bytesWritten.WithLabelValues(id),
		PixelsSet:           s.pixelsSet.WithLabelValues(id),
		PixelsBlended:       s.pixelsBlended.WithLabelValues(id),
		PixelReads:          s.pixelReads.WithLabelValues(id),
		ProtocolErrors:      s.protocolErrors.WithLabelValues(id),
	}
}
