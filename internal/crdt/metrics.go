package crdt

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors for replica stores. One Metrics
// value may be shared by every store in a process; series are separated by
// the agent_id label.
type Metrics struct {
	OperationsApplied    *prometheus.CounterVec
	IntegrityFailures    *prometheus.CounterVec
	DuplicatesSkipped    *prometheus.CounterVec
	PeerDeliveryFailures *prometheus.CounterVec
	SyncCycles           *prometheus.CounterVec
	MemoryStates         *prometheus.GaugeVec
	TombstoneStates      *prometheus.GaugeVec
}

// NewMetrics creates and registers the store collectors. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OperationsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memsync_operations_applied_total",
				Help: "Operations applied to a replica, local and remote",
			},
			[]string{"agent_id", "operation_type"},
		),
		IntegrityFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memsync_integrity_failures_total",
				Help: "Incoming operations dropped for checksum mismatch",
			},
			[]string{"agent_id"},
		),
		DuplicatesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memsync_duplicates_skipped_total",
				Help: "Incoming operations skipped as already processed",
			},
			[]string{"agent_id"},
		),
		PeerDeliveryFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memsync_peer_delivery_failures_total",
				Help: "Failed deliveries during broadcast fan-out",
			},
			[]string{"agent_id", "peer_id"},
		),
		SyncCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memsync_sync_cycles_total",
				Help: "Completed background sync cycles",
			},
			[]string{"agent_id"},
		),
		MemoryStates: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "memsync_memory_states",
				Help: "Memory states held by a replica, tombstones included",
			},
			[]string{"agent_id"},
		),
		TombstoneStates: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "memsync_tombstone_states",
				Help: "Tombstoned memory states held by a replica",
			},
			[]string{"agent_id"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.OperationsApplied,
			m.IntegrityFailures,
			m.DuplicatesSkipped,
			m.PeerDeliveryFailures,
			m.SyncCycles,
			m.MemoryStates,
			m.TombstoneStates,
		)
	}
	return m
}
