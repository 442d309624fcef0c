// Package hmmetrics exposes the process's prometheus instrumentation:
// FSM transitions, registry row counts, and notification delivery
// outcomes.
package hmmetrics

import "github.com/prometheus/client_golang/prometheus"

var (
	NodeFSMTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hm",
		Subsystem: "node_fsm",
		Name:      "transitions_total",
		Help:      "Node FSM transitions by resulting state.",
	}, []string{"state"})

	PeerFSMTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hm",
		Subsystem: "peer_fsm",
		Name:      "transitions_total",
		Help:      "Peer FSM transitions by resulting state.",
	}, []string{"state"})

	RegistryRows = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hm",
		Subsystem: "registry",
		Name:      "rows",
		Help:      "Current row count per registry table.",
	}, []string{"table"})

	RegistryOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hm",
		Subsystem: "registry",
		Name:      "operations_total",
		Help:      "Registry add/update/remove operations by table and kind.",
	}, []string{"table", "op"})

	NotificationsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hm",
		Subsystem: "notify",
		Name:      "delivered_total",
		Help:      "Notifications successfully handed to a subscriber transport.",
	}, []string{"type"})

	NotificationsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hm",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Notifications dropped because their subscriber vanished.",
	}, []string{"type"})

	ReplayTLVsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hm",
		Subsystem: "replay",
		Name:      "tlvs_applied_total",
		Help:      "REPLAY TLVs applied to the registry, by update type.",
	}, []string{"update_type"})
)

// Register adds every collector to reg. Called once from cmd/hm's main;
// tests that don't start a registry of their own can call this with a
// fresh prometheus.NewRegistry() to avoid duplicate-registration panics
// across package tests.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		NodeFSMTransitions,
		PeerFSMTransitions,
		RegistryRows,
		RegistryOps,
		NotificationsDelivered,
		NotificationsDropped,
		ReplayTLVsApplied,
	)
}
