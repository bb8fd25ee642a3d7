// Package metrics exposes the engine's Prometheus collectors. They register
// on the default registry and are labeled by host name, so several
// processors in one process stay distinguishable. Runners record no metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsDispatched counts events delivered to machine handlers.
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statehost_events_dispatched_total",
		Help: "Events dispatched to machine handlers, by host.",
	}, []string{"host"})

	// EventsDropped counts events discarded because their target machine was
	// unknown or already terminated.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statehost_events_dropped_total",
		Help: "Events dropped for unknown or terminated machines, by host.",
	}, []string{"host"})

	// EventsUnhandled counts events that reached a machine but matched no
	// transition, default or class-level handler.
	EventsUnhandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statehost_events_unhandled_total",
		Help: "Dispatched events no handler claimed, by host.",
	}, []string{"host"})

	// TimersFired counts timer expirations delivered to machines.
	TimersFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statehost_timers_fired_total",
		Help: "Timer expirations delivered to machines, by host.",
	}, []string{"host"})

	// MachinesActive tracks machines currently registered on a host.
	MachinesActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "statehost_machines_active",
		Help: "Machines currently hosted, by host.",
	}, []string{"host"})

	// QueueDepth tracks the job-queue length observed at the last push or
	// pop.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "statehost_queue_depth",
		Help: "Job queue length at the last queue operation, by host.",
	}, []string{"host"})
)
