// Package metrics exposes the dispatcher's hot-path counters (spec.md §5,
// "atomics ... read by hot paths") as Prometheus collectors, so the same
// numbers the balancer and session accountant already track as atomics are
// also observable from a scrape endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups the collectors a single RemoteToolClient instance
// updates. Multiple instances should use independent Registries (each
// constructed with its own prometheus.Registerer) to avoid duplicate
// registration panics.
type Registry struct {
	PendingTasks       prometheus.Gauge
	FreeRemoteThreads  prometheus.Gauge
	UsedThreads        prometheus.Gauge
	TasksCount         prometheus.Counter
	FailuresCount      prometheus.Counter
	DispatchAttempts   prometheus.Counter
	FallbackInvocations prometheus.Counter
}

// New creates a Registry and registers every collector on reg. Passing a
// fresh prometheus.NewRegistry() per RemoteToolClient avoids collisions
// when a process runs more than one client session.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		PendingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wuild", Subsystem: "client", Name: "pending_tasks",
			Help: "Tasks waiting in the request queue (in-flight tasks are not counted).",
		}),
		FreeRemoteThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wuild", Subsystem: "client", Name: "free_remote_threads",
			Help: "Remote worker thread capacity currently unused, per the balancer.",
		}),
		UsedThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wuild", Subsystem: "client", Name: "used_threads",
			Help: "Remote worker thread capacity currently assigned to this session.",
		}),
		TasksCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wuild", Subsystem: "session", Name: "tasks_total",
			Help: "Tasks completed (successfully or not) in the current session.",
		}),
		FailuresCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wuild", Subsystem: "session", Name: "failures_total",
			Help: "Tasks that completed with result=false in the current session.",
		}),
		DispatchAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wuild", Subsystem: "dispatch", Name: "attempts_total",
			Help: "Frames handed to a worker channel, including retries.",
		}),
		FallbackInvocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wuild", Subsystem: "dispatch", Name: "fallback_total",
			Help: "Tasks routed to the local invoker fallback after queue expiration.",
		}),
	}
	reg.MustRegister(
		r.PendingTasks, r.FreeRemoteThreads, r.UsedThreads,
		r.TasksCount, r.FailuresCount, r.DispatchAttempts, r.FallbackInvocations,
	)
	return r
}

// Noop returns a Registry whose collectors are never registered anywhere
// and never scraped — convenient for tests and callers that don't want a
// Prometheus endpoint at all.
func Noop() *Registry {
	return New(prometheus.NewRegistry())
}
