// Package metrics provides Prometheus metrics for conductor: the task
// scheduler, the browser-session lock, the availability oracle and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksScheduled tracks accepted submissions by kind.
var TasksScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "conductor",
	Name:      "tasks_scheduled_total",
	Help:      "Total tasks accepted into the queue.",
}, []string{"kind"})

// TasksCompleted tracks completed tasks by kind.
var TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "conductor",
	Name:      "tasks_completed_total",
	Help:      "Total completed tasks.",
}, []string{"kind"})

// TasksFailed tracks terminally failed tasks by kind.
var TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "conductor",
	Name:      "tasks_failed_total",
	Help:      "Total tasks that exhausted their retries.",
}, []string{"kind"})

// TasksRetried tracks executor failures that were requeued.
var TasksRetried = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "conductor",
	Name:      "tasks_retried_total",
	Help:      "Total executor failures sent back to the queue.",
}, []string{"kind"})

// TasksActive tracks currently executing tasks.
var TasksActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "conductor",
	Name:      "tasks_active",
	Help:      "Number of currently executing tasks.",
})

// QueueDepth tracks tasks waiting in the queue.
var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "conductor",
	Name:      "queue_depth",
	Help:      "Number of tasks in the pending queue.",
})

// TaskAdmitLatency tracks time from submission to admission.
var TaskAdmitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "conductor",
	Name:      "task_admit_latency_seconds",
	Help:      "Time from task creation to execution start.",
	Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
})

// TaskDuration tracks executor run time by kind.
var TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "conductor",
	Name:      "task_duration_seconds",
	Help:      "Executor run time.",
	Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
}, []string{"kind"})

// SnapshotWriteErrors tracks failed persistence writes.
var SnapshotWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "conductor",
	Name:      "snapshot_write_errors_total",
	Help:      "Scheduler snapshot writes that failed.",
})

// ─── Session Lock ───────────────────────────────────────────────────────────

// LockHeld is 1 while the browser-session lock has a live holder.
var LockHeld = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "conductor",
	Name:      "lock_held",
	Help:      "1 while the session lock is held, 0 when free.",
})

// LockWaiters tracks queued acquire-and-wait callers.
var LockWaiters = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "conductor",
	Name:      "lock_waiters",
	Help:      "Number of callers queued for the session lock.",
})

// LockTransitions counts lock state changes by kind.
var LockTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "conductor",
	Name:      "lock_transitions_total",
	Help:      "Session lock transitions (acquired, released, expired, forced).",
}, []string{"kind"})

// LockWaitSeconds tracks how long queued callers waited.
var LockWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "conductor",
	Name:      "lock_wait_seconds",
	Help:      "Time spent queued for the session lock.",
	Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
}, []string{"outcome"})

// ─── Availability ───────────────────────────────────────────────────────────

// CreditsBalance tracks the last known credit balance.
var CreditsBalance = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "conductor",
	Name:      "credits_balance_current",
	Help:      "Last known credit balance.",
})

// PlatformReady tracks per-platform readiness (1=ready).
var PlatformReady = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "conductor",
	Name:      "platform_ready",
	Help:      "Platform readiness per platform (1=ready, 0=not ready).",
}, []string{"platform"})

// OracleRefreshErrors tracks failed oracle refreshes.
var OracleRefreshErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "conductor",
	Name:      "oracle_refresh_errors_total",
	Help:      "Availability refreshes that failed.",
})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "conductor",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})

// HealthRecoveries tracks auto-recovery attempts.
var HealthRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "conductor",
	Name:      "health_recoveries_total",
	Help:      "Total auto-recovery attempts per check.",
}, []string{"check"})

// BoolGauge converts a flag to a gauge value.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
