package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "visqueue"

var (
	// Messages enqueued counter
	MessagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_enqueued_total",
			Help:      "Total number of messages enqueued",
		},
		[]string{"queue"},
	)

	// Messages handed out by leases
	MessagesLeased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_leased_total",
			Help:      "Total number of messages leased",
		},
		[]string{"queue"},
	)

	// Messages deleted with a valid receipt
	MessagesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_deleted_total",
			Help:      "Total number of messages deleted",
		},
		[]string{"queue"},
	)

	// Messages updated in place
	MessagesUpdated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_updated_total",
			Help:      "Total number of messages updated in place",
		},
		[]string{"queue"},
	)

	// Delete/update refused because someone else got there first
	LeaseConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_conflicts_total",
			Help:      "Total number of deletes and updates refused for a stale receipt or a missing message",
		},
		[]string{"queue", "op"},
	)

	// Calls that failed to reach the backend
	BackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Total number of operations that could not reach the backend",
		},
		[]string{"op"},
	)

	// Backend call latency
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Time taken by queue operations",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Queue depth sampled by the monitor
	QueueMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_messages",
			Help:      "Messages in each queue by visibility state",
		},
		[]string{"queue", "state"},
	)

	// Monitor run duration
	MonitorDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_duration_seconds",
			Help:      "Time taken for the monitor to sample all queues",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// Monitor errors counter
	MonitorErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_errors_total",
			Help:      "Total number of monitor errors",
		},
	)
)
