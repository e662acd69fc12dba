// Package metrics provides Prometheus metrics for the replication engine.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// replicatedEntriesTotal counts doclog entries handed to a replication handler.
	// Labels:
	//   - kind: "thought" or "lexeme"
	//   - action: "update" or "delete"
	replicatedEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thoughtspace_replicated_entries_total",
			Help: "Total number of doclog entries replicated",
		},
		[]string{"kind", "action"},
	)

	cursorWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thoughtspace_cursor_writes_total",
			Help: "Total number of replication cursor writes by outcome",
		},
		[]string{"status"},
	)

	queueFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "thoughtspace_queue_failures_total",
			Help: "Total number of replication queues that entered the failed state",
		},
	)

	runningTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "thoughtspace_replication_running_tasks",
			Help: "Number of replication tasks currently running",
		},
	)

	// storeWritesTotal counts persistence binder flushes.
	// Labels:
	//   - status: "success" or "failed"
	storeWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thoughtspace_store_writes_total",
			Help: "Total number of document store writes made by persistence bindings",
		},
		[]string{"status"},
	)

	authRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "thoughtspace_auth_rejections_total",
			Help: "Total number of connections refused by the permission authority",
		},
	)

	openConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "thoughtspace_open_connections",
			Help: "Number of open websocket sync connections",
		},
	)
)

func init() {
	prometheus.MustRegister(replicatedEntriesTotal)
	prometheus.MustRegister(cursorWritesTotal)
	prometheus.MustRegister(queueFailuresTotal)
	prometheus.MustRegister(runningTasks)
	prometheus.MustRegister(storeWritesTotal)
	prometheus.MustRegister(authRejectionsTotal)
	prometheus.MustRegister(openConnections)
}

func RecordReplicated(kind, action string) {
	replicatedEntriesTotal.WithLabelValues(kind, action).Inc()
}

func RecordCursorWrite(err error) {
	cursorWritesTotal.WithLabelValues(status(err)).Inc()
}

func RecordQueueFailure() {
	queueFailuresTotal.Inc()
}

// TaskStarted and TaskFinished track the running task gauge.
func TaskStarted()  { runningTasks.Inc() }
func TaskFinished() { runningTasks.Dec() }

func RecordStoreWrite(err error) {
	storeWritesTotal.WithLabelValues(status(err)).Inc()
}

func RecordAuthRejection() {
	authRejectionsTotal.Inc()
}

func ConnectionOpened() { openConnections.Inc() }
func ConnectionClosed() { openConnections.Dec() }

func status(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}
