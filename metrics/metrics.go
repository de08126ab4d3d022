// Package metrics provides Prometheus metrics for the relay.
// Labels stay low-cardinality: never a chat id.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProcessStartsTotal counts transcoder launches by result (ok, launch_error, resources).
	ProcessStartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtmprelay_process_starts_total",
		Help: "Total number of transcoder launches, by result.",
	}, []string{"result"})

	// ProcessExitsTotal counts transcoder exits by reason (completed, failed, stopped).
	ProcessExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtmprelay_process_exits_total",
		Help: "Total number of transcoder exits, by reason.",
	}, []string{"reason"})

	// ProcessTerminateTotal counts termination signals sent, by signal.
	ProcessTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtmprelay_process_terminate_total",
		Help: "Total number of termination signals sent to transcoders, by signal.",
	}, []string{"signal"})

	// SubmitTotal counts playback submissions by outcome.
	SubmitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtmprelay_submit_total",
		Help: "Total number of playback submissions, by result.",
	}, []string{"result"})

	// ActiveProcesses tracks transcoders currently running or being torn down.
	ActiveProcesses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rtmprelay_active_processes",
		Help: "Current number of transcoder processes.",
	})

	// QueuedItems tracks pending items across all chats.
	QueuedItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rtmprelay_queued_items",
		Help: "Current number of queued playback items.",
	})
)

// IncProcessStart records a launch attempt.
func IncProcessStart(result string) {
	ProcessStartsTotal.WithLabelValues(result).Inc()
}

// IncProcessExit records a process exit.
func IncProcessExit(reason string) {
	ProcessExitsTotal.WithLabelValues(reason).Inc()
}

// IncTerminate records a termination signal.
func IncTerminate(signal string) {
	ProcessTerminateTotal.WithLabelValues(signal).Inc()
}

// IncSubmit records a submission outcome.
func IncSubmit(result string) {
	SubmitTotal.WithLabelValues(result).Inc()
}
