package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Workflow metrics
	MasterActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_master_actions_total",
			Help: "Total number of master actions by operation type and terminal status",
		},
		[]string{"operation_type", "status"},
	)

	MasterActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_master_action_duration_seconds",
			Help:    "Master action wall time from admission to terminal status",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"operation_type"},
	)

	NodeTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_node_tasks_total",
			Help: "Total number of node tasks by task type and terminal status",
		},
		[]string{"task_type", "status"},
	)

	// Fleet metrics
	ConnectedAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_connected_agents",
			Help: "Number of currently attached agent connections",
		},
	)

	NodeConnectivity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_node_connectivity",
			Help: "Connectivity classification per node (3=online, 2=unreachable, 1=offline, 0=never connected, -1=unknown)",
		},
		[]string{"node"},
	)

	AgentSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_agent_sends_total",
			Help: "Total number of master-to-agent sends by message type and result",
		},
		[]string{"message_type", "result"},
	)

	// Journal metrics
	JournalWriteErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_journal_write_errors_total",
			Help: "Total number of journal write failures",
		},
	)

	LogEntriesJournaled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_log_entries_journaled_total",
			Help: "Total number of log lines appended to stage logs by origin",
		},
		[]string{"origin"},
	)

	// UI metrics
	UIEventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_ui_events_published_total",
			Help: "Total number of UI events published by type",
		},
		[]string{"type"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(MasterActionsTotal)
	prometheus.MustRegister(MasterActionDuration)
	prometheus.MustRegister(NodeTasksTotal)
	prometheus.MustRegister(ConnectedAgents)
	prometheus.MustRegister(NodeConnectivity)
	prometheus.MustRegister(AgentSendsTotal)
	prometheus.MustRegister(JournalWriteErrors)
	prometheus.MustRegister(LogEntriesJournaled)
	prometheus.MustRegister(UIEventsPublished)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordMasterAction counts a terminal master action
func RecordMasterAction(operationType, status string) {
	MasterActionsTotal.WithLabelValues(operationType, status).Inc()
}

// ObserveMasterActionDuration records a completed action's wall time
func ObserveMasterActionDuration(operationType string, d time.Duration) {
	MasterActionDuration.WithLabelValues(operationType).Observe(d.Seconds())
}

// RecordNodeTask counts a terminal node task
func RecordNodeTask(taskType, status string) {
	NodeTasksTotal.WithLabelValues(taskType, status).Inc()
}

// SetConnectedAgents updates the attached-agent gauge
func SetConnectedAgents(n int) {
	ConnectedAgents.Set(float64(n))
}

// SetNodeConnectivity updates one node's connectivity gauge
func SetNodeConnectivity(node string, code float64) {
	NodeConnectivity.WithLabelValues(node).Set(code)
}

// ConnectivityCode maps a connectivity status name to its gauge value
func ConnectivityCode(status string) float64 {
	switch status {
	case "Online":
		return 3
	case "Unreachable":
		return 2
	case "Offline":
		return 1
	case "NeverConnected":
		return 0
	default:
		return -1
	}
}

// RecordAgentSend counts one master-to-agent send attempt
func RecordAgentSend(messageType string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	AgentSendsTotal.WithLabelValues(messageType, result).Inc()
}

// RecordJournalWriteError counts a failed journal write
func RecordJournalWriteError() {
	JournalWriteErrors.Inc()
}

// RecordLogEntryJournaled counts a stage log append ("slave" or "master" origin)
func RecordLogEntryJournaled(origin string) {
	LogEntriesJournaled.WithLabelValues(origin).Inc()
}

// RecordUIEvent counts a published UI event
func RecordUIEvent(eventType string) {
	UIEventsPublished.WithLabelValues(eventType).Inc()
}
