/*
Package metrics provides Prometheus metrics collection and exposition for Drover.

The metrics package defines and registers all Drover metrics using the
Prometheus client library, providing observability into workflow throughput,
task outcomes, fleet connectivity, journal health, and UI event traffic.
Metrics are exposed via an HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ─────────────────────┐
	│                                                           │
	│  ┌───────────────────────────────────────┐              │
	│  │          Prometheus Registry           │              │
	│  │  - Global DefaultRegistry              │              │
	│  │  - MustRegister at package init        │              │
	│  │  - Automatic Go runtime metrics        │              │
	│  └──────────────────┬────────────────────┘              │
	│                     │                                     │
	│  ┌──────────────────▼────────────────────┐              │
	│  │          Metric Sources                 │              │
	│  │  - Coordinator (actions, durations)     │              │
	│  │  - Dispatcher (task outcomes)           │              │
	│  │  - Registry (sends, connected agents)   │              │
	│  │  - Journal (write errors, log appends)  │              │
	│  │  - Notifier (published UI events)       │              │
	│  │  - Collector (fleet gauges, 15s poll)   │              │
	│  └──────────────────┬────────────────────┘              │
	│                     │                                     │
	│  ┌──────────────────▼────────────────────┐              │
	│  │      GET /metrics (promhttp)            │              │
	│  └────────────────────────────────────────┘              │
	└──────────────────────────────────────────────────────────┘

# Metrics Catalog

Workflow:
  - drover_master_actions_total{operation_type, status}
  - drover_master_action_duration_seconds{operation_type}
  - drover_node_tasks_total{task_type, status}

Fleet:
  - drover_connected_agents
  - drover_node_connectivity{node} (3=online, 2=unreachable, 1=offline,
    0=never connected, -1=unknown)
  - drover_agent_sends_total{message_type, result}

Journal:
  - drover_journal_write_errors_total
  - drover_log_entries_journaled_total{origin}

UI:
  - drover_ui_events_published_total{type}

# Usage

Record a terminal action:

	metrics.RecordMasterAction(string(action.Type), string(action.Status))
	metrics.ObserveMasterActionDuration(string(action.Type), elapsed)

Sample fleet gauges periodically:

	collector := metrics.NewCollector(fleetSource)
	collector.Start()
	defer collector.Stop()

Expose the endpoint:

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

# Health Checks

The package also carries the component health registry backing /healthz
and /ready: components register at startup and update their state; the
readiness check requires journal, hub, and api to be healthy.

# See Also

  - pkg/api for endpoint mounting
  - Prometheus client_golang documentation
*/
package metrics
