/*
Package log provides structured logging for Drover using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ───────────────────┐
	│                                                         │
	│  ┌───────────────────────────────────────┐            │
	│  │            Global Logger               │            │
	│  │  - Zerolog instance                    │            │
	│  │  - Initialized via log.Init()          │            │
	│  │  - Thread-safe for concurrent use      │            │
	│  └──────────────────┬────────────────────┘            │
	│                     │                                   │
	│  ┌──────────────────▼────────────────────┐            │
	│  │         Component Loggers              │            │
	│  │  - WithComponent("dispatcher")         │            │
	│  │  - WithActionID("ma-abc123")           │            │
	│  │  - WithNodeName("node-a")              │            │
	│  │  - WithStage(0, "preflight-verify")    │            │
	│  └──────────────────┬────────────────────┘            │
	│                     │                                   │
	│  ┌──────────────────▼────────────────────┐            │
	│  │            Log Output                   │            │
	│  │  JSON:    {"level":"info",              │            │
	│  │            "component":"dispatcher",    │            │
	│  │            "action_id":"ma-abc123",     │            │
	│  │            "message":"stage complete"}  │            │
	│  │  Console: 10:30AM INF stage complete    │            │
	│  │           component=dispatcher          │            │
	│  └────────────────────────────────────────┘            │
	└────────────────────────────────────────────────────────┘

# Usage

Initialize once at process start:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Create component loggers where work happens:

	logger := log.WithComponent("health-monitor")
	logger.Info().Str("node", name).Msg("node classified offline")

Correlate workflow logs:

	logger := log.WithActionID(action.ID)
	logger.Warn().Err(err).Msg("stage result write failed")

# Log Levels

  - debug: verbose internal state (message fan-out, queue depths)
  - info: lifecycle events (action admitted, stage completed, agent attached)
  - warn: recoverable anomalies (unmapped log entry, duplicate finalization)
  - error: failures that affect a task, stage, or journal write

# Integration Points

  - cmd/drover and cmd/drover-agent call Init from their root commands
  - every pkg/* component takes child loggers via WithComponent
  - pkg/logfwd forwards workflow-tagged master log lines into the Action
    Journal; that pipeline is separate from this package's process logging

# See Also

  - pkg/logfwd for journal-bound workflow logs
  - rs/zerolog documentation for field types
*/
package log
