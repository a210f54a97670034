package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"
)

// TaskContext is everything an executor gets besides its context: identity,
// raw parameters, and the progress/log sinks back to the master.
type TaskContext struct {
	NodeName       string
	NodeActionID   string
	TaskID         string
	ParametersJSON string

	// Progress reports percent and a short message to the master.
	Progress func(percent int, message string)

	// Log buffers one log line into the shipper.
	Log func(level, message string)
}

// Params unmarshals the task parameters into v; an empty parameter string
// is treated as an empty object.
func (tc *TaskContext) Params(v any) error {
	raw := tc.ParametersJSON
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to parse task parameters: %w", err)
	}
	return nil
}

// Executor runs one task type on the node. The returned map is marshaled
// into the terminal progress update's result field.
type Executor interface {
	TaskType() string
	Execute(ctx context.Context, tc *TaskContext) (map[string]any, error)
}

// ReadinessChecker lets an executor veto dispatch during the readiness
// probe. Executors without it are always ready.
type ReadinessChecker interface {
	CheckReadiness(preparationParametersJSON string) error
}

// builtinExecutors returns the executors every agent ships with
func builtinExecutors(sample Sampler) []Executor {
	return []Executor{
		&verifyEnvironmentExecutor{sample: sample},
		&updatePackagesExecutor{stepDelay: 200 * time.Millisecond},
		&diagnosticProbeExecutor{sample: sample},
		&noopExecutor{},
	}
}

// verifyEnvironmentExecutor reports basic node facts and gauges
type verifyEnvironmentExecutor struct {
	sample Sampler
}

func (e *verifyEnvironmentExecutor) TaskType() string { return "verify_environment" }

func (e *verifyEnvironmentExecutor) Execute(ctx context.Context, tc *TaskContext) (map[string]any, error) {
	tc.Log("Info", "verifying node environment")
	tc.Progress(10, "collecting node facts")

	hostname, err := os.Hostname()
	if err != nil {
		hostname = tc.NodeName
	}
	cpu, ram := e.sample()

	tc.Progress(90, "environment checks passed")
	tc.Log("Info", fmt.Sprintf("environment verified on %s", hostname))
	return map[string]any{
		"node":            tc.NodeName,
		"hostname":        hostname,
		"os":              runtime.GOOS,
		"arch":            runtime.GOARCH,
		"cpuCores":        runtime.NumCPU(),
		"cpuUsagePercent": cpu,
		"ramUsagePercent": ram,
		"healthy":         true,
	}, nil
}

// updatePackagesParams is the payload the master sends for a package update
type updatePackagesParams struct {
	Packages  []string `json:"packages"`
	BackupDir string   `json:"backupDir"`
}

// updatePackagesExecutor simulates a package rollout: one progress tick and
// one log line per package, cancellable between steps.
type updatePackagesExecutor struct {
	stepDelay time.Duration
}

func (e *updatePackagesExecutor) TaskType() string { return "update_packages" }

func (e *updatePackagesExecutor) Execute(ctx context.Context, tc *TaskContext) (map[string]any, error) {
	var params updatePackagesParams
	if err := tc.Params(&params); err != nil {
		return nil, err
	}
	packages := params.Packages
	if len(packages) == 0 {
		packages = []string{"base-system"}
	}

	if params.BackupDir != "" {
		tc.Log("Info", fmt.Sprintf("backing up current state to %s", params.BackupDir))
	}
	tc.Progress(0, fmt.Sprintf("updating %d packages", len(packages)))

	for i, pkg := range packages {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.stepDelay):
		}
		tc.Log("Info", fmt.Sprintf("updated package %s", pkg))
		tc.Progress((i+1)*100/len(packages), fmt.Sprintf("updated %s", pkg))
	}

	return map[string]any{
		"node":            tc.NodeName,
		"packagesUpdated": packages,
		"backupDir":       params.BackupDir,
	}, nil
}

// diagnosticProbeExecutor samples the node's gauges a few times and reports
// the last reading.
type diagnosticProbeExecutor struct {
	sample Sampler
}

func (e *diagnosticProbeExecutor) TaskType() string { return "run_diagnostic_probe" }

func (e *diagnosticProbeExecutor) Execute(ctx context.Context, tc *TaskContext) (map[string]any, error) {
	tc.Log("Info", "running diagnostic probe")

	var cpu, ram float64
	const samples = 3
	for i := 0; i < samples; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		cpu, ram = e.sample()
		tc.Progress((i+1)*100/samples, fmt.Sprintf("sample %d/%d", i+1, samples))
	}

	tc.Log("Info", fmt.Sprintf("probe complete: cpu=%.1f%% ram=%.1f%%", cpu, ram))
	return map[string]any{
		"node":            tc.NodeName,
		"cpuUsagePercent": cpu,
		"ramUsagePercent": ram,
		"goroutines":      runtime.NumGoroutine(),
		"healthy":         true,
	}, nil
}

// noopExecutor succeeds immediately; useful for connectivity drills
type noopExecutor struct{}

func (e *noopExecutor) TaskType() string { return "noop" }

func (e *noopExecutor) Execute(ctx context.Context, tc *TaskContext) (map[string]any, error) {
	return map[string]any{"node": tc.NodeName}, nil
}
