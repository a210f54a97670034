package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drover-io/drover/pkg/api"
	"github.com/drover-io/drover/pkg/config"
	"github.com/drover-io/drover/pkg/dispatch"
	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/health"
	"github.com/drover-io/drover/pkg/hub"
	"github.com/drover-io/drover/pkg/inventory"
	"github.com/drover-io/drover/pkg/journal"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/logfwd"
	"github.com/drover-io/drover/pkg/master"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/protocol"
	"github.com/drover-io/drover/pkg/registry"
	"github.com/drover-io/drover/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the drover master",
	Long: `Run the drover master: the agent hub, the REST API and event stream,
the health monitor, and the workflow coordinator, all on one listener.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config (defaults apply when omitted)")
}

// auditBridge republishes Change Journal appends as UI events
type auditBridge struct {
	notifier *events.Notifier
}

func (b *auditBridge) AuditEntryAdded(rec types.SystemChangeRecord) {
	b.notifier.Publish(events.EventAuditEntryAdded, rec)
}

// fleetSource joins the registry and health monitor for the metrics
// collector.
type fleetSource struct {
	*registry.Registry
	*health.Monitor
}

func runServe(cfg *config.Config) error {
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("serve")
	metrics.SetVersion(Version)

	logger.Info().Str("version", Version).Str("environment", cfg.Environment).
		Str("listen", cfg.ListenAddr).Msg("starting drover master")

	notifier := events.NewNotifier()
	notifier.Start()

	jrn, err := journal.New(journal.Config{
		RootDir:     filepath.Join(cfg.DataDir, "journal"),
		Environment: cfg.Environment,
		Notifier:    &auditBridge{notifier: notifier},
	})
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	metrics.RegisterComponent("journal", true, "")
	if recovered, err := jrn.RecoverDanglingActions(); err != nil {
		logger.Warn().Err(err).Msg("crash recovery sweep failed")
	} else if recovered > 0 {
		logger.Info().Int("actions", recovered).Msg("closed dangling actions from previous run")
	}

	monitor := health.New(health.Config{
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
	}, jrn, notifier)

	reg := registry.New(nil, jrn, monitor)

	dispatcher := dispatch.New(dispatch.Config{
		ReadinessTimeout:    cfg.Dispatch.ReadinessTimeout,
		HealthCheckInterval: cfg.Dispatch.HealthCheckInterval,
		CancelWaitWindow:    cfg.Dispatch.CancelWaitWindow,
		CancelPollInterval:  cfg.Dispatch.CancelPollInterval,
		FlushWaitWindow:     cfg.Dispatch.FlushWaitWindow,
	}, reg, jrn, monitor)
	reg.BindSinks(monitor, dispatcher)

	forwarder := logfwd.New(jrn, notifier)
	forwarder.Start()

	coordinator := master.New(jrn, dispatcher, forwarder, notifier)
	coordinator.Register(master.NewVerifyEnvironmentHandler(monitor))
	coordinator.Register(master.NewUpdatePackagesHandler(monitor))
	coordinator.Register(master.NewRunDiagnosticProbeHandler(monitor))

	inv, err := inventory.Open(cfg.DataDir, jrn, notifier)
	if err != nil {
		return fmt.Errorf("failed to open inventory: %w", err)
	}
	if names, err := inv.Names(); err != nil {
		logger.Warn().Err(err).Msg("failed to seed expected nodes")
	} else {
		monitor.SeedExpected(names)
	}

	agentHub := hub.New(hub.Config{
		HeartbeatIntervalSeconds: cfg.HeartbeatIntervalSeconds,
	}, reg)
	reg.SetTransport(agentHub)
	metrics.RegisterComponent("hub", true, "")

	collector := metrics.NewCollector(&fleetSource{Registry: reg, Monitor: monitor})

	apiServer := api.New(api.Deps{
		Coordinator: coordinator,
		Journal:     jrn,
		Fleet:       monitor,
		Inventory:   inv,
		Broker:      notifier,
		AgentHub:    agentHub,
	})
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: apiServer.Handler(),
	}

	monitor.Start()
	collector.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	metrics.RegisterComponent("api", true, "")
	logger.Info().Str("listen", cfg.ListenAddr).Msg("master is up")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server failed")
	}

	// Tell the fleet and the UIs before tearing anything down.
	reg.Broadcast(protocol.TypeMasterStateUpdate, &protocol.MasterStateUpdate{
		State:   "going-down",
		Message: "master is shutting down",
	})
	notifier.Publish(events.EventMasterGoingDown, events.MasterState{State: "going-down"})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown did not finish cleanly")
	}
	agentHub.Shutdown()

	// Let a live workflow reach a terminal state so its journal closes.
	if err := coordinator.WaitIdle(shutdownCtx); err != nil {
		logger.Warn().Msg("shutting down with a workflow still running")
	}

	collector.Stop()
	monitor.Stop()
	forwarder.Stop()
	if err := inv.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close inventory")
	}
	notifier.Stop()

	logger.Info().Msg("shutdown complete")
	return nil
}
