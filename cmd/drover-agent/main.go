package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drover-io/drover/pkg/agent"
	"github.com/drover-io/drover/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "drover-agent",
	Short: "Drover agent - slave daemon for drover-managed nodes",
	Long: `The drover agent runs on every managed node. It keeps a persistent
connection to the master, answers readiness probes, executes dispatched
tasks, and streams progress and logs back.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Drover agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the master and serve tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		masterURL, _ := cmd.Flags().GetString("master-url")
		nodeName, _ := cmd.Flags().GetString("node-name")
		logLevel, _ := cmd.Flags().GetString("log-level")
		logJSON, _ := cmd.Flags().GetBool("log-json")

		if nodeName == "" {
			hostname, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("--node-name not set and hostname unavailable: %w", err)
			}
			nodeName = hostname
		}

		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

		a, err := agent.New(agent.Config{
			MasterURL: masterURL,
			NodeName:  nodeName,
			Version:   Version,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := a.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	runCmd.Flags().String("master-url", "ws://127.0.0.1:7070/agents/connect", "Master WebSocket URL")
	runCmd.Flags().String("node-name", "", "Node identity (defaults to hostname)")
	runCmd.Flags().String("log-level", "info", "Log level (debug|info|warn|error)")
	runCmd.Flags().Bool("log-json", false, "Log JSON instead of console output")
}
