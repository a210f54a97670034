package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/drover-io/drover/pkg/client"
	"github.com/drover-io/drover/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var masterAddr string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Drover - master orchestrator for fleet-wide administrative workflows",
	Long: `Drover drives multi-stage administrative workflows across a fleet of
managed nodes: environment verification, package updates, and diagnostic
probes, with a durable journal of everything that happened.

This binary is both the master daemon (drover serve) and the operator CLI.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Drover version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&masterAddr, "master",
		envOr("DROVER_MASTER", "http://127.0.0.1:7070"), "Master API address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(actionCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(versionCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func apiClient() *client.Client {
	user := "cli"
	if current := os.Getenv("USER"); current != "" {
		user = current
	}
	return client.New(masterAddr, client.WithInitiatedBy(user))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Drover version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// Action commands

var actionCmd = &cobra.Command{
	Use:   "action",
	Short: "Manage master actions",
}

var actionInitiateCmd = &cobra.Command{
	Use:   "initiate",
	Short: "Start a master action",
	Long: `Start a master action of the given operation type.

Only one master action runs at a time; if another is in progress the
master rejects the request.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opType, _ := cmd.Flags().GetString("type")
		name, _ := cmd.Flags().GetString("name")
		description, _ := cmd.Flags().GetString("description")
		rawParams, _ := cmd.Flags().GetStringArray("param")
		wait, _ := cmd.Flags().GetBool("wait")

		params := make(map[string]any)
		for _, raw := range rawParams {
			key, value, found := strings.Cut(raw, "=")
			if !found {
				return fmt.Errorf("invalid --param %q, expected key=value", raw)
			}
			params[key] = value
		}

		ctx := cmd.Context()
		id, err := apiClient().InitiateOperation(ctx, client.InitiateOperationRequest{
			OperationType: opType,
			Name:          name,
			Description:   description,
			Parameters:    params,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Operation started: %s\n", id)

		if !wait {
			return nil
		}
		return waitForOperation(ctx, id)
	},
}

// waitForOperation polls until the operation reaches a terminal status
func waitForOperation(ctx context.Context, id string) error {
	c := apiClient()
	lastLine := ""
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}

		view, err := c.GetOperation(ctx, id)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("  %s  %3d%%  stage %d/%d %s",
			view.Status, view.ProgressPercent, view.StageIndex+1, view.StageCount, view.StageName)
		if line != lastLine {
			fmt.Println(line)
			lastLine = line
		}
		if view.Status.IsTerminal() {
			if view.Status != types.ActionSucceeded {
				return fmt.Errorf("operation %s finished as %s", id, view.Status)
			}
			return nil
		}
	}
}

var actionStatusCmd = &cobra.Command{
	Use:   "status OPERATION_ID",
	Short: "Show the status of a master action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := apiClient().GetOperation(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Operation:  %s (%s)\n", view.OperationID, view.OperationType)
		if view.Name != "" {
			fmt.Printf("Name:       %s\n", view.Name)
		}
		fmt.Printf("Status:     %s (%d%%)\n", view.Status, view.ProgressPercent)
		fmt.Printf("Initiated:  %s by %s\n", view.StartTime.Format(time.RFC3339), view.InitiatedBy)
		if view.EndTime != nil {
			fmt.Printf("Ended:      %s\n", view.EndTime.Format(time.RFC3339))
		}
		if view.StageCount > 0 {
			fmt.Printf("Stage:      %d/%d %s\n", view.StageIndex+1, view.StageCount, view.StageName)
		}
		if len(view.NodeTasks) > 0 {
			fmt.Println("Node tasks:")
			for _, task := range view.NodeTasks {
				line := fmt.Sprintf("  %-20s %s", task.NodeName, task.Status)
				if task.StatusMessage != "" {
					line += "  " + task.StatusMessage
				}
				fmt.Println(line)
			}
		}
		if len(view.RecentLogs) > 0 {
			fmt.Println("Recent logs:")
			for _, logLine := range view.RecentLogs {
				fmt.Printf("  %s\n", logLine)
			}
		}
		return nil
	},
}

var actionCancelCmd = &cobra.Command{
	Use:   "cancel OPERATION_ID",
	Short: "Request cancellation of a master action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient().CancelOperation(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Cancellation of %s: %s\n", resp.OperationID, resp.Status)
		return nil
	},
}

var actionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List master actions, live first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		ops, err := apiClient().ListOperations(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations found.")
			return nil
		}

		fmt.Printf("%-12s %-20s %-22s %-12s %s\n", "ID", "TYPE", "STATUS", "BY", "STARTED")
		for _, op := range ops {
			status := string(op.Status)
			if op.Live {
				status += " (live)"
			}
			fmt.Printf("%-12s %-20s %-22s %-12s %s\n",
				op.OperationID, op.OperationType, status, op.InitiatedBy,
				op.StartTime.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	actionCmd.AddCommand(actionInitiateCmd)
	actionCmd.AddCommand(actionStatusCmd)
	actionCmd.AddCommand(actionCancelCmd)
	actionCmd.AddCommand(actionListCmd)

	actionInitiateCmd.Flags().String("type", "", "Operation type (VerifyEnvironment, UpdatePackages, RunDiagnosticProbe)")
	actionInitiateCmd.Flags().String("name", "", "Human-readable name")
	actionInitiateCmd.Flags().String("description", "", "Description")
	actionInitiateCmd.Flags().StringArray("param", nil, "Operation parameter key=value (repeatable)")
	actionInitiateCmd.Flags().Bool("wait", false, "Poll until the operation finishes")
	actionInitiateCmd.MarkFlagRequired("type")

	actionListCmd.Flags().Int("limit", 50, "Maximum rows")
}

// Node commands

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Show the fleet as the master sees it",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := apiClient().ListNodes(cmd.Context())
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			fmt.Println("No nodes known.")
			return nil
		}

		fmt.Printf("%-20s %-16s %-9s %-6s %-6s %s\n", "NODE", "STATUS", "EXPECTED", "CPU%", "RAM%", "LAST HEARTBEAT")
		for _, node := range nodes {
			heartbeat := "-"
			if node.LastHeartbeat != nil {
				heartbeat = node.LastHeartbeat.Format(time.RFC3339)
			}
			fmt.Printf("%-20s %-16s %-9v %-6.1f %-6.1f %s\n",
				node.NodeName, node.Status, node.Expected,
				node.CPUUsagePercent, node.RAMUsagePercent, heartbeat)
		}
		return nil
	},
}

var nodesExpectedCmd = &cobra.Command{
	Use:   "set-expected NODE [NODE...]",
	Short: "Replace the expected-node manifest",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes := make([]client.ExpectedNode, 0, len(args))
		for _, name := range args {
			nodes = append(nodes, client.ExpectedNode{Name: name})
		}
		count, err := apiClient().ReplaceExpectedNodes(cmd.Context(), nodes)
		if err != nil {
			return err
		}
		fmt.Printf("Expected-node manifest replaced: %d nodes\n", count)
		return nil
	},
}

func init() {
	nodesCmd.AddCommand(nodesExpectedCmd)
}

// Journal command

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "List change journal entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		query := client.JournalQuery{}
		query.EventType, _ = cmd.Flags().GetString("type")
		query.Outcome, _ = cmd.Flags().GetString("outcome")
		query.Page, _ = cmd.Flags().GetInt("page")
		query.PageSize, _ = cmd.Flags().GetInt("page-size")
		if from, _ := cmd.Flags().GetString("from"); from != "" {
			t, err := time.Parse(time.RFC3339, from)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			query.From = t
		}
		if to, _ := cmd.Flags().GetString("to"); to != "" {
			t, err := time.Parse(time.RFC3339, to)
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}
			query.To = t
		}

		page, err := apiClient().ListJournal(cmd.Context(), query)
		if err != nil {
			return err
		}
		if len(page.Changes) == 0 {
			fmt.Println("No journal entries match.")
			return nil
		}

		fmt.Printf("%-24s %-28s %-14s %s\n", "TIMESTAMP", "EVENT", "INITIATOR", "DESCRIPTION")
		for _, rec := range page.Changes {
			fmt.Printf("%-24s %-28s %-14s %s\n",
				rec.Timestamp.Format(time.RFC3339), rec.EventType,
				rec.Initiator, rec.Description)
		}
		fmt.Printf("\n%d of %d entries\n", len(page.Changes), page.TotalCount)
		return nil
	},
}

func init() {
	journalCmd.Flags().String("type", "", "Filter by change type")
	journalCmd.Flags().String("outcome", "", "Filter by outcome (Success|Failure)")
	journalCmd.Flags().String("from", "", "Only entries at or after this RFC3339 timestamp")
	journalCmd.Flags().String("to", "", "Only entries at or before this RFC3339 timestamp")
	journalCmd.Flags().Int("page", 1, "Page number")
	journalCmd.Flags().Int("page-size", 50, "Rows per page")
}
