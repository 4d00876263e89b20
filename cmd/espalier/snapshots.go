package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/session"
	"github.com/spf13/cobra"
)

var snapshotsCmd = &cobra.Command{
	Use:     "snapshots",
	Aliases: []string{"runs"},
	Short:   "Inspect and remove stored runs",
	Long:    `List runs, show their snapshots and remove them from the configured snapshot store.`,
}

var snapshotsLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List stored runs",
	Run: func(cmd *cobra.Command, args []string) {
		a, sessions := openSessions(cmd)
		defer a.Close()

		runs, err := sessions.List(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing runs: %v\n", err)
			os.Exit(1)
		}
		if len(runs) == 0 {
			fmt.Println("No stored runs found.")
			return
		}

		fmt.Println("Stored Runs:")
		for _, id := range runs {
			state, err := sessions.Latest(cmd.Context(), id)
			if err != nil {
				fmt.Printf("- %s (unreadable: %v)\n", id, err)
				continue
			}
			fmt.Printf("- %s  %-10s %-20s %q\n", id, state.Status, state.CurrentStage, state.Topic)
		}
	},
}

var snapshotsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print a snapshot as JSON",
	Long: `Prints the latest snapshot of a run, or the one taken after a given stage
attempt when --stage is set.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runID := args[0]
		stage, _ := cmd.Flags().GetString("stage")
		attempt, _ := cmd.Flags().GetInt("attempt")

		a, sessions := openSessions(cmd)
		defer a.Close()

		var (
			payload any
			err     error
		)
		if stage == "" {
			payload, err = sessions.Latest(cmd.Context(), runID)
		} else {
			payload, err = sessions.Snapshot(cmd.Context(), domain.SnapshotKey{
				RunID:   runID,
				Stage:   domain.StageName(stage),
				Attempt: attempt,
			})
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading run '%s': %v\n", runID, err)
			os.Exit(1)
		}

		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling snapshot: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
	},
}

var snapshotsHistoryCmd = &cobra.Command{
	Use:   "history <run-id>",
	Short: "List the snapshot keys of a run in order",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, sessions := openSessions(cmd)
		defer a.Close()

		keys, err := sessions.History(cmd.Context(), args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading history of '%s': %v\n", args[0], err)
			os.Exit(1)
		}
		for _, k := range keys {
			fmt.Println(k.String())
		}
	},
}

var snapshotsRmCmd = &cobra.Command{
	Use:   "rm <run-id>...",
	Short: "Remove one or more runs",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, sessions := openSessions(cmd)
		defer a.Close()
		hasError := false

		for _, runID := range args {
			if err := sessions.Delete(cmd.Context(), runID); err != nil {
				fmt.Fprintf(os.Stderr, "Error removing '%s': %v\n", runID, err)
				hasError = true
			} else {
				fmt.Printf("Removed run '%s'\n", runID)
			}
		}

		if hasError {
			a.Close()
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(snapshotsCmd)
	snapshotsCmd.AddCommand(snapshotsLsCmd)
	snapshotsCmd.AddCommand(snapshotsShowCmd)
	snapshotsCmd.AddCommand(snapshotsHistoryCmd)
	snapshotsCmd.AddCommand(snapshotsRmCmd)

	snapshotsShowCmd.Flags().String("stage", "", "Stage of the snapshot to show")
	snapshotsShowCmd.Flags().Int("attempt", 1, "Attempt of the stage (with --stage)")
}

func openSessions(cmd *cobra.Command) (*app, *session.Manager) {
	a, err := newApp(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return a, session.NewManager(a.store, session.WithLocker(a.locker), session.WithLogger(a.logger))
}
