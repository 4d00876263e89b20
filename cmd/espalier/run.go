package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/presentation/tui"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <topic>...",
	Short: "Produce a narrated explainer for a topic",
	Long: `Runs the full pipeline for a topic: research, script, sections, images and voice.
Stages whose output fails a quality gate are retried with the gate's feedback.

Use --dry-run to exercise the pipeline offline with deterministic fake services.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		outline, _ := cmd.Flags().GetString("outline")
		runID, _ := cmd.Flags().GetString("run-id")
		seed := domain.Update{
			Topic:   domain.Ptr(strings.Join(args, " ")),
			Outline: domain.Ptr(outline),
		}
		execute(cmd, func(ctx context.Context, e *espalier.Engine) (*espalier.Report, error) {
			return e.Start(ctx, runID, seed)
		})
	},
}

// resumeCmd represents the resume command
var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Continue a run from its latest snapshot",
	Long: `Loads the latest snapshot of a run and continues it. A failed run restarts at
the stage that failed, keeping any pending gate feedback.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		execute(cmd, func(ctx context.Context, e *espalier.Engine) (*espalier.Report, error) {
			return e.Resume(ctx, args[0])
		})
	},
}

// execute wires the engine for cmd, runs it and prints the report.
// It exits non-zero when the run does not terminate.
func execute(cmd *cobra.Command, run func(context.Context, *espalier.Engine) (*espalier.Report, error)) {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	listen, _ := cmd.Flags().GetString("listen")
	jsonMode, _ := cmd.Flags().GetBool("json")
	noBanner, _ := cmd.Flags().GetBool("no-banner")

	a, err := newApp(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	var (
		insp  *inspector
		hooks domain.LifecycleHooks
	)
	if listen != "" {
		insp = newInspector(a, listen)
		hooks = insp.hooks()
	}

	engine, services, err := a.engine(dryRun, hooks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if insp != nil {
		insp.watch(services.All()...)
		serverErrors := insp.start(a)
		defer insp.shutdown(a)
		go func() {
			if err := <-serverErrors; err != nil {
				a.logger.Error("Inspector stopped", "err", err)
			}
		}()
	}

	if !jsonMode && !noBanner {
		tui.PrintBanner(os.Stdout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := run(ctx, engine)
	if report == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(a, insp, 1)
	}

	if jsonMode {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			fmt.Fprintf(os.Stderr, "Error encoding report: %v\n", encErr)
		}
	} else {
		tui.NewReportPrinter(os.Stdout).Print(report)
	}

	if err != nil || report.Status != domain.StatusTerminated {
		if err != nil && report.Failure == nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		exit(a, insp, 1)
	}
}

// exit flushes deferred resources that os.Exit would skip.
func exit(a *app, insp *inspector, code int) {
	if insp != nil {
		insp.shutdown(a)
	}
	a.Close()
	os.Exit(code)
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)

	runCmd.Flags().String("outline", "", "Optional outline the script must follow")
	runCmd.Flags().String("run-id", "", "Run identifier (generated when empty)")

	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().Bool("dry-run", false, "Use offline fake services instead of the real APIs")
		c.Flags().String("listen", "", "Serve the live event stream and metrics on this address while running")
		c.Flags().Bool("json", false, "Print the run report as JSON")
		c.Flags().Bool("no-banner", false, "Do not print the banner")
	}
}
