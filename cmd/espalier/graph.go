package main

import (
	"fmt"
	"os"

	"github.com/aretw0/espalier/internal/content"
	"github.com/aretw0/espalier/internal/presentation/graph"
	"github.com/aretw0/espalier/pkg/session"
	"github.com/spf13/cobra"
)

// graphCmd represents the graph command
var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Export the pipeline graph visualization",
	Long: `Outputs a Mermaid diagram (graph TD) of the pipeline stages, their gates and retry caps.
With --run, the stages a stored run visited are highlighted.`,
	Run: func(cmd *cobra.Command, args []string) {
		runID, _ := cmd.Flags().GetString("run")

		a, err := newApp(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		// The shape of the graph does not depend on the providers.
		services, err := content.NewServices(a.cfg, a.logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		g, err := content.NewPipeline(a.cfg, content.FakeProviders(), services).Graph()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error building graph: %v\n", err)
			os.Exit(1)
		}

		var overlay *graph.GraphOverlay
		if runID != "" {
			state, err := session.NewManager(a.store).Latest(cmd.Context(), runID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading run '%s': %v\n", runID, err)
				os.Exit(1)
			}
			overlay = graph.OverlayFromState(state)
		}

		fmt.Print(graph.GenerateMermaid(g, overlay))
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.Flags().String("run", "", "Highlight the path of a stored run")
}
