package graph

import (
	"fmt"
	"strings"

	"github.com/aretw0/espalier/internal/runtime"
	"github.com/aretw0/espalier/pkg/domain"
)

// GraphOverlay contains run data to visualize on the graph.
type GraphOverlay struct {
	VisitedStages []domain.StageName
	CurrentStage  domain.StageName
	// Forced stages were accepted at their retry cap.
	Forced []domain.StageName
}

// OverlayFromState builds an overlay from a run state.
func OverlayFromState(state *domain.RunState) *GraphOverlay {
	o := &GraphOverlay{VisitedStages: state.History, CurrentStage: state.CurrentStage}
	for name, rec := range state.Gates {
		if rec.Forced {
			o.Forced = append(o.Forced, name)
		}
	}
	return o
}

// GenerateMermaid produces a Mermaid flowchart of a stage graph.
// It applies semantic styling:
// - Entry: ((Circle))
// - Gated stage: {{Hexagon}} with a retry self-loop
// - Terminated: (((Double circle)))
// - Default: [Rectangle]
// Routed edges are dotted. Overlay styles are applied if provided.
func GenerateMermaid(g *runtime.Graph, overlay *GraphOverlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	reachesEnd := false
	for _, name := range g.Stages() {
		spec, _ := g.Stage(name)
		safeID := sanitizeMermaidID(string(name))

		opener, closer := "[", "]"
		switch {
		case name == g.Entry():
			opener, closer = "((", "))"
		case spec.Gate != nil:
			opener, closer = "{{", "}}"
		}
		fmt.Fprintf(&sb, "    %s%s\"%s\"%s\n", safeID, opener, name, closer)

		if spec.Gate != nil {
			fmt.Fprintf(&sb, "    %s -. \"retry ≤%d\" .-> %s\n", safeID, spec.RetryCap, safeID)
		}

		targets := g.Targets(name)
		arrow := "-->"
		if len(targets) > 1 {
			arrow = "-.->"
		}
		for _, t := range targets {
			if t == domain.Terminated {
				reachesEnd = true
			}
			fmt.Fprintf(&sb, "    %s %s %s\n", safeID, arrow, sanitizeMermaidID(string(t)))
		}
	}
	if reachesEnd {
		fmt.Fprintf(&sb, "    %s(((\"%s\")))\n", sanitizeMermaidID(string(domain.Terminated)), domain.Terminated)
	}

	if overlay != nil {
		sb.WriteString("\n    %% Overlay Styles\n")
		// Black text keeps labels readable on light and dark themes.
		sb.WriteString("    classDef visited fill:#e1f5fe,stroke:#01579b,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef forced fill:#ffe0b2,stroke:#e65100,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef current fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")

		visited := make(map[string]bool)
		for _, name := range overlay.VisitedStages {
			safeID := sanitizeMermaidID(string(name))
			if !visited[safeID] && safeID != "" {
				visited[safeID] = true
				fmt.Fprintf(&sb, "    class %s visited;\n", safeID)
			}
		}
		for _, name := range overlay.Forced {
			fmt.Fprintf(&sb, "    class %s forced;\n", sanitizeMermaidID(string(name)))
		}
		if overlay.CurrentStage != "" {
			fmt.Fprintf(&sb, "    class %s current;\n", sanitizeMermaidID(string(overlay.CurrentStage)))
		}
	}

	return sb.String()
}

func sanitizeMermaidID(id string) string {
	s := strings.ReplaceAll(id, ".", "_")
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	return s
}
