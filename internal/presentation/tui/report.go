package tui

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/muesli/termenv"
)

// ReportPrinter renders run reports for humans.
type ReportPrinter struct {
	w   io.Writer
	out *termenv.Output
}

// NewReportPrinter detects the color profile of w. Pass termenv options to
// force one.
func NewReportPrinter(w io.Writer, opts ...termenv.OutputOption) *ReportPrinter {
	return &ReportPrinter{w: w, out: termenv.NewOutput(w, opts...)}
}

func (p *ReportPrinter) color(s, hex string) termenv.Style {
	return p.out.String(s).Foreground(p.out.Color(hex))
}

// Print writes a summary of r.
func (p *ReportPrinter) Print(r *espalier.Report) {
	w := p.w
	status := p.color(string(r.Status), "#22c55e")
	if r.Status != domain.StatusTerminated {
		status = p.color(string(r.Status), "#ef4444").Bold()
	}
	fmt.Fprintf(w, "Run %s  %s  (%d steps, %s)\n",
		p.out.String(r.RunID).Bold(), status, r.Steps, r.Duration.Round(time.Millisecond))

	fmt.Fprintf(w, "  Stages: %s\n", compactHistory(r.History))

	if len(r.Calls) > 0 {
		var parts []string
		for _, name := range slices.Sorted(maps.Keys(r.Calls)) {
			parts = append(parts, fmt.Sprintf("%s=%d", name, r.Calls[name]))
		}
		fmt.Fprintf(w, "  Calls:  %s (total %d)\n", strings.Join(parts, " "), r.TotalCalls())
	}

	for _, name := range r.Forced {
		rec := r.State.Gates[name]
		fmt.Fprintf(w, "  %s %s accepted after %d attempts: %s\n",
			p.color("forced", "#f59e0b"), name, rec.Attempts, strings.Join(rec.Issues, "; "))
	}

	if f := r.Failure; f != nil {
		fmt.Fprintf(w, "  %s at %s (attempt %d, %s): %s\n",
			p.color("failed", "#ef4444").Bold(), f.Stage, f.Attempt, f.Class, f.Reason)
		fmt.Fprintf(w, "  Resume with: espalier resume %s\n", r.RunID)
	}
}

// compactHistory folds consecutive repeats: a → b ×3 → c.
func compactHistory(history []domain.StageName) string {
	var parts []string
	for i := 0; i < len(history); {
		j := i
		for j < len(history) && history[j] == history[i] {
			j++
		}
		part := string(history[i])
		if n := j - i; n > 1 {
			part += fmt.Sprintf(" ×%d", n)
		}
		parts = append(parts, part)
		i = j
	}
	return strings.Join(parts, " → ")
}
