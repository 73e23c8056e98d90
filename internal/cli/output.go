package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/envforge-io/envforge/internal/checkpoint"
	"github.com/envforge-io/envforge/internal/orch"
	"github.com/jedib0t/go-pretty/v6/table"
)

// renderPlanTable prints the phase list, marking the ones a resume skips.
func renderPlanTable(w io.Writer, plan *orch.Plan, resume *checkpoint.Checkpoint) {
	skipThrough := -1
	if resume != nil {
		skipThrough = resume.CompletedPhaseIndex
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle(fmt.Sprintf("Plan %s (%s)", plan.ID, plan.Mode))
	tw.AppendHeader(table.Row{"#", "Phase", "Destructive", "On Failure", ""})
	for _, ph := range plan.Phases {
		note := ""
		if ph.Index <= skipThrough {
			note = "skipped (resume)"
		}
		destructive := ""
		if ph.Destructive {
			destructive = "yes"
		}
		tw.AppendRow(table.Row{ph.Index, ph.Name, destructive, ph.OnFailure, note})
	}
	tw.Render()
}

// renderReport prints the per-phase outcomes and the run's terminal state.
func renderReport(w io.Writer, report *orch.RunReport) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle(fmt.Sprintf("Run %s", report.RunID))
	tw.AppendHeader(table.Row{"#", "Phase", "Outcome", "Duration", "Attempts", "Message"})
	for _, p := range report.Phases {
		outcome := string(p.Outcome)
		if p.Skipped {
			outcome = "skipped"
		}
		tw.AppendRow(table.Row{
			p.Index, p.Name, outcome,
			(time.Duration(p.DurationMs) * time.Millisecond).String(),
			p.Attempts, p.Message,
		})
	}
	tw.Render()

	switch {
	case report.Cancelled:
		fmt.Fprintln(w, "\nRun cancelled by operator.")
	case report.Succeeded():
		fmt.Fprintf(w, "\nRun complete. Warnings: %d, manual actions: %d.\n",
			report.Warnings(), report.ManualActionsTotal())
	default:
		fmt.Fprintf(w, "\nRun FAILED at phase %d.\n", report.FailedPhase)
		for _, p := range report.Phases {
			for _, action := range p.ManualActions {
				fmt.Fprintf(w, "  manual resolution: %s\n", action)
			}
		}
	}
}
