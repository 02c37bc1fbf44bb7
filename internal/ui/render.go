package ui

import (
	"fmt"
	"io"

	"github.com/scmbridge/cbsync/internal/types"
	"github.com/scmbridge/cbsync/internal/validate"
)

// RenderDiagnostics writes the validate command's per-check report and
// returns the number of passed checks.
func RenderDiagnostics(w io.Writer, results []validate.CheckResult) int {
	fmt.Fprintln(w, RenderCategory("Codebeamer sync diagnostics"))
	fmt.Fprintln(w, RenderSeparator())
	for _, r := range results {
		icon := RenderPassIcon()
		switch {
		case !r.Passed:
			icon = RenderFailIcon()
		case r.Warning:
			icon = RenderWarnIcon()
		}
		fmt.Fprintf(w, "%s %s\n", icon, r.Name)
		if r.Detail != "" {
			fmt.Fprintf(w, "  %s%s\n", TreeLast, MutedStyle.Render(r.Detail))
		}
	}
	passed := validate.Passed(results)
	fmt.Fprintln(w, RenderSeparator())
	summary := fmt.Sprintf("%d/%d checks passed", passed, len(results))
	if passed == len(results) {
		fmt.Fprintln(w, PassStyle.Render(summary))
	} else {
		fmt.Fprintln(w, FailStyle.Render(summary))
	}
	return passed
}

// RenderOutcome writes a short summary of a sync invocation.
func RenderOutcome(w io.Writer, o *types.SyncOutcome) {
	if o == nil {
		return
	}
	fmt.Fprintln(w, RenderCategory("Sync "+string(o.EventKind)))
	if o.Repository != nil {
		fmt.Fprintf(w, "%s repository %s (id %s) via %s\n", RenderPassIcon(),
			o.Repository.DisplayName, o.Repository.RemoteID, o.TransportUsed.Label())
	}
	for _, c := range o.Commits {
		fmt.Fprintf(w, "%s commit %s %s\n", statusIcon(c.Status), types.ShortSHA(c.SHA), MutedStyle.Render(string(c.Status)))
	}
	for _, b := range o.Branches {
		fmt.Fprintf(w, "%s branch %s %s\n", statusIcon(b.Status), b.Action, b.BranchRef)
	}
	linked, skipped, failed := o.LinkCounts()
	if linked+skipped+failed > 0 {
		fmt.Fprintf(w, "  links: %d linked, %d skipped, %d failed\n", linked, skipped, failed)
	}
	for _, tr := range o.Transitions {
		fmt.Fprintf(w, "%s work item %s -> %s %s\n", statusIcon(tr.Status), tr.Target, tr.To, MutedStyle.Render(string(tr.Status)))
	}
	if rs := o.RepositoryStatus; rs != nil {
		fmt.Fprintf(w, "%s repository status %s\n", statusIcon(rs.Status), MutedStyle.Render(string(rs.Status)))
	}
	if !o.Success {
		fmt.Fprintf(w, "%s %s\n", RenderFailIcon(), FailStyle.Render(fmt.Sprintf("failed (%s): %s", o.ErrorKind, o.Error)))
	}
}

func statusIcon(s types.ItemStatus) string {
	switch {
	case s.OK():
		return RenderPassIcon()
	case s == types.ItemSkipped:
		return RenderSkipIcon()
	case s == types.ItemCanceled:
		return RenderWarnIcon()
	}
	return RenderFailIcon()
}
