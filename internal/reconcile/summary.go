package reconcile

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
)

var failureColor = color.New(color.FgRed, color.Bold)

// Print writes the human-readable run summary
func (s *Summary) Print(w io.Writer, failureReportPath string) {
	count := func(n int) string { return humanize.Comma(int64(n)) }

	if s.Mode == ModePopulate {
		verb := "updated"
		if s.DryRun {
			verb = "would be updated"
		}
		fmt.Fprintf(w, "Populate mode: history %s with %s files.\n", verb, count(s.Current.Len()))
		return
	}

	if s.DryRun {
		fmt.Fprintln(w, "Dry run complete, nothing was changed.")
	} else {
		fmt.Fprintln(w, "Scan complete.")
	}
	fmt.Fprintf(w, "New files: %s\n", count(s.Added.Len()))
	fmt.Fprintf(w, "Removed files: %s\n", count(s.Removed.Len()))
	if s.DryRun {
		return
	}
	fmt.Fprintf(w, "Watermark succeeded: %s\n", count(s.Succeeded.Len()))
	if !s.Failed.IsEmpty() {
		failureColor.Fprintf(w, "Failures: %s (see %s)\n", count(s.Failed.Len()), failureReportPath)
	}
	if !s.Skipped.IsEmpty() {
		fmt.Fprintf(w, "Not started (interrupted): %s\n", count(s.Skipped.Len()))
	}
	fmt.Fprintf(w, "Finished in %s\n", s.Duration.Round(time.Millisecond))
}
