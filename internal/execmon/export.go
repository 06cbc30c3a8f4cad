package execmon

import (
	"fmt"
	"strings"
	"time"
)

// FormatDuration renders sub-minute durations as seconds with one decimal,
// longer ones as minutes and whole seconds.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) - minutes*60
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}

// ExportTranscript renders a session transcript as a deterministic text
// block: a fixed header followed by one line per entry in arrival order.
// It is pure and callable in any lifecycle state; a still-running session
// yields a partial report.
func ExportTranscript(snap Snapshot, generatedAt time.Time) string {
	var b strings.Builder
	b.WriteString("Execution Report\n")
	b.WriteString("================\n")
	fmt.Fprintf(&b, "Session:   %s\n", snap.ID)
	fmt.Fprintf(&b, "Target:    %s\n", snap.Target)
	fmt.Fprintf(&b, "Status:    %s\n", snap.State)
	fmt.Fprintf(&b, "Duration:  %s\n", FormatDuration(snap.Duration(generatedAt)))
	fmt.Fprintf(&b, "Tasks:     %d total, %d completed, %d failed\n",
		snap.Summary.TotalTasks, snap.Summary.CompletedTasks, snap.Summary.FailedTasks)
	fmt.Fprintf(&b, "Results:   %d ok, %d changed, %d failed\n",
		snap.Summary.OkCount, snap.Summary.ChangedCount, snap.Summary.FailedCount)
	if snap.TerminalMessage != "" {
		fmt.Fprintf(&b, "Message:   %s\n", snap.TerminalMessage)
	}
	fmt.Fprintf(&b, "Generated: %s\n", generatedAt.UTC().Format(time.RFC3339))
	b.WriteString("\n")

	for _, ev := range snap.Transcript {
		ts := ev.Timestamp.UTC().Format("15:04:05")
		if ev.TaskName != "" {
			fmt.Fprintf(&b, "[%s] %-12s %s: %s\n", ts, ev.Kind, ev.TaskName, ev.Message)
		} else {
			fmt.Fprintf(&b, "[%s] %-12s %s\n", ts, ev.Kind, ev.Message)
		}
	}
	return b.String()
}
