package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ChuLiYu/beaver-sync/internal/history"
	"github.com/ChuLiYu/beaver-sync/pkg/types"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// jobLabel folds the exit status into the state so a failed import reads
// as "Failed" rather than "Completed".
func jobLabel(job *types.Job) string {
	if job.State == types.StateCompleted && !job.Succeeded() {
		return "Failed"
	}
	return string(job.State)
}

func statusIcon(status string) string {
	switch status {
	case "Completed", string(types.RunSuccess):
		return colorGreen + "✓" + colorReset
	case "Failed", string(types.RunFailed):
		return colorRed + "✗" + colorReset
	case "Running", string(types.RunTimeout), string(types.RunBusy):
		return colorYellow + "⏳" + colorReset
	case "Pending", string(types.RunDryRun):
		return colorCyan + "◯" + colorReset
	case "Cancelled":
		return colorDim + "⊘" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "Completed", string(types.RunSuccess):
		return icon + " " + colorGreen + status + colorReset
	case "Failed", string(types.RunFailed):
		return icon + " " + colorRed + status + colorReset
	case "Running", string(types.RunTimeout), string(types.RunBusy):
		return icon + " " + colorYellow + status + colorReset
	case "Pending", string(types.RunDryRun):
		return icon + " " + colorCyan + status + colorReset
	case "Cancelled":
		return icon + " " + colorDim + status + colorReset
	default:
		return status
	}
}

func printJob(w io.Writer, job *types.Job) {
	label := jobLabel(job)
	fmt.Fprintf(w, "%s %sImport Job%s\n", statusIcon(label), colorBold, colorReset)
	fmt.Fprintln(w, "──────────────────────────────")
	fmt.Fprintf(w, "%sID:%s          %s\n", colorDim, colorReset, job.ID)
	fmt.Fprintf(w, "%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(label))
	if job.TemplateID != "" {
		fmt.Fprintf(w, "%sTemplate:%s    %s\n", colorDim, colorReset, job.TemplateID)
	}
	if job.TargetResourceID != "" {
		fmt.Fprintf(w, "%sTarget:%s      %s\n", colorDim, colorReset, job.TargetResourceID)
	}
	if msg := job.ExitMessage(); msg != "" {
		color := colorGreen
		if !job.Succeeded() {
			color = colorRed
		}
		fmt.Fprintf(w, "%sMessage:%s     %s%s%s\n", colorDim, colorReset, color, msg, colorReset)
	}
	fmt.Fprintf(w, "%sSubmitted:%s   %s\n", colorDim, colorReset, formatTime(job.SubmittedAt))
	if job.CompletedAt != nil && !job.SubmittedAt.IsZero() {
		fmt.Fprintf(w, "%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTime(*job.CompletedAt),
			colorCyan, formatDuration(job.CompletedAt.Sub(job.SubmittedAt)), colorReset)
	}
	if job.Progress != nil {
		printProgress(w, job.Progress)
	}
}

func printProgress(w io.Writer, p *types.Progress) {
	fmt.Fprintf(w, "%sProgress:%s    %.1f%%\n", colorDim, colorReset, p.PercentageComplete)
	for _, n := range p.Nodes {
		fmt.Fprintf(w, "  (:%s) %s created=%d\n", strings.Join(n.Labels, ":"), rows(n.ProcessedRows, n.TotalRows), n.Created)
	}
	for _, r := range p.Relationships {
		fmt.Fprintf(w, "  [:%s] %s created=%d\n", r.Type, rows(r.ProcessedRows, r.TotalRows), r.Created)
	}
}

// progressLine is the one-line form used while waiting.
func progressLine(job *types.Job) string {
	line := fmt.Sprintf("%s %s", colorizeStatus(jobLabel(job)), job.ID)
	if job.Progress != nil {
		line += fmt.Sprintf(" %.1f%%", job.Progress.PercentageComplete)
	}
	return line
}

func rows(processed, total int64) string {
	if total <= 0 {
		return fmt.Sprintf("%d rows", processed)
	}
	return fmt.Sprintf("%d/%d rows", processed, total)
}

func printRunResult(w io.Writer, r *types.RunResult) {
	status := string(r.Status)
	fmt.Fprintf(w, "%s %s%s%s", statusIcon(status), colorBold, r.Pipeline, colorReset)
	fmt.Fprintf(w, "  %s", colorizeStatus(status))
	if r.JobID != "" {
		fmt.Fprintf(w, "  job=%s", r.JobID)
	}
	if r.Resumed {
		fmt.Fprint(w, "  (resumed)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %sWindow:%s   %s\n", colorDim, colorReset, formatWindow(r.Window))
	if !r.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  %sDuration:%s %s\n", colorDim, colorReset, formatDuration(r.Duration()))
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  %sError:%s    %s%s%s\n", colorDim, colorReset, colorRed, r.Error, colorReset)
	}
}

func printPipelines(w io.Writer, ps []types.Pipeline) {
	if len(ps) == 0 {
		fmt.Fprintln(w, "No pipelines configured")
		return
	}
	fmt.Fprintf(w, "%s%-20s %-8s %-12s %-22s %s%s\n", colorBold, "NAME", "ENABLED", "SCHEDULE", "WATERMARK", "LAST RUN", colorReset)
	for _, p := range ps {
		schedule := p.Schedule
		if schedule == "" {
			schedule = "-"
		}
		last := "-"
		if p.LastRun != nil {
			last = colorizeStatus(string(p.LastRun.Status)) + " " + formatTime(p.LastRun.At)
		}
		if p.Pending != nil {
			last += fmt.Sprintf(" %s(pending %s)%s", colorYellow, p.Pending.JobID, colorReset)
		}
		fmt.Fprintf(w, "%-20s %-8t %-12s %-22s %s\n", p.Name, p.Enabled, schedule, formatWatermark(p.WindowStart()), last)
	}
}

func printHistory(w io.Writer, entries []history.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s %-20s %-9s %s  %s", statusIcon(string(e.Status)), e.Pipeline, e.Status,
			e.StartedAt.Format(time.RFC3339), formatDuration(e.Duration()))
		if e.JobID != "" {
			fmt.Fprintf(w, "  job=%s", e.JobID)
		}
		if e.Resumed {
			fmt.Fprint(w, "  (resumed)")
		}
		fmt.Fprintln(w)
		if e.Error != "" {
			fmt.Fprintf(w, "    %s%s%s\n", colorRed, e.Error, colorReset)
		}
	}
}

func formatWindow(win types.Window) string {
	if win.IsZero() {
		return "-"
	}
	return formatWatermark(win.From) + " → " + win.To.Format(time.RFC3339)
}

func formatWatermark(t time.Time) string {
	if t.IsZero() {
		return "(full load)"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relativeTime(t), colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
