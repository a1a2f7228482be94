package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nixpig/shellcompose/internal/protocol"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// printEntries writes log entries prefixed with timestamp and job id,
// stdout lines to stdout and stderr lines to stderr.
func printEntries(entries []protocol.LogEntry) {
	for _, entry := range entries {
		out := os.Stdout
		if entry.Stream == protocol.StreamErr {
			out = os.Stderr
		}

		fmt.Fprintf(
			out,
			"%s [%d] %s\n",
			entry.Time.Local().Format(timestampFormat),
			entry.JobID,
			entry.Line,
		)
	}
}

func commandLine(args []string) string {
	return strings.Join(args, " ")
}

// TODO: Only output headers if TTY, or add a --plain flag.
func printJobs(w io.Writer, jobs []protocol.JobSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "ID\tKIND\tSTATE\tPID\tGROUP\tRESTARTS\tCOMMAND\t\n")

	for _, job := range jobs {
		pid := ""
		if job.PID != 0 {
			pid = fmt.Sprintf("%d", job.PID)
		}

		fmt.Fprintf(
			tw,
			"%d\t%s\t%s\t%s\t%s\t%d\t%s\t\n",
			job.ID,
			job.Kind,
			job.State,
			pid,
			job.Group,
			job.RestartCount,
			commandLine(job.Args),
		)
	}

	tw.Flush()
}

func printStats(w io.Writer, samples []protocol.ProcSample) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "ID\tPID\tCPU%%\tRSS\tUPTIME\tCOMMAND\t\n")

	for _, sample := range samples {
		fmt.Fprintf(
			tw,
			"%d\t%d\t%.1f\t%s\t%s\t%s\t\n",
			sample.JobID,
			sample.PID,
			sample.CPUPercent,
			formatBytes(sample.RSSBytes),
			sample.Uptime.Round(time.Second),
			commandLine(sample.Args),
		)
	}

	tw.Flush()
}

func formatBytes(n uint64) string {
	const unit = 1024

	if n < unit {
		return fmt.Sprintf("%dB", n)
	}

	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMG"[exp])
}
