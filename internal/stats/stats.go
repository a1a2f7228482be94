// Package stats is the boundary to the external process-stats sampler:
// given a pid, it reports CPU usage, resident memory, and uptime for the
// process. The Linux implementation reads procfs; other platforms report
// zero samples.
package stats

import "time"

// Sample is one resource measurement for a running process.
type Sample struct {
	PID        int
	CPUPercent float64
	RSSBytes   uint64
	Uptime     time.Duration
}

// Sampler measures a process by pid. The measurement covers that one
// process only; its descendants are not included.
type Sampler interface {
	Sample(pid int) (Sample, error)
}

// Noop reports empty samples. It is the fallback when the platform
// sampler cannot be constructed.
type Noop struct{}

func (Noop) Sample(pid int) (Sample, error) {
	return Sample{PID: pid}, nil
}

