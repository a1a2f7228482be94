//go:build linux

package stats

import (
	"fmt"
	"time"

	"github.com/prometheus/procfs"
)

// userHZ is the kernel clock tick rate procfs times are reported in.
const userHZ = 100

// ProcSampler reads process statistics from /proc.
type ProcSampler struct {
	fs       procfs.FS
	bootTime time.Time

	now func() time.Time
}

func NewSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}

	stat, err := fs.Stat()
	if err != nil {
		return nil, fmt.Errorf("read boot time: %w", err)
	}

	return &ProcSampler{
		fs:       fs,
		bootTime: time.Unix(int64(stat.BootTime), 0),
		now:      time.Now,
	}, nil
}

func (s *ProcSampler) Sample(pid int) (Sample, error) {
	proc, err := s.fs.Proc(pid)
	if err != nil {
		return Sample{}, fmt.Errorf("proc %d: %w", pid, err)
	}

	stat, err := proc.Stat()
	if err != nil {
		return Sample{}, fmt.Errorf("proc %d stat: %w", pid, err)
	}

	started := s.bootTime.Add(time.Duration(stat.Starttime) * time.Second / userHZ)

	uptime := s.now().Sub(started)
	if uptime < 0 {
		uptime = 0
	}

	sample := Sample{
		PID:      pid,
		RSSBytes: uint64(stat.ResidentMemory()),
		Uptime:   uptime,
	}

	// CPU percent averaged over the process lifetime.
	if uptime > 0 {
		sample.CPUPercent = stat.CPUTime() / uptime.Seconds() * 100
	}

	return sample, nil
}
