//go:build unix

package spawn

import (
	"errors"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// OSSpawner is the production Spawner backed by fork/exec with setpgid.
type OSSpawner struct{}

func NewOSSpawner() *OSSpawner {
	return &OSSpawner{}
}

func (s *OSSpawner) Spawn(args []string, dir string, env []string) (*Handle, error) {
	if len(args) == 0 {
		return nil, SpawnError{Err: errors.New("empty command")}
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = env

	// New process group so the child and its descendants can be signalled
	// as one unit.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, SpawnError{Err: err}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, SpawnError{Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, SpawnError{Err: err}
	}

	pid := cmd.Process.Pid

	pgid, err := unix.Getpgid(pid)
	if err != nil {
		// The child may already be gone; its own pid is the group leader.
		pgid = pid
	}

	return NewHandle(pid, pgid, stdout, stderr, waitCmd(cmd)), nil
}

func (s *OSSpawner) Terminate(pgid int, grace time.Duration) {
	if pgid <= 0 {
		return
	}

	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		// Group already gone.
		return
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if err := unix.Kill(-pgid, 0); err != nil {
			return
		}

		time.Sleep(100 * time.Millisecond)
	}

	_ = unix.Kill(-pgid, unix.SIGKILL)
}
