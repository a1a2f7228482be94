//go:build windows

package spawn

import (
	"errors"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/windows"
)

// OSSpawner is the production Spawner. On Windows a child is started in
// its own process group so CTRL_BREAK_EVENT can target it; force-kill
// falls back to terminating the direct process.
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

	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
	}

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

	// The group leader of a CREATE_NEW_PROCESS_GROUP child is the child
	// itself.
	return NewHandle(pid, pid, stdout, stderr, waitCmd(cmd)), nil
}

func (s *OSSpawner) Terminate(pgid int, grace time.Duration) {
	if pgid <= 0 {
		return
	}

	// CTRL_BREAK_EVENT is the graceful signal for a process group.
	_ = windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(pgid))

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processAlive(pgid) {
			return
		}

		time.Sleep(100 * time.Millisecond)
	}

	if handle, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pgid)); err == nil {
		_ = windows.TerminateProcess(handle, 1)
		_ = windows.CloseHandle(handle)
	}
}

func processAlive(pid int) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var code uint32
	if err := windows.GetExitCodeProcess(handle, &code); err != nil {
		return false
	}

	return code == 259 // STILL_ACTIVE
}
