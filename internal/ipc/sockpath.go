package ipc

import (
	"fmt"
	"os"
	"path/filepath"
)

// SocketPath returns the per-user socket path: shell-compose-$uid.sock
// under dir, the runtime directory, or the system temp directory, in
// that order of preference.
func SocketPath(dir string) string {
	if dir == "" {
		dir = os.Getenv("XDG_RUNTIME_DIR")
	}

	if dir == "" {
		dir = os.TempDir()
	}

	return filepath.Join(dir, fmt.Sprintf("shell-compose-%d.sock", os.Getuid()))
}
