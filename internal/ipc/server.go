// Package ipc serves client sessions on the daemon's per-user local
// socket. Each accepted connection is handled by its own session
// goroutine; all job mutations go through the supervisor, while log
// snapshots and follow streams read the shared buffer directly.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nixpig/shellcompose/internal/logbuf"
	"github.com/nixpig/shellcompose/internal/recipes"
	"github.com/nixpig/shellcompose/internal/stats"
	"github.com/nixpig/shellcompose/internal/supervisor"
)

// ErrSocketBusy reports that another live daemon already answers on the
// socket.
var ErrSocketBusy = errors.New("another daemon is already running")

// Server accepts and dispatches client sessions.
type Server struct {
	sup     *supervisor.Supervisor
	buf     *logbuf.Buffer
	enum    recipes.Enumerator
	sampler stats.Sampler
	logger  zerolog.Logger

	// shutdown is invoked when a client sends Exit; main wires it to the
	// daemon's root context cancel.
	shutdown func()

	listener net.Listener
	path     string

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewServer(
	sup *supervisor.Supervisor,
	buf *logbuf.Buffer,
	enum recipes.Enumerator,
	sampler stats.Sampler,
	shutdown func(),
	logger zerolog.Logger,
) *Server {
	return &Server{
		sup:      sup,
		buf:      buf,
		enum:     enum,
		sampler:  sampler,
		shutdown: shutdown,
		logger:   logger.With().Str("component", "ipc").Logger(),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen binds the per-user socket under dir with owner-only
// permissions. A stale socket file left by a dead daemon is unlinked and
// rebound; a socket with a live daemon behind it fails with
// ErrSocketBusy.
func (s *Server) Listen(dir string) error {
	path := SocketPath(dir)

	if _, err := os.Stat(path); err == nil {
		if Ping(path) == nil {
			return fmt.Errorf("%w on %s", ErrSocketBusy, path)
		}

		s.logger.Info().Str("path", path).Msg("removing stale socket")

		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("bind %s: %w", path, err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}

	s.listener = listener
	s.path = path

	s.logger.Info().Str("path", path).Msg("listening")

	return nil
}

// Path returns the bound socket path.
func (s *Server) Path() string {
	return s.path
}

// Serve accepts sessions until ctx is cancelled, then closes the
// listener and every active session.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()

		s.listener.Close()
		os.Remove(s.path)

		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		s.track(conn)

		go func() {
			defer s.untrack(conn)
			s.handleSession(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()

	conn.Close()
}
