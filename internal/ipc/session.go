package ipc

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nixpig/shellcompose/internal/logbuf"
	"github.com/nixpig/shellcompose/internal/protocol"
	"github.com/nixpig/shellcompose/internal/recipes"
	"github.com/nixpig/shellcompose/internal/registry"
	"github.com/nixpig/shellcompose/internal/spawn"
)

// defaultLogTail is how many buffered entries a logs request returns
// when the client does not ask for a specific count.
const defaultLogTail = 100

func (s *Server) handleSession(conn net.Conn) {
	sessionID := uuid.NewString()
	logger := s.logger.With().Str("session", sessionID[:8]).Logger()

	if err := checkPeer(conn); err != nil {
		logger.Warn().Err(err).Msg("rejecting session")
		writeError(conn, protocol.NewError(protocol.KindPermissionDenied, err.Error()))
		return
	}

	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		return
	}

	hello, ok := msg.(*protocol.Hello)
	if !ok {
		writeError(conn, protocol.NewError(protocol.KindProtocolError, "expected hello"))
		return
	}

	if hello.Version != protocol.Version {
		writeError(conn, protocol.NewError(
			protocol.KindVersionMismatch,
			fmt.Sprintf("daemon speaks version %d, client sent %d", protocol.Version, hello.Version),
		))
		return
	}

	if err := protocol.WriteMessage(conn, &protocol.HelloOK{Version: protocol.Version}); err != nil {
		return
	}

	msg, err = protocol.ReadMessage(conn)
	if err != nil {
		// Ping-only session: the client connected, shook hands, and left.
		return
	}

	logger.Debug().Msgf("request %T", msg)

	switch req := msg.(type) {
	case *protocol.Run:
		s.handleRun(conn, req, logger)
	case *protocol.Start:
		s.handleStart(conn, req)
	case *protocol.Up:
		s.handleUp(conn, req)
	case *protocol.Down:
		s.handleDown(conn, req)
	case *protocol.Stop:
		s.handleStop(conn, req)
	case *protocol.Jobs:
		s.handleJobs(conn)
	case *protocol.Logs:
		s.handleLogs(conn, req, logger)
	case *protocol.Ps:
		s.handlePs(conn)
	case *protocol.Schedule:
		s.handleSchedule(conn, req)
	case *protocol.Exit:
		_ = protocol.WriteMessage(conn, &protocol.OK{})
		logger.Info().Msg("shutdown requested")
		s.shutdown()
	default:
		writeError(conn, protocol.NewError(protocol.KindProtocolError, fmt.Sprintf("unexpected request %T", msg)))
	}
}

// handleRun submits a one-shot command and streams its log entries until
// it exits, closing with the child's exit status.
func (s *Server) handleRun(conn net.Conn, req *protocol.Run, logger zerolog.Logger) {
	// Subscribe before spawning so no entry is missed; the job id is
	// unknown until Ack, so filter in the loop below.
	sub := s.buf.Subscribe(logbuf.Filter{})
	defer sub.Cancel()

	id, exitCh, err := s.sup.SubmitRun(req.Args, req.Dir)
	if err != nil {
		writeError(conn, err)
		return
	}

	if err := protocol.WriteMessage(conn, &protocol.Ack{JobID: id}); err != nil {
		return
	}

	gone := watchClient(conn)

	for {
		select {
		case entry, ok := <-sub.C:
			if !ok {
				_ = protocol.WriteMessage(conn, &protocol.LogFollowEnd{Lagged: sub.Lagged()})
				return
			}

			if entry.JobID != id {
				continue
			}

			if err := protocol.WriteMessage(conn, &protocol.LogBatch{Entries: []protocol.LogEntry{entry}}); err != nil {
				return
			}

		case exit := <-exitCh:
			// All of the job's entries were appended before the exit was
			// published; drain what is still queued, then finish.
			for {
				select {
				case entry, ok := <-sub.C:
					if !ok {
						break
					}

					if entry.JobID != id {
						continue
					}

					if err := protocol.WriteMessage(conn, &protocol.LogBatch{Entries: []protocol.LogEntry{entry}}); err != nil {
						return
					}

					continue
				default:
				}

				break
			}

			_ = protocol.WriteMessage(conn, &protocol.JobExit{JobID: exit.JobID, ExitCode: exit.ExitCode})
			return

		case <-gone:
			logger.Debug().Uint64("job", id).Msg("client left during run")
			return
		}
	}
}

func (s *Server) handleStart(conn net.Conn, req *protocol.Start) {
	args := req.Args
	group := ""

	if req.Name != "" {
		if list, err := s.enum.Recipes(); err == nil {
			if recipe, ok := recipes.ByName(list, req.Name); ok {
				args = []string{"just", recipe.Name}
				group = recipe.Group
			}
		}

		if len(args) == 0 {
			// Not a recipe: treat the name as a command.
			args = []string{req.Name}
		}
	}

	if len(args) == 0 {
		writeError(conn, protocol.NewError(protocol.KindProtocolError, "empty command"))
		return
	}

	id, err := s.sup.SubmitService(args, group, req.Dir)
	if err != nil {
		writeError(conn, err)
		return
	}

	_ = protocol.WriteMessage(conn, &protocol.Ack{JobID: id})
}

func (s *Server) handleUp(conn net.Conn, req *protocol.Up) {
	list, err := s.enum.Recipes()
	if err != nil {
		writeError(conn, protocol.NewError(protocol.KindNotFound, fmt.Sprintf("enumerate recipes: %v", err)))
		return
	}

	tagged := recipes.ByGroup(list, req.Group)
	if len(tagged) == 0 {
		writeError(conn, protocol.NewError(protocol.KindNotFound, fmt.Sprintf("no recipes in group %q", req.Group)))
		return
	}

	var started []protocol.JobSummary

	for _, recipe := range tagged {
		id, err := s.sup.SubmitService([]string{"just", recipe.Name}, req.Group, "")
		if err != nil {
			// An already-running member leaves the rest of the group
			// untouched.
			var already registry.AlreadyRunningError
			if errors.As(err, &already) {
				continue
			}

			writeError(conn, err)
			return
		}

		started = append(started, protocol.JobSummary{ID: id, Kind: "service", Group: req.Group, Args: []string{"just", recipe.Name}})
	}

	_ = protocol.WriteMessage(conn, &protocol.JobList{Jobs: started})
}

func (s *Server) handleDown(conn net.Conn, req *protocol.Down) {
	stopped := s.sup.StopGroup(req.Group)

	var jobs []protocol.JobSummary
	for _, id := range stopped {
		jobs = append(jobs, protocol.JobSummary{ID: id, Group: req.Group})
	}

	_ = protocol.WriteMessage(conn, &protocol.JobList{Jobs: jobs})
}

// handleStop stops a job by id or command identity. An id that matches
// no job is tried as a scheduler entry id, so `stop` can destroy cron
// and interval entries too.
func (s *Server) handleStop(conn net.Conn, req *protocol.Stop) {
	if req.JobID != 0 {
		err := s.sup.StopJob(req.JobID)
		if errors.Is(err, registry.ErrNotFound) && s.sup.Scheduler().Remove(req.JobID) {
			err = nil
		}

		if err != nil {
			writeError(conn, err)
			return
		}

		_ = protocol.WriteMessage(conn, &protocol.OK{})
		return
	}

	if len(req.Args) == 0 {
		writeError(conn, protocol.NewError(protocol.KindProtocolError, "stop needs a job id or a command"))
		return
	}

	key := registry.CommandKey(req.Args)
	removed := s.sup.Scheduler().RemoveByCommand(func(args []string) bool {
		return registry.CommandKey(args) == key
	})

	_, err := s.sup.StopCommand(req.Args)
	if errors.Is(err, registry.ErrNotFound) && len(removed) > 0 {
		// Only schedule entries matched; that still counts.
		err = nil
	}

	if err != nil {
		writeError(conn, err)
		return
	}

	_ = protocol.WriteMessage(conn, &protocol.OK{})
}

func (s *Server) handleJobs(conn net.Conn) {
	_ = protocol.WriteMessage(conn, &protocol.JobList{Jobs: s.sup.Jobs()})
}

// handleLogs sends a snapshot of buffered entries and, in follow mode,
// keeps streaming until the client disconnects, cancels, or lags too far
// behind.
func (s *Server) handleLogs(conn net.Conn, req *protocol.Logs, logger zerolog.Logger) {
	filter, err := s.sup.ResolveLogFilter(req.Target, req.Stream)
	if err != nil {
		writeError(conn, err)
		return
	}

	var sub *logbuf.Subscription
	if req.Follow {
		// Subscribe before the snapshot; entries landing in between are
		// deduplicated by sequence number below.
		sub = s.buf.Subscribe(filter)
		defer sub.Cancel()
	}

	tail := req.Tail
	if tail <= 0 {
		tail = defaultLogTail
	}

	snapshot := s.buf.Snapshot(filter, tail)

	if err := protocol.WriteMessage(conn, &protocol.LogBatch{Entries: snapshot}); err != nil {
		return
	}

	if sub == nil {
		_ = protocol.WriteMessage(conn, &protocol.LogFollowEnd{})
		return
	}

	seen := make(map[uint64]uint64, len(snapshot))
	for _, entry := range snapshot {
		if entry.Seq > seen[entry.JobID] {
			seen[entry.JobID] = entry.Seq
		}
	}

	gone := watchClient(conn)

	for {
		select {
		case entry, ok := <-sub.C:
			if !ok {
				_ = protocol.WriteMessage(conn, &protocol.LogFollowEnd{Lagged: sub.Lagged()})
				return
			}

			if entry.Seq <= seen[entry.JobID] {
				continue
			}

			if err := protocol.WriteMessage(conn, &protocol.LogBatch{Entries: []protocol.LogEntry{entry}}); err != nil {
				return
			}

		case <-gone:
			logger.Debug().Msg("follow client left")
			return
		}
	}
}

func (s *Server) handlePs(conn net.Conn) {
	var samples []protocol.ProcSample

	for _, job := range s.sup.RunningJobs() {
		sample := protocol.ProcSample{
			JobID: job.ID,
			PID:   job.PID,
			Args:  job.Args,
		}

		if measured, err := s.sampler.Sample(job.PID); err == nil {
			sample.CPUPercent = measured.CPUPercent
			sample.RSSBytes = measured.RSSBytes
			sample.Uptime = measured.Uptime
		}

		samples = append(samples, sample)
	}

	_ = protocol.WriteMessage(conn, &protocol.ProcStats{Samples: samples})
}

func (s *Server) handleSchedule(conn net.Conn, req *protocol.Schedule) {
	var (
		entryID uint64
		err     error
	)

	switch {
	case req.Cron != "":
		entryID, err = s.sup.Scheduler().AddCron(req.Cron, req.Args, req.Group, req.Dir)
	case req.Every > 0:
		entryID, err = s.sup.Scheduler().AddInterval(req.Every, req.Args, req.Group, req.Dir)
	default:
		err = errors.New("schedule needs a cron expression or an interval")
	}

	if err != nil {
		writeError(conn, protocol.NewError(protocol.KindScheduleParseError, err.Error()))
		return
	}

	_ = protocol.WriteMessage(conn, &protocol.Ack{JobID: entryID})
}

// watchClient reads the connection in the background during a streaming
// response. The returned channel closes when the client disconnects or
// sends a cancel frame.
func watchClient(conn net.Conn) <-chan struct{} {
	gone := make(chan struct{})

	go func() {
		defer close(gone)

		for {
			msg, err := protocol.ReadMessage(conn)
			if err != nil {
				return
			}

			if _, ok := msg.(*protocol.Cancel); ok {
				return
			}
		}
	}()

	return gone
}

// writeError maps internal errors onto the wire error kinds.
func writeError(conn net.Conn, err error) {
	var wireErr *protocol.Error
	if errors.As(err, &wireErr) {
		_ = protocol.WriteMessage(conn, wireErr)
		return
	}

	var already registry.AlreadyRunningError
	if errors.As(err, &already) {
		e := protocol.NewError(protocol.KindAlreadyRunning, already.Error())
		e.JobID = already.JobID
		_ = protocol.WriteMessage(conn, e)
		return
	}

	var spawnErr spawn.SpawnError
	if errors.As(err, &spawnErr) {
		_ = protocol.WriteMessage(conn, protocol.NewError(protocol.KindSpawnError, spawnErr.Error()))
		return
	}

	if errors.Is(err, registry.ErrNotFound) {
		_ = protocol.WriteMessage(conn, protocol.NewError(protocol.KindNotFound, err.Error()))
		return
	}

	_ = protocol.WriteMessage(conn, protocol.NewError(protocol.KindProtocolError, err.Error()))
}
