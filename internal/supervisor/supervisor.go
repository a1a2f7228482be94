// Package supervisor implements the daemon's job state machine: a single
// event loop that owns the registry, spawns and reaps children, applies
// restart policies, and serves client operations submitted by IPC
// sessions. All registry mutations happen on the loop goroutine.
package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/nixpig/shellcompose/internal/logbuf"
	"github.com/nixpig/shellcompose/internal/metrics"
	"github.com/nixpig/shellcompose/internal/protocol"
	"github.com/nixpig/shellcompose/internal/registry"
	"github.com/nixpig/shellcompose/internal/sched"
	"github.com/nixpig/shellcompose/internal/spawn"
)

const (
	// eventBacklog bounds the client lane; producers block when the loop
	// falls behind.
	eventBacklog = 64

	// prioBacklog bounds the lane for child waiters, pumps, timers, and
	// the scheduler. Sized so those producers effectively never block.
	prioBacklog = 256
)

// Supervisor is the single mutator of the job registry.
type Supervisor struct {
	registry *registry.Registry
	buf      *logbuf.Buffer
	spawner  spawn.Spawner
	sched    *sched.Scheduler
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	events chan any
	prio   chan any

	// pids maps live child pids to job ids until their exit is reaped.
	// Unlike the registry's pid index it survives the running->stopped
	// transition so the exit of a stopping child still finds its job.
	pids map[int]uint64

	// timers holds armed backoff timers by job id.
	timers map[uint64]*time.Timer

	// waiters holds exit subscriptions for submitted one-shot commands.
	waiters map[uint64][]chan protocol.JobExit

	// done is closed when the loop exits so submissions from lingering
	// sessions fail instead of blocking.
	done chan struct{}

	grace  time.Duration
	jitter func() float64
	now    func() time.Time
}

// Option overrides a Supervisor default, used by tests.
type Option func(*Supervisor)

func WithGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.grace = d }
}

func WithJitter(fn func() float64) Option {
	return func(s *Supervisor) { s.jitter = fn }
}

func WithNow(fn func() time.Time) Option {
	return func(s *Supervisor) { s.now = fn }
}

func New(
	reg *registry.Registry,
	buf *logbuf.Buffer,
	spawner spawn.Spawner,
	m *metrics.Metrics,
	logger zerolog.Logger,
	opts ...Option,
) *Supervisor {
	s := &Supervisor{
		registry: reg,
		buf:      buf,
		spawner:  spawner,
		metrics:  m,
		logger:   logger.With().Str("component", "supervisor").Logger(),
		events:   make(chan any, eventBacklog),
		prio:     make(chan any, prioBacklog),
		pids:     make(map[int]uint64),
		timers:   make(map[uint64]*time.Timer),
		waiters:  make(map[uint64][]chan protocol.JobExit),
		done:     make(chan struct{}),
		grace:    spawn.GraceTimeout,
		jitter:   defaultJitter,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// AttachScheduler wires the scheduler whose fires this supervisor
// consumes. Must be called before Run.
func (s *Supervisor) AttachScheduler(sc *sched.Scheduler) {
	s.sched = sc
}

// Scheduler returns the attached scheduler.
func (s *Supervisor) Scheduler() *sched.Scheduler {
	return s.sched
}

// EmitFire enqueues a scheduler fire on the priority lane. It never
// blocks the scheduler tick; a fire that cannot be enqueued is dropped
// and the entry re-fires on schedule.
func (s *Supervisor) EmitFire(fire sched.Fire) {
	select {
	case s.prio <- fireEvent{fire: fire}:
	default:
		s.logger.Warn().Uint64("entry", fire.EntryID).Msg("event backlog full, dropping scheduler fire")
	}
}

// Run consumes events until ctx is cancelled, then stops every live job
// and drains their exits.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info().Msg("supervisor started")

	defer close(s.done)

	for {
		// Drain the priority lane first so exits, stream closures, and
		// fires are never starved by client traffic.
		select {
		case ev := <-s.prio:
			s.handle(ev)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case ev := <-s.prio:
			s.handle(ev)
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Supervisor) handle(ev any) {
	switch ev := ev.(type) {
	case requestEvent:
		ev.apply()
		close(ev.done)
	case childExitEvent:
		s.handleChildExit(ev.pid, ev.status)
	case streamClosedEvent:
		s.handleStreamClosed(ev.jobID)
	case backoffEvent:
		s.handleBackoffFire(ev.jobID)
	case fireEvent:
		s.handleSchedulerFire(ev.fire)
	default:
		s.logger.Error().Msgf("unhandled event %T", ev)
	}
}

// do runs fn on the loop goroutine and waits for it to complete. After
// the loop has exited, fn is not run.
func (s *Supervisor) do(fn func()) {
	ev := requestEvent{apply: fn, done: make(chan struct{})}

	select {
	case s.events <- ev:
	case <-s.done:
		return
	}

	select {
	case <-ev.done:
	case <-s.done:
	}
}

// SubmitRun inserts and spawns a one-shot command. The returned channel
// delivers the job's terminal exit exactly once.
func (s *Supervisor) SubmitRun(args []string, dir string) (uint64, <-chan protocol.JobExit, error) {
	var (
		id  uint64
		err error
	)

	exitCh := make(chan protocol.JobExit, 1)

	s.do(func() {
		job := &registry.Job{Kind: registry.KindCommand, Args: args, Dir: dir, State: registry.StatePending}

		id, err = s.registry.Insert(job)
		if err != nil {
			return
		}

		s.waiters[id] = append(s.waiters[id], exitCh)
		err = s.spawnJob(id)
	})

	return id, exitCh, err
}

// SubmitService inserts and spawns a service. Inserting a service whose
// command is already live fails with registry.AlreadyRunningError.
func (s *Supervisor) SubmitService(args []string, group, dir string) (uint64, error) {
	var (
		id  uint64
		err error
	)

	s.do(func() {
		job := &registry.Job{Kind: registry.KindService, Group: group, Args: args, Dir: dir, State: registry.StatePending}

		id, err = s.registry.Insert(job)
		if err != nil {
			return
		}

		err = s.spawnJob(id)
	})

	return id, err
}

// StopJob stops the job with the given id: terminates a running child's
// whole group, cancels a pending backoff retry, and suppresses any
// respawn. Stopping a terminal job is a no-op.
func (s *Supervisor) StopJob(id uint64) error {
	var err error

	s.do(func() {
		err = s.stopJob(id)
	})

	return err
}

// StopCommand stops every live job whose command identity matches args.
// Returns the stopped job ids.
func (s *Supervisor) StopCommand(args []string) ([]uint64, error) {
	var stopped []uint64

	s.do(func() {
		for _, job := range s.registry.ByCommand(args) {
			if job.State.Live() {
				if err := s.stopJob(job.ID); err == nil {
					stopped = append(stopped, job.ID)
				}
			}
		}
	})

	if len(stopped) == 0 {
		return nil, registry.ErrNotFound
	}

	return stopped, nil
}

// StopGroup stops every live job tagged with group. Returns the stopped
// job ids; an unknown group stops nothing and returns no error.
func (s *Supervisor) StopGroup(group string) []uint64 {
	var stopped []uint64

	s.do(func() {
		for _, summary := range s.registry.List(func(j *registry.Job) bool {
			return j.Group == group && j.State.Live()
		}) {
			if err := s.stopJob(summary.ID); err == nil {
				stopped = append(stopped, summary.ID)
			}
		}
	})

	return stopped
}

// Jobs returns a registry snapshot taken on the loop goroutine, so a
// listing never observes a half-applied transition.
func (s *Supervisor) Jobs() []protocol.JobSummary {
	var out []protocol.JobSummary

	s.do(func() {
		out = s.registry.List(nil)
	})

	return out
}

// RunningJobs returns copies of all jobs currently in the running state.
func (s *Supervisor) RunningJobs() []registry.Job {
	var out []registry.Job

	s.do(func() {
		for _, summary := range s.registry.List(func(j *registry.Job) bool {
			return j.State == registry.StateRunning
		}) {
			if job, err := s.registry.ByID(summary.ID); err == nil {
				out = append(out, job)
			}
		}
	})

	return out
}

// ResolveLogFilter maps a logs target — empty, a job id, or a
// service/recipe name — to a buffer filter. Name targets resolve to the
// newest matching job.
func (s *Supervisor) ResolveLogFilter(target, stream string) (logbuf.Filter, error) {
	if stream != "" && stream != protocol.StreamOut && stream != protocol.StreamErr {
		return logbuf.Filter{}, fmt.Errorf("unknown stream %q", stream)
	}

	filter := logbuf.Filter{Stream: stream}

	if target == "" {
		return filter, nil
	}

	var err error

	s.do(func() {
		if id, convErr := strconv.ParseUint(target, 10, 64); convErr == nil {
			if _, lookupErr := s.registry.ByID(id); lookupErr != nil {
				err = lookupErr
				return
			}

			filter.JobID = id
			return
		}

		var newest uint64
		for _, summary := range s.registry.List(func(j *registry.Job) bool {
			return jobMatchesName(j, target)
		}) {
			if summary.ID > newest {
				newest = summary.ID
			}
		}

		if newest == 0 {
			err = registry.ErrNotFound
			return
		}

		filter.JobID = newest
	})

	return filter, err
}

func jobMatchesName(j *registry.Job, name string) bool {
	if j.Group == name {
		return true
	}

	if len(j.Args) > 0 && j.Args[0] == name {
		return true
	}

	// Services started from recipes run as `just NAME`.
	return len(j.Args) > 1 && j.Args[0] == "just" && j.Args[1] == name
}

// spawnJob launches the child for a pending job record and transitions it
// to running. Runs on the loop goroutine.
func (s *Supervisor) spawnJob(id uint64) error {
	job, err := s.registry.ByID(id)
	if err != nil {
		return err
	}

	handle, err := s.spawner.Spawn(job.Args, job.Dir, nil)
	if err != nil {
		now := s.now()

		s.logger.Error().Uint64("job", id).Strs("args", job.Args).Err(err).Msg("spawn failed")
		s.metrics.SpawnFailures.Inc()
		s.buf.Append(id, protocol.StreamErr, fmt.Sprintf("spawn failed: %v", err), now)

		_ = s.registry.Update(id, func(j *registry.Job) {
			j.State = registry.StateExitedFail
			j.SpawnedAt = now
			j.LastExitAt = now
			j.ExitStatus = -1
			j.OpenStreams = 0
		})

		s.applyRestartPolicy(id)

		return err
	}

	_ = s.registry.Update(id, func(j *registry.Job) {
		j.State = registry.StateRunning
		j.PID = handle.PID
		j.PGID = handle.PGID
		j.SpawnedAt = s.now()
		j.OpenStreams = 2
		j.ExitPending = false
	})

	s.pids[handle.PID] = id
	s.metrics.JobsRunning.Inc()

	s.logger.Info().Uint64("job", id).Int("pid", handle.PID).Strs("args", job.Args).Msg("spawned")

	go spawn.Pump(id, protocol.StreamOut, handle.Stdout, s.buf, func() {
		s.prio <- streamClosedEvent{jobID: id, stream: protocol.StreamOut}
	})

	go spawn.Pump(id, protocol.StreamErr, handle.Stderr, s.buf, func() {
		s.prio <- streamClosedEvent{jobID: id, stream: protocol.StreamErr}
	})

	go func() {
		status := handle.Wait()
		s.prio <- childExitEvent{pid: handle.PID, status: status}
	}()

	return nil
}

func (s *Supervisor) handleChildExit(pid, status int) {
	id, ok := s.pids[pid]
	if !ok {
		s.logger.Warn().Int("pid", pid).Msg("exit for unknown pid")
		return
	}

	delete(s.pids, pid)

	job, err := s.registry.ByID(id)
	if err != nil {
		return
	}

	s.metrics.JobsRunning.Dec()
	s.logger.Info().Uint64("job", id).Int("pid", pid).Int("status", status).Msg("child exited")

	if job.State != registry.StateRunning && job.State != registry.StateStopped {
		// Exit collected for a job no longer tracked as alive.
		_ = s.registry.Update(id, func(j *registry.Job) {
			j.State = registry.StateReaped
			j.LastExitAt = s.now()
		})
		return
	}

	_ = s.registry.Update(id, func(j *registry.Job) {
		j.LastExitAt = s.now()
		j.ExitStatus = status
		j.ExitPending = true
	})

	job, _ = s.registry.ByID(id)
	if job.OpenStreams == 0 {
		s.finalizeExit(id)
	}
}

func (s *Supervisor) handleStreamClosed(id uint64) {
	job, err := s.registry.ByID(id)
	if err != nil {
		return
	}

	if job.OpenStreams == 0 {
		return
	}

	_ = s.registry.Update(id, func(j *registry.Job) {
		j.OpenStreams--
	})

	job, _ = s.registry.ByID(id)
	if job.OpenStreams == 0 && job.ExitPending {
		s.finalizeExit(id)
	}
}

// finalizeExit runs once both output streams have closed and the exit
// status has been reaped, so the job's terminal log entries precede the
// terminal state transition in any client observation.
func (s *Supervisor) finalizeExit(id uint64) {
	job, err := s.registry.ByID(id)
	if err != nil {
		return
	}

	status := job.ExitStatus
	exitOK := status == 0

	if job.State == registry.StateStopped || job.StopRequested {
		_ = s.registry.Update(id, func(j *registry.Job) {
			j.State = registry.StateStopped
			j.ExitPending = false
		})

		s.notifyExit(id, status)
		return
	}

	newState := registry.StateExitedOK
	if !exitOK {
		newState = registry.StateExitedFail
	}

	_ = s.registry.Update(id, func(j *registry.Job) {
		j.State = newState
		j.ExitPending = false
	})

	s.applyRestartPolicy(id)
}

// applyRestartPolicy inspects a job that has just reached exited-ok or
// exited-fail and either respawns it (immediately or after backoff) or
// leaves it terminal and notifies exit waiters.
func (s *Supervisor) applyRestartPolicy(id uint64) {
	job, err := s.registry.ByID(id)
	if err != nil {
		return
	}

	exitOK := job.State == registry.StateExitedOK
	uptime := job.LastExitAt.Sub(job.SpawnedAt)
	if job.SpawnedAt.IsZero() {
		uptime = 0
	}

	decision := decideRestart(job.Kind, exitOK, uptime)

	if decision.ResetCount && job.RestartCount > 0 {
		_ = s.registry.Update(id, func(j *registry.Job) {
			j.RestartCount = 0
		})
		job.RestartCount = 0
	}

	if !decision.Respawn {
		s.notifyExit(id, job.ExitStatus)
		return
	}

	if !decision.Backoff {
		s.logger.Info().Uint64("job", id).Msg("restarting service")
		s.metrics.Restarts.WithLabelValues(job.Kind.String()).Inc()

		_ = s.registry.Update(id, func(j *registry.Job) {
			j.State = registry.StatePending
		})

		_ = s.spawnJob(id)
		return
	}

	delay := backoffDelay(job.RestartCount, s.jitter)
	retryAt := s.now().Add(delay)

	s.logger.Info().
		Uint64("job", id).
		Int("restart_count", job.RestartCount).
		Dur("delay", delay).
		Msg("service failed, backing off")

	_ = s.registry.Update(id, func(j *registry.Job) {
		j.State = registry.StateBackoff
		j.NextRetryAt = retryAt
		j.RestartCount++
	})

	s.timers[id] = time.AfterFunc(delay, func() {
		s.prio <- backoffEvent{jobID: id}
	})
}

func (s *Supervisor) handleBackoffFire(id uint64) {
	delete(s.timers, id)

	job, err := s.registry.ByID(id)
	if err != nil || job.State != registry.StateBackoff {
		return
	}

	s.metrics.Restarts.WithLabelValues(job.Kind.String()).Inc()

	_ = s.registry.Update(id, func(j *registry.Job) {
		j.State = registry.StatePending
		j.NextRetryAt = time.Time{}
	})

	_ = s.spawnJob(id)
}

func (s *Supervisor) handleSchedulerFire(fire sched.Fire) {
	kind := registry.KindCron
	if fire.Interval {
		kind = registry.KindInterval
	}

	job := &registry.Job{
		Kind:  kind,
		Group: fire.Group,
		Args:  fire.Args,
		Dir:   fire.Dir,
		State: registry.StatePending,
	}

	id, err := s.registry.Insert(job)
	if err != nil {
		s.logger.Error().Err(err).Msg("insert scheduled job")
		return
	}

	s.metrics.SchedulerFires.Inc()

	_ = s.spawnJob(id)
}

func (s *Supervisor) stopJob(id uint64) error {
	job, err := s.registry.ByID(id)
	if err != nil {
		return err
	}

	switch job.State {
	case registry.StateRunning:
		_ = s.registry.Update(id, func(j *registry.Job) {
			j.State = registry.StateStopped
			j.StopRequested = true
		})

		s.logger.Info().Uint64("job", id).Int("pgid", job.PGID).Msg("terminating process group")

		// Terminate blocks up to the grace timeout; keep it off the loop.
		go s.spawner.Terminate(job.PGID, s.grace)

	case registry.StateBackoff:
		if timer, ok := s.timers[id]; ok {
			timer.Stop()
			delete(s.timers, id)
		}

		_ = s.registry.Update(id, func(j *registry.Job) {
			j.State = registry.StateStopped
			j.StopRequested = true
			j.NextRetryAt = time.Time{}
		})

		s.notifyExit(id, job.ExitStatus)

	case registry.StatePending:
		_ = s.registry.Update(id, func(j *registry.Job) {
			j.State = registry.StateStopped
			j.StopRequested = true
		})

		s.notifyExit(id, job.ExitStatus)
	}

	return nil
}

func (s *Supervisor) notifyExit(id uint64, status int) {
	for _, ch := range s.waiters[id] {
		select {
		case ch <- protocol.JobExit{JobID: id, ExitCode: status}:
		default:
		}
	}

	delete(s.waiters, id)
}

// shutdown stops every live job and drains exits until all children are
// reaped or the grace window passes.
func (s *Supervisor) shutdown() {
	s.logger.Info().Msg("supervisor shutting down")

	for _, summary := range s.registry.List(func(j *registry.Job) bool {
		return j.State.Live()
	}) {
		_ = s.stopJob(summary.ID)
	}

	deadline := time.NewTimer(s.grace + time.Second)
	defer deadline.Stop()

	for len(s.pids) > 0 {
		select {
		case ev := <-s.prio:
			s.handle(ev)
		case <-deadline.C:
			s.logger.Warn().Int("children", len(s.pids)).Msg("shutdown drain timed out")
			return
		}
	}
}
