// Package registry holds the process-wide collection of job records,
// indexed by id, by OS pid, and by command identity. The supervisor owns
// all mutations; other components see jobs only as summaries copied out
// under the registry lock.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nixpig/shellcompose/internal/protocol"
)

var ErrNotFound = errors.New("job not found")

// AlreadyRunningError is returned when inserting a service whose command
// identity is already live.
type AlreadyRunningError struct {
	JobID uint64
}

func (e AlreadyRunningError) Error() string {
	return fmt.Sprintf("already running as job %d", e.JobID)
}

// Job is one supervised execution of a command. Fields are mutated only
// through Registry.Update.
type Job struct {
	ID    uint64
	Kind  JobKind
	Group string
	Args  []string
	Dir   string

	State JobState
	PID   int
	PGID  int

	SpawnedAt   time.Time
	LastExitAt  time.Time
	NextRetryAt time.Time

	RestartCount int
	ExitStatus   int

	// StopRequested is set by a stop command to suppress the restart
	// policy when the exit arrives.
	StopRequested bool

	// OpenStreams counts the child's output pipes not yet at EOF. A
	// terminal transition waits for it to reach zero so terminal log
	// entries precede the state change in any client observation.
	OpenStreams int

	// ExitPending holds an exit status that arrived while output streams
	// were still open.
	ExitPending bool
	ExitCode    int
}

// CommandKey is the identity of a command line, used for single-instance
// enforcement and stop-by-command.
func CommandKey(args []string) string {
	return strings.Join(args, "\x1f")
}

// Summary copies the wire-visible fields of a job.
func (j *Job) Summary() protocol.JobSummary {
	s := protocol.JobSummary{
		ID:           j.ID,
		Kind:         j.Kind.String(),
		Group:        j.Group,
		Args:         append([]string(nil), j.Args...),
		State:        j.State.String(),
		RestartCount: j.RestartCount,
		SpawnedAt:    j.SpawnedAt,
		LastExitAt:   j.LastExitAt,
	}

	if j.State == StateRunning {
		s.PID = j.PID
	}

	if j.State == StateBackoff {
		s.NextRetryAt = j.NextRetryAt
	}

	if j.State == StateExitedFail || j.State == StateExitedOK {
		s.ExitStatus = j.ExitStatus
	}

	return s
}

// Registry is the indexed job collection. Job ids are dense, assigned
// once, and never reused within a daemon lifetime.
type Registry struct {
	mu sync.Mutex

	nextID uint64
	byID   map[uint64]*Job
	byPID  map[int]uint64
	byCmd  map[string][]uint64
}

func New() *Registry {
	return &Registry{
		nextID: 1,
		byID:   make(map[uint64]*Job),
		byPID:  make(map[int]uint64),
		byCmd:  make(map[string][]uint64),
	}
}

// Insert allocates an id for job and indexes it. For services it enforces
// the single-instance rule: if another job with the same command identity
// is pending, running, or in backoff, Insert returns AlreadyRunningError
// carrying that job's id.
func (r *Registry) Insert(job *Job) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := CommandKey(job.Args)

	if job.Kind == KindService {
		for _, id := range r.byCmd[key] {
			if existing := r.byID[id]; existing != nil && existing.State.Live() {
				return 0, AlreadyRunningError{JobID: id}
			}
		}
	}

	job.ID = r.nextID
	r.nextID++

	r.byID[job.ID] = job
	r.byCmd[key] = append(r.byCmd[key], job.ID)

	return job.ID, nil
}

// ByID returns a snapshot copy of the job with the given id.
func (r *Registry) ByID(id uint64) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.byID[id]
	if !ok {
		return Job{}, ErrNotFound
	}

	return *job, nil
}

// ByPID returns a snapshot copy of the running job owning pid.
func (r *Registry) ByPID(pid int) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byPID[pid]
	if !ok {
		return Job{}, ErrNotFound
	}

	return *r.byID[id], nil
}

// ByCommand returns snapshot copies of all jobs sharing the command
// identity of args, oldest first.
func (r *Registry) ByCommand(args []string) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	var jobs []Job
	for _, id := range r.byCmd[CommandKey(args)] {
		jobs = append(jobs, *r.byID[id])
	}

	return jobs
}

// List returns summaries of jobs accepted by filter, ascending by id.
// A nil filter accepts every job.
func (r *Registry) List(filter func(*Job) bool) []protocol.JobSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]uint64, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []protocol.JobSummary
	for _, id := range ids {
		job := r.byID[id]
		if filter == nil || filter(job) {
			out = append(out, job.Summary())
		}
	}

	return out
}

// Update applies mutate to the job with the given id under the registry
// lock and re-indexes the pid mapping. The pid index holds exactly the
// jobs in StateRunning.
func (r *Registry) Update(id uint64, mutate func(*Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}

	if job.State == StateRunning {
		delete(r.byPID, job.PID)
	}

	mutate(job)

	if job.State == StateRunning {
		r.byPID[job.PID] = job.ID
	}

	return nil
}

// Remove drops the job and its index entries.
func (r *Registry) Remove(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}

	delete(r.byID, id)

	if job.State == StateRunning {
		delete(r.byPID, job.PID)
	}

	key := CommandKey(job.Args)
	ids := r.byCmd[key]
	for i, jid := range ids {
		if jid == id {
			r.byCmd[key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}

	if len(r.byCmd[key]) == 0 {
		delete(r.byCmd, key)
	}

	return nil
}
