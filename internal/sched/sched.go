// Package sched drives cron and interval entries. A ticker goroutine
// wakes twice a second, fires every due entry once, and advances it to
// the strictly-next fire time past now — a fire missed by more than one
// period resynchronizes instead of catching up.
package sched

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TickInterval is the scheduler wakeup period.
const TickInterval = 500 * time.Millisecond

// Fire is a spawn request emitted for a due entry.
type Fire struct {
	EntryID  uint64
	Args     []string
	Group    string
	Dir      string
	Interval bool
}

// Entry is one registered schedule. Firing creates a new job but does not
// consume the entry; entries live until removed or daemon exit.
type Entry struct {
	ID    uint64
	Args  []string
	Group string
	Dir   string

	Cron  *CronSchedule
	Every time.Duration

	NextFireAt time.Time
}

// Scheduler holds the entries and emits Fires to the supervisor. The emit
// function must not block; the supervisor gives it a dedicated lane.
type Scheduler struct {
	mu      sync.Mutex
	entries map[uint64]*Entry
	nextID  uint64

	emit   func(Fire)
	logger zerolog.Logger

	now func() time.Time
}

func New(emit func(Fire), logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		entries: make(map[uint64]*Entry),
		nextID:  1,
		emit:    emit,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		now:     time.Now,
	}
}

// AddCron registers a cron entry and returns its id.
func (s *Scheduler) AddCron(expr string, args []string, group, dir string) (uint64, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	s.entries[id] = &Entry{
		ID:         id,
		Args:       args,
		Group:      group,
		Dir:        dir,
		Cron:       schedule,
		NextFireAt: schedule.Next(s.now()),
	}

	s.logger.Info().Uint64("entry", id).Str("cron", expr).Strs("args", args).Msg("cron entry added")

	return id, nil
}

// AddInterval registers an interval entry and returns its id. The first
// fire is one full interval from now.
func (s *Scheduler) AddInterval(every time.Duration, args []string, group, dir string) (uint64, error) {
	if every <= 0 {
		return 0, &IntervalError{Every: every}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	s.entries[id] = &Entry{
		ID:         id,
		Args:       args,
		Group:      group,
		Dir:        dir,
		Every:      every,
		NextFireAt: s.now().Add(every),
	}

	s.logger.Info().Uint64("entry", id).Dur("every", every).Strs("args", args).Msg("interval entry added")

	return id, nil
}

// Remove destroys the entry with the given id. It reports whether the
// entry existed.
func (s *Scheduler) Remove(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return false
	}

	delete(s.entries, id)
	s.logger.Info().Uint64("entry", id).Msg("entry removed")

	return true
}

// RemoveByCommand destroys every entry whose args satisfy match. Returns
// the removed entry ids in ascending order.
func (s *Scheduler) RemoveByCommand(match func(args []string) bool) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []uint64
	for id, e := range s.entries {
		if match(e.Args) {
			delete(s.entries, id)
			removed = append(removed, id)
		}
	}

	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })

	for _, id := range removed {
		s.logger.Info().Uint64("entry", id).Msg("entry removed")
	}

	return removed
}

// Entries returns a snapshot of registered entries ascending by id.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick fires every due entry once, ascending by entry id, and advances
// its next fire time strictly past now.
func (s *Scheduler) tick() {
	now := s.now()

	s.mu.Lock()

	due := make([]*Entry, 0)
	for _, e := range s.entries {
		if !e.NextFireAt.IsZero() && !e.NextFireAt.After(now) {
			due = append(due, e)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })

	fires := make([]Fire, 0, len(due))

	for _, e := range due {
		fires = append(fires, Fire{
			EntryID:  e.ID,
			Args:     append([]string(nil), e.Args...),
			Group:    e.Group,
			Dir:      e.Dir,
			Interval: e.Every > 0,
		})

		if e.Cron != nil {
			e.NextFireAt = e.Cron.Next(now)
		} else {
			e.NextFireAt = now.Add(e.Every)
		}
	}

	s.mu.Unlock()

	for _, fire := range fires {
		s.logger.Debug().Uint64("entry", fire.EntryID).Msg("entry due")
		s.emit(fire)
	}
}

// IntervalError reports a non-positive interval duration.
type IntervalError struct {
	Every time.Duration
}

func (e *IntervalError) Error() string {
	return "interval must be positive"
}
