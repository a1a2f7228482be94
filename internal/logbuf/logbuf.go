// Package logbuf provides the bounded in-memory buffer of captured job
// output. Producers (output pumps) append entries; consumers take
// snapshots or subscribe to future entries. Entries are globally ordered
// by insertion and bounded by both a per-job line cap and a total byte
// budget, oldest first.
package logbuf

import (
	"sort"
	"sync"
	"time"

	"github.com/nixpig/shellcompose/internal/protocol"
)

const (
	// DefaultMaxJobLines caps buffered lines per job.
	DefaultMaxJobLines = 200

	// DefaultMaxBytes caps the total payload bytes held across all jobs.
	DefaultMaxBytes = 1 << 20

	// subscriberBuffer is how far a follow subscriber may fall behind
	// before it is dropped with a lagged signal. Producers never block on
	// slow subscribers.
	subscriberBuffer = 256
)

// Filter selects entries by job and stream. The zero value matches
// everything.
type Filter struct {
	JobID  uint64 // 0 matches any job
	Stream string // "" matches both streams
}

func (f Filter) matches(e protocol.LogEntry) bool {
	if f.JobID != 0 && e.JobID != f.JobID {
		return false
	}

	if f.Stream != "" && e.Stream != f.Stream {
		return false
	}

	return true
}

// Subscription is a live feed of future entries. Entries arrive on C in
// insertion order. C is closed when the subscription is cancelled or the
// subscriber lagged too far behind; check Lagged after C closes.
type Subscription struct {
	C <-chan protocol.LogEntry

	c      chan protocol.LogEntry
	filter Filter
	buf    *Buffer

	once   sync.Once
	lagged bool
}

// Lagged reports whether the subscription was dropped for falling behind.
// Only meaningful after C is closed.
func (s *Subscription) Lagged() bool {
	s.buf.mu.Lock()
	defer s.buf.mu.Unlock()

	return s.lagged
}

// Cancel releases the subscription. Safe to call more than once and
// concurrently with Buffer.Append.
func (s *Subscription) Cancel() {
	s.buf.mu.Lock()
	defer s.buf.mu.Unlock()

	s.buf.removeLocked(s)
}

// Buffer is the shared multi-producer multi-consumer log store.
type Buffer struct {
	mu sync.Mutex

	entries    []protocol.LogEntry
	totalBytes int
	jobLines   map[uint64]int
	jobSeq     map[uint64]uint64

	maxJobLines int
	maxBytes    int

	subs map[*Subscription]struct{}

	// onAppend and onEvict feed the metrics counters; either may be nil.
	onAppend func()
	onEvict  func(n int)
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithMaxJobLines overrides the per-job line cap.
func WithMaxJobLines(n int) Option {
	return func(b *Buffer) { b.maxJobLines = n }
}

// WithMaxBytes overrides the total byte budget.
func WithMaxBytes(n int) Option {
	return func(b *Buffer) { b.maxBytes = n }
}

// WithAppendFunc registers a callback invoked after every append.
func WithAppendFunc(fn func()) Option {
	return func(b *Buffer) { b.onAppend = fn }
}

// WithEvictFunc registers a callback invoked with the count of entries
// evicted by an append.
func WithEvictFunc(fn func(n int)) Option {
	return func(b *Buffer) { b.onEvict = fn }
}

// New creates an empty Buffer with the default bounds.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		jobLines:    make(map[uint64]int),
		jobSeq:      make(map[uint64]uint64),
		maxJobLines: DefaultMaxJobLines,
		maxBytes:    DefaultMaxBytes,
		subs:        make(map[*Subscription]struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Append stores one line of output for jobID and fans it out to matching
// subscribers. The entry's sequence number is assigned here, monotonic
// per job. ts is truncated to millisecond resolution in UTC.
func (b *Buffer) Append(jobID uint64, stream, line string, ts time.Time) protocol.LogEntry {
	b.mu.Lock()

	b.jobSeq[jobID]++

	entry := protocol.LogEntry{
		JobID:  jobID,
		Seq:    b.jobSeq[jobID],
		Time:   ts.UTC().Truncate(time.Millisecond),
		Stream: stream,
		Line:   line,
	}

	b.entries = append(b.entries, entry)
	b.jobLines[jobID]++
	b.totalBytes += len(line)

	evicted := b.evictLocked(jobID)

	var dropped []*Subscription

	for sub := range b.subs {
		if !sub.filter.matches(entry) {
			continue
		}

		select {
		case sub.c <- entry:
		default:
			sub.lagged = true
			dropped = append(dropped, sub)
		}
	}

	for _, sub := range dropped {
		b.removeLocked(sub)
	}

	b.mu.Unlock()

	if b.onAppend != nil {
		b.onAppend()
	}

	if evicted > 0 && b.onEvict != nil {
		b.onEvict(evicted)
	}

	return entry
}

// evictLocked enforces the per-job cap for jobID and the global byte
// budget. Returns the number of entries removed.
func (b *Buffer) evictLocked(jobID uint64) int {
	evicted := 0

	for b.jobLines[jobID] > b.maxJobLines {
		for i, e := range b.entries {
			if e.JobID == jobID {
				b.dropLocked(i)
				evicted++
				break
			}
		}
	}

	for b.totalBytes > b.maxBytes && len(b.entries) > 0 {
		b.dropLocked(0)
		evicted++
	}

	return evicted
}

func (b *Buffer) dropLocked(i int) {
	e := b.entries[i]
	b.totalBytes -= len(e.Line)
	b.jobLines[e.JobID]--

	if b.jobLines[e.JobID] == 0 {
		delete(b.jobLines, e.JobID)
	}

	b.entries = append(b.entries[:i], b.entries[i+1:]...)
}

// Snapshot returns the last tail matching entries in insertion order,
// then sorts them by timestamp ascending. tail <= 0 returns all matching
// entries.
func (b *Buffer) Snapshot(f Filter, tail int) []protocol.LogEntry {
	b.mu.Lock()

	var matched []protocol.LogEntry
	for _, e := range b.entries {
		if f.matches(e) {
			matched = append(matched, e)
		}
	}

	b.mu.Unlock()

	if tail > 0 && len(matched) > tail {
		matched = matched[len(matched)-tail:]
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Time.Before(matched[j].Time)
	})

	return matched
}

// Subscribe registers a follow subscriber for future entries matching f.
func (b *Buffer) Subscribe(f Filter) *Subscription {
	sub := &Subscription{
		c:      make(chan protocol.LogEntry, subscriberBuffer),
		filter: f,
		buf:    b,
	}
	sub.C = sub.c

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// SubscriberCount returns the number of live subscriptions.
func (b *Buffer) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}

func (b *Buffer) removeLocked(sub *Subscription) {
	if _, ok := b.subs[sub]; !ok {
		return
	}

	delete(b.subs, sub)
	sub.once.Do(func() { close(sub.c) })
}
