package logbuf_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/nixpig/shellcompose/internal/logbuf"
	"github.com/nixpig/shellcompose/internal/protocol"
)

func appendLines(t *testing.T, buf *logbuf.Buffer, jobID uint64, stream string, lines ...string) {
	t.Helper()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, line := range lines {
		buf.Append(jobID, stream, line, base.Add(time.Duration(i)*time.Millisecond))
	}
}

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	t.Parallel()

	buf := logbuf.New()

	appendLines(t, buf, 1, protocol.StreamOut, "a", "b", "c")
	appendLines(t, buf, 2, protocol.StreamOut, "x")

	entries := buf.Snapshot(logbuf.Filter{JobID: 1}, 0)

	if len(entries) != 3 {
		t.Fatalf("expected entries: got '%d', want '3'", len(entries))
	}

	for i, entry := range entries {
		if entry.Seq != uint64(i+1) {
			t.Errorf("expected seq: got '%d', want '%d'", entry.Seq, i+1)
		}
	}

	other := buf.Snapshot(logbuf.Filter{JobID: 2}, 0)
	if len(other) != 1 || other[0].Seq != 1 {
		t.Errorf("expected job 2 to have its own sequence: got '%+v'", other)
	}
}

func TestSnapshotFiltersAndSorts(t *testing.T) {
	t.Parallel()

	buf := logbuf.New()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Interleave two jobs with out-of-order timestamps across jobs.
	buf.Append(1, protocol.StreamOut, "late", base.Add(50*time.Millisecond))
	buf.Append(2, protocol.StreamErr, "early", base)
	buf.Append(1, protocol.StreamErr, "middle", base.Add(20*time.Millisecond))

	t.Run("Sorted by timestamp ascending", func(t *testing.T) {
		entries := buf.Snapshot(logbuf.Filter{}, 0)

		for i := 1; i < len(entries); i++ {
			if entries[i].Time.Before(entries[i-1].Time) {
				t.Errorf("expected ascending timestamps: got '%v' before '%v'", entries[i].Time, entries[i-1].Time)
			}
		}
	})

	t.Run("Filter by stream", func(t *testing.T) {
		entries := buf.Snapshot(logbuf.Filter{Stream: protocol.StreamErr}, 0)

		if len(entries) != 2 {
			t.Fatalf("expected entries: got '%d', want '2'", len(entries))
		}

		for _, entry := range entries {
			if entry.Stream != protocol.StreamErr {
				t.Errorf("expected stream: got '%s', want '%s'", entry.Stream, protocol.StreamErr)
			}
		}
	})

	t.Run("Filter by job", func(t *testing.T) {
		entries := buf.Snapshot(logbuf.Filter{JobID: 2}, 0)

		if len(entries) != 1 || entries[0].Line != "early" {
			t.Errorf("expected single job 2 entry: got '%+v'", entries)
		}
	})

	t.Run("Tail limits to newest", func(t *testing.T) {
		// Tail counts in insertion order: the newest entry is the last one
		// appended, whatever its timestamp.
		entries := buf.Snapshot(logbuf.Filter{}, 1)

		if len(entries) != 1 || entries[0].Line != "middle" {
			t.Errorf("expected newest entry: got '%+v'", entries)
		}
	})
}

func TestPerJobLineCapEvictsOldest(t *testing.T) {
	t.Parallel()

	buf := logbuf.New(logbuf.WithMaxJobLines(2))

	appendLines(t, buf, 1, protocol.StreamOut, "one", "two", "three")
	appendLines(t, buf, 2, protocol.StreamOut, "untouched")

	entries := buf.Snapshot(logbuf.Filter{JobID: 1}, 0)

	if len(entries) != 2 {
		t.Fatalf("expected entries: got '%d', want '2'", len(entries))
	}

	if entries[0].Line != "two" || entries[1].Line != "three" {
		t.Errorf("expected oldest evicted: got '%+v'", entries)
	}

	if got := len(buf.Snapshot(logbuf.Filter{JobID: 2}, 0)); got != 1 {
		t.Errorf("expected other job untouched: got '%d' entries", got)
	}
}

func TestByteBudgetEvictsGloballyOldest(t *testing.T) {
	t.Parallel()

	buf := logbuf.New(logbuf.WithMaxBytes(10))

	appendLines(t, buf, 1, protocol.StreamOut, "aaaaa")
	appendLines(t, buf, 2, protocol.StreamOut, "bbbbb")
	appendLines(t, buf, 3, protocol.StreamOut, "ccccc")

	entries := buf.Snapshot(logbuf.Filter{}, 0)

	if len(entries) != 2 {
		t.Fatalf("expected entries: got '%d', want '2'", len(entries))
	}

	if entries[0].JobID != 2 || entries[1].JobID != 3 {
		t.Errorf("expected global oldest evicted first: got '%+v'", entries)
	}
}

func TestSubscribeDeliversInInsertionOrder(t *testing.T) {
	t.Parallel()

	buf := logbuf.New()

	sub := buf.Subscribe(logbuf.Filter{JobID: 1})
	defer sub.Cancel()

	appendLines(t, buf, 1, protocol.StreamOut, "a", "b")
	appendLines(t, buf, 2, protocol.StreamOut, "ignored")
	appendLines(t, buf, 1, protocol.StreamErr, "c")

	want := []string{"a", "b", "c"}

	for _, wantLine := range want {
		select {
		case entry := <-sub.C:
			if entry.Line != wantLine {
				t.Errorf("expected line: got '%s', want '%s'", entry.Line, wantLine)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected entry '%s' to be delivered", wantLine)
		}
	}
}

func TestSlowSubscriberIsDroppedWithLag(t *testing.T) {
	t.Parallel()

	buf := logbuf.New()

	sub := buf.Subscribe(logbuf.Filter{})

	// Never read: overflow the subscriber buffer.
	for i := 0; i < 300; i++ {
		buf.Append(1, protocol.StreamOut, fmt.Sprintf("line %d", i), time.Now())
	}

	// Drain until closed.
	closed := false
	for !closed {
		select {
		case _, ok := <-sub.C:
			if !ok {
				closed = true
			}
		case <-time.After(time.Second):
			t.Fatal("expected subscription channel to close")
		}
	}

	if !sub.Lagged() {
		t.Error("expected subscription to report lag")
	}

	if got := buf.SubscriberCount(); got != 0 {
		t.Errorf("expected subscriber count: got '%d', want '0'", got)
	}
}

func TestCancelReleasesSubscription(t *testing.T) {
	t.Parallel()

	buf := logbuf.New()

	sub := buf.Subscribe(logbuf.Filter{})

	if got := buf.SubscriberCount(); got != 1 {
		t.Fatalf("expected subscriber count: got '%d', want '1'", got)
	}

	sub.Cancel()
	sub.Cancel() // safe to repeat

	if got := buf.SubscriberCount(); got != 0 {
		t.Errorf("expected subscriber count: got '%d', want '0'", got)
	}

	if _, ok := <-sub.C; ok {
		t.Error("expected channel to be closed after cancel")
	}
}
