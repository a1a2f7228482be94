package spawn_test

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/nixpig/shellcompose/internal/logbuf"
	"github.com/nixpig/shellcompose/internal/protocol"
	"github.com/nixpig/shellcompose/internal/spawn"
)

func runPump(t *testing.T, input string) (*logbuf.Buffer, []protocol.LogEntry) {
	t.Helper()

	buf := logbuf.New()

	closed := make(chan struct{})

	go spawn.Pump(1, protocol.StreamOut, io.NopCloser(strings.NewReader(input)), buf, func() {
		close(closed)
	})

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("expected pump to signal stream closed")
	}

	return buf, buf.Snapshot(logbuf.Filter{JobID: 1}, 0)
}

func TestPumpSplitsLines(t *testing.T) {
	t.Parallel()

	_, entries := runPump(t, "first\nsecond\r\nthird")

	want := []string{"first", "second", "third"}

	if len(entries) != len(want) {
		t.Fatalf("expected entries: got '%d', want '%d'", len(entries), len(want))
	}

	for i, entry := range entries {
		if entry.Line != want[i] {
			t.Errorf("expected line: got '%s', want '%s'", entry.Line, want[i])
		}

		if entry.Stream != protocol.StreamOut {
			t.Errorf("expected stream: got '%s', want '%s'", entry.Stream, protocol.StreamOut)
		}
	}
}

func TestPumpEmitsTrailingPartialLine(t *testing.T) {
	t.Parallel()

	_, entries := runPump(t, "no newline at end")

	if len(entries) != 1 || entries[0].Line != "no newline at end" {
		t.Errorf("expected trailing line: got '%+v'", entries)
	}
}

func TestPumpSplitsOverlongLines(t *testing.T) {
	t.Parallel()

	line := strings.Repeat("x", spawn.MaxLineLen+100)

	_, entries := runPump(t, line+"\n")

	if len(entries) != 2 {
		t.Fatalf("expected entries: got '%d', want '2'", len(entries))
	}

	if len(entries[0].Line) != spawn.MaxLineLen {
		t.Errorf("expected first chunk length: got '%d', want '%d'", len(entries[0].Line), spawn.MaxLineLen)
	}

	if entries[0].Line+entries[1].Line != line {
		t.Error("expected chunks to reassemble the original line")
	}
}

func TestPumpReplacesInvalidUTF8PerByte(t *testing.T) {
	t.Parallel()

	_, entries := runPump(t, "ab\xff\xfecd\n")

	if len(entries) != 1 {
		t.Fatalf("expected entries: got '%d', want '1'", len(entries))
	}

	want := "ab��cd"
	if entries[0].Line != want {
		t.Errorf("expected sanitized line: got '%q', want '%q'", entries[0].Line, want)
	}
}

func TestPumpKeepsValidMultibyteRunes(t *testing.T) {
	t.Parallel()

	_, entries := runPump(t, "héllo wörld\n")

	if len(entries) != 1 || entries[0].Line != "héllo wörld" {
		t.Errorf("expected unchanged line: got '%+v'", entries)
	}
}

func TestPumpTimestampsAreUTCMilliseconds(t *testing.T) {
	t.Parallel()

	_, entries := runPump(t, "tick\n")

	if len(entries) != 1 {
		t.Fatalf("expected entries: got '%d', want '1'", len(entries))
	}

	ts := entries[0].Time

	if ts.Location() != time.UTC {
		t.Errorf("expected UTC timestamp: got '%v'", ts.Location())
	}

	if ts.Nanosecond()%int(time.Millisecond) != 0 {
		t.Errorf("expected millisecond resolution: got '%d' ns", ts.Nanosecond())
	}
}
