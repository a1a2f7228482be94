package protocol_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/nixpig/shellcompose/internal/protocol"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	scenarios := map[string][]byte{
		"Empty payload": {},
		"Small payload": []byte("hello"),
		"Binary bytes":  {0x00, 0xff, 0x7f, 0x0a},
	}

	for scenario, payload := range scenarios {
		scenario, payload := scenario, payload
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer

			if err := protocol.WriteFrame(&buf, payload); err != nil {
				t.Fatalf("expected not to receive error: got '%v'", err)
			}

			got, err := protocol.ReadFrame(&buf)
			if err != nil {
				t.Fatalf("expected not to receive error: got '%v'", err)
			}

			if string(got) != string(payload) {
				t.Errorf("expected payload: got '%q', want '%q'", got, payload)
			}
		})
	}
}

func TestFrameRejectsOversizedLength(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], protocol.MaxFrameSize+1)
	buf.Write(header[:])

	_, err := protocol.ReadFrame(&buf)

	var wireErr *protocol.Error
	if !errors.As(err, &wireErr) || wireErr.Kind != protocol.KindProtocolError {
		t.Errorf("expected protocol error: got '%v'", err)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 6, 1, 12, 0, 0, 123e6, time.UTC)

	scenarios := map[string]any{
		"Hello":    &protocol.Hello{Version: protocol.Version},
		"Run":      &protocol.Run{Args: []string{"sh", "-c", "echo hi"}, Dir: "/tmp"},
		"Start":    &protocol.Start{Name: "webserver"},
		"Stop":     &protocol.Stop{JobID: 7},
		"Logs":     &protocol.Logs{Follow: true, Target: "3", Stream: protocol.StreamErr},
		"Schedule": &protocol.Schedule{Cron: "*/2 * * * * *", Args: []string{"date"}},
		"Ack":      &protocol.Ack{JobID: 42},
		"LogBatch": &protocol.LogBatch{Entries: []protocol.LogEntry{
			{JobID: 1, Seq: 9, Time: ts, Stream: protocol.StreamOut, Line: "hello"},
		}},
		"JobExit": &protocol.JobExit{JobID: 1, ExitCode: 3},
		"Error":   &protocol.Error{Kind: protocol.KindAlreadyRunning, Message: "already running as job 2", JobID: 2},
	}

	for scenario, msg := range scenarios {
		scenario, msg := scenario, msg
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer

			if err := protocol.WriteMessage(&buf, msg); err != nil {
				t.Fatalf("expected not to receive error: got '%v'", err)
			}

			got, err := protocol.ReadMessage(&buf)
			if err != nil {
				t.Fatalf("expected not to receive error: got '%v'", err)
			}

			switch want := msg.(type) {
			case *protocol.Ack:
				if got, ok := got.(*protocol.Ack); !ok || got.JobID != want.JobID {
					t.Errorf("expected ack: got '%+v', want '%+v'", got, want)
				}
			case *protocol.LogBatch:
				got, ok := got.(*protocol.LogBatch)
				if !ok || len(got.Entries) != len(want.Entries) {
					t.Fatalf("expected log batch: got '%+v', want '%+v'", got, want)
				}

				if got.Entries[0] != want.Entries[0] {
					t.Errorf("expected entry: got '%+v', want '%+v'", got.Entries[0], want.Entries[0])
				}
			case *protocol.Error:
				got, ok := got.(*protocol.Error)
				if !ok || *got != *want {
					t.Errorf("expected error message: got '%+v', want '%+v'", got, want)
				}
			default:
				// Matching concrete type is the load-bearing check for
				// the remaining tagged variants.
				if gotType, wantType := typeName(got), typeName(msg); gotType != wantType {
					t.Errorf("expected type: got '%s', want '%s'", gotType, wantType)
				}
			}
		})
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *protocol.Hello:
		return "hello"
	case *protocol.Run:
		return "run"
	case *protocol.Start:
		return "start"
	case *protocol.Stop:
		return "stop"
	case *protocol.Logs:
		return "logs"
	case *protocol.Schedule:
		return "schedule"
	case *protocol.JobExit:
		return "job_exit"
	default:
		return "unknown"
	}
}

func TestMessageRejectsUnknownTag(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	if err := protocol.WriteFrame(&buf, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	_, err := protocol.ReadMessage(&buf)

	var wireErr *protocol.Error
	if !errors.As(err, &wireErr) || wireErr.Kind != protocol.KindProtocolError {
		t.Errorf("expected protocol error: got '%v'", err)
	}
}

func TestMessageRejectsMalformedEnvelope(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	if err := protocol.WriteFrame(&buf, []byte(`not json`)); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	_, err := protocol.ReadMessage(&buf)

	var wireErr *protocol.Error
	if !errors.As(err, &wireErr) || wireErr.Kind != protocol.KindProtocolError {
		t.Errorf("expected protocol error: got '%v'", err)
	}
}
