//go:build unix

package ipc_test

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/nixpig/shellcompose/internal/ipc"
	"github.com/nixpig/shellcompose/internal/logbuf"
	"github.com/nixpig/shellcompose/internal/metrics"
	"github.com/nixpig/shellcompose/internal/protocol"
	"github.com/nixpig/shellcompose/internal/recipes"
	"github.com/nixpig/shellcompose/internal/registry"
	"github.com/nixpig/shellcompose/internal/sched"
	"github.com/nixpig/shellcompose/internal/spawn"
	"github.com/nixpig/shellcompose/internal/stats"
	"github.com/nixpig/shellcompose/internal/supervisor"
)

type daemon struct {
	path string
	buf  *logbuf.Buffer
}

// startDaemon assembles a full daemon on a throwaway socket directory.
func startDaemon(t *testing.T) *daemon {
	t.Helper()

	// The per-user socket name must stay short enough for a unix socket
	// path, so avoid t.TempDir.
	dir, err := os.MkdirTemp("", "sc-test")
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	t.Cleanup(func() { os.RemoveAll(dir) })

	buf := logbuf.New()

	sup := supervisor.New(
		registry.New(),
		buf,
		spawn.NewOSSpawner(),
		metrics.New(prometheus.NewRegistry()),
		zerolog.Nop(),
		supervisor.WithGrace(2*time.Second),
	)

	sup.AttachScheduler(sched.New(sup.EmitFire, zerolog.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	server := ipc.NewServer(
		sup,
		buf,
		recipes.Static{{Name: "proc1", Group: "autostart"}},
		stats.Noop{},
		cancel,
		zerolog.Nop(),
	)

	if err := server.Listen(dir); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	go sup.Run(ctx)
	go sup.Scheduler().Run(ctx)
	go server.Serve(ctx)

	return &daemon{path: server.Path(), buf: buf}
}

func dialDaemon(t *testing.T, d *daemon) *ipc.Client {
	t.Helper()

	client, err := ipc.Dial(d.path)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	t.Cleanup(func() { client.Close() })

	return client
}

// collectRun drives a run request to completion, returning the log lines
// per stream and the exit code.
func collectRun(t *testing.T, client *ipc.Client, args []string) (map[string][]string, int) {
	t.Helper()

	if err := client.Send(&protocol.Run{Args: args}); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	lines := map[string][]string{}

	for {
		msg, err := client.Recv()
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		switch msg := msg.(type) {
		case *protocol.Ack:
		case *protocol.LogBatch:
			for _, entry := range msg.Entries {
				lines[entry.Stream] = append(lines[entry.Stream], entry.Line)
			}
		case *protocol.JobExit:
			return lines, msg.ExitCode
		case *protocol.Error:
			t.Fatalf("expected not to receive daemon error: got '%v'", msg)
		default:
			t.Fatalf("unexpected response %T", msg)
		}
	}
}

func TestRunEchoHello(t *testing.T) {
	d := startDaemon(t)
	client := dialDaemon(t, d)

	lines, code := collectRun(t, client, []string{"echo", "hello"})

	if code != 0 {
		t.Errorf("expected exit code: got '%d', want '0'", code)
	}

	if len(lines[protocol.StreamOut]) != 1 || lines[protocol.StreamOut][0] != "hello" {
		t.Errorf("expected single 'hello' on stdout: got '%+v'", lines)
	}
}

func TestRunCapturesBothStreamsAndStatus(t *testing.T) {
	d := startDaemon(t)
	client := dialDaemon(t, d)

	lines, code := collectRun(t, client, []string{"sh", "-c", "echo A; echo B >&2; exit 3"})

	if code != 3 {
		t.Errorf("expected exit code: got '%d', want '3'", code)
	}

	if len(lines[protocol.StreamOut]) != 1 || lines[protocol.StreamOut][0] != "A" {
		t.Errorf("expected 'A' on stdout: got '%+v'", lines[protocol.StreamOut])
	}

	if len(lines[protocol.StreamErr]) != 1 || lines[protocol.StreamErr][0] != "B" {
		t.Errorf("expected 'B' on stderr: got '%+v'", lines[protocol.StreamErr])
	}
}

func TestJobsListsFinishedJob(t *testing.T) {
	d := startDaemon(t)

	collectRun(t, dialDaemon(t, d), []string{"echo", "done"})

	client := dialDaemon(t, d)

	if err := client.Send(&protocol.Jobs{}); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	msg, err := client.Recv()
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	list, ok := msg.(*protocol.JobList)
	if !ok {
		t.Fatalf("expected job list: got '%T'", msg)
	}

	if len(list.Jobs) != 1 {
		t.Fatalf("expected jobs: got '%d', want '1'", len(list.Jobs))
	}

	job := list.Jobs[0]

	if job.State != "exited-ok" || job.Kind != "command" {
		t.Errorf("expected finished command: got '%+v'", job)
	}
}

func TestServiceSingleInstanceOverIPC(t *testing.T) {
	d := startDaemon(t)

	first := dialDaemon(t, d)

	if err := first.Send(&protocol.Start{Args: []string{"sleep", "100"}}); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	msg, err := first.Recv()
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	ack, ok := msg.(*protocol.Ack)
	if !ok {
		t.Fatalf("expected ack: got '%T'", msg)
	}

	second := dialDaemon(t, d)

	if err := second.Send(&protocol.Start{Args: []string{"sleep", "100"}}); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	msg, err = second.Recv()
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	daemonErr, ok := msg.(*protocol.Error)
	if !ok || daemonErr.Kind != protocol.KindAlreadyRunning {
		t.Fatalf("expected already-running error: got '%+v'", msg)
	}

	if daemonErr.JobID != ack.JobID {
		t.Errorf("expected conflicting job id: got '%d', want '%d'", daemonErr.JobID, ack.JobID)
	}

	// Clean up the long sleeper.
	stopper := dialDaemon(t, d)

	if err := stopper.Send(&protocol.Stop{JobID: ack.JobID}); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if _, err := stopper.Recv(); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
}

func TestLogsFollowReleasesSubscriptionOnDisconnect(t *testing.T) {
	d := startDaemon(t)

	follower := dialDaemon(t, d)

	if err := follower.Send(&protocol.Logs{Follow: true}); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	// First response is the snapshot.
	msg, err := follower.Recv()
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if _, ok := msg.(*protocol.LogBatch); !ok {
		t.Fatalf("expected snapshot batch: got '%T'", msg)
	}

	// Another client produces output the follower should observe live.
	collectRun(t, dialDaemon(t, d), []string{"echo", "hi"})

	deadline := time.Now().Add(2 * time.Second)
	seen := false

	for !seen && time.Now().Before(deadline) {
		msg, err := follower.Recv()
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if batch, ok := msg.(*protocol.LogBatch); ok {
			for _, entry := range batch.Entries {
				if entry.Line == "hi" {
					seen = true
				}
			}
		}
	}

	if !seen {
		t.Fatal("expected follower to observe the 'hi' entry")
	}

	follower.Close()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.buf.SubscriberCount() == 0 {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Errorf("expected subscriptions to be released: got '%d'", d.buf.SubscriberCount())
}

func TestVersionMismatchClosesSession(t *testing.T) {
	d := startDaemon(t)

	conn, err := net.Dial("unix", d.path)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer conn.Close()

	if err := protocol.WriteMessage(conn, &protocol.Hello{Version: 99}); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	daemonErr, ok := msg.(*protocol.Error)
	if !ok || daemonErr.Kind != protocol.KindVersionMismatch {
		t.Errorf("expected version mismatch error: got '%+v'", msg)
	}
}

func TestStaleSocketIsRebound(t *testing.T) {
	dir, err := os.MkdirTemp("", "sc-stale")
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	t.Cleanup(func() { os.RemoveAll(dir) })

	// A leftover socket file with no daemon behind it.
	stale := ipc.SocketPath(dir)
	if err := os.WriteFile(stale, nil, 0o600); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	sup := supervisor.New(
		registry.New(),
		logbuf.New(),
		spawn.NewOSSpawner(),
		metrics.New(prometheus.NewRegistry()),
		zerolog.Nop(),
	)
	sup.AttachScheduler(sched.New(sup.EmitFire, zerolog.Nop()))

	server := ipc.NewServer(sup, logbuf.New(), recipes.Static{}, stats.Noop{}, func() {}, zerolog.Nop())

	if err := server.Listen(dir); err != nil {
		t.Fatalf("expected stale socket to be rebound: got '%v'", err)
	}

	info, err := os.Stat(server.Path())
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected socket mode: got '%o', want '600'", info.Mode().Perm())
	}
}

func TestCronScheduleFiresOverIPC(t *testing.T) {
	d := startDaemon(t)

	client := dialDaemon(t, d)

	if err := client.Send(&protocol.Schedule{Cron: "* * * * * *", Args: []string{"echo", "tick"}}); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	msg, err := client.Recv()
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if _, ok := msg.(*protocol.Ack); !ok {
		t.Fatalf("expected ack: got '%+v'", msg)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entries := d.buf.Snapshot(logbuf.Filter{Stream: protocol.StreamOut}, 0)

		for _, entry := range entries {
			if entry.Line == "tick" {
				return
			}
		}

		time.Sleep(100 * time.Millisecond)
	}

	t.Fatal("expected the cron entry to fire and produce output")
}

func TestScheduleParseErrorIsReported(t *testing.T) {
	d := startDaemon(t)

	client := dialDaemon(t, d)

	if err := client.Send(&protocol.Schedule{Cron: "not a cron", Args: []string{"date"}}); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	msg, err := client.Recv()
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	daemonErr, ok := msg.(*protocol.Error)
	if !ok || daemonErr.Kind != protocol.KindScheduleParseError {
		t.Errorf("expected schedule parse error: got '%+v'", msg)
	}
}
