package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Version is the protocol version exchanged in the Hello handshake.
// There is no cross-version compatibility; a mismatch closes the session.
const Version = 1

// envelope is the on-wire shape of every message: a tag plus a body.
type envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Requests.
type (
	// Hello opens every session. It doubles as the liveness ping used to
	// detect a stale socket file.
	Hello struct {
		Version int `json:"version"`
	}

	// Run submits a one-shot command.
	Run struct {
		Args []string `json:"args"`
		Dir  string   `json:"dir,omitempty"`
	}

	// Start submits a service. Name is resolved against the recipe
	// enumerator first; if it does not match a recipe, Args is spawned
	// directly as a service command, or Name itself when Args is empty.
	Start struct {
		Name string   `json:"name,omitempty"`
		Args []string `json:"args,omitempty"`
		Dir  string   `json:"dir,omitempty"`
	}

	// Up starts every recipe tagged with Group as a service.
	Up struct {
		Group string `json:"group"`
	}

	// Down stops every job whose group matches.
	Down struct {
		Group string `json:"group"`
	}

	// Stop stops a job by id, or by command identity when JobID is zero.
	Stop struct {
		JobID uint64   `json:"job_id,omitempty"`
		Args  []string `json:"args,omitempty"`
	}

	// Jobs requests a registry snapshot.
	Jobs struct{}

	// Logs requests a snapshot of buffered log entries and, with Follow,
	// a stream of future entries. Target selects a job by id or by
	// service/recipe name; Stream narrows to "out" or "err".
	Logs struct {
		Follow bool   `json:"follow,omitempty"`
		Target string `json:"target,omitempty"`
		Stream string `json:"stream,omitempty"`
		Tail   int    `json:"tail,omitempty"`
	}

	// Ps requests per-process resource statistics for running jobs.
	Ps struct{}

	// Schedule registers a cron entry (Cron set) or an interval entry
	// (Every set).
	Schedule struct {
		Cron  string        `json:"cron,omitempty"`
		Every time.Duration `json:"every,omitempty"`
		Args  []string      `json:"args"`
		Group string        `json:"group,omitempty"`
		Dir   string        `json:"dir,omitempty"`
	}

	// Cancel ends a follow stream without closing the connection.
	Cancel struct{}

	// Exit asks the daemon to stop all jobs and shut down.
	Exit struct{}
)

// Responses.
type (
	// HelloOK acknowledges a compatible handshake.
	HelloOK struct {
		Version int `json:"version"`
	}

	// Ack reports the job id assigned to a submission.
	Ack struct {
		JobID uint64 `json:"job_id"`
	}

	// OK is the bare success response for commands with no payload.
	OK struct{}

	// JobSummary is one row of a Jobs response.
	JobSummary struct {
		ID           uint64    `json:"id"`
		Kind         string    `json:"kind"`
		Group        string    `json:"group,omitempty"`
		Args         []string  `json:"args"`
		State        string    `json:"state"`
		PID          int       `json:"pid,omitempty"`
		RestartCount int       `json:"restart_count,omitempty"`
		ExitStatus   int       `json:"exit_status,omitempty"`
		SpawnedAt    time.Time `json:"spawned_at,omitempty"`
		LastExitAt   time.Time `json:"last_exit_at,omitempty"`
		NextRetryAt  time.Time `json:"next_retry_at,omitempty"`
	}

	JobList struct {
		Jobs []JobSummary `json:"jobs"`
	}

	// LogEntry is one captured line of child output. Seq is monotonic per
	// job; Time is UTC with millisecond resolution.
	LogEntry struct {
		JobID  uint64    `json:"job_id"`
		Seq    uint64    `json:"seq"`
		Time   time.Time `json:"time"`
		Stream string    `json:"stream"`
		Line   string    `json:"line"`
	}

	LogBatch struct {
		Entries []LogEntry `json:"entries"`
	}

	// LogFollowEnd terminates a follow stream. Lagged reports that the
	// subscriber was dropped for falling behind.
	LogFollowEnd struct {
		Lagged bool `json:"lagged,omitempty"`
	}

	// ProcSample is one row of a Ps response.
	ProcSample struct {
		JobID      uint64        `json:"job_id"`
		PID        int           `json:"pid"`
		Args       []string      `json:"args"`
		CPUPercent float64       `json:"cpu_percent"`
		RSSBytes   uint64        `json:"rss_bytes"`
		Uptime     time.Duration `json:"uptime"`
	}

	ProcStats struct {
		Samples []ProcSample `json:"samples"`
	}

	// JobExit reports a submitted job reaching a terminal state. It closes
	// a Run session and carries the child's exit status.
	JobExit struct {
		JobID    uint64 `json:"job_id"`
		ExitCode int    `json:"exit_code"`
	}
)

// StreamOut and StreamErr are the stream tags used in log entries and
// filters.
const (
	StreamOut = "out"
	StreamErr = "err"
)

func messageTag(msg any) (string, bool) {
	switch msg.(type) {
	case *Hello:
		return "hello", true
	case *Run:
		return "run", true
	case *Start:
		return "start", true
	case *Up:
		return "up", true
	case *Down:
		return "down", true
	case *Stop:
		return "stop", true
	case *Jobs:
		return "jobs", true
	case *Logs:
		return "logs", true
	case *Ps:
		return "ps", true
	case *Schedule:
		return "schedule", true
	case *Cancel:
		return "cancel", true
	case *Exit:
		return "exit", true
	case *HelloOK:
		return "hello_ok", true
	case *Ack:
		return "ack", true
	case *OK:
		return "ok", true
	case *JobList:
		return "job_list", true
	case *LogBatch:
		return "log_batch", true
	case *LogFollowEnd:
		return "log_follow_end", true
	case *ProcStats:
		return "proc_stats", true
	case *JobExit:
		return "job_exit", true
	case *Error:
		return "error", true
	default:
		return "", false
	}
}

func messageForTag(tag string) (any, bool) {
	switch tag {
	case "hello":
		return &Hello{}, true
	case "run":
		return &Run{}, true
	case "start":
		return &Start{}, true
	case "up":
		return &Up{}, true
	case "down":
		return &Down{}, true
	case "stop":
		return &Stop{}, true
	case "jobs":
		return &Jobs{}, true
	case "logs":
		return &Logs{}, true
	case "ps":
		return &Ps{}, true
	case "schedule":
		return &Schedule{}, true
	case "cancel":
		return &Cancel{}, true
	case "exit":
		return &Exit{}, true
	case "hello_ok":
		return &HelloOK{}, true
	case "ack":
		return &Ack{}, true
	case "ok":
		return &OK{}, true
	case "job_list":
		return &JobList{}, true
	case "log_batch":
		return &LogBatch{}, true
	case "log_follow_end":
		return &LogFollowEnd{}, true
	case "proc_stats":
		return &ProcStats{}, true
	case "job_exit":
		return &JobExit{}, true
	case "error":
		return &Error{}, true
	default:
		return nil, false
	}
}

// WriteMessage frames and writes one message. msg must be a pointer to
// one of the protocol message types.
func WriteMessage(w io.Writer, msg any) error {
	tag, ok := messageTag(msg)
	if !ok {
		return fmt.Errorf("unknown message type %T", msg)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", tag, err)
	}

	payload, err := json.Marshal(envelope{Type: tag, Body: body})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", tag, err)
	}

	return WriteFrame(w, payload)
}

// ReadMessage reads and decodes one message. Malformed frames and unknown
// tags return an *Error with KindProtocolError; the caller is expected to
// close the session.
func ReadMessage(r io.Reader) (any, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, NewError(KindProtocolError, fmt.Sprintf("malformed envelope: %v", err))
	}

	msg, ok := messageForTag(env.Type)
	if !ok {
		return nil, NewError(KindProtocolError, fmt.Sprintf("unknown message tag %q", env.Type))
	}

	if len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, msg); err != nil {
			return nil, NewError(KindProtocolError, fmt.Sprintf("malformed %s body: %v", env.Type, err))
		}
	}

	return msg, nil
}
