package protocol

import "fmt"

// ErrKind identifies a daemon-reported error category. The client maps
// kinds to exit codes; the daemon keeps running across all of them except
// KindShutdown.
type ErrKind string

const (
	KindProtocolError      ErrKind = "protocol_error"
	KindVersionMismatch    ErrKind = "version_mismatch"
	KindSpawnError         ErrKind = "spawn_error"
	KindAlreadyRunning     ErrKind = "already_running"
	KindNotFound           ErrKind = "not_found"
	KindPermissionDenied   ErrKind = "permission_denied"
	KindSocketBusy         ErrKind = "socket_busy"
	KindScheduleParseError ErrKind = "schedule_parse_error"
	KindLogLagged          ErrKind = "log_lagged"
	KindShutdown           ErrKind = "shutdown"
)

// Error is the structured error carried over the wire. It implements the
// error interface so endpoints can return it directly.
type Error struct {
	Kind    ErrKind `json:"kind"`
	Message string  `json:"message"`

	// JobID carries the conflicting job for KindAlreadyRunning.
	JobID uint64 `json:"job_id,omitempty"`
}

func NewError(kind ErrKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
