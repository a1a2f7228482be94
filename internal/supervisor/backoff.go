package supervisor

import (
	"math/rand"
	"time"

	"github.com/nixpig/shellcompose/internal/registry"
)

const (
	// BackoffBase is the delay before the first retry of a failed
	// service.
	BackoffBase = time.Second

	// BackoffCap bounds the exponential backoff delay.
	BackoffCap = 60 * time.Second

	// BackoffJitter is the relative jitter applied to each delay.
	BackoffJitter = 0.2

	// SettleWindow is how long a service must hold the running state for
	// its restart counter to reset.
	SettleWindow = 30 * time.Second
)

// restartDecision is the pure restart policy: a function of the job kind,
// exit outcome, and uptime. Scheduled kinds are re-fired by the scheduler
// and never restarted here; one-shot commands never restart; services
// always restart, with backoff after a failure.
type restartDecision struct {
	// Respawn requests a new spawn of the same job record.
	Respawn bool

	// Backoff delays the respawn; false means immediate.
	Backoff bool

	// ResetCount restarts the backoff sequence because the process held
	// running for at least the settle window.
	ResetCount bool
}

func decideRestart(kind registry.JobKind, exitOK bool, uptime time.Duration) restartDecision {
	if kind != registry.KindService {
		return restartDecision{}
	}

	d := restartDecision{
		Respawn:    true,
		Backoff:    !exitOK,
		ResetCount: uptime >= SettleWindow,
	}

	return d
}

// backoffDelay computes the delay before the n-th consecutive retry:
// min(base * 2^n, cap) with ±20% jitter.
func backoffDelay(restartCount int, jitter func() float64) time.Duration {
	delay := BackoffBase

	for i := 0; i < restartCount && delay < BackoffCap; i++ {
		delay *= 2
	}

	if delay > BackoffCap {
		delay = BackoffCap
	}

	// jitter returns a uniform value in [0, 1).
	factor := 1 + BackoffJitter*(2*jitter()-1)

	return time.Duration(float64(delay) * factor)
}

func defaultJitter() float64 {
	return rand.Float64()
}
