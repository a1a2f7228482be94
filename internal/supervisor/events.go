package supervisor

import "github.com/nixpig/shellcompose/internal/sched"

// Loop events. Client operations arrive as requestEvent closures so every
// registry mutation runs on the loop goroutine; the asynchronous sources
// (child waiters, output pumps, backoff timers, the scheduler) have their
// own typed events and a dedicated priority lane so they never contend
// with client traffic.
type (
	childExitEvent struct {
		pid    int
		status int
	}

	streamClosedEvent struct {
		jobID  uint64
		stream string
	}

	backoffEvent struct {
		jobID uint64
	}

	fireEvent struct {
		fire sched.Fire
	}

	requestEvent struct {
		apply func()
		done  chan struct{}
	}
)
