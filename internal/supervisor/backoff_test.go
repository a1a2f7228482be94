package supervisor

import (
	"testing"
	"time"

	"github.com/nixpig/shellcompose/internal/registry"
)

func TestDecideRestart(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		kind   registry.JobKind
		exitOK bool
		uptime time.Duration
		want   restartDecision
	}{
		"Command never restarts": {
			kind:   registry.KindCommand,
			exitOK: false,
			want:   restartDecision{},
		},
		"Cron job is refired by the scheduler, not restarted": {
			kind:   registry.KindCron,
			exitOK: false,
			want:   restartDecision{},
		},
		"Interval job is refired by the scheduler, not restarted": {
			kind:   registry.KindInterval,
			exitOK: true,
			want:   restartDecision{},
		},
		"Service restarts immediately on clean exit": {
			kind:   registry.KindService,
			exitOK: true,
			uptime: time.Second,
			want:   restartDecision{Respawn: true},
		},
		"Service backs off on failure": {
			kind:   registry.KindService,
			exitOK: false,
			uptime: time.Second,
			want:   restartDecision{Respawn: true, Backoff: true},
		},
		"Settled service resets its counter": {
			kind:   registry.KindService,
			exitOK: false,
			uptime: SettleWindow + time.Second,
			want:   restartDecision{Respawn: true, Backoff: true, ResetCount: true},
		},
		"Settled clean exit resets too": {
			kind:   registry.KindService,
			exitOK: true,
			uptime: SettleWindow,
			want:   restartDecision{Respawn: true, ResetCount: true},
		},
	}

	for scenario, config := range scenarios {
		scenario, config := scenario, config
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			got := decideRestart(config.kind, config.exitOK, config.uptime)

			if got != config.want {
				t.Errorf("expected decision: got '%+v', want '%+v'", got, config.want)
			}
		})
	}
}

func TestBackoffDelayDoublesToCap(t *testing.T) {
	t.Parallel()

	noJitter := func() float64 { return 0.5 }

	scenarios := map[string]struct {
		restartCount int
		want         time.Duration
	}{
		"First failure":   {restartCount: 0, want: time.Second},
		"Second failure":  {restartCount: 1, want: 2 * time.Second},
		"Fifth failure":   {restartCount: 4, want: 16 * time.Second},
		"Capped":          {restartCount: 6, want: 60 * time.Second},
		"Far past cap":    {restartCount: 10, want: 60 * time.Second},
		"Absurdly large":  {restartCount: 1000, want: 60 * time.Second},
	}

	for scenario, config := range scenarios {
		scenario, config := scenario, config
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			got := backoffDelay(config.restartCount, noJitter)

			if got != config.want {
				t.Errorf("expected delay: got '%v', want '%v'", got, config.want)
			}
		})
	}
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	t.Parallel()

	for n := 0; n <= 10; n++ {
		base := time.Second << uint(n)
		if base > BackoffCap {
			base = BackoffCap
		}

		lo := backoffDelay(n, func() float64 { return 0 })
		hi := backoffDelay(n, func() float64 { return 0.9999 })

		wantLo := time.Duration(0.8 * float64(base))
		if lo != wantLo {
			t.Errorf("expected lower bound for n=%d: got '%v', want '%v'", n, lo, wantLo)
		}

		if hi < base || hi > time.Duration(1.2*float64(base)) {
			t.Errorf("expected upper bound within +20%% for n=%d: got '%v'", n, hi)
		}
	}
}
