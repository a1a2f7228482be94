package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nixpig/shellcompose/internal/config"
	"github.com/nixpig/shellcompose/internal/ipc"
	"github.com/nixpig/shellcompose/internal/logbuf"
	"github.com/nixpig/shellcompose/internal/logging"
	"github.com/nixpig/shellcompose/internal/metrics"
	"github.com/nixpig/shellcompose/internal/recipes"
	"github.com/nixpig/shellcompose/internal/registry"
	"github.com/nixpig/shellcompose/internal/sched"
	"github.com/nixpig/shellcompose/internal/spawn"
	"github.com/nixpig/shellcompose/internal/stats"
	"github.com/nixpig/shellcompose/internal/supervisor"
)

func runDaemon(flags *daemonFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	if flags.socketDir != "" {
		cfg.SocketDir = flags.socketDir
	}

	if flags.logFile != "" {
		cfg.LogFile = flags.logFile
	}

	if flags.metricsAddr != "" {
		cfg.MetricsAddr = flags.metricsAddr
	}

	if flags.debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFile)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var bufOpts []logbuf.Option

	if cfg.MaxJobLines > 0 {
		bufOpts = append(bufOpts, logbuf.WithMaxJobLines(cfg.MaxJobLines))
	}

	if cfg.MaxLogBytes > 0 {
		bufOpts = append(bufOpts, logbuf.WithMaxBytes(cfg.MaxLogBytes))
	}

	bufOpts = append(bufOpts,
		logbuf.WithAppendFunc(func() { m.LogEntries.Inc() }),
		logbuf.WithEvictFunc(func(n int) { m.LogEvictions.Add(float64(n)) }),
	)

	buf := logbuf.New(bufOpts...)

	sup := supervisor.New(registry.New(), buf, spawn.NewOSSpawner(), m, logger)
	sup.AttachScheduler(sched.New(sup.EmitFire, logger))

	var sampler stats.Sampler

	sampler, err = stats.NewSampler()
	if err != nil {
		logger.Warn().Err(err).Msg("process sampler unavailable")
		sampler = stats.Noop{}
	}

	server := ipc.NewServer(sup, buf, &recipes.JustEnumerator{}, sampler, cancel, logger)

	// A bind failure, including a live daemon already holding the
	// socket, is fatal at startup.
	if err := server.Listen(cfg.SocketDir); err != nil {
		logger.Error().Err(err).Msg("bind socket")
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return sup.Run(ctx) })
	g.Go(func() error { return sup.Scheduler().Run(ctx) })
	g.Go(func() error { return server.Serve(ctx) })

	if cfg.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(ctx, cfg.MetricsAddr, reg, logger) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("daemon exited")
		return err
	}

	logger.Info().Msg("daemon exited")

	return nil
}
