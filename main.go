// Package main is the entry point for the Nightscout Monitor service
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/mrcode/nightscout-monitor/internal/app"
	"github.com/mrcode/nightscout-monitor/internal/config"
	"github.com/mrcode/nightscout-monitor/internal/icon"
	"github.com/mrcode/nightscout-monitor/internal/models"
	"github.com/mrcode/nightscout-monitor/internal/nightscout"
	"github.com/mrcode/nightscout-monitor/internal/scheduler"
	"github.com/mrcode/nightscout-monitor/internal/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "nightscout-monitor: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	if cfg.PrintConfig {
		return cfg.Dump(os.Stdout)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}

	store, err := models.NewConfigStore(cfg.Storage.Dir)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	logger.WithField("path", store.Path()).Debug("Using connection store")

	client := nightscout.NewClient(
		nightscout.WithTimeout(cfg.Client.Timeout),
		nightscout.WithRateLimit(cfg.Client.RateLimit, cfg.Client.RateBurst),
		nightscout.WithHashedSecret(cfg.Client.HashSecret),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var monitor *app.Monitor
	sched := scheduler.New(client,
		scheduler.Config{
			Interval: cfg.Sync.Interval,
			Timeout:  cfg.Sync.Timeout,
			Range:    cfg.DefaultRange(),
		},
		scheduler.WithLogger(logger.WithField("component", "scheduler")),
		scheduler.WithMetrics(scheduler.NewMetrics(reg)),
		scheduler.WithNotify(func(st scheduler.SyncState) {
			monitor.OnSync(st)
		}),
	)
	monitor = app.NewMonitor(store, sched, client,
		app.WithLogger(logger.WithField("component", "monitor")),
		app.WithUnit(cfg.Display.Unit),
	)

	icons, err := icon.NewRenderer(cfg.Icon.CacheSize)
	if err != nil {
		return err
	}

	srv := server.NewServer(monitor, icons, reg, logger.WithField("component", "http"), server.Config{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	schedDone := make(chan error, 1)
	go func() {
		schedDone <- sched.Run(ctx)
	}()

	if err := monitor.Start(ctx, cfg.Nightscout.Seed()); err != nil {
		logger.WithError(err).Error("Failed to restore connection, starting unconfigured")
	}

	err = srv.Run(ctx)
	stop()

	if schedErr := <-schedDone; schedErr != nil {
		logger.WithError(schedErr).Error("Scheduler stopped with error")
	}
	logger.Info("Shutdown complete")

	return err
}
