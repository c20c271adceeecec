package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nmxmxh/tickring/kernel/config"
	"github.com/nmxmxh/tickring/kernel/metrics"
	"github.com/nmxmxh/tickring/kernel/threads/ring"
	"github.com/nmxmxh/tickring/kernel/utils"
)

func newTailCmd(root *rootOptions) *cobra.Command {
	var (
		count       int
		sequential  bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow a ring and print each new snapshot",
		Long: `tail waits for the ring to appear, prints snapshots as they are
published and reattaches when the producer restarts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("sequential") {
				cfg.Reader.Sequential = sequential
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Addr = metricsAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runTail(ctx, cfg, count, func(s ring.Snapshot) error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), snapshotLine(s))
				return err
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "stop after this many snapshots, 0 to run until interrupted")
	cmd.Flags().BoolVar(&sequential, "sequential", false, "deliver every tick instead of only the latest")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// runTail delivers snapshots to emit until ctx ends or count is reached.
func runTail(ctx context.Context, cfg config.Config, count int, emit func(ring.Snapshot) error) error {
	logger, err := cfg.Logger("tail")
	if err != nil {
		return err
	}
	shutdown := utils.NewGracefulShutdown(5*time.Second, logger.Named("shutdown"))

	follower := ring.NewFollower(ring.FollowerConfig{
		Path:         cfg.Ring.Path,
		Reader:       ring.ReaderConfig{MaxRetries: cfg.Reader.MaxRetries, Logger: logger.Named("ring-reader")},
		PollInterval: cfg.Reader.PollInterval,
		Sequential:   cfg.Reader.Sequential,
		Logger:       logger.Named("follower"),
	})
	shutdown.Register("follower", follower.Close)

	if cfg.Metrics.Addr != "" {
		collector := metrics.NewCollector("")
		collector.WatchFollower(follower)
		if err := serveMetrics(cfg.Metrics.Addr, collector, logger.Named("metrics"), shutdown); err != nil {
			return errors.Join(err, shutdown.Shutdown(context.Background()))
		}
	}

	var runErr error
	for delivered := 0; count == 0 || delivered < count; delivered++ {
		snap, err := follower.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				runErr = err
			}
			break
		}
		if err := emit(snap); err != nil {
			runErr = err
			break
		}
	}

	status := follower.Status()
	logger.Info("tail finished",
		utils.Uint32("tick", status.Tick),
		utils.Float64("rate_hz", status.RateHz),
		utils.Uint64("restarts", status.Restarts),
		utils.Uint64("missed", status.Missed),
	)
	return errors.Join(runErr, shutdown.Shutdown(context.Background()))
}
