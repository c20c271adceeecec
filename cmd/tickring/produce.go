package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nmxmxh/tickring/internal/core"
	"github.com/nmxmxh/tickring/kernel/config"
	"github.com/nmxmxh/tickring/kernel/metrics"
	"github.com/nmxmxh/tickring/kernel/threads/codec"
	"github.com/nmxmxh/tickring/kernel/threads/ring"
	"github.com/nmxmxh/tickring/kernel/utils"
)

type produceOptions struct {
	layout      string
	slotSize    uint32
	slotCount   uint32
	interval    time.Duration
	maxRate     float64
	seed        int64
	metricsAddr string
}

func newProduceCmd(root *rootOptions) *cobra.Command {
	opts := &produceOptions{}

	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Create a ring and publish simulated state into it",
		Long: `produce creates a fresh ring at the configured path, replacing any ring
already there, and publishes one generated snapshot per interval until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("layout") {
				if cfg.Ring.Version, err = parseLayout(opts.layout); err != nil {
					return err
				}
				if !flags.Changed("slot-size") {
					cfg.Ring.SlotSize = 0
				}
			}
			if flags.Changed("slot-size") {
				cfg.Ring.SlotSize = opts.slotSize
			}
			if flags.Changed("slots") {
				cfg.Ring.SlotCount = opts.slotCount
			}
			if flags.Changed("interval") {
				cfg.Producer.Interval = opts.interval
			}
			if flags.Changed("max-rate") {
				cfg.Producer.MaxRate = opts.maxRate
			}
			if flags.Changed("seed") {
				cfg.Producer.Seed = opts.seed
			}
			if flags.Changed("metrics-addr") {
				cfg.Metrics.Addr = opts.metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runProduce(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.layout, "layout", "extended", "slot layout: extended or compact")
	f.Uint32Var(&opts.slotSize, "slot-size", 0, "bytes per slot, 0 for the layout default")
	f.Uint32Var(&opts.slotCount, "slots", 0, "number of slots")
	f.DurationVar(&opts.interval, "interval", 0, "time between ticks")
	f.Float64Var(&opts.maxRate, "max-rate", 0, "publications per second cap, 0 for none")
	f.Int64Var(&opts.seed, "seed", 0, "generator seed")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func runProduce(ctx context.Context, cfg config.Config) error {
	logger, err := cfg.Logger("produce")
	if err != nil {
		return err
	}
	shutdown := utils.NewGracefulShutdown(5*time.Second, logger.Named("shutdown"))

	w, err := ring.OpenWriterWithConfig(ring.WriterConfig{
		Path:      cfg.Ring.Path,
		Version:   cfg.Ring.Version,
		SlotSize:  cfg.Ring.SlotSize,
		SlotCount: cfg.Ring.SlotCount,
		Logger:    logger.Named("ring-writer"),
	})
	if err != nil {
		return err
	}
	shutdown.Register("ring-writer", w.Close)

	if cfg.Metrics.Addr != "" {
		collector := metrics.NewCollector("")
		collector.WatchWriter(w)
		if err := serveMetrics(cfg.Metrics.Addr, collector, logger.Named("metrics"), shutdown); err != nil {
			return errors.Join(err, shutdown.Shutdown(context.Background()))
		}
	}

	producer, err := core.NewProducer(core.ProducerConfig{
		Publisher: w,
		Generator: core.NewGenerator(core.GeneratorConfig{
			Seed:     cfg.Producer.Seed,
			Extended: cfg.Ring.Version == codec.VersionExtended,
		}),
		Interval: cfg.Producer.Interval,
		MaxRate:  cfg.Producer.MaxRate,
		Burst:    cfg.Producer.Burst,
		Logger:   logger,
	})
	if err != nil {
		return errors.Join(err, shutdown.Shutdown(context.Background()))
	}

	runErr := producer.Run(ctx)
	stats := producer.Stats()
	logger.Info("producer finished",
		utils.Uint64("published", stats.Published),
		utils.Uint64("throttled", stats.Throttled),
		utils.Uint64("failed", stats.Failed),
	)
	return errors.Join(runErr, shutdown.Shutdown(context.Background()))
}
