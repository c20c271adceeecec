package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nmxmxh/tickring/kernel/archive"
	"github.com/nmxmxh/tickring/kernel/config"
	"github.com/nmxmxh/tickring/kernel/threads/ring"
	"github.com/nmxmxh/tickring/kernel/utils"
)

func newArchiveCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Record ring history to a compressed archive, or read one back",
	}
	cmd.AddCommand(newArchiveRecordCmd(root), newArchiveDumpCmd())
	return cmd
}

func newArchiveRecordCmd(root *rootOptions) *cobra.Command {
	var (
		out     string
		quality int
		count   int
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Append every tick of the ring to an archive file",
		Long: `record follows the ring tick by tick and appends each snapshot to a
brotli-compressed archive, so history outlives the ring's window. A
producer restart ends the recording, since ticks start over.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runArchiveRecord(ctx, cfg, out, quality, count)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "archive file to create")
	cmd.Flags().IntVar(&quality, "quality", 0, "brotli quality 1..11, 0 for the default")
	cmd.Flags().IntVar(&count, "count", 0, "stop after this many snapshots, 0 to run until interrupted")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func runArchiveRecord(ctx context.Context, cfg config.Config, out string, quality, count int) (err error) {
	logger, err := cfg.Logger("archive")
	if err != nil {
		return err
	}

	follower := ring.NewFollower(ring.FollowerConfig{
		Path:         cfg.Ring.Path,
		Reader:       ring.ReaderConfig{MaxRetries: cfg.Reader.MaxRetries, Logger: logger.Named("ring-reader")},
		PollInterval: cfg.Reader.PollInterval,
		Sequential:   true,
		Logger:       logger.Named("follower"),
	})
	defer func() { err = errors.Join(err, follower.Close()) }()

	// The archive header needs the ring geometry, so wait for the first tick.
	first, err := follower.Next(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	reader := follower.Reader()
	if reader == nil {
		return ring.ErrNotReady
	}
	g := reader.Geometry()

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() { err = errors.Join(err, f.Close()) }()
	buf := bufio.NewWriter(f)

	w, err := archive.NewWriter(buf, archive.Options{
		Version:  g.Version,
		SlotSize: g.SlotSize,
		Session:  first.Session,
		Quality:  quality,
	})
	if err != nil {
		return err
	}

	// Start with everything still in the ring's window.
	backfilled, err := archive.Export(reader, w)
	if err != nil {
		return fmt.Errorf("backfill archive: %w", err)
	}
	logger.Info("archive backfilled", utils.Int("records", backfilled), utils.Uint32("last_tick", w.LastTick()))

	flush := func() error {
		if err := w.Flush(); err != nil {
			return err
		}
		return buf.Flush()
	}
	lastFlush := time.Now()

	for count == 0 || int(w.Count()) < count {
		snap, err := follower.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return err
		}
		if snap.Session != first.Session {
			logger.Warn("producer restarted, ending recording", utils.String("session", snap.Session.String()))
			break
		}
		if snap.Tick <= w.LastTick() {
			continue
		}
		if err := w.Append(snap.Slot); err != nil {
			return err
		}
		if time.Since(lastFlush) > time.Second {
			if err := flush(); err != nil {
				return fmt.Errorf("flush archive: %w", err)
			}
			lastFlush = time.Now()
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}
	status := follower.Status()
	logger.Info("archive written",
		utils.String("file", out),
		utils.Uint64("records", w.Count()),
		utils.Uint32("last_tick", w.LastTick()),
		utils.Uint64("missed", status.Missed),
	)
	return nil
}

func newArchiveDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump FILE",
		Short: "Print the records of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return dumpArchive(cmd.OutOrStdout(), f)
		},
	}
}

func dumpArchive(out io.Writer, src io.Reader) error {
	r, err := archive.NewReader(bufio.NewReader(src))
	if err != nil {
		return err
	}
	h := r.Header()
	fmt.Fprintf(out, "# session=%s version=%d slot_size=%d\n", r.Session(), h.Version, h.SlotSize)

	for {
		slot, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(out, snapshotLine(ring.Snapshot{Slot: slot, Session: r.Session()}))
	}
}
