package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nmxmxh/tickring/kernel/threads/codec"
	"github.com/nmxmxh/tickring/kernel/threads/ring"
)

func newInspectCmd(root *rootOptions) *cobra.Command {
	var tick uint32

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print a ring's header and one snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			logger, err := cfg.Logger("inspect")
			if err != nil {
				return err
			}

			r, err := ring.OpenReaderWithConfig(cfg.Ring.Path, ring.ReaderConfig{
				MaxRetries: cfg.Reader.MaxRetries,
				Logger:     logger,
			})
			if errors.Is(err, ring.ErrNotReady) {
				fmt.Fprintf(out, "waiting for data: no ring at %s yet\n", cfg.Ring.Path)
				return err
			}
			if err != nil {
				return err
			}
			defer r.Close()

			if err := printHeader(out, cfg.Ring.Path, r); err != nil {
				return err
			}

			var snap ring.Snapshot
			if tick == 0 {
				snap, err = r.ReadLatest()
			} else {
				snap, err = r.ReadTick(tick)
			}
			if errors.Is(err, ring.ErrNotReady) {
				fmt.Fprintln(out, "waiting for data: nothing published yet")
				return nil
			}
			if err != nil {
				return err
			}
			printSnapshot(out, snap)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&tick, "tick", 0, "tick to print, 0 for the latest")
	return cmd
}

func printHeader(w io.Writer, path string, r *ring.Reader) error {
	latest, err := r.LatestTick()
	if err != nil {
		return err
	}
	publishedAt, err := r.PublishedAtMs()
	if err != nil {
		return err
	}
	g := r.Geometry()
	layout, err := codec.LayoutFor(g.Version)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "path:        %s\n", path)
	fmt.Fprintf(w, "layout:      %s\n", layout)
	fmt.Fprintf(w, "slot_size:   %d\n", g.SlotSize)
	fmt.Fprintf(w, "slot_count:  %d\n", g.SlotCount)
	fmt.Fprintf(w, "file_size:   %d\n", g.FileSize())
	fmt.Fprintf(w, "session:     %s\n", r.Session())
	fmt.Fprintf(w, "latest_tick: %d\n", latest)
	if publishedAt != 0 {
		at := time.UnixMilli(int64(publishedAt))
		fmt.Fprintf(w, "published:   %s (%s ago)\n", at.Format(time.RFC3339Nano), time.Since(at).Round(time.Millisecond))
	}
	return nil
}

func printSnapshot(w io.Writer, s ring.Snapshot) {
	f := s.Fields
	fmt.Fprintf(w, "tick %d at %s\n", s.Tick, time.UnixMilli(int64(s.TimestampMs)).Format(time.RFC3339Nano))
	fmt.Fprintf(w, "  mood       valence=%.3f arousal=%.3f dominance=%.3f coherence=%.3f\n",
		f.Mood.Valence, f.Mood.Arousal, f.Mood.Dominance, f.Mood.Coherence)
	fmt.Fprintf(w, "  cognition  alignment=%.3f entropy=%.3f drift=%.3f rebloom=%.3f\n",
		f.Cognition.SemanticAlignment, f.Cognition.EntropyGradient, f.Cognition.DriftMagnitude, f.Cognition.RebloomIntensity)
	fmt.Fprintf(w, "  depth      %.3f\n", f.Depth)
	fmt.Fprintf(w, "  sectors    %d active (%#016x)\n", f.ActiveSectorCount(), f.ActiveSectors)
	if f.Extended != nil {
		fmt.Fprintf(w, "  state_hash %q\n", f.Extended.StateHash)
		fmt.Fprintf(w, "  heatmap    %s ...\n", formatFloats(f.Extended.Heatmap[:4]))
		fmt.Fprintf(w, "  forecast   %s ...\n", formatFloats(f.Extended.Forecast[:4]))
	}
}

// snapshotLine is the one-line form used by tail and archive dump.
func snapshotLine(s ring.Snapshot) string {
	f := s.Fields
	return fmt.Sprintf("%d\t%d\tvalence=%.3f\tarousal=%.3f\tdepth=%.3f\tsectors=%d",
		s.Tick, s.TimestampMs, f.Mood.Valence, f.Mood.Arousal, f.Depth, f.ActiveSectorCount())
}

func formatFloats(values []float32) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%.3f", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
