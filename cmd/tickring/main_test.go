package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tickring/internal/core"
	"github.com/nmxmxh/tickring/kernel/config"
	"github.com/nmxmxh/tickring/kernel/threads/codec"
	"github.com/nmxmxh/tickring/kernel/threads/ring"
	"github.com/nmxmxh/tickring/kernel/utils"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func testConfig(path string) config.Config {
	cfg := config.Default()
	cfg.Ring.Path = path
	cfg.Ring.Version = codec.VersionCompact
	cfg.Ring.SlotCount = 8
	cfg.Reader.PollInterval = 5 * time.Millisecond
	cfg.Log.Level = "error"
	cfg.Log.Color = false
	return cfg
}

func publish(t *testing.T, path string, n int) *ring.Writer {
	t.Helper()
	w, err := ring.OpenWriterWithConfig(ring.WriterConfig{
		Path:      path,
		Version:   codec.VersionCompact,
		SlotCount: 8,
		Logger:    utils.NopLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	gen := core.NewGenerator(core.GeneratorConfig{Seed: 5})
	for i := 0; i < n; i++ {
		_, err := w.Publish(gen.Next(time.Now()))
		require.NoError(t, err)
	}
	return w
}

func TestParseLayout(t *testing.T) {
	v, err := parseLayout("compact")
	require.NoError(t, err)
	assert.Equal(t, codec.VersionCompact, v)

	v, err = parseLayout(" Extended ")
	require.NoError(t, err)
	assert.Equal(t, codec.VersionExtended, v)

	v, err = parseLayout("2")
	require.NoError(t, err)
	assert.Equal(t, codec.VersionCompact, v)

	_, err = parseLayout("json")
	assert.Error(t, err)
}

func TestInspect(t *testing.T) {
	t.Setenv(config.EnvLogLevel, "error")
	path := filepath.Join(t.TempDir(), "ring.mmap")
	w := publish(t, path, 3)

	out, err := runCLI(t, "inspect", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "layout:      compact")
	assert.Contains(t, out, "slot_count:  8")
	assert.Contains(t, out, "latest_tick: 3")
	assert.Contains(t, out, "session:     "+w.Session().String())
	assert.Contains(t, out, "tick 3 at")

	out, err = runCLI(t, "inspect", "--path", path, "--tick", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "tick 2 at")
}

func TestInspectMissingRing(t *testing.T) {
	t.Setenv(config.EnvLogLevel, "error")
	path := filepath.Join(t.TempDir(), "absent.mmap")

	out, err := runCLI(t, "inspect", "--path", path)
	assert.ErrorIs(t, err, ring.ErrNotReady)
	assert.Contains(t, out, "waiting for data")
}

func TestInspectBadFile(t *testing.T) {
	t.Setenv(config.EnvLogLevel, "error")
	path := filepath.Join(t.TempDir(), "ring.mmap")
	require.NoError(t, os.WriteFile(path, make([]byte, 512), 0o644))

	_, err := runCLI(t, "inspect", "--path", path)
	assert.ErrorIs(t, err, codec.ErrBadMagic)
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.mmap")
	publish(t, path, 4)

	var lines []string
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := runTail(ctx, testConfig(path), 1, func(s ring.Snapshot) error {
		lines = append(lines, snapshotLine(s))
		return nil
	})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "4\t"))
}

func TestArchiveRecordAndDump(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ring.mmap")
	out := filepath.Join(dir, "history.br")
	w := publish(t, path, 5)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		done <- runArchiveRecord(ctx, testConfig(path), out, 0, 7)
	}()

	gen := core.NewGenerator(core.GeneratorConfig{Seed: 6})
	for i := 0; i < 2; i++ {
		time.Sleep(10 * time.Millisecond)
		_, err := w.Publish(gen.Next(time.Now()))
		require.NoError(t, err)
	}
	require.NoError(t, <-done)

	dump, err := runCLI(t, "archive", "dump", out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(dump), "\n")
	require.Len(t, lines, 8)
	assert.Contains(t, lines[0], "session="+w.Session().String())
	for i, line := range lines[1:] {
		assert.True(t, strings.HasPrefix(line, fmt.Sprintf("%d\t", i+1)), line)
	}
}

func TestProduceRejectsBadFlags(t *testing.T) {
	t.Setenv(config.EnvLogLevel, "error")
	path := filepath.Join(t.TempDir(), "ring.mmap")

	_, err := runCLI(t, "produce", "--path", path, "--layout", "json")
	assert.Error(t, err)

	_, err = runCLI(t, "produce", "--path", path, "--slots", "1")
	assert.Error(t, err)

	_, err = runCLI(t, "produce", "--path", path, "--layout", "compact", "--slot-size", "1024000008", "--slots", "8")
	assert.ErrorIs(t, err, codec.ErrBadGeometry)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunProduce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.mmap")
	cfg := testConfig(path)
	cfg.Producer.Interval = time.Millisecond
	cfg.Producer.MaxRate = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runProduce(ctx, cfg) }()

	require.Eventually(t, func() bool {
		r, err := ring.OpenReaderWithConfig(path, ring.ReaderConfig{Logger: utils.NopLogger()})
		if err != nil {
			return false
		}
		defer r.Close()
		tick, err := r.LatestTick()
		return err == nil && tick >= 3
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
