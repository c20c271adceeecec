package ring

import (
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nmxmxh/tickring/kernel/threads/codec"
	"github.com/nmxmxh/tickring/kernel/threads/sab"
	"github.com/nmxmxh/tickring/kernel/utils"
)

// WriterState is the lifecycle state of a Writer.
type WriterState int

const (
	StateUninitialized WriterState = iota
	StateReady
	StatePublishing
	StateClosed
)

func (s WriterState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StatePublishing:
		return "publishing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WriterConfig configures a ring writer.
type WriterConfig struct {
	// Path of the ring file. Defaults to sab.DefaultSharedMemoryPath().
	Path string
	// Version selects the slot layout. Defaults to codec.DefaultVersion.
	Version uint32
	// SlotSize of zero selects the layout default.
	SlotSize uint32
	// SlotCount defaults to sab.SLOT_COUNT_DEFAULT.
	SlotCount uint32
	Perm      os.FileMode

	Logger *utils.Logger
	// Clock stamps Publish. Defaults to time.Now.
	Clock func() time.Time
	// Notify, when set, runs after every publication. In-process readers
	// hook their cursor epoch here to skip backoff sleeps.
	Notify func()
}

// Writer is the single producer of a ring file.
//
// Exactly one Writer may exist per file across all processes. Publish is
// serialised by a mutex, but the protocol itself has no writer arbitration.
type Writer struct {
	mu sync.Mutex

	store    *sab.Store
	layout   codec.Layout
	geometry sab.Geometry
	buf      []byte
	tick     uint32
	state    WriterState

	clock  func() time.Time
	notify func()
	logger *utils.Logger
	stats  writerCounters
}

// OpenWriter creates a fresh ring at path and returns its writer.
//
// WARNING: any existing ring at path is discarded. A ring with the same
// geometry is reset in place, which attached readers see as a restart.
// Otherwise the file is replaced and attached readers get ErrReplaced.
func OpenWriter(path string, slotCount, version uint32) (*Writer, error) {
	return OpenWriterWithConfig(WriterConfig{
		Path:      path,
		SlotCount: slotCount,
		Version:   version,
	})
}

// OpenWriterWithConfig is OpenWriter with full control over geometry,
// permissions, logging and clock.
func OpenWriterWithConfig(cfg WriterConfig) (*Writer, error) {
	if cfg.Path == "" {
		cfg.Path = sab.DefaultSharedMemoryPath()
	}
	if cfg.Version == 0 {
		cfg.Version = codec.DefaultVersion
	}
	if cfg.SlotCount == 0 {
		cfg.SlotCount = sab.SLOT_COUNT_DEFAULT
	}

	store, err := sab.CreateWithOptions(sab.CreateOptions{
		Path:      cfg.Path,
		Version:   cfg.Version,
		SlotSize:  cfg.SlotSize,
		SlotCount: cfg.SlotCount,
		Perm:      cfg.Perm,
	})
	if err != nil {
		return nil, fmt.Errorf("create ring %s: %w", cfg.Path, err)
	}

	w, err := NewWriter(store, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	msg := "ring created"
	if store.Reused() {
		msg = "ring reset in place"
	}
	w.logger.Info(msg,
		utils.String("path", cfg.Path),
		utils.String("layout", w.layout.String()),
		utils.Uint32("slot_size", w.geometry.SlotSize),
		utils.Uint32("slot_count", w.geometry.SlotCount),
		utils.String("session", store.Session().String()),
	)
	return w, nil
}

// NewWriter publishes into an already formatted, writable store. The tick
// sequence continues from the store's cursor. Path, geometry and
// permission fields of cfg are ignored.
func NewWriter(store *sab.Store, cfg WriterConfig) (*Writer, error) {
	if store.Mode() != sab.AccessSingleWriter {
		return nil, fmt.Errorf("writer needs a writable store: %w", sab.ErrReadOnly)
	}
	tick, err := store.LoadLatestTick()
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = utils.DefaultLogger("ring-writer")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	g := store.Geometry()
	w := &Writer{
		store:    store,
		layout:   store.Layout(),
		geometry: g,
		buf:      make([]byte, g.SlotSize),
		tick:     tick,
		state:    StateReady,
		clock:    clock,
		notify:   cfg.Notify,
		logger:   logger,
	}
	w.stats.latestTick.Store(tick)
	return w, nil
}

// Publish stamps fields with the writer's clock and publishes them as the
// next tick.
func (w *Writer) Publish(fields codec.Fields) (uint32, error) {
	return w.PublishAt(w.clock(), fields)
}

// PublishAt publishes fields as the next tick with an explicit timestamp.
//
// The slot's tick field doubles as a commit marker: it is zeroed before the
// body is written and set to the new tick afterwards, then the cursor is
// advanced. A reader that sees the marker equal to the tick it wants, both
// before and after copying the slot, has a consistent copy.
func (w *Writer) PublishAt(ts time.Time, fields codec.Fields) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateClosed {
		return 0, ErrWriterClosed
	}
	if w.tick == math.MaxUint32 {
		w.stats.failed.Add(1)
		return 0, ErrTickSpaceExhausted
	}
	next := w.tick + 1

	ms := ts.UnixMilli()
	if ms < 0 {
		ms = 0
	}
	if err := w.layout.EncodeSlot(w.buf, next, uint64(ms), fields); err != nil {
		w.stats.failed.Add(1)
		return 0, err
	}

	w.state = StatePublishing
	if err := w.commit(next, uint64(ms)); err != nil {
		w.state = StateReady
		w.stats.failed.Add(1)
		w.logger.Error("publish failed", utils.Uint32("tick", next), utils.Err(err))
		return 0, fmt.Errorf("publish tick %d: %w", next, err)
	}
	w.tick = next
	w.state = StateReady

	w.stats.published.Add(1)
	w.stats.latestTick.Store(next)
	w.stats.lastUnixMs.Store(ms)

	if w.logger.Enabled(utils.DEBUG) {
		w.logger.Debug("tick published",
			utils.Uint32("tick", next),
			utils.Uint32("slot", w.geometry.SlotIndex(next)),
			utils.Int("active_sectors", fields.ActiveSectorCount()),
		)
	}
	if w.notify != nil {
		w.notify()
	}
	return next, nil
}

func (w *Writer) commit(tick uint32, ms uint64) error {
	offset := w.geometry.SlotOffset(tick)

	if err := w.store.StoreSlotMarker(tick, 0); err != nil {
		return err
	}
	if err := w.store.WriteAt(offset+codec.OffsetTimestamp, w.buf[codec.OffsetTimestamp:]); err != nil {
		return err
	}
	if err := w.store.StoreSlotMarker(tick, tick); err != nil {
		return err
	}
	if err := w.store.StorePublishedAt(ms); err != nil {
		return err
	}
	return w.store.StoreLatestTick(tick)
}

// LatestTick is the last tick this writer published.
func (w *Writer) LatestTick() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tick
}

// State returns the writer's lifecycle state.
func (w *Writer) State() WriterState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Geometry returns the ring's geometry.
func (w *Writer) Geometry() sab.Geometry {
	return w.geometry
}

// Session identifies this producer session.
func (w *Writer) Session() uuid.UUID {
	return w.store.Session()
}

// Path is the ring file path, empty for in-memory stores.
func (w *Writer) Path() string {
	return w.store.Path()
}

// Stats returns a copy of the writer counters.
func (w *Writer) Stats() WriterStats {
	return w.stats.snapshot()
}

// Sync flushes published slots to the backing file.
func (w *Writer) Sync() error {
	return w.store.Sync()
}

// Close flushes and unmaps the ring. The file stays so readers can drain it.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateClosed {
		return nil
	}
	w.state = StateClosed

	syncErr := w.store.Sync()
	closeErr := w.store.Close()
	w.logger.Info("ring writer closed", utils.Uint32("latest_tick", w.tick))
	if syncErr != nil {
		return fmt.Errorf("sync ring: %w", syncErr)
	}
	return closeErr
}
