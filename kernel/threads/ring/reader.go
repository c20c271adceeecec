package ring

import (
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/google/uuid"

	"github.com/nmxmxh/tickring/kernel/threads/codec"
	"github.com/nmxmxh/tickring/kernel/threads/foundation"
	"github.com/nmxmxh/tickring/kernel/threads/sab"
	"github.com/nmxmxh/tickring/kernel/utils"
)

// DefaultMaxRetries bounds ReadLatest attempts before it reports a stale read.
const DefaultMaxRetries = 8

// ReaderConfig configures a ring reader.
type ReaderConfig struct {
	// MaxRetries defaults to DefaultMaxRetries.
	MaxRetries int
	Logger     *utils.Logger
}

// Snapshot is one consistent slot plus the session that produced it.
type Snapshot struct {
	codec.Slot
	Session uuid.UUID
}

// Reader consumes a ring file without locks. A Reader belongs to one
// goroutine; open one per consumer.
type Reader struct {
	store      *sab.Store
	layout     codec.Layout
	geometry   sab.Geometry
	session    uuid.UUID
	buf        []byte
	maxRetries int
	lastSeen   uint32
	restarted  bool
	closed     bool

	epoch  *foundation.CursorEpoch
	logger *utils.Logger
	stats  readerCounters
}

// OpenReader maps the ring at path read-only.
//
// A missing file returns an error matching both ErrNotReady and
// fs.ErrNotExist. A malformed file returns a *codec.FormatError.
func OpenReader(path string) (*Reader, error) {
	return OpenReaderWithConfig(path, ReaderConfig{})
}

// OpenReaderWithConfig is OpenReader with retry and logging control.
func OpenReaderWithConfig(path string, cfg ReaderConfig) (*Reader, error) {
	store, err := sab.OpenReadOnly(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notReady(err)
		}
		return nil, err
	}

	r, err := NewReader(store, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return r, nil
}

// NewReader reads from an existing store. A writable store works too,
// which lets a process read back its own ring.
func NewReader(store *sab.Store, cfg ReaderConfig) (*Reader, error) {
	epoch, err := foundation.NewCursorEpoch(store)
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = utils.DefaultLogger("ring-reader")
	}

	g := store.Geometry()
	return &Reader{
		store:      store,
		layout:     store.Layout(),
		geometry:   g,
		session:    store.Session(),
		buf:        make([]byte, g.SlotSize),
		maxRetries: maxRetries,
		epoch:      epoch,
		logger:     logger,
	}, nil
}

// ReadLatest returns the most recently published snapshot.
//
// It returns ErrNotReady while nothing is published and a *StaleReadError
// when the writer kept overtaking the read for MaxRetries attempts. Once
// the path names a different file it returns ErrReplaced.
func (r *Reader) ReadLatest() (Snapshot, error) {
	if r.closed {
		return Snapshot{}, ErrReaderClosed
	}

	var t1, t2 uint32
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		session, err := r.store.LoadSession()
		if err != nil {
			return Snapshot{}, err
		}
		t1, err = r.store.LoadLatestTick()
		if err != nil {
			return Snapshot{}, fmt.Errorf("load cursor: %w", err)
		}
		if t1 == 0 || t1 == r.lastSeen || r.lastSeen == 0 {
			if err := r.checkReplaced(); err != nil {
				return Snapshot{}, err
			}
		}
		if t1 == 0 {
			r.stats.notReady.Add(1)
			return Snapshot{}, ErrNotReady
		}
		r.checkRestart(t1)

		slot, ok, err := r.readSlot(t1)
		if err != nil {
			return Snapshot{}, err
		}

		t2, err = r.store.LoadLatestTick()
		if err != nil {
			return Snapshot{}, fmt.Errorf("load cursor: %w", err)
		}
		if ok && t1 == t2 {
			ok, err = r.sameSession(session)
			if err != nil {
				return Snapshot{}, err
			}
		}
		if ok && t1 == t2 {
			r.adoptSession(session)
			r.lastSeen = t1
			r.stats.reads.Add(1)
			return Snapshot{Slot: slot, Session: r.session}, nil
		}

		r.stats.retries.Add(1)
		runtime.Gosched()
	}

	r.stats.staleReads.Add(1)
	return Snapshot{}, &StaleReadError{Tick: t1, Latest: t2, Attempts: r.maxRetries}
}

// ReadTick returns the snapshot for tick n if it is still in the window.
//
// n == 0 or n beyond the cursor is ErrNotReady, or ErrReplaced once the
// path names a different file. A tick that has been overwritten, before or
// during the read, is a *StaleReadError matching ErrExpired.
func (r *Reader) ReadTick(n uint32) (Snapshot, error) {
	if r.closed {
		return Snapshot{}, ErrReaderClosed
	}

	session, err := r.store.LoadSession()
	if err != nil {
		return Snapshot{}, err
	}
	latest, err := r.store.LoadLatestTick()
	if err != nil {
		return Snapshot{}, fmt.Errorf("load cursor: %w", err)
	}
	if n == 0 || latest == 0 || n > latest {
		if err := r.checkReplaced(); err != nil {
			return Snapshot{}, err
		}
		r.stats.notReady.Add(1)
		return Snapshot{}, ErrNotReady
	}
	r.checkRestart(latest)

	if latest-n >= r.geometry.SlotCount {
		r.stats.expired.Add(1)
		return Snapshot{}, &StaleReadError{Tick: n, Latest: latest, Attempts: 1, Expired: true}
	}

	slot, ok, err := r.readSlot(n)
	if err != nil {
		return Snapshot{}, err
	}
	if ok {
		ok, err = r.sameSession(session)
		if err != nil {
			return Snapshot{}, err
		}
	}
	if !ok {
		r.stats.expired.Add(1)
		current, err := r.store.LoadLatestTick()
		if err != nil {
			return Snapshot{}, fmt.Errorf("load cursor: %w", err)
		}
		return Snapshot{}, &StaleReadError{Tick: n, Latest: current, Attempts: 1, Expired: true}
	}

	r.adoptSession(session)
	r.stats.reads.Add(1)
	return Snapshot{Slot: slot, Session: r.session}, nil
}

// readSlot copies the slot holding tick and reports whether its marker
// named tick both before and after the copy.
func (r *Reader) readSlot(tick uint32) (codec.Slot, bool, error) {
	before, err := r.store.LoadSlotMarker(tick)
	if err != nil {
		return codec.Slot{}, false, fmt.Errorf("load slot marker: %w", err)
	}
	if before != tick {
		return codec.Slot{}, false, nil
	}
	if err := r.store.ReadAt(r.geometry.SlotOffset(tick), r.buf); err != nil {
		return codec.Slot{}, false, fmt.Errorf("read slot: %w", err)
	}
	after, err := r.store.LoadSlotMarker(tick)
	if err != nil {
		return codec.Slot{}, false, fmt.Errorf("load slot marker: %w", err)
	}
	if after != tick {
		return codec.Slot{}, false, nil
	}

	slot := r.layout.DecodeSlot(r.buf)
	slot.Tick = tick
	return slot, true, nil
}

// checkRestart treats a cursor below the last one seen as a producer that
// restarted in place.
func (r *Reader) checkRestart(latest uint32) {
	if latest >= r.lastSeen {
		return
	}
	r.stats.restarts.Add(1)
	r.logger.Warn("cursor went backwards, producer restarted",
		utils.Uint32("previous", r.lastSeen),
		utils.Uint32("latest", latest),
	)
	r.lastSeen = 0
	r.restarted = true
}

// sameSession reports whether the header still names session, so a slot
// read in between belongs to it.
func (r *Reader) sameSession(session uuid.UUID) (bool, error) {
	current, err := r.store.LoadSession()
	if err != nil {
		return false, err
	}
	return current == session, nil
}

// adoptSession switches to the session of a consistent read. A producer
// that reset the file in place and published past the old cursor is only
// visible here.
func (r *Reader) adoptSession(session uuid.UUID) {
	if session != r.session {
		if !r.restarted {
			r.stats.restarts.Add(1)
			r.logger.Warn("session changed, producer restarted",
				utils.String("previous_session", r.session.String()),
				utils.String("session", session.String()),
			)
		}
		r.session = session
	}
	r.restarted = false
}

// checkReplaced returns ErrReplaced once the path names another file.
// Stat failures are not fatal to reading the current mapping.
func (r *Reader) checkReplaced() error {
	replaced, err := r.store.Replaced()
	if err != nil {
		r.logger.Debug("cannot check ring file", utils.Err(err))
		return nil
	}
	if replaced {
		return ErrReplaced
	}
	return nil
}

// LatestTick loads the cursor without reading a slot.
func (r *Reader) LatestTick() (uint32, error) {
	if r.closed {
		return 0, ErrReaderClosed
	}
	return r.store.LoadLatestTick()
}

// PublishedAtMs is the producer's wall clock at its last publication.
func (r *Reader) PublishedAtMs() (uint64, error) {
	if r.closed {
		return 0, ErrReaderClosed
	}
	return r.store.LoadPublishedAt()
}

// Replaced reports whether the path now names a different ring file.
func (r *Reader) Replaced() (bool, error) {
	return r.store.Replaced()
}

// Session identifies the producer session of the last snapshot read.
func (r *Reader) Session() uuid.UUID {
	return r.session
}

// Geometry returns the mapped ring's geometry.
func (r *Reader) Geometry() sab.Geometry {
	return r.geometry
}

// Epoch is the cursor watcher used by PollUntil. Writers in the same
// process can pass its Notify to WriterConfig.
func (r *Reader) Epoch() *foundation.CursorEpoch {
	return r.epoch
}

// Stats returns a copy of the reader counters.
func (r *Reader) Stats() ReaderStats {
	return r.stats.snapshot()
}

// Close unmaps the ring.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.store.Close()
}
