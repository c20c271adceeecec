// Package archive stores ring snapshots beyond the ring's window.
//
// An archive is a brotli stream holding a ring header with slot_count 0,
// followed by one slot_size record per snapshot, each in the slot layout
// named by the header. Records are appended in tick order.
package archive

import (
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"

	"github.com/nmxmxh/tickring/kernel/threads/codec"
	"github.com/nmxmxh/tickring/kernel/threads/ring"
)

// Options configures a Writer.
type Options struct {
	// Version defaults to codec.DefaultVersion.
	Version  uint32
	SlotSize uint32 // zero selects the layout default
	Session  uuid.UUID
	// Quality is the brotli level, 0..11. Zero selects brotli.DefaultCompression.
	Quality int
}

// Writer appends snapshots to an archive stream.
type Writer struct {
	zw       *brotli.Writer
	layout   codec.Layout
	header   codec.Header
	buf      []byte
	lastTick uint32
	count    uint64
	closed   bool
}

// NewWriter writes the archive header to w and returns a writer for its
// records. Closing the Writer does not close w.
func NewWriter(w io.Writer, opts Options) (*Writer, error) {
	if opts.Version == 0 {
		opts.Version = codec.DefaultVersion
	}
	layout, err := codec.LayoutFor(opts.Version)
	if err != nil {
		return nil, err
	}
	slotSize := opts.SlotSize
	if slotSize == 0 {
		slotSize = layout.DefaultSlotSize
	}
	if err := layout.ValidateSlotSize(slotSize); err != nil {
		return nil, err
	}
	quality := opts.Quality
	if quality == 0 {
		quality = brotli.DefaultCompression
	}
	if quality < brotli.BestSpeed || quality > brotli.BestCompression {
		return nil, fmt.Errorf("brotli quality %d out of range %d..%d", quality, brotli.BestSpeed, brotli.BestCompression)
	}

	header := codec.Header{
		Version:  layout.Version,
		SlotSize: slotSize,
		Session:  opts.Session,
	}
	zw := brotli.NewWriterLevel(w, quality)

	raw := make([]byte, codec.HeaderSize)
	codec.EncodeHeaderInto(raw, header)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("write archive header: %w", err)
	}

	return &Writer{
		zw:     zw,
		layout: layout,
		header: header,
		buf:    make([]byte, slotSize),
	}, nil
}

// Append writes one snapshot. Ticks must increase.
func (w *Writer) Append(s codec.Slot) error {
	if w.closed {
		return errors.New("archive writer closed")
	}
	if s.Tick == 0 || s.Tick <= w.lastTick {
		return fmt.Errorf("tick %d does not follow %d", s.Tick, w.lastTick)
	}
	if err := w.layout.EncodeSlot(w.buf, s.Tick, s.TimestampMs, s.Fields); err != nil {
		return err
	}
	if _, err := w.zw.Write(w.buf); err != nil {
		return fmt.Errorf("write archive record: %w", err)
	}
	w.lastTick = s.Tick
	w.count++
	return nil
}

// Count is the number of records appended.
func (w *Writer) Count() uint64 {
	return w.count
}

// LastTick is the tick of the last record appended, 0 if none.
func (w *Writer) LastTick() uint32 {
	return w.lastTick
}

// Header is the archive header as written.
func (w *Writer) Header() codec.Header {
	return w.header
}

// Flush pushes buffered records to the underlying writer.
func (w *Writer) Flush() error {
	return w.zw.Flush()
}

// Close terminates the brotli stream.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.zw.Close()
}

// Reader iterates over the records of an archive.
type Reader struct {
	zr     *brotli.Reader
	header codec.Header
	layout codec.Layout
	buf    []byte
}

// NewReader reads and validates the archive header.
func NewReader(r io.Reader) (*Reader, error) {
	zr := brotli.NewReader(r)

	raw := make([]byte, codec.HeaderSize)
	if _, err := io.ReadFull(zr, raw); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &codec.FormatError{Code: codec.CodeTruncated, Message: "archive header is incomplete"}
		}
		return nil, fmt.Errorf("read archive header: %w", err)
	}
	header, err := codec.DecodeHeader(raw)
	if err != nil {
		return nil, err
	}
	layout, err := codec.LayoutFor(header.Version)
	if err != nil {
		return nil, err
	}

	return &Reader{
		zr:     zr,
		header: header,
		layout: layout,
		buf:    make([]byte, header.SlotSize),
	}, nil
}

// Header is the decoded archive header.
func (r *Reader) Header() codec.Header {
	return r.header
}

// Session is the producer session the archive was recorded from.
func (r *Reader) Session() uuid.UUID {
	return uuid.UUID(r.header.Session)
}

// Next returns the next record, or io.EOF after the last one. A partial
// trailing record is a format error matching codec.ErrTruncated.
func (r *Reader) Next() (codec.Slot, error) {
	n, err := io.ReadFull(r.zr, r.buf)
	switch {
	case err == nil:
		return r.layout.DecodeSlot(r.buf), nil
	case errors.Is(err, io.EOF):
		return codec.Slot{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return codec.Slot{}, &codec.FormatError{
			Code:    codec.CodeTruncated,
			Message: fmt.Sprintf("trailing record is %d of %d bytes", n, len(r.buf)),
		}
	default:
		return codec.Slot{}, fmt.Errorf("read archive record: %w", err)
	}
}

// Export appends every tick still readable in r after w's last tick and
// returns how many were written. Ticks that expire while exporting are
// skipped.
func Export(r *ring.Reader, w *Writer) (int, error) {
	latest, err := r.LatestTick()
	if err != nil {
		return 0, err
	}
	if latest == 0 {
		return 0, nil
	}

	first := w.LastTick() + 1
	if window := r.Geometry().SlotCount; latest >= window && first <= latest-window {
		first = latest - window + 1
	}

	written := 0
	for tick := first; tick <= latest && tick != 0; tick++ {
		snap, err := r.ReadTick(tick)
		if errors.Is(err, ring.ErrExpired) {
			continue
		}
		if err != nil {
			return written, err
		}
		if err := w.Append(snap.Slot); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}
