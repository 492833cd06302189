package replay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"firestige.xyz/sessreplay/internal/core"
)

// File is a replay artifact opened for indexing and random access.
type File interface {
	io.ReadSeeker
	io.ReaderAt
}

// Index maps each distinct event timestamp, relative to the first event,
// to the body offsets of its frames. It is immutable once built and safe
// for concurrent use.
type Index struct {
	file       File
	base       int64
	timestamps []int64
	offsets    map[int64][]int64
	frames     int
	duration   int64
}

// BuildIndex scans every frame from the current position of f to its end.
// The position of f is restored before returning, on success or error.
func BuildIndex(f File) (idx *Index, err error) {
	start, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("replay index: %w", err)
	}
	defer func() {
		if _, serr := f.Seek(start, io.SeekStart); serr != nil && err == nil {
			idx, err = nil, fmt.Errorf("replay index: restore position: %w", serr)
		}
	}()

	var (
		br       = bufio.NewReader(f)
		pos      = start
		hdr      [HeaderLen]byte
		body     []byte
		absolute = make(map[int64][]int64)
		frames   int
		first    = true
		lo, hi   int64
	)
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, &core.FrameDecodeError{Offset: pos, Err: err}
		}
		h := parseHeader(hdr[:])
		if err := h.validate(); err != nil {
			return nil, &core.FrameDecodeError{Offset: pos, Err: err}
		}

		body = slices.Grow(body[:0], int(h.length))[:h.length]
		if _, err := io.ReadFull(br, body); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, &core.FrameDecodeError{Offset: pos, Err: err}
		}

		ts, err := bodyTimestamp(body)
		if err != nil {
			return nil, &core.FrameDecodeError{Offset: pos, Err: err}
		}
		if uint32(ts) != h.tsLow {
			return nil, &core.FrameDecodeError{Offset: pos, Err: fmt.Errorf("header timestamp %d does not match body timestamp %d", h.tsLow, ts)}
		}

		absolute[ts] = append(absolute[ts], pos+HeaderLen)
		if first || ts < lo {
			lo = ts
		}
		if first || ts > hi {
			hi = ts
		}
		first = false
		frames++
		pos += HeaderLen + int64(h.length)
	}

	idx = &Index{
		file:    f,
		base:    lo,
		offsets: make(map[int64][]int64, len(absolute)),
		frames:  frames,
	}
	for ts, offs := range absolute {
		rel := ts - lo
		idx.offsets[rel] = offs
		idx.timestamps = append(idx.timestamps, rel)
	}
	slices.Sort(idx.timestamps)
	if frames > 0 {
		idx.duration = hi - lo
	}
	return idx, nil
}

// Timestamps returns the sorted distinct relative timestamps in
// milliseconds. The slice must not be modified.
func (idx *Index) Timestamps() []int64 { return idx.timestamps }

// Offsets returns the body offsets of the frames at a relative timestamp,
// in file order.
func (idx *Index) Offsets(ts int64) []int64 { return idx.offsets[ts] }

// Len returns the number of distinct timestamps.
func (idx *Index) Len() int { return len(idx.timestamps) }

// Frames returns the number of frames indexed.
func (idx *Index) Frames() int { return idx.frames }

// Base returns the absolute millisecond timestamp of relative zero.
func (idx *Index) Base() int64 { return idx.base }

// Duration returns the span between the first and last event.
func (idx *Index) Duration() time.Duration {
	return time.Duration(idx.duration) * time.Millisecond
}

// DurationSeconds returns the duration in fractional seconds.
func (idx *Index) DurationSeconds() float64 {
	return float64(idx.duration) / 1000.0
}

// ReadEventAt decodes the frame whose body starts at offset. It uses
// positioned reads only and never moves the file cursor.
func (idx *Index) ReadEventAt(offset int64) (Event, error) {
	if offset < HeaderLen {
		return Event{}, &core.FrameDecodeError{Offset: offset, Err: fmt.Errorf("offset before first body")}
	}
	var hdr [HeaderLen]byte
	if err := readFullAt(idx.file, hdr[:], offset-HeaderLen); err != nil {
		return Event{}, &core.FrameDecodeError{Offset: offset - HeaderLen, Err: err}
	}
	h := parseHeader(hdr[:])
	if err := h.validate(); err != nil {
		return Event{}, &core.FrameDecodeError{Offset: offset - HeaderLen, Err: err}
	}
	body := make([]byte, h.length)
	if err := readFullAt(idx.file, body, offset); err != nil {
		return Event{}, &core.FrameDecodeError{Offset: offset - HeaderLen, Err: err}
	}
	e, err := decodeFrameBody(h, body)
	if err != nil {
		return Event{}, &core.FrameDecodeError{Offset: offset - HeaderLen, Err: err}
	}
	return e, nil
}

// Events decodes every frame of one relative timestamp bucket.
func (idx *Index) Events(ts int64) ([]Event, error) {
	offs := idx.offsets[ts]
	events := make([]Event, 0, len(offs))
	for _, off := range offs {
		e, err := idx.ReadEventAt(off)
		if err != nil {
			return events, err
		}
		events = append(events, e)
	}
	return events, nil
}

// readFullAt tolerates io.EOF alongside a complete read, as io.ReaderAt
// permits.
func readFullAt(r io.ReaderAt, b []byte, off int64) error {
	n, err := r.ReadAt(b, off)
	if n == len(b) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
