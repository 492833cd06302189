package replay

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderLen is the size of the frame header: body length and the low 32
// bits of the millisecond timestamp, both big-endian.
const HeaderLen = 8

// MaxBodyLen rejects corrupt length fields before allocating.
const MaxBodyLen = 64 << 20

type header struct {
	length uint32
	tsLow  uint32
}

func parseHeader(b []byte) header {
	return header{
		length: binary.BigEndian.Uint32(b[0:4]),
		tsLow:  binary.BigEndian.Uint32(b[4:8]),
	}
}

func (h header) validate() error {
	if h.length == 0 {
		return fmt.Errorf("zero-length frame")
	}
	if h.length > MaxBodyLen {
		return fmt.Errorf("frame length %d exceeds %d", h.length, MaxBodyLen)
	}
	return nil
}

// AppendFrame appends the encoded frame of e to dst.
func AppendFrame(dst []byte, e Event) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, HeaderLen)...)
	dst = appendBody(dst, e)
	binary.BigEndian.PutUint32(dst[start:], uint32(len(dst)-start-HeaderLen))
	binary.BigEndian.PutUint32(dst[start+4:], uint32(e.TimestampMs))
	return dst
}

// ReadFrame reads one frame from r. It returns io.EOF only when r is
// exhausted at a frame boundary.
func ReadFrame(r io.Reader) (Event, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Event{}, err
	}
	h := parseHeader(hdr[:])
	if err := h.validate(); err != nil {
		return Event{}, err
	}
	body := make([]byte, h.length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Event{}, err
	}
	return decodeFrameBody(h, body)
}

func decodeFrameBody(h header, body []byte) (Event, error) {
	e, err := decodeBody(body)
	if err != nil {
		return Event{}, err
	}
	if uint32(e.TimestampMs) != h.tsLow {
		return Event{}, fmt.Errorf("header timestamp %d does not match body timestamp %d", h.tsLow, e.TimestampMs)
	}
	return e, nil
}
