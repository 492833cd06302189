// Package core defines core data structures shared by the reconstruction,
// replay and playback layers.
package core

import (
	"time"

	"github.com/google/gopacket/layers"
)

// CapturedPacket is one frame from a capture file, already stripped down to
// the fields session reconstruction needs. Read-only once captured.
type CapturedPacket struct {
	Timestamp time.Time
	LinkType  layers.LinkType
	Src       Endpoint
	Dst       Endpoint
	Protocol  uint8  // IP protocol number, zero for exported PDUs
	TCPFlags  uint8  // Lower 6 bits of the TCP flags byte
	Payload   []byte // Transport payload, or the full PDU for exported packets
	Exported  bool   // No link-layer framing; payload carries an encapsulation header
}

// HasFlag reports whether all bits of flag are set.
func (p CapturedPacket) HasFlag(flag uint8) bool {
	return p.TCPFlags&flag == flag
}

// StreamRecord is the unit yielded by session reconstruction.
type StreamRecord struct {
	Payload     []byte
	TimestampMs int64
	Source      Endpoint
	Destination Endpoint
}

// Time returns the record timestamp as a time.Time in UTC.
func (r StreamRecord) Time() time.Time {
	return time.UnixMilli(r.TimestampMs).UTC()
}

// NewStreamRecord builds a record stamped with the packet's capture time.
func NewStreamRecord(pkt CapturedPacket, payload []byte, src, dst Endpoint) StreamRecord {
	return StreamRecord{
		Payload:     payload,
		TimestampMs: pkt.Timestamp.UnixMilli(),
		Source:      src,
		Destination: dst,
	}
}
