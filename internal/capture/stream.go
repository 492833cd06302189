package capture

import (
	"fmt"
	"io"

	"firestige.xyz/sessreplay/internal/core"
)

// Stream is a single-pass iterator over the records of one session. Next
// returns io.EOF after the last record; any other error truncates the
// stream, and records returned before it remain valid.
type Stream interface {
	Next() (core.StreamRecord, error)
}

type exportedStream struct {
	session string
	packets []core.CapturedPacket
	pos     int
	err     error
}

func (s *exportedStream) Next() (core.StreamRecord, error) {
	for s.err == nil {
		if s.pos >= len(s.packets) {
			s.err = io.EOF
			break
		}
		pkt := s.packets[s.pos]
		s.pos++

		pdu, err := parseExported(pkt.Payload)
		if err != nil {
			s.err = fmt.Errorf("session %s: %w", s.session, err)
			break
		}
		return core.NewStreamRecord(pkt, pdu.Data, pdu.Src, pdu.Dst), nil
	}
	return core.StreamRecord{}, s.err
}
