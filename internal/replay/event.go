// Package replay implements the framed replay artifact: recording events
// to it and indexing it for playback.
package replay

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/sessreplay/internal/core"
)

// Kind is the type of a replay event.
type Kind uint8

const (
	KindClientData Kind = iota + 1
	KindServerData
	KindConnectionClose
)

func (k Kind) String() string {
	switch k {
	case KindClientData:
		return "client_data"
	case KindServerData:
		return "server_data"
	case KindConnectionClose:
		return "connection_close"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Event is one entry of a replay artifact.
type Event struct {
	Kind        Kind
	TimestampMs int64
	Source      core.Endpoint
	Destination core.Endpoint
	Session     string
	Payload     []byte
}

// Time returns the event timestamp in UTC.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.TimestampMs).UTC()
}

// Body field numbers.
const (
	fieldKind        protowire.Number = 1
	fieldTimestamp   protowire.Number = 2
	fieldSource      protowire.Number = 3
	fieldDestination protowire.Number = 4
	fieldPayload     protowire.Number = 5
	fieldSession     protowire.Number = 6
)

var errNoTimestamp = errors.New("event body has no timestamp")

func appendBody(b []byte, e Event) []byte {
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.TimestampMs))
	if e.Source.IsValid() {
		b = protowire.AppendTag(b, fieldSource, protowire.BytesType)
		b = protowire.AppendString(b, e.Source.String())
	}
	if e.Destination.IsValid() {
		b = protowire.AppendTag(b, fieldDestination, protowire.BytesType)
		b = protowire.AppendString(b, e.Destination.String())
	}
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	if e.Session != "" {
		b = protowire.AppendTag(b, fieldSession, protowire.BytesType)
		b = protowire.AppendString(b, e.Session)
	}
	return b
}

// decodeBody parses an event body. Unknown fields are skipped.
func decodeBody(b []byte) (Event, error) {
	var (
		e     Event
		hasTS bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.Kind = Kind(v)
			b = b[n:]
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.TimestampMs = int64(v)
			hasTS = true
			b = b[n:]
		case (num == fieldSource || num == fieldDestination) && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			ep, err := core.ParseEndpoint(v)
			if err != nil {
				return e, err
			}
			if num == fieldSource {
				e.Source = ep
			} else {
				e.Destination = ep
			}
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.Payload = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldSession && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.Session = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if !hasTS {
		return e, errNoTimestamp
	}
	return e, nil
}

// bodyTimestamp extracts the timestamp without materializing the event.
func bodyTimestamp(b []byte) (int64, error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		b = b[n:]
		if num == fieldTimestamp && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			return int64(v), nil
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return 0, errNoTimestamp
}
