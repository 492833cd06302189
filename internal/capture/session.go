// Package capture reconstructs application sessions from capture files.
package capture

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"slices"
	"time"

	"github.com/spf13/afero"

	"firestige.xyz/sessreplay/internal/capture/tlsdec"
	"firestige.xyz/sessreplay/internal/core"
	"firestige.xyz/sessreplay/internal/secrets"
)

// ExportedSessionKey groups every exported-PDU packet of a capture.
const ExportedSessionKey = "exported"

// DefaultLookahead is the number of packets searched for a ClientHello.
const DefaultLookahead = 20

// Kind is the encapsulation of a session.
type Kind int

const (
	KindExported Kind = iota + 1
	KindTLS
)

func (k Kind) String() string {
	switch k {
	case KindExported:
		return "exported"
	case KindTLS:
		return "tls"
	default:
		return "unknown"
	}
}

// Session is one reconstructable conversation of a capture.
type Session struct {
	ID        string
	Kind      Kind
	Start     time.Time
	Initiator core.Endpoint
	Responder core.Endpoint
	Packets   []core.CapturedPacket

	// ClientRandom is the hex client random of TLS sessions.
	ClientRandom string

	master []byte
	marker []byte
}

// PayloadBytes sums the captured payload of all packets.
func (s *Session) PayloadBytes() int {
	n := 0
	for i := range s.Packets {
		n += len(s.Packets[i].Payload)
	}
	return n
}

// Stream returns a fresh single-pass iterator over the session's records.
func (s *Session) Stream() Stream {
	if s.Kind == KindExported {
		return &exportedStream{session: s.ID, packets: s.Packets}
	}
	return tlsdec.NewDecrypter(s.ID, s.Packets, s.master, s.marker)
}

// SkippedSession is a session excluded from reconstruction.
type SkippedSession struct {
	Key    string
	Reason error
}

// Listing is the classification result of one capture.
type Listing struct {
	Sessions []*Session
	Skipped  []SkippedSession
	Dropped  int
}

// Filter restricts sessions by address. An empty list matches all.
type Filter struct {
	Sources      []netip.Addr
	Destinations []netip.Addr
}

// Match reports whether a session between initiator and responder passes.
func (f Filter) Match(initiator, responder core.Endpoint) bool {
	if len(f.Sources) > 0 && !slices.Contains(f.Sources, initiator.Addr) {
		return false
	}
	if len(f.Destinations) > 0 && !slices.Contains(f.Destinations, responder.Addr) {
		return false
	}
	return true
}

type options struct {
	lookahead int
	observer  Observer
	marker    []byte
}

// Option configures ListSessions.
type Option func(*options)

// WithLookahead sets how many leading packets are searched for a
// ClientHello.
func WithLookahead(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.lookahead = n
		}
	}
}

// WithObserver sets the progress observer.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithBootstrapMarker sets the prefix of plaintext frames passed through
// before the TLS handshake. An empty marker disables passthrough.
func WithBootstrapMarker(marker []byte) Option {
	return func(o *options) {
		o.marker = marker
	}
}

type group struct {
	key      string
	exported bool
	tcp      bool
	packets  []core.CapturedPacket
}

// ListSessions reads a capture, groups its packets into sessions and
// classifies them. Sessions that cannot be reconstructed are reported in
// Listing.Skipped; only failures to read the capture are returned as
// errors.
func ListSessions(ctx context.Context, fs afero.Fs, path string, db *secrets.Database, filter Filter, opts ...Option) (*Listing, error) {
	o := options{
		lookahead: DefaultLookahead,
		observer:  NopObserver{},
		marker:    tlsdec.DefaultBootstrapMarker,
	}
	for _, opt := range opts {
		opt(&o)
	}

	groups, dropped, err := readGroups(ctx, fs, path, o.observer)
	if err != nil {
		return nil, err
	}

	listing := &Listing{Dropped: dropped}
	for _, g := range groups {
		s, err := classify(g, db, filter, o)
		switch {
		case err != nil:
			listing.Skipped = append(listing.Skipped, SkippedSession{Key: g.key, Reason: err})
			o.observer.SessionSkipped(g.key, err)
		case s != nil:
			listing.Sessions = append(listing.Sessions, s)
			o.observer.SessionListed(s)
		}
	}
	return listing, nil
}

func readGroups(ctx context.Context, fs afero.Fs, path string, obs Observer) ([]*group, int, error) {
	cf, err := openCapture(fs, path)
	if err != nil {
		return nil, 0, err
	}
	defer cf.Close()

	var (
		groups  []*group
		byKey   = make(map[string]*group)
		dec     = newDecoder()
		dropped int
	)
	for i := 0; ; i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, dropped, err
			}
		}

		data, ci, lt, err := cf.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, dropped, fmt.Errorf("read capture %s: %w", path, err)
		}

		pkt, err := dec.decode(data, ci, lt)
		if err != nil {
			dropped++
			obs.PacketDropped(i, err)
			continue
		}

		key := groupKey(pkt)
		g, ok := byKey[key]
		if !ok {
			g = &group{key: key, exported: pkt.Exported, tcp: pkt.Protocol == core.ProtocolTCP}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.packets = append(g.packets, pkt)
	}
	return groups, dropped, nil
}

func groupKey(pkt core.CapturedPacket) string {
	if pkt.Exported {
		return ExportedSessionKey
	}
	flow := core.NewFlowKey(pkt.Src, pkt.Dst).String()
	if pkt.Protocol == core.ProtocolTCP {
		return flow
	}
	return fmt.Sprintf("%s/%d", flow, pkt.Protocol)
}

// classify returns nil, nil for sessions rejected by the filter.
func classify(g *group, db *secrets.Database, filter Filter, o options) (*Session, error) {
	s := &Session{
		ID:      g.key,
		Start:   g.packets[0].Timestamp,
		Packets: g.packets,
		marker:  o.marker,
	}

	if g.exported {
		s.Kind = KindExported
		for _, pkt := range g.packets {
			if pdu, err := parseExported(pkt.Payload); err == nil {
				s.Initiator, s.Responder = pdu.Src, pdu.Dst
				break
			}
		}
		if !filter.Match(s.Initiator, s.Responder) {
			return nil, nil
		}
		return s, nil
	}

	if !g.tcp {
		return nil, &core.UnsupportedSessionError{Session: g.key, Reason: "not a TCP session"}
	}

	s.Initiator, s.Responder = initiator(g.packets)
	if !filter.Match(s.Initiator, s.Responder) {
		return nil, nil
	}

	random, ok := findClientHello(g.packets, o.lookahead)
	if !ok {
		return nil, &core.UnsupportedSessionError{
			Session: g.key,
			Reason:  fmt.Sprintf("no TLS ClientHello within %d packets", o.lookahead),
			Err:     core.ErrNoClientHello,
		}
	}
	s.Kind = KindTLS
	s.ClientRandom = hex.EncodeToString(random)

	secret, ok := db.Lookup(s.ClientRandom)
	if !ok {
		return nil, &core.MissingSecretError{Session: g.key, ClientRandom: s.ClientRandom}
	}
	s.master = secret.MasterSecret
	return s, nil
}

// initiator picks the sender of a bare SYN, or the source of the first
// packet when the capture missed the handshake.
func initiator(pkts []core.CapturedPacket) (core.Endpoint, core.Endpoint) {
	for _, pkt := range pkts {
		if pkt.HasFlag(core.TCPFlagSYN) && !pkt.HasFlag(core.TCPFlagACK) {
			return pkt.Src, pkt.Dst
		}
	}
	return pkts[0].Src, pkts[0].Dst
}

func findClientHello(pkts []core.CapturedPacket, lookahead int) ([]byte, bool) {
	for i, pkt := range pkts {
		if i >= lookahead {
			break
		}
		if random, ok := tlsdec.ClientRandom(pkt.Payload); ok {
			return random, true
		}
	}
	return nil, false
}
