package capture

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/sessreplay/internal/capture/capturetest"
	"firestige.xyz/sessreplay/internal/core"
	"firestige.xyz/sessreplay/internal/secrets"
)

var (
	start      = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	clientAddr = netip.MustParseAddrPort("192.168.1.10:51000")
	serverAddr = netip.MustParseAddrPort("192.168.1.20:3389")
)

func tlsConversation(t *testing.T) (capturetest.TLSConfig, *capturetest.TLSConversation) {
	t.Helper()
	cfg := capturetest.TLSConfig{
		CipherSuite: tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		Exchanges: []capturetest.Exchange{
			{Request: []byte("GET /"), Response: bytes.Repeat([]byte("x"), 5000)},
			{Request: []byte("bye")},
		},
	}
	return cfg, capturetest.RunTLS(t, cfg)
}

func keyLog(t *testing.T, conv *capturetest.TLSConversation) *secrets.Database {
	t.Helper()
	db, err := secrets.Parse(bytes.NewReader(conv.KeyLog))
	require.NoError(t, err)
	return db
}

func collect(t *testing.T, s Stream) ([]core.StreamRecord, error) {
	t.Helper()
	var recs []core.StreamRecord
	for {
		rec, err := s.Next()
		if errors.Is(err, io.EOF) {
			return recs, nil
		}
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
}

func joinFrom(recs []core.StreamRecord, src netip.AddrPort) []byte {
	var b []byte
	for _, r := range recs {
		if r.Source.Addr == src.Addr() && r.Source.Port == src.Port() {
			b = append(b, r.Payload...)
		}
	}
	return b
}

type recordingObserver struct {
	dropped int
	listed  []string
	skipped map[string]error
}

func (o *recordingObserver) PacketDropped(int, error) { o.dropped++ }
func (o *recordingObserver) SessionListed(s *Session) { o.listed = append(o.listed, s.ID) }
func (o *recordingObserver) SessionSkipped(k string, err error) {
	if o.skipped == nil {
		o.skipped = make(map[string]error)
	}
	o.skipped[k] = err
}

func TestListSessionsTLS(t *testing.T) {
	cfg, conv := tlsConversation(t)
	b := &capturetest.TCPBuilder{Flow: capturetest.Flow{Client: clientAddr, Server: serverAddr}, Start: start}
	fs := afero.NewMemMapFs()
	capturetest.WritePcap(t, fs, "/in.pcap", b.Build(t, conv.Segments))

	obs := &recordingObserver{}
	listing, err := ListSessions(context.Background(), fs, "/in.pcap", keyLog(t, conv), Filter{}, WithObserver(obs))
	require.NoError(t, err)
	require.Len(t, listing.Sessions, 1)
	assert.Empty(t, listing.Skipped)

	s := listing.Sessions[0]
	assert.Equal(t, KindTLS, s.Kind)
	assert.Equal(t, clientAddr.Addr(), s.Initiator.Addr)
	assert.Equal(t, serverAddr.Port(), s.Responder.Port)
	assert.Equal(t, start, s.Start.UTC())
	assert.Len(t, s.ClientRandom, 64)
	assert.Equal(t, []string{s.ID}, obs.listed)

	recs, err := collect(t, s.Stream())
	require.NoError(t, err)
	assert.Equal(t, cfg.ClientBytes(), joinFrom(recs, clientAddr))
	assert.Equal(t, cfg.ServerBytes(), joinFrom(recs, serverAddr))

	// Streams are fresh iterators.
	again, err := collect(t, s.Stream())
	require.NoError(t, err)
	assert.Equal(t, recs, again)
}

func TestListSessionsMissingSecret(t *testing.T) {
	_, conv := tlsConversation(t)
	b := &capturetest.TCPBuilder{Flow: capturetest.Flow{Client: clientAddr, Server: serverAddr}, Start: start}
	fs := afero.NewMemMapFs()
	capturetest.WritePcap(t, fs, "/in.pcap", b.Build(t, conv.Segments))

	listing, err := ListSessions(context.Background(), fs, "/in.pcap", secrets.Empty(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, listing.Sessions)
	require.Len(t, listing.Skipped, 1)

	var missing *core.MissingSecretError
	require.ErrorAs(t, listing.Skipped[0].Reason, &missing)
	assert.Len(t, missing.ClientRandom, 64)
}

func TestListSessionsMixedCapture(t *testing.T) {
	cfg, conv := tlsConversation(t)
	b := &capturetest.TCPBuilder{Flow: capturetest.Flow{Client: clientAddr, Server: serverAddr}, Start: start}
	frames := b.Build(t, conv.Segments)

	exSrc := netip.MustParseAddrPort("10.1.1.1:40000")
	exDst := netip.MustParseAddrPort("10.1.1.2:3389")
	frames = append(frames,
		capturetest.ExportedFrame(exSrc, exDst, []byte("hello"), start.Add(time.Second)),
		capturetest.ExportedFrame(exDst, exSrc, []byte("world"), start.Add(2*time.Second)),
		capturetest.EthernetFrame(t, netip.MustParseAddr("10.9.9.9"), netip.MustParseAddr("10.9.9.8"),
			&layers.UDP{SrcPort: 5353, DstPort: 5353}, []byte("mdns"), start.Add(3*time.Second)),
	)
	fs := afero.NewMemMapFs()
	capturetest.WritePcapNg(t, fs, "/in.pcapng", frames)

	listing, err := ListSessions(context.Background(), fs, "/in.pcapng", keyLog(t, conv), Filter{})
	require.NoError(t, err)
	require.Len(t, listing.Sessions, 2)
	require.Len(t, listing.Skipped, 1)
	assert.ErrorIs(t, listing.Skipped[0].Reason, core.ErrUnsupportedSession)

	tlsSession, exported := listing.Sessions[0], listing.Sessions[1]
	assert.Equal(t, KindTLS, tlsSession.Kind)
	assert.Equal(t, KindExported, exported.Kind)
	assert.Equal(t, ExportedSessionKey, exported.ID)
	assert.Equal(t, exSrc.Addr(), exported.Initiator.Addr)
	assert.Equal(t, exDst.Port(), exported.Responder.Port)

	recs, err := collect(t, tlsSession.Stream())
	require.NoError(t, err)
	assert.Equal(t, cfg.ServerBytes(), joinFrom(recs, serverAddr))

	recs, err = collect(t, exported.Stream())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, []byte("hello"), recs[0].Payload)
	assert.Equal(t, exDst.Addr(), recs[1].Source.Addr)
	assert.Equal(t, start.Add(2*time.Second).UnixMilli(), recs[1].TimestampMs)
}

func TestListSessionsFilter(t *testing.T) {
	_, conv := tlsConversation(t)
	b := &capturetest.TCPBuilder{Flow: capturetest.Flow{Client: clientAddr, Server: serverAddr}, Start: start}
	fs := afero.NewMemMapFs()
	capturetest.WritePcap(t, fs, "/in.pcap", b.Build(t, conv.Segments))
	db := keyLog(t, conv)

	cases := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"NoFilter", Filter{}, 1},
		{"SourceMatch", Filter{Sources: []netip.Addr{clientAddr.Addr()}}, 1},
		{"SourceIsResponder", Filter{Sources: []netip.Addr{serverAddr.Addr()}}, 0},
		{"DestinationMatch", Filter{Destinations: []netip.Addr{serverAddr.Addr()}}, 1},
		{"DestinationMiss", Filter{Destinations: []netip.Addr{netip.MustParseAddr("1.1.1.1")}}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			listing, err := ListSessions(context.Background(), fs, "/in.pcap", db, tc.filter)
			require.NoError(t, err)
			assert.Len(t, listing.Sessions, tc.want)
			assert.Empty(t, listing.Skipped, "filtered sessions are not failures")
		})
	}
}

func TestListSessionsInitiatorWithoutSYN(t *testing.T) {
	_, conv := tlsConversation(t)
	b := &capturetest.TCPBuilder{
		Flow:          capturetest.Flow{Client: clientAddr, Server: serverAddr},
		Start:         start,
		SkipHandshake: true,
	}
	fs := afero.NewMemMapFs()
	capturetest.WritePcap(t, fs, "/in.pcap", b.Build(t, conv.Segments))

	listing, err := ListSessions(context.Background(), fs, "/in.pcap", keyLog(t, conv), Filter{})
	require.NoError(t, err)
	require.Len(t, listing.Sessions, 1)
	assert.Equal(t, clientAddr.Addr(), listing.Sessions[0].Initiator.Addr)
}

func TestListSessionsLookahead(t *testing.T) {
	_, conv := tlsConversation(t)
	b := &capturetest.TCPBuilder{Flow: capturetest.Flow{Client: clientAddr, Server: serverAddr}, Start: start}
	fs := afero.NewMemMapFs()
	capturetest.WritePcap(t, fs, "/in.pcap", b.Build(t, conv.Segments))

	// SYN, SYN/ACK and ACK come before the ClientHello.
	listing, err := ListSessions(context.Background(), fs, "/in.pcap", keyLog(t, conv), Filter{}, WithLookahead(3))
	require.NoError(t, err)
	assert.Empty(t, listing.Sessions)
	require.Len(t, listing.Skipped, 1)
	assert.ErrorIs(t, listing.Skipped[0].Reason, core.ErrUnsupportedSession)
	assert.ErrorIs(t, listing.Skipped[0].Reason, core.ErrNoClientHello)
}

func TestExportedStreamShortPacket(t *testing.T) {
	src := netip.MustParseAddrPort("10.1.1.1:40000")
	dst := netip.MustParseAddrPort("10.1.1.2:3389")
	frames := []capturetest.Frame{
		capturetest.ExportedFrame(src, dst, []byte("one"), start),
		capturetest.RawFrame(make([]byte, 20), start.Add(time.Millisecond)),
		capturetest.ExportedFrame(src, dst, []byte("two"), start.Add(2*time.Millisecond)),
	}
	fs := afero.NewMemMapFs()
	capturetest.WritePcap(t, fs, "/in.pcap", frames)

	listing, err := ListSessions(context.Background(), fs, "/in.pcap", secrets.Empty(), Filter{})
	require.NoError(t, err)
	require.Len(t, listing.Sessions, 1)

	recs, err := collect(t, listing.Sessions[0].Stream())
	assert.ErrorIs(t, err, core.ErrPacketTooShort)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("one"), recs[0].Payload)
}

func TestExportedStreamEmptyPayload(t *testing.T) {
	src := netip.MustParseAddrPort("10.1.1.1:40000")
	dst := netip.MustParseAddrPort("10.1.1.2:3389")
	frames := []capturetest.Frame{
		capturetest.ExportedFrame(src, dst, []byte("one"), start),
		capturetest.ExportedFrame(dst, src, nil, start.Add(time.Millisecond)),
		capturetest.ExportedFrame(src, dst, []byte("two"), start.Add(2*time.Millisecond)),
	}
	fs := afero.NewMemMapFs()
	capturetest.WritePcap(t, fs, "/in.pcap", frames)

	listing, err := ListSessions(context.Background(), fs, "/in.pcap", secrets.Empty(), Filter{})
	require.NoError(t, err)
	require.Len(t, listing.Sessions, 1)

	recs, err := collect(t, listing.Sessions[0].Stream())
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Empty(t, recs[1].Payload)
	assert.Equal(t, dst.Port(), recs[1].Source.Port)
	assert.Equal(t, start.Add(time.Millisecond).UnixMilli(), recs[1].TimestampMs)
}

func TestListSessionsErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/notes.txt", []byte("definitely not a capture"), 0o644))

	_, err := ListSessions(context.Background(), fs, "/missing.pcap", secrets.Empty(), Filter{})
	assert.Error(t, err)

	_, err = ListSessions(context.Background(), fs, "/notes.txt", secrets.Empty(), Filter{})
	assert.ErrorIs(t, err, errUnknownFormat)

	b := &capturetest.TCPBuilder{Flow: capturetest.Flow{Client: clientAddr, Server: serverAddr}, Start: start}
	capturetest.WritePcap(t, fs, "/in.pcap", b.Build(t, nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ListSessions(ctx, fs, "/in.pcap", secrets.Empty(), Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseExported(t *testing.T) {
	src := netip.MustParseAddrPort("172.16.0.1:65535")
	dst := netip.MustParseAddrPort("172.16.0.2:443")
	frame := capturetest.ExportedFrame(src, dst, []byte("data"), start)

	pdu, err := parseExported(frame.Data)
	require.NoError(t, err)
	assert.Equal(t, src.Addr(), pdu.Src.Addr)
	assert.Equal(t, uint16(65535), pdu.Src.Port)
	assert.Equal(t, uint16(443), pdu.Dst.Port)
	assert.Equal(t, []byte("data"), pdu.Data)

	_, err = parseExported(frame.Data[:59])
	assert.ErrorIs(t, err, core.ErrPacketTooShort)
}

func TestDecodeIPv6(t *testing.T) {
	src := netip.MustParseAddr("2001:db8::1")
	dst := netip.MustParseAddr("2001:db8::2")
	frame := capturetest.EthernetFrame(t, src, dst, &layers.TCP{SrcPort: 1, DstPort: 2, PSH: true, ACK: true}, []byte("v6"), start)

	pkt, err := newDecoder().decode(frame.Data, frame.CI, frame.LinkType)
	require.NoError(t, err)
	assert.Equal(t, src, pkt.Src.Addr)
	assert.Equal(t, uint16(2), pkt.Dst.Port)
	assert.Equal(t, uint8(core.ProtocolTCP), pkt.Protocol)
	assert.True(t, pkt.HasFlag(core.TCPFlagPSH|core.TCPFlagACK))
	assert.Equal(t, []byte("v6"), pkt.Payload)

	_, err = newDecoder().decode([]byte{1, 2, 3}, frame.CI, layers.LinkTypeFDDI)
	assert.ErrorIs(t, err, core.ErrUnsupportedProto)
}
