package capturetest

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// LinkTypeExportedPDU mirrors the capture package constant.
const LinkTypeExportedPDU layers.LinkType = 252

// DefaultChunk is the largest TCP payload put in one frame.
const DefaultChunk = 1400

// Frame is one captured frame with its link type.
type Frame struct {
	CI       gopacket.CaptureInfo
	Data     []byte
	LinkType layers.LinkType
}

// Flow is a TCP connection seen from the client.
type Flow struct {
	Client netip.AddrPort
	Server netip.AddrPort
}

// TCPBuilder turns segments into Ethernet/IP/TCP frames with increasing
// timestamps.
type TCPBuilder struct {
	Flow  Flow
	Start time.Time
	Step  time.Duration // defaults to 1ms
	Chunk int           // defaults to DefaultChunk

	// SkipHandshake omits the SYN, SYN/ACK, ACK preamble.
	SkipHandshake bool

	frames    []Frame
	clientSeq uint32
	serverSeq uint32
}

// Build returns the frames of a full connection carrying segs.
func (b *TCPBuilder) Build(tb testing.TB, segs []Segment) []Frame {
	tb.Helper()
	if b.Step == 0 {
		b.Step = time.Millisecond
	}
	if b.Chunk == 0 {
		b.Chunk = DefaultChunk
	}
	b.frames = nil
	b.clientSeq, b.serverSeq = 1000, 5000

	if !b.SkipHandshake {
		b.add(tb, true, layers.TCP{SYN: true}, nil)
		b.add(tb, false, layers.TCP{SYN: true, ACK: true}, nil)
		b.add(tb, true, layers.TCP{ACK: true}, nil)
	}
	for _, seg := range segs {
		for data := seg.Data; len(data) > 0; {
			n := min(len(data), b.Chunk)
			b.add(tb, seg.FromClient, layers.TCP{PSH: true, ACK: true}, data[:n])
			data = data[n:]
		}
	}
	b.add(tb, true, layers.TCP{FIN: true, ACK: true}, nil)
	return b.frames
}

func (b *TCPBuilder) add(tb testing.TB, fromClient bool, tcp layers.TCP, payload []byte) {
	src, dst := b.Flow.Client, b.Flow.Server
	seq := &b.clientSeq
	if !fromClient {
		src, dst = dst, src
		seq = &b.serverSeq
	}
	tcp.SrcPort = layers.TCPPort(src.Port())
	tcp.DstPort = layers.TCPPort(dst.Port())
	tcp.Seq = *seq
	tcp.Window = 65535
	*seq += uint32(len(payload))
	if tcp.SYN || tcp.FIN {
		*seq++
	}

	ts := b.Start.Add(time.Duration(len(b.frames)) * b.Step)
	b.frames = append(b.frames, EthernetFrame(tb, src.Addr(), dst.Addr(), &tcp, payload, ts))
}

// EthernetFrame serializes one Ethernet/IP frame around a transport layer.
func EthernetFrame(tb testing.TB, src, dst netip.Addr, transport gopacket.SerializableLayer, payload []byte, ts time.Time) Frame {
	tb.Helper()

	eth := &layers.Ethernet{
		SrcMAC: net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC: net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
	}
	var network gopacket.NetworkLayer
	var proto layers.IPProtocol
	switch transport.(type) {
	case *layers.UDP:
		proto = layers.IPProtocolUDP
	default:
		proto = layers.IPProtocolTCP
	}
	if src.Is4() {
		eth.EthernetType = layers.EthernetTypeIPv4
		network = &layers.IPv4{Version: 4, TTL: 64, Protocol: proto, SrcIP: src.AsSlice(), DstIP: dst.AsSlice()}
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		network = &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: proto, SrcIP: src.AsSlice(), DstIP: dst.AsSlice()}
	}
	switch t := transport.(type) {
	case *layers.TCP:
		require.NoError(tb, t.SetNetworkLayerForChecksum(network))
	case *layers.UDP:
		require.NoError(tb, t.SetNetworkLayerForChecksum(network))
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	err := gopacket.SerializeLayers(buf, opts,
		eth, network.(gopacket.SerializableLayer), transport, gopacket.Payload(payload))
	require.NoError(tb, err)

	data := buf.Bytes()
	return Frame{
		CI:       gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)},
		Data:     data,
		LinkType: layers.LinkTypeEthernet,
	}
}

// ExportedFrame builds a 60-byte export header followed by data.
func ExportedFrame(src, dst netip.AddrPort, data []byte, ts time.Time) Frame {
	hdr := make([]byte, 60)
	tag := func(off int, t uint16, l uint16) {
		binary.BigEndian.PutUint16(hdr[off:], t)
		binary.BigEndian.PutUint16(hdr[off+2:], l)
	}
	tag(0, 12, 8)
	copy(hdr[4:12], "tls")
	tag(12, 20, 4)
	s4, d4 := src.Addr().As4(), dst.Addr().As4()
	copy(hdr[16:20], s4[:])
	tag(20, 21, 4)
	copy(hdr[24:28], d4[:])
	tag(28, 24, 4)
	binary.BigEndian.PutUint32(hdr[32:], 2)
	tag(36, 25, 4)
	binary.BigEndian.PutUint32(hdr[40:], uint32(src.Port()))
	tag(44, 26, 4)
	binary.BigEndian.PutUint32(hdr[48:], uint32(dst.Port()))
	tag(52, 30, 4)
	binary.BigEndian.PutUint32(hdr[56:], 1)

	frame := append(hdr, data...)
	return Frame{
		CI:       gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(frame), Length: len(frame)},
		Data:     frame,
		LinkType: LinkTypeExportedPDU,
	}
}

// RawFrame wraps arbitrary bytes on the exported link type, for malformed
// input.
func RawFrame(data []byte, ts time.Time) Frame {
	return Frame{
		CI:       gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)},
		Data:     data,
		LinkType: LinkTypeExportedPDU,
	}
}

// WritePcap writes frames as a classic pcap file. All frames must share
// the link type of the first one.
func WritePcap(tb testing.TB, fs afero.Fs, path string, frames []Frame) {
	tb.Helper()
	f, err := fs.Create(path)
	require.NoError(tb, err)
	defer f.Close()

	lt := layers.LinkTypeEthernet
	if len(frames) > 0 {
		lt = frames[0].LinkType
	}
	w := pcapgo.NewWriter(f)
	require.NoError(tb, w.WriteFileHeader(65536, lt))
	for _, fr := range frames {
		require.Equal(tb, lt, fr.LinkType, "pcap files carry one link type")
		require.NoError(tb, w.WritePacket(fr.CI, fr.Data))
	}
}

// WritePcapNg writes frames as pcapng, with one interface per link type.
func WritePcapNg(tb testing.TB, fs afero.Fs, path string, frames []Frame) {
	tb.Helper()
	f, err := fs.Create(path)
	require.NoError(tb, err)
	defer f.Close()

	lt := layers.LinkTypeEthernet
	if len(frames) > 0 {
		lt = frames[0].LinkType
	}
	w, err := pcapgo.NewNgWriter(f, lt)
	require.NoError(tb, err)

	ifaces := map[layers.LinkType]int{lt: 0}
	for _, fr := range frames {
		id, ok := ifaces[fr.LinkType]
		if !ok {
			id, err = w.AddInterface(pcapgo.NgInterface{LinkType: fr.LinkType, SnapLength: 65536})
			require.NoError(tb, err)
			ifaces[fr.LinkType] = id
		}
		ci := fr.CI
		ci.InterfaceIndex = id
		require.NoError(tb, w.WritePacket(ci, fr.Data))
	}
	require.NoError(tb, w.Flush())
}
