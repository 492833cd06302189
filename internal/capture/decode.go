package capture

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/sessreplay/internal/core"
)

// LinkTypeExportedPDU is the Wireshark upper-PDU link type. Frames on it
// carry an export header instead of link-layer framing.
const LinkTypeExportedPDU layers.LinkType = 252

// decoder turns raw frames into captured packets. It reuses its layers
// between calls and is owned by a single goroutine.
type decoder struct {
	eth   layers.Ethernet
	dot1q layers.Dot1Q
	sll   layers.LinuxSLL
	ip4   layers.IPv4
	ip6   layers.IPv6
	tcp   layers.TCP
	udp   layers.UDP
	pl    gopacket.Payload

	parsers map[gopacket.LayerType]*gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func newDecoder() *decoder {
	d := &decoder{parsers: make(map[gopacket.LayerType]*gopacket.DecodingLayerParser)}
	for _, first := range []gopacket.LayerType{
		layers.LayerTypeEthernet,
		layers.LayerTypeLinuxSLL,
		layers.LayerTypeIPv4,
		layers.LayerTypeIPv6,
	} {
		p := gopacket.NewDecodingLayerParser(first,
			&d.eth, &d.dot1q, &d.sll, &d.ip4, &d.ip6, &d.tcp, &d.udp, &d.pl)
		p.IgnoreUnsupported = true
		d.parsers[first] = p
	}
	return d
}

func firstLayer(lt layers.LinkType, data []byte) (gopacket.LayerType, bool) {
	switch lt {
	case layers.LinkTypeEthernet:
		return layers.LayerTypeEthernet, true
	case layers.LinkTypeLinuxSLL:
		return layers.LayerTypeLinuxSLL, true
	case layers.LinkTypeIPv4:
		return layers.LayerTypeIPv4, true
	case layers.LinkTypeIPv6:
		return layers.LayerTypeIPv6, true
	case layers.LinkTypeRaw, 12:
		if len(data) == 0 {
			return 0, false
		}
		if data[0]>>4 == 6 {
			return layers.LayerTypeIPv6, true
		}
		return layers.LayerTypeIPv4, true
	}
	return 0, false
}

// decode classifies one frame. Exported frames keep their raw bytes as
// payload; the export header is parsed per session.
func (d *decoder) decode(data []byte, ci gopacket.CaptureInfo, lt layers.LinkType) (core.CapturedPacket, error) {
	pkt := core.CapturedPacket{Timestamp: ci.Timestamp, LinkType: lt}

	if lt == LinkTypeExportedPDU {
		pkt.Exported = true
		pkt.Payload = data
		return pkt, nil
	}

	first, ok := firstLayer(lt, data)
	if !ok {
		return pkt, fmt.Errorf("link type %s: %w", lt, core.ErrUnsupportedProto)
	}
	if err := d.parsers[first].DecodeLayers(data, &d.decoded); err != nil {
		return pkt, fmt.Errorf("decode frame: %w", err)
	}

	var (
		srcIP, dstIP netip.Addr
		haveIP       bool
	)
	for _, typ := range d.decoded {
		switch typ {
		case layers.LayerTypeIPv4:
			srcIP, _ = netip.AddrFromSlice(d.ip4.SrcIP)
			dstIP, _ = netip.AddrFromSlice(d.ip4.DstIP)
			pkt.Protocol = uint8(d.ip4.Protocol)
			haveIP = true
		case layers.LayerTypeIPv6:
			srcIP, _ = netip.AddrFromSlice(d.ip6.SrcIP)
			dstIP, _ = netip.AddrFromSlice(d.ip6.DstIP)
			pkt.Protocol = uint8(d.ip6.NextHeader)
			haveIP = true
		case layers.LayerTypeTCP:
			pkt.Src = core.NewEndpoint(srcIP, uint16(d.tcp.SrcPort))
			pkt.Dst = core.NewEndpoint(dstIP, uint16(d.tcp.DstPort))
			pkt.TCPFlags = tcpFlags(&d.tcp)
			pkt.Payload = d.tcp.Payload
		case layers.LayerTypeUDP:
			pkt.Src = core.NewEndpoint(srcIP, uint16(d.udp.SrcPort))
			pkt.Dst = core.NewEndpoint(dstIP, uint16(d.udp.DstPort))
			pkt.Payload = d.udp.Payload
		}
	}
	if !haveIP {
		return pkt, fmt.Errorf("non-IP frame: %w", core.ErrUnsupportedProto)
	}
	if !pkt.Src.IsValid() {
		// Transport without ports, keep the addresses for grouping.
		pkt.Src = core.NewEndpoint(srcIP, 0)
		pkt.Dst = core.NewEndpoint(dstIP, 0)
	}
	return pkt, nil
}

func tcpFlags(tcp *layers.TCP) uint8 {
	var f uint8
	if tcp.FIN {
		f |= core.TCPFlagFIN
	}
	if tcp.SYN {
		f |= core.TCPFlagSYN
	}
	if tcp.RST {
		f |= core.TCPFlagRST
	}
	if tcp.PSH {
		f |= core.TCPFlagPSH
	}
	if tcp.ACK {
		f |= core.TCPFlagACK
	}
	if tcp.URG {
		f |= core.TCPFlagURG
	}
	return f
}
