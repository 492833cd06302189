package capture

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"firestige.xyz/sessreplay/internal/core"
)

const (
	// Fixed export header written by the upstream dissector.
	exportedHeaderLen = 60

	exportedSrcOffset     = 16
	exportedDstOffset     = 24
	exportedSrcPortOffset = 40
	exportedDstPortOffset = 48
)

// exportedPDU is the decoded export header of one packet.
type exportedPDU struct {
	Src  core.Endpoint
	Dst  core.Endpoint
	Data []byte
}

// parseExported decodes the IPv4 addresses and ports of the export header.
// Ports are 32-bit big-endian fields of which the low 16 bits are used.
func parseExported(data []byte) (exportedPDU, error) {
	if len(data) < exportedHeaderLen {
		return exportedPDU{}, fmt.Errorf("export header: %d bytes: %w", len(data), core.ErrPacketTooShort)
	}

	src := netip.AddrFrom4([4]byte(data[exportedSrcOffset : exportedSrcOffset+4]))
	dst := netip.AddrFrom4([4]byte(data[exportedDstOffset : exportedDstOffset+4]))
	srcPort := binary.BigEndian.Uint32(data[exportedSrcPortOffset : exportedSrcPortOffset+4])
	dstPort := binary.BigEndian.Uint32(data[exportedDstPortOffset : exportedDstPortOffset+4])

	return exportedPDU{
		Src:  core.NewEndpoint(src, uint16(srcPort)),
		Dst:  core.NewEndpoint(dst, uint16(dstPort)),
		Data: data[exportedHeaderLen:],
	}, nil
}
