package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/afero"
)

const pcapngMagic = 0x0A0D0D0A

var errUnknownFormat = errors.New("not a pcap or pcapng file")

// captureFile reads packets from a classic pcap or a pcapng file. pcapng
// captures may mix link types, one per interface.
type captureFile struct {
	file afero.File
	pcap *pcapgo.Reader
	ng   *pcapgo.NgReader
}

var ngOptions = pcapgo.NgReaderOptions{
	WantMixedLinkType:  true,
	SkipUnknownVersion: true,
}

func openCapture(fs afero.Fs, path string) (*captureFile, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture %s: %w", path, err)
	}

	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read capture header %s: %w", path, err)
	}

	c := &captureFile{file: f}
	switch {
	case binary.BigEndian.Uint32(magic) == pcapngMagic:
		c.ng, err = pcapgo.NewNgReader(br, ngOptions)
	case isPcapMagic(magic):
		c.pcap, err = pcapgo.NewReader(br)
	default:
		err = errUnknownFormat
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open capture %s: %w", path, err)
	}
	return c, nil
}

func isPcapMagic(b []byte) bool {
	switch binary.BigEndian.Uint32(b) {
	case 0xa1b2c3d4, 0xd4c3b2a1, 0xa1b23c4d, 0x4d3cb2a1:
		return true
	}
	return false
}

// next returns the next frame and the link type it was captured on. It
// returns io.EOF at the end of the file.
func (c *captureFile) next() ([]byte, gopacket.CaptureInfo, layers.LinkType, error) {
	if c.pcap != nil {
		data, ci, err := c.pcap.ReadPacketData()
		return data, ci, c.pcap.LinkType(), err
	}

	data, ci, err := c.ng.ReadPacketData()
	if err != nil {
		return nil, ci, 0, err
	}
	if len(ci.AncillaryData) > 0 {
		if lt, ok := ci.AncillaryData[0].(layers.LinkType); ok {
			return data, ci, lt, nil
		}
	}
	intf, err := c.ng.Interface(ci.InterfaceIndex)
	if err != nil {
		return nil, ci, 0, fmt.Errorf("interface %d: %w", ci.InterfaceIndex, err)
	}
	return data, ci, intf.LinkType, nil
}

func (c *captureFile) Close() error {
	return c.file.Close()
}

var _ io.Closer = (*captureFile)(nil)
