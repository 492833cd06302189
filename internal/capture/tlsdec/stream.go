package tlsdec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"firestige.xyz/sessreplay/internal/core"
)

// maxCiphertext bounds a record fragment per RFC 5246 section 6.2.3.
const maxCiphertext = 16384 + 2048

// DefaultBootstrapMarker starts a TPKT frame that precedes the TLS
// handshake on RDP connections.
var DefaultBootstrapMarker = []byte{0x03, 0x00, 0x00}

// Decrypter turns the packets of one TLS session into plaintext stream
// records. It is a single-pass iterator and is not safe for concurrent use.
type Decrypter struct {
	session string
	packets []core.CapturedPacket
	master  []byte
	marker  []byte

	pos       int
	ctx       Context
	started   bool
	handshake bool
	pending   map[core.Endpoint][]byte
	hsBuf     map[core.Endpoint][]byte
	queue     []core.StreamRecord
	err       error
}

// NewDecrypter returns a decrypter over packets in capture order. marker
// may be nil to disable bootstrap passthrough.
func NewDecrypter(session string, packets []core.CapturedPacket, master, marker []byte) *Decrypter {
	return &Decrypter{
		session: session,
		packets: packets,
		master:  master,
		marker:  marker,
		pending: make(map[core.Endpoint][]byte),
		hsBuf:   make(map[core.Endpoint][]byte),
	}
}

// Context returns the current TLS context.
func (d *Decrypter) Context() Context { return d.ctx }

// Next returns the next plaintext record. It returns io.EOF after the last
// record, or the *core.TLSRecordError that truncated the stream.
func (d *Decrypter) Next() (core.StreamRecord, error) {
	for len(d.queue) == 0 {
		if d.err != nil {
			return core.StreamRecord{}, d.err
		}
		if d.pos >= len(d.packets) {
			d.err = d.finish()
			continue
		}
		pkt := d.packets[d.pos]
		d.pos++
		d.err = d.process(pkt)
	}
	rec := d.queue[0]
	d.queue = d.queue[1:]
	return rec, nil
}

func (d *Decrypter) fail(op string, err error) error {
	return &core.TLSRecordError{Session: d.session, Op: op, Err: err}
}

func (d *Decrypter) finish() error {
	for ep, rest := range d.pending {
		if len(rest) > 0 {
			return d.fail("read record", fmt.Errorf("%d trailing bytes from %s", len(rest), ep))
		}
	}
	return io.EOF
}

func (d *Decrypter) emit(pkt core.CapturedPacket, payload []byte) {
	d.queue = append(d.queue, core.NewStreamRecord(pkt, payload, pkt.Src, pkt.Dst))
}

func (d *Decrypter) process(pkt core.CapturedPacket) error {
	if len(pkt.Payload) == 0 || !pkt.HasFlag(core.TCPFlagPSH) {
		return nil
	}
	if !d.handshake && len(d.marker) > 0 && bytes.HasPrefix(pkt.Payload, d.marker) {
		d.emit(pkt, pkt.Payload)
		return nil
	}

	if !d.started {
		d.ctx = NewContext(pkt.Src, pkt.Dst)
		d.started = true
	}
	if d.ctx.Client != pkt.Src {
		d.ctx = d.ctx.Mirrored()
	}

	buf := append(d.pending[pkt.Src], pkt.Payload...)
	for len(buf) >= recordHeaderLen {
		typ := buf[0]
		vers := binary.BigEndian.Uint16(buf[1:3])
		n := int(binary.BigEndian.Uint16(buf[3:5]))
		if typ < recordTypeChangeCipherSpec || typ > recordTypeApplicationData {
			return d.fail("read record", fmt.Errorf("unknown record type %d", typ))
		}
		if n > maxCiphertext {
			return d.fail("read record", fmt.Errorf("record overflow: %d bytes", n))
		}
		if len(buf) < recordHeaderLen+n {
			break
		}
		fragment := buf[recordHeaderLen : recordHeaderLen+n]
		buf = buf[recordHeaderLen+n:]
		if err := d.record(pkt, typ, vers, fragment); err != nil {
			return err
		}
	}

	if len(buf) == 0 {
		delete(d.pending, pkt.Src)
	} else {
		d.pending[pkt.Src] = append([]byte(nil), buf...)
	}
	return nil
}

func (d *Decrypter) record(pkt core.CapturedPacket, typ uint8, vers uint16, fragment []byte) error {
	d.handshake = true

	plaintext, err := d.ctx.write.open(typ, vers, fragment)
	if err != nil {
		return d.fail("decrypt", err)
	}

	switch typ {
	case recordTypeChangeCipherSpec:
		if err := d.derive(); err != nil {
			return err
		}
		d.ctx.write.changeCipherSpec()
	case recordTypeHandshake:
		return d.handshakeMessages(pkt.Src, plaintext)
	case recordTypeApplicationData:
		if len(plaintext) > 0 {
			d.emit(pkt, plaintext)
		}
	}
	return nil
}

func (d *Decrypter) derive() error {
	ctx, err := d.ctx.Derive(d.master)
	if err != nil {
		return d.fail("derive keys", err)
	}
	d.ctx = ctx
	return nil
}

func (d *Decrypter) handshakeMessages(src core.Endpoint, data []byte) error {
	msgs, rest := splitHandshake(append(d.hsBuf[src], data...))
	if len(rest) == 0 {
		delete(d.hsBuf, src)
	} else {
		d.hsBuf[src] = append([]byte(nil), rest...)
	}

	for _, msg := range msgs {
		switch msg[0] {
		case typeClientHello:
			random, err := parseClientHelloRandom(msg)
			if err != nil {
				return d.fail("client hello", err)
			}
			d.ctx = d.ctx.WithClientHello(random)
		case typeServerHello:
			sh, err := parseServerHello(msg)
			if err != nil {
				return d.fail("server hello", err)
			}
			ctx, err := d.ctx.WithServerHello(sh.random, sh.version, sh.cipherSuite)
			if err != nil {
				return d.fail("server hello", err)
			}
			d.ctx = ctx
		case typeNewSessionTicket, typeFinished:
			if err := d.derive(); err != nil {
				return err
			}
		}
	}
	return nil
}
