package tlsdec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Record content types.
const (
	recordTypeChangeCipherSpec uint8 = 20
	recordTypeAlert            uint8 = 21
	recordTypeHandshake        uint8 = 22
	recordTypeApplicationData  uint8 = 23
)

// Handshake message types.
const (
	typeClientHello      uint8 = 1
	typeServerHello      uint8 = 2
	typeNewSessionTicket uint8 = 4
	typeFinished         uint8 = 20
)

const randomLen = 32

var errShortHandshake = errors.New("truncated handshake message")

type serverHello struct {
	version     uint16
	random      []byte
	cipherSuite uint16
}

// ClientRandom extracts the 32-byte client random when payload starts with
// a handshake record carrying a ClientHello.
func ClientRandom(payload []byte) ([]byte, bool) {
	// record header(5) + handshake type(1) + length(3) + version(2) + random(32)
	const end = recordHeaderLen + 4 + 2 + randomLen
	if len(payload) < end {
		return nil, false
	}
	if payload[0] != recordTypeHandshake || payload[recordHeaderLen] != typeClientHello {
		return nil, false
	}
	random := make([]byte, randomLen)
	copy(random, payload[end-randomLen:end])
	return random, true
}

// splitHandshake cuts complete handshake messages off buf and returns the
// remainder, which holds at most one incomplete message.
func splitHandshake(buf []byte) (msgs [][]byte, rest []byte) {
	for len(buf) >= 4 {
		n := int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
		if len(buf) < 4+n {
			break
		}
		msgs = append(msgs, buf[:4+n])
		buf = buf[4+n:]
	}
	return msgs, buf
}

func parseClientHelloRandom(msg []byte) ([]byte, error) {
	if len(msg) < 4+2+randomLen {
		return nil, errShortHandshake
	}
	return append([]byte(nil), msg[6:6+randomLen]...), nil
}

func parseServerHello(msg []byte) (serverHello, error) {
	var sh serverHello
	body := msg[4:]
	if len(body) < 2+randomLen+1 {
		return sh, errShortHandshake
	}
	sh.version = binary.BigEndian.Uint16(body[0:2])
	sh.random = append([]byte(nil), body[2:2+randomLen]...)
	body = body[2+randomLen:]

	sessionIDLen := int(body[0])
	if len(body) < 1+sessionIDLen+2 {
		return sh, errShortHandshake
	}
	sh.cipherSuite = binary.BigEndian.Uint16(body[1+sessionIDLen:])
	if sh.version < VersionTLS10 || sh.version > VersionTLS12 {
		return sh, fmt.Errorf("unsupported protocol version 0x%04x", sh.version)
	}
	return sh, nil
}
