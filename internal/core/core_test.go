package core

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFlowKeyIsUnordered(t *testing.T) {
	a := NewEndpoint(netip.MustParseAddr("10.0.0.1"), 50000)
	b := NewEndpoint(netip.MustParseAddr("10.0.0.2"), 3389)

	assert.Equal(t, NewFlowKey(a, b), NewFlowKey(b, a))
	assert.Equal(t, "10.0.0.1:50000<->10.0.0.2:3389", NewFlowKey(b, a).String())
}

func TestEndpoint(t *testing.T) {
	t.Run("ParseIPv4", func(t *testing.T) {
		e, err := ParseEndpoint("192.168.1.10:3389")
		assert.NoError(t, err)
		assert.Equal(t, uint16(3389), e.Port)
		assert.Equal(t, "192.168.1.10", e.Host())
	})

	t.Run("ParseIPv6", func(t *testing.T) {
		e, err := ParseEndpoint("[2001:db8::1]:443")
		assert.NoError(t, err)
		assert.Equal(t, "[2001:db8::1]:443", e.String())
	})

	t.Run("MappedAddressIsUnmapped", func(t *testing.T) {
		e := NewEndpoint(netip.MustParseAddr("::ffff:10.1.1.1"), 1)
		assert.True(t, e.Addr.Is4())
	})

	t.Run("ZeroValue", func(t *testing.T) {
		var e Endpoint
		assert.False(t, e.IsValid())
		assert.Equal(t, "-", e.String())
	})
}

func TestNewStreamRecord(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 123_456_789, time.UTC)
	pkt := CapturedPacket{Timestamp: ts, TCPFlags: TCPFlagPSH | TCPFlagACK}
	src := NewEndpoint(netip.MustParseAddr("10.0.0.1"), 1)
	dst := NewEndpoint(netip.MustParseAddr("10.0.0.2"), 2)

	rec := NewStreamRecord(pkt, []byte("x"), src, dst)

	assert.Equal(t, ts.UnixMilli(), rec.TimestampMs)
	assert.Equal(t, ts.Truncate(time.Millisecond), rec.Time())
	assert.True(t, pkt.HasFlag(TCPFlagPSH))
	assert.False(t, pkt.HasFlag(TCPFlagSYN))
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
	}{
		{&UnsupportedSessionError{Session: "s", Reason: "udp"}, ErrUnsupportedSession},
		{&MissingSecretError{Session: "s", ClientRandom: "ab"}, ErrMissingSecret},
		{&FrameDecodeError{Offset: 8, Err: io.ErrUnexpectedEOF}, ErrFrameDecode},
		{&TLSRecordError{Op: "decrypt", Err: errors.New("bad tag")}, ErrTLSRecord},
		{&OutputSinkError{Sink: "json", Op: "finalize", Err: errors.New("disk full")}, ErrOutputSink},
		{&UnsupportedFormatError{Format: "mp4"}, ErrUnsupportedFormat},
	}

	for _, tc := range cases {
		wrapped := fmt.Errorf("context: %w", tc.err)
		if !errors.Is(wrapped, tc.sentinel) {
			t.Errorf("%T does not match %v", tc.err, tc.sentinel)
		}
	}

	noHello := &UnsupportedSessionError{Session: "s", Reason: "no hello", Err: ErrNoClientHello}
	assert.ErrorIs(t, noHello, ErrNoClientHello)
	assert.ErrorIs(t, noHello, ErrUnsupportedSession)

	frameErr := &FrameDecodeError{Offset: 16, Err: io.ErrUnexpectedEOF}
	assert.ErrorIs(t, frameErr, io.ErrUnexpectedEOF)
	assert.Contains(t, frameErr.Error(), "offset 16")
}
