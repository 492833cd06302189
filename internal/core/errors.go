// Package core defines sentinel and typed errors.
package core

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// Packet decoding errors
	ErrPacketTooShort   = errors.New("sessreplay: packet too short")
	ErrUnsupportedProto = errors.New("sessreplay: unsupported protocol")

	// Session errors
	ErrUnsupportedSession = errors.New("sessreplay: unsupported session")
	ErrMissingSecret      = errors.New("sessreplay: unknown master secret")
	ErrNoClientHello      = errors.New("sessreplay: no TLS client hello")

	// Replay file errors
	ErrFrameDecode = errors.New("sessreplay: malformed replay frame")

	// TLS errors
	ErrTLSRecord = errors.New("sessreplay: TLS record error")

	// Output errors
	ErrOutputSink        = errors.New("sessreplay: output sink failure")
	ErrUnsupportedFormat = errors.New("sessreplay: unsupported output format")

	// Configuration errors
	ErrConfigInvalid = errors.New("sessreplay: invalid configuration")
)

// UnsupportedSessionError marks a session excluded from reconstruction
// because it has no recognizable transport or encapsulation.
type UnsupportedSessionError struct {
	Session string
	Reason  string
	Err     error
}

func (e *UnsupportedSessionError) Error() string {
	return fmt.Sprintf("session %s: unsupported: %s", e.Session, e.Reason)
}

func (e *UnsupportedSessionError) Unwrap() error { return e.Err }

func (e *UnsupportedSessionError) Is(target error) bool { return target == ErrUnsupportedSession }

// MissingSecretError marks a TLS session whose client random has no entry
// in the secrets database.
type MissingSecretError struct {
	Session      string
	ClientRandom string
}

func (e *MissingSecretError) Error() string {
	return fmt.Sprintf("session %s: unknown master secret for client random %s", e.Session, e.ClientRandom)
}

func (e *MissingSecretError) Is(target error) bool { return target == ErrMissingSecret }

// FrameDecodeError reports a malformed replay frame at a byte offset.
type FrameDecodeError struct {
	Offset int64
	Err    error
}

func (e *FrameDecodeError) Error() string {
	return fmt.Sprintf("replay frame at offset %d: %v", e.Offset, e.Err)
}

func (e *FrameDecodeError) Unwrap() error { return e.Err }

func (e *FrameDecodeError) Is(target error) bool { return target == ErrFrameDecode }

// TLSRecordError reports a handshake or record failure. The stream it
// occurred in is truncated at that point.
type TLSRecordError struct {
	Session string
	Op      string
	Err     error
}

func (e *TLSRecordError) Error() string {
	if e.Session == "" {
		return fmt.Sprintf("tls %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("session %s: tls %s: %v", e.Session, e.Op, e.Err)
}

func (e *TLSRecordError) Unwrap() error { return e.Err }

func (e *TLSRecordError) Is(target error) bool { return target == ErrTLSRecord }

// OutputSinkError reports a consume or finalize failure of one sink.
type OutputSinkError struct {
	Sink string
	Op   string
	Err  error
}

func (e *OutputSinkError) Error() string {
	return fmt.Sprintf("sink %s: %s: %v", e.Sink, e.Op, e.Err)
}

func (e *OutputSinkError) Unwrap() error { return e.Err }

func (e *OutputSinkError) Is(target error) bool { return target == ErrOutputSink }

// UnsupportedFormatError is returned for an unknown output format name.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported output format %q", e.Format)
}

func (e *UnsupportedFormatError) Is(target error) bool { return target == ErrUnsupportedFormat }
