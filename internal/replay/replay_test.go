package replay

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/sessreplay/internal/core"
)

const base = int64(1_700_000_000_000)

var (
	client = core.NewEndpoint(netip.MustParseAddr("10.0.0.1"), 50000)
	server = core.NewEndpoint(netip.MustParseAddr("10.0.0.2"), 3389)
)

func sampleEvents() []Event {
	return []Event{
		{Kind: KindClientData, TimestampMs: base, Source: client, Destination: server, Session: "s", Payload: []byte("a")},
		{Kind: KindServerData, TimestampMs: base, Source: server, Destination: client, Session: "s", Payload: []byte("bb")},
		{Kind: KindClientData, TimestampMs: base + 500, Source: client, Destination: server, Session: "s", Payload: bytes.Repeat([]byte("c"), 70000)},
		{Kind: KindServerData, TimestampMs: base + 2000, Source: server, Destination: client, Session: "s", Payload: []byte("d")},
		{Kind: KindConnectionClose, TimestampMs: base + 2000, Source: client, Destination: server, Session: "s"},
	}
}

func record(t *testing.T, events []Event) []byte {
	t.Helper()
	var buf bytes.Buffer
	rec := NewRecorder(&buf)
	for _, e := range events {
		require.NoError(t, rec.Record(e))
	}
	require.NoError(t, rec.Flush())
	assert.Equal(t, len(events), rec.Frames())
	assert.Equal(t, int64(buf.Len()), rec.Bytes())
	return buf.Bytes()
}

func TestBuildIndex(t *testing.T) {
	events := sampleEvents()
	r := bytes.NewReader(record(t, events))

	idx, err := BuildIndex(r)
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 500, 2000}, idx.Timestamps())
	assert.Equal(t, 3, idx.Len())
	assert.Equal(t, 5, idx.Frames())
	assert.Equal(t, base, idx.Base())
	assert.Equal(t, 2.0, idx.DurationSeconds())
	assert.Len(t, idx.Offsets(0), 2)
	assert.Len(t, idx.Offsets(2000), 2)
	assert.Nil(t, idx.Offsets(42))

	var got []Event
	for _, ts := range idx.Timestamps() {
		bucket, err := idx.Events(ts)
		require.NoError(t, err)
		got = append(got, bucket...)
	}
	assert.Equal(t, events, got)
}

func TestBuildIndexRestoresPosition(t *testing.T) {
	junk := []byte("prefix that is not part of the replay")
	data := append(bytes.Clone(junk), record(t, sampleEvents())...)
	r := bytes.NewReader(data)
	_, err := r.Seek(int64(len(junk)), io.SeekStart)
	require.NoError(t, err)

	first, err := BuildIndex(r)
	require.NoError(t, err)
	pos, _ := r.Seek(0, io.SeekCurrent)
	assert.Equal(t, int64(len(junk)), pos)

	second, err := BuildIndex(r)
	require.NoError(t, err)
	assert.Equal(t, first.Timestamps(), second.Timestamps())
	assert.Equal(t, first.offsets, second.offsets)

	e, err := first.ReadEventAt(first.Offsets(0)[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), e.Payload)
}

func TestBuildIndexEmpty(t *testing.T) {
	idx, err := BuildIndex(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Zero(t, idx.Len())
	assert.Zero(t, idx.Frames())
	assert.Zero(t, idx.DurationSeconds())
}

func TestBuildIndexMalformed(t *testing.T) {
	valid := record(t, sampleEvents())

	zero := make([]byte, HeaderLen)
	mismatch := AppendFrame(nil, Event{Kind: KindClientData, TimestampMs: base})
	binary.BigEndian.PutUint32(mismatch[4:], 7)

	cases := []struct {
		name   string
		data   []byte
		offset int64
	}{
		{"TruncatedBody", valid[:len(valid)-3], -1},
		{"TruncatedHeader", append(bytes.Clone(valid), 0, 0, 1), int64(len(valid))},
		{"ZeroLength", append(bytes.Clone(valid), zero...), int64(len(valid))},
		{"TimestampMismatch", mismatch, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := bytes.NewReader(tc.data)
			_, err := BuildIndex(r)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrFrameDecode)

			var frameErr *core.FrameDecodeError
			require.True(t, errors.As(err, &frameErr))
			if tc.offset >= 0 {
				assert.Equal(t, tc.offset, frameErr.Offset)
			}

			pos, _ := r.Seek(0, io.SeekCurrent)
			assert.Zero(t, pos, "cursor restored after failure")
		})
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	body := appendBody(nil, Event{Kind: KindServerData, TimestampMs: base, Payload: []byte("x")})
	body = protowire.AppendTag(body, 15, protowire.VarintType)
	body = protowire.AppendVarint(body, 99)
	body = protowire.AppendTag(body, 16, protowire.BytesType)
	body = protowire.AppendBytes(body, []byte("future"))

	ts := base
	frame := make([]byte, HeaderLen, HeaderLen+len(body))
	binary.BigEndian.PutUint32(frame[0:], uint32(len(body)))
	binary.BigEndian.PutUint32(frame[4:], uint32(ts))
	frame = append(frame, body...)

	e, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, KindServerData, e.Kind)
	assert.Equal(t, []byte("x"), e.Payload)
	assert.False(t, e.Source.IsValid())
}

func TestReadFrameSequential(t *testing.T) {
	events := sampleEvents()
	r := bytes.NewReader(record(t, events))

	for i := range events {
		e, err := ReadFrame(r)
		require.NoError(t, err)
		assert.Equal(t, events[i], e)
	}
	_, err := ReadFrame(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadEventAtConcurrent(t *testing.T) {
	events := sampleEvents()
	idx, err := BuildIndex(bytes.NewReader(record(t, events)))
	require.NoError(t, err)

	var offsets []int64
	for _, ts := range idx.Timestamps() {
		offsets = append(offsets, idx.Offsets(ts)...)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range offsets {
				j := (i + w) % len(offsets)
				e, err := idx.ReadEventAt(offsets[j])
				if err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(events[j].Payload, e.Payload) {
					errs <- errors.New("payload mismatch")
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestReadEventAtBadOffset(t *testing.T) {
	idx, err := BuildIndex(bytes.NewReader(record(t, sampleEvents())))
	require.NoError(t, err)

	_, err = idx.ReadEventAt(2)
	assert.ErrorIs(t, err, core.ErrFrameDecode)
	_, err = idx.ReadEventAt(1 << 30)
	assert.ErrorIs(t, err, core.ErrFrameDecode)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "client_data", KindClientData.String())
	assert.Equal(t, "connection_close", KindConnectionClose.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
