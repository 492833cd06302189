package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/netip"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"firestige.xyz/sessreplay/internal/capture"
	"firestige.xyz/sessreplay/internal/capture/capturetest"
	"firestige.xyz/sessreplay/internal/config"
	"firestige.xyz/sessreplay/internal/convert"
	"firestige.xyz/sessreplay/internal/core"
	"firestige.xyz/sessreplay/internal/replay"
	"firestige.xyz/sessreplay/internal/sink"
)

var (
	start = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	exSrc = netip.MustParseAddrPort("10.1.1.1:40000")
	exDst = netip.MustParseAddrPort("10.1.1.2:3389")
)

func exportedCapture(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	capturetest.WritePcap(t, fs, "/in.pcap", []capturetest.Frame{
		capturetest.ExportedFrame(exSrc, exDst, []byte("ping"), start),
		capturetest.ExportedFrame(exDst, exSrc, []byte("pong"), start.Add(10*time.Millisecond)),
		capturetest.ExportedFrame(exSrc, exDst, []byte("bye"), start.Add(20*time.Millisecond)),
	})
	return fs
}

func newTestConverter(t *testing.T, fs afero.Fs, format sink.Format) *convert.Converter {
	t.Helper()
	conv, err := convert.New(convert.Options{Fs: fs, Format: format, OutputDir: "/out"})
	require.NoError(t, err)
	return conv
}

func TestRunListTable(t *testing.T) {
	fs := exportedCapture(t)
	var buf bytes.Buffer
	err := runList(context.Background(), newTestConverter(t, fs, sink.FormatReplay), "/in.pcap", capture.Filter{}, "table", &buf)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, "exported")
	assert.Contains(t, out, "10.1.1.1:40000")
	assert.Contains(t, out, "191 B") // three 60-byte export headers plus data
	assert.Contains(t, out, "1 session(s), 0 skipped")

	exists, err := afero.DirExists(fs, "/out")
	require.NoError(t, err)
	assert.False(t, exists, "listing writes no artifacts")
}

func TestRunListStructured(t *testing.T) {
	fs := exportedCapture(t)
	conv := newTestConverter(t, fs, sink.FormatReplay)

	var buf bytes.Buffer
	require.NoError(t, runList(context.Background(), conv, "/in.pcap", capture.Filter{}, "json", &buf))
	var fromJSON listView
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fromJSON))
	require.Len(t, fromJSON.Sessions, 1)
	assert.Equal(t, 3, fromJSON.Sessions[0].Packets)

	buf.Reset()
	require.NoError(t, runList(context.Background(), conv, "/in.pcap", capture.Filter{}, "yaml", &buf))
	var fromYAML listView
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &fromYAML))
	assert.Equal(t, fromJSON.Sessions[0].ID, fromYAML.Sessions[0].ID)
	assert.Equal(t, "/in.pcap", fromYAML.Input)

	assert.Error(t, runList(context.Background(), conv, "/in.pcap", capture.Filter{}, "xml", &buf))
	assert.Error(t, runList(context.Background(), conv, "/missing.pcap", capture.Filter{}, "table", &buf))
}

func TestRunConvertCapture(t *testing.T) {
	fs := exportedCapture(t)
	var buf bytes.Buffer
	err := runConvert(context.Background(), newTestConverter(t, fs, sink.FormatReplay), "/in.pcap", capture.Filter{}, &buf)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "OK    exported (exported) -> /out/20240506070809_10.1.1.1-10.1.1.2.replay: 4 event(s)")
	assert.Contains(t, out, "1 converted, 0 failed, 0 skipped")

	exists, err := afero.Exists(fs, "/out/20240506070809_10.1.1.1-10.1.1.2.replay")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRunConvertNothingConverted(t *testing.T) {
	fs := exportedCapture(t)
	var buf bytes.Buffer
	filter := capture.Filter{Sources: []netip.Addr{netip.MustParseAddr("192.0.2.1")}}
	err := runConvert(context.Background(), newTestConverter(t, fs, sink.FormatReplay), "/in.pcap", filter, &buf)
	assert.ErrorIs(t, err, errNothingConverted)
}

func TestRunConvertReplay(t *testing.T) {
	fs := exportedCapture(t)
	require.NoError(t, runConvert(context.Background(), newTestConverter(t, fs, sink.FormatReplay), "/in.pcap", capture.Filter{}, &bytes.Buffer{}))

	var buf bytes.Buffer
	err := runConvert(context.Background(), newTestConverter(t, fs, sink.FormatJSON),
		"/out/20240506070809_10.1.1.1-10.1.1.2.replay", capture.Filter{}, &buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "/out/20240506070809_10.1.1.1-10.1.1.2.json")
}

func writeReplay(t *testing.T, fs afero.Fs, path string) {
	t.Helper()
	src := core.NewEndpoint(exSrc.Addr(), exSrc.Port())
	dst := core.NewEndpoint(exDst.Addr(), exDst.Port())
	out, err := sink.New(sink.FormatReplay, sink.Target{Fs: fs, Path: path})
	require.NoError(t, err)
	ts := start.UnixMilli()
	for i, e := range []replay.Event{
		{Kind: replay.KindClientData, TimestampMs: ts, Source: src, Destination: dst, Payload: []byte("a")},
		{Kind: replay.KindServerData, TimestampMs: ts + 10, Source: dst, Destination: src, Payload: bytes.Repeat([]byte("b"), 2048)},
		{Kind: replay.KindConnectionClose, TimestampMs: ts + 30, Source: src, Destination: dst},
	} {
		require.NoError(t, out.Consume(e), i)
	}
	require.NoError(t, out.Finalize())
}

func TestRunIndex(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeReplay(t, fs, "/r.replay")

	var buf bytes.Buffer
	require.NoError(t, runIndex(fs, "/r.replay", true, &buf))
	out := buf.String()
	assert.Contains(t, out, "frames:     3")
	assert.Contains(t, out, "timestamps: 3")
	assert.Contains(t, out, "duration:   30ms")
	assert.Contains(t, out, "start:      2024-05-06T07:08:09Z")
	assert.Contains(t, out, "+10ms")

	require.NoError(t, afero.WriteFile(fs, "/bad.replay", []byte{0, 0, 0, 9, 0, 0, 0, 0, 1}, 0o644))
	err := runIndex(fs, "/bad.replay", false, &buf)
	assert.ErrorIs(t, err, core.ErrFrameDecode)
}

func TestRunPlay(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeReplay(t, fs, "/r.replay")
	pc := config.Default().Playback
	pc.Tick = time.Millisecond
	pc.Speed = 10

	var buf bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, runPlay(ctx, fs, "/r.replay", pc, 0, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "client_data")
	assert.Contains(t, lines[1], "server_data")
	assert.Contains(t, lines[1], "2.0 kB")
	assert.Contains(t, lines[2], "connection_close")
}

func TestRunPlaySeek(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeReplay(t, fs, "/r.replay")
	pc := config.Default().Playback
	pc.Tick = time.Millisecond

	var buf bytes.Buffer
	require.NoError(t, runPlay(context.Background(), fs, "/r.replay", pc, 20*time.Millisecond, &buf))
	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))
}

func TestRunPlayEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/empty.replay", nil, 0o644))
	var buf bytes.Buffer
	require.NoError(t, runPlay(context.Background(), fs, "/empty.replay", config.Default().Playback, 0, &buf))
	assert.Empty(t, buf.String())
}

func TestRunPlayInterrupted(t *testing.T) {
	assert.Contains(t, stopSignals, os.Interrupt)
	assert.Contains(t, stopSignals, os.Signal(syscall.SIGTERM))

	fs := afero.NewMemMapFs()
	writeReplay(t, fs, "/r.replay")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	assert.NoError(t, runPlay(ctx, fs, "/r.replay", config.Default().Playback, 0, &buf))
}

func TestLoadConfigOverrides(t *testing.T) {
	logLevel, secretsFile = "debug", "/keys.txt"
	defer func() { logLevel, secretsFile = "", "" }()

	c, err := loadConfig(afero.NewMemMapFs(), "")
	require.NoError(t, err)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "/keys.txt", c.Reconstruct.Secrets)

	_, err = newConverter(afero.NewMemMapFs(), c)
	assert.Error(t, err, "an unreadable key log is a configuration error")

	logLevel = "loud"
	_, err = loadConfig(afero.NewMemMapFs(), "")
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestParseFilter(t *testing.T) {
	f, err := parseFilter([]string{"10.0.0.1", "::ffff:10.0.0.2"}, []string{"2001:db8::1"})
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")}, f.Sources)
	assert.Len(t, f.Destinations, 1)

	_, err = parseFilter([]string{"10.0.0.300"}, nil)
	assert.Error(t, err)
	_, err = parseFilter(nil, []string{"host"})
	assert.Error(t, err)
}
