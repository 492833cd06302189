// Package sink implements the output sinks a replay event stream can be
// written to.
package sink

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"firestige.xyz/sessreplay/internal/core"
	"firestige.xyz/sessreplay/internal/replay"
)

// Sink consumes the events of one stream. Finalize must be called once
// after the last event; a Sink is not reusable.
type Sink interface {
	Consume(e replay.Event) error
	Finalize() error
}

// Format names an output format.
type Format int

const (
	FormatReplay Format = iota + 1
	FormatJSON
	FormatKafka
)

var formatNames = map[Format]string{
	FormatReplay: "replay",
	FormatJSON:   "json",
	FormatKafka:  "kafka",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// Ext is the artifact file extension, empty for formats that do not
// write files.
func (f Format) Ext() string {
	switch f {
	case FormatReplay:
		return ".replay"
	case FormatJSON:
		return ".json"
	default:
		return ""
	}
}

// WritesFile reports whether the format produces a file artifact.
func (f Format) WritesFile() bool {
	return f.Ext() != ""
}

// ParseFormat accepts a format name or file extension, case-insensitively.
func ParseFormat(name string) (Format, error) {
	n := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "."))
	for f, fn := range formatNames {
		if fn == n {
			return f, nil
		}
	}
	return 0, &core.UnsupportedFormatError{Format: name}
}

// Formats lists the supported format names.
func Formats() []string {
	return []string{FormatReplay.String(), FormatJSON.String(), FormatKafka.String()}
}

// Target tells a sink where to write.
type Target struct {
	Fs   afero.Fs
	Path string // file formats only

	// Key identifies the stream, used as the kafka message key.
	Key     string
	Headers map[string]string
	Kafka   KafkaConfig
}

// New builds the sink for format.
func New(format Format, t Target) (Sink, error) {
	switch format {
	case FormatReplay:
		return newReplaySink(t)
	case FormatJSON:
		return newJSONSink(t)
	case FormatKafka:
		return newKafkaSink(t)
	default:
		return nil, &core.UnsupportedFormatError{Format: format.String()}
	}
}

func sinkError(f Format, op string, err error) error {
	return &core.OutputSinkError{Sink: f.String(), Op: op, Err: err}
}
