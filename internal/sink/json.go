package sink

import (
	"bufio"
	"encoding/json"

	"github.com/spf13/afero"

	"firestige.xyz/sessreplay/internal/replay"
)

// jsonRecord is the JSON shape of one event. Payload is base64 encoded by
// encoding/json.
type jsonRecord struct {
	Kind        string `json:"kind"`
	TimestampMs int64  `json:"timestamp_ms"`
	Time        string `json:"time"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
	Session     string `json:"session,omitempty"`
	Payload     []byte `json:"payload,omitempty"`
}

func newJSONRecord(e replay.Event) jsonRecord {
	r := jsonRecord{
		Kind:        e.Kind.String(),
		TimestampMs: e.TimestampMs,
		Time:        e.Time().Format("2006-01-02T15:04:05.000Z07:00"),
		Session:     e.Session,
		Payload:     e.Payload,
	}
	if e.Source.IsValid() {
		r.Source = e.Source.String()
	}
	if e.Destination.IsValid() {
		r.Destination = e.Destination.String()
	}
	return r
}

// jsonSink writes one JSON object per line.
type jsonSink struct {
	file afero.File
	w    *bufio.Writer
	enc  *json.Encoder
	done bool
}

func newJSONSink(t Target) (*jsonSink, error) {
	f, err := createFile(t)
	if err != nil {
		return nil, sinkError(FormatJSON, "create", err)
	}
	w := bufio.NewWriter(f)
	return &jsonSink{file: f, w: w, enc: json.NewEncoder(w)}, nil
}

func (s *jsonSink) Consume(e replay.Event) error {
	if s.done {
		return sinkError(FormatJSON, "consume", errFinalized)
	}
	if err := s.enc.Encode(newJSONRecord(e)); err != nil {
		return sinkError(FormatJSON, "consume", err)
	}
	return nil
}

func (s *jsonSink) Finalize() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.w.Flush(); err != nil {
		s.file.Close()
		return sinkError(FormatJSON, "finalize", err)
	}
	if err := s.file.Close(); err != nil {
		return sinkError(FormatJSON, "finalize", err)
	}
	return nil
}
