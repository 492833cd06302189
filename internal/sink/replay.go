package sink

import (
	"github.com/spf13/afero"

	"firestige.xyz/sessreplay/internal/replay"
)

// replaySink writes the framed replay format.
type replaySink struct {
	file afero.File
	rec  *replay.Recorder
	done bool
}

func newReplaySink(t Target) (*replaySink, error) {
	f, err := createFile(t)
	if err != nil {
		return nil, sinkError(FormatReplay, "create", err)
	}
	return &replaySink{file: f, rec: replay.NewRecorder(f)}, nil
}

func (s *replaySink) Consume(e replay.Event) error {
	if s.done {
		return sinkError(FormatReplay, "consume", errFinalized)
	}
	if err := s.rec.Record(e); err != nil {
		return sinkError(FormatReplay, "consume", err)
	}
	return nil
}

func (s *replaySink) Finalize() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.rec.Flush(); err != nil {
		s.file.Close()
		return sinkError(FormatReplay, "finalize", err)
	}
	if err := s.file.Close(); err != nil {
		return sinkError(FormatReplay, "finalize", err)
	}
	return nil
}
