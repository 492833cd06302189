package replay

import (
	"bufio"
	"io"
)

// Recorder appends frames to a replay artifact. Frames are written whole,
// so a crash leaves every flushed frame decodable.
type Recorder struct {
	w      *bufio.Writer
	buf    []byte
	frames int
	bytes  int64
}

func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{w: bufio.NewWriter(w)}
}

// Record writes one event as a frame.
func (r *Recorder) Record(e Event) error {
	r.buf = AppendFrame(r.buf[:0], e)
	n, err := r.w.Write(r.buf)
	r.bytes += int64(n)
	if err != nil {
		return err
	}
	r.frames++
	return nil
}

// Flush pushes buffered frames to the underlying writer.
func (r *Recorder) Flush() error {
	return r.w.Flush()
}

// Frames returns the number of recorded frames.
func (r *Recorder) Frames() int { return r.frames }

// Bytes returns the number of bytes written, headers included.
func (r *Recorder) Bytes() int64 { return r.bytes }
