package relay

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// MaxFrameSize bounds a single frame so a backend that never sends the
// delimiter cannot grow the buffer without limit.
const MaxFrameSize = 4 << 20

var (
	frameDelimiter = []byte("\n\n")

	ErrFrameTooLarge = errors.New("stream frame exceeds size limit")
)

// FrameReader splits a server-sent-event body into frames, each ending with a
// blank line. Frames are returned with their delimiter so they can be relayed
// byte for byte.
type FrameReader struct {
	r       *bufio.Reader
	partial int
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Next returns the next complete frame. At end of stream it returns io.EOF;
// bytes after the last delimiter are discarded, see Partial. A frame longer
// than MaxFrameSize fails with ErrFrameTooLarge, whether or not it contains
// a newline.
func (f *FrameReader) Next() ([]byte, error) {
	var frame []byte
	for {
		chunk, err := f.r.ReadSlice('\n')
		frame = append(frame, chunk...)
		if len(frame) > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		switch {
		case err == nil:
			if bytes.HasSuffix(frame, frameDelimiter) {
				return frame, nil
			}
		case errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF):
			f.partial = len(frame)
			return nil, err
		default:
			return nil, err
		}
	}
}

// Partial reports how many trailing bytes were dropped because the stream
// ended without a delimiter.
func (f *FrameReader) Partial() int {
	return f.partial
}

// FrameData returns the data segment of an SSE frame: the payload of its
// "data:" lines joined by newlines.
func FrameData(frame []byte) []byte {
	var out [][]byte
	for _, line := range bytes.Split(bytes.TrimRight(frame, "\n"), []byte("\n")) {
		rest, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		out = append(out, bytes.TrimPrefix(rest, []byte(" ")))
	}
	return bytes.Join(out, []byte("\n"))
}

// IsSentinel reports whether frame is the "data: [DONE]" terminator.
func IsSentinel(frame []byte) bool {
	return bytes.Equal(bytes.TrimSpace(FrameData(frame)), []byte("[DONE]"))
}
