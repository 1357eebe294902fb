package capture

import (
	"bufio"
	"bytes"
	"io"
)

// mjpegSplitter cuts a concatenated JPEG stream (ffmpeg image2pipe output)
// into individual images on SOI/EOI markers.
type mjpegSplitter struct {
	r   *bufio.Reader
	buf bytes.Buffer
}

func newMJPEGSplitter(r io.Reader) *mjpegSplitter {
	return &mjpegSplitter{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next complete JPEG. It returns io.EOF when the stream
// ends cleanly and io.ErrUnexpectedEOF when it ends inside an image.
func (s *mjpegSplitter) Next() ([]byte, error) {
	s.buf.Reset()
	started := false
	var prev byte

	for {
		b, err := s.r.ReadByte()
		if err != nil {
			if err == io.EOF && started {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		if !started {
			if prev == 0xFF && b == 0xD8 {
				started = true
				s.buf.Write([]byte{0xFF, 0xD8})
				prev = 0
				continue
			}
			prev = b
			continue
		}

		s.buf.WriteByte(b)
		if prev == 0xFF && b == 0xD9 {
			out := make([]byte, s.buf.Len())
			copy(out, s.buf.Bytes())
			return out, nil
		}
		prev = b
	}
}
