package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
)

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// MJPEG splits a concatenation of JPEG images into one unit per image.
type MJPEG struct {
	r  io.Reader
	sc *bufio.Scanner
}

// NewMJPEG reads concatenated JPEG images from r.
func NewMJPEG(r io.Reader) *MJPEG {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), maxUnitSize)
	sc.Split(splitJPEG)
	return &MJPEG{r: r, sc: sc}
}

// Info reports the codec.
func (m *MJPEG) Info() Info { return Info{Codec: CodecMJPEG} }

// Next returns the next image. Every image is a keyframe.
func (m *MJPEG) Next(ctx context.Context) (Unit, error) {
	if err := ctx.Err(); err != nil {
		return Unit{}, err
	}
	if !m.sc.Scan() {
		if err := m.sc.Err(); err != nil {
			return Unit{}, fmt.Errorf("read mjpeg stream: %w", err)
		}
		return Unit{}, io.EOF
	}
	return Unit{Data: bytes.Clone(m.sc.Bytes()), Keyframe: true}, nil
}

// Close closes the underlying reader when it is closable.
func (m *MJPEG) Close() error {
	if c, ok := m.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// splitJPEG yields images from SOI to EOI inclusive. Bytes outside an
// image are skipped, as is a truncated image at the end of input.
func splitJPEG(data []byte, atEOF bool) (int, []byte, error) {
	begin := bytes.Index(data, jpegSOI)
	if begin < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		if len(data) > 1 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}

	end := bytes.Index(data[begin+len(jpegSOI):], jpegEOI)
	if end >= 0 {
		end += begin + len(jpegSOI) + len(jpegEOI)
		return end, data[begin:end], nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	if begin > 0 {
		return begin, nil, nil
	}
	return 0, nil, nil
}
