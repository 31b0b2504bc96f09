package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
)

const maxUnitSize = 16 << 20

var startCode = []byte{0, 0, 0, 1}

// AnnexB splits an H.264 or HEVC elementary stream into access units.
// A unit ends where the next one starts: at an access unit delimiter,
// parameter set or SEI following a slice, or at a slice that begins a
// new picture.
type AnnexB struct {
	r       io.Reader
	sc      *bufio.Scanner
	codec   string
	au      []byte
	hasVCL  bool
	key     bool
	pending []byte
}

// NewAnnexB reads an elementary stream of the given codec from r.
func NewAnnexB(r io.Reader, codec string) *AnnexB {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), maxUnitSize)
	sc.Split(splitNALUnits)
	return &AnnexB{r: r, sc: sc, codec: codec}
}

// Info reports the codec; geometry comes from the stream headers.
func (a *AnnexB) Info() Info { return Info{Codec: a.codec} }

// Next returns the next access unit.
func (a *AnnexB) Next(ctx context.Context) (Unit, error) {
	if a.pending != nil {
		a.appendNAL(a.pending)
		a.pending = nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return Unit{}, err
		}

		if !a.sc.Scan() {
			if err := a.sc.Err(); err != nil {
				return Unit{}, fmt.Errorf("read elementary stream: %w", err)
			}
			if len(a.au) > 0 {
				return a.flush(), nil
			}
			return Unit{}, io.EOF
		}

		nal := a.sc.Bytes()
		if len(nal) == 0 {
			continue
		}

		if a.hasVCL && a.startsUnit(nal) {
			a.pending = bytes.Clone(nal)
			return a.flush(), nil
		}
		a.appendNAL(nal)
	}
}

func (a *AnnexB) appendNAL(nal []byte) {
	a.au = append(a.au, startCode...)
	a.au = append(a.au, nal...)
	if isVCL(a.codec, nal) {
		a.hasVCL = true
	}
	if isKeyframe(a.codec, nal) {
		a.key = true
	}
}

func (a *AnnexB) flush() Unit {
	u := Unit{Data: a.au, Keyframe: a.key}
	a.au, a.hasVCL, a.key = nil, false, false
	return u
}

func (a *AnnexB) startsUnit(nal []byte) bool {
	if a.codec == CodecHEVC {
		t := hevcType(nal)
		switch {
		case t < 32:
			return len(nal) > 2 && nal[2]&0x80 != 0 // first_slice_segment_in_pic_flag
		case t >= 32 && t <= 35, t == 39, t >= 41 && t <= 44, t >= 48 && t <= 55:
			return true
		}
		return false
	}

	switch t := nal[0] & 0x1f; t {
	case 1, 5:
		return len(nal) > 1 && nal[1]&0x80 != 0 // first_mb_in_slice == 0
	case 6, 7, 8, 9, 14, 15, 16, 17, 18:
		return true
	}
	return false
}

// Close closes the underlying reader when it is closable.
func (a *AnnexB) Close() error {
	if c, ok := a.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func hevcType(nal []byte) byte { return (nal[0] >> 1) & 0x3f }

func isVCL(codec string, nal []byte) bool {
	if codec == CodecHEVC {
		return hevcType(nal) < 32
	}
	t := nal[0] & 0x1f
	return t >= 1 && t <= 5
}

func isKeyframe(codec string, nal []byte) bool {
	if codec == CodecHEVC {
		t := hevcType(nal)
		return t >= 16 && t <= 21
	}
	return nal[0]&0x1f == 5
}

// splitNALUnits is a bufio.SplitFunc yielding NAL unit payloads without
// their start codes.
func splitNALUnits(data []byte, atEOF bool) (int, []byte, error) {
	begin, n := findStartCode(data, 0)
	if begin < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// keep a possible partial start code
		if len(data) > 3 {
			return len(data) - 3, nil, nil
		}
		return 0, nil, nil
	}

	payload := begin + n
	end, _ := findStartCode(data, payload)
	if end >= 0 {
		return end, trimTrailingZeros(data[payload:end]), nil
	}
	if atEOF {
		return len(data), trimTrailingZeros(data[payload:]), nil
	}
	if begin > 0 {
		return begin, nil, nil
	}
	return 0, nil, nil
}

// findStartCode returns the offset and length of the first 3 or 4 byte
// start code at or after from, or -1.
func findStartCode(data []byte, from int) (int, int) {
	i := bytes.Index(data[from:], startCode[1:])
	if i < 0 {
		return -1, 0
	}
	i += from
	if i > from && data[i-1] == 0 {
		return i - 1, 4
	}
	return i, 3
}

func trimTrailingZeros(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}
