//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// enumFormats lists the pixel formats a queue of an open node supports.
func enumFormats(fd int, bufType uint32) ([]FormatInfo, error) {
	var formats []FormatInfo

	for i := uint32(0); ; i++ {
		fmtdesc := v4l2Fmtdesc{
			index: i,
			typ:   bufType,
		}

		if err := ioctl(fd, vidiocEnumFmt, unsafe.Pointer(&fmtdesc)); err != nil {
			if errors.Is(err, unix.EINVAL) {
				break // End of enumeration
			}
			return nil, fmt.Errorf("failed to enumerate format %d: %w", i, err)
		}

		formats = append(formats, FormatInfo{
			PixelFormat: fmtdesc.pixelformat,
			FormatName:  cstr(fmtdesc.description[:]),
			Compressed:  fmtdesc.flags&fmtFlagCompressed != 0,
			Emulated:    fmtdesc.flags&fmtFlagEmulated != 0,
		})
	}

	return formats, nil
}

// enumFrameSizes returns the frame size ranges accepted for a pixel format.
func enumFrameSizes(fd int, pixelFormat uint32) ([]FrameSizeRange, error) {
	var ranges []FrameSizeRange

	for i := uint32(0); ; i++ {
		frmsize := v4l2Frmsizeenum{
			index:       i,
			pixelFormat: pixelFormat,
		}

		if err := ioctl(fd, vidiocEnumFramesizes, unsafe.Pointer(&frmsize)); err != nil {
			if errors.Is(err, unix.EINVAL) {
				break
			}
			// ENOTTY means device doesn't support frame size enumeration
			if errors.Is(err, unix.ENOTTY) {
				return []FrameSizeRange{}, nil
			}
			return nil, fmt.Errorf("failed to enumerate frame size %d: %w", i, err)
		}

		switch frmsize.typ {
		case frmsizeTypeDiscrete:
			res := Resolution{Width: frmsize.discrete.width, Height: frmsize.discrete.height}
			ranges = append(ranges, FrameSizeRange{Min: res, Max: res})
		case frmsizeTypeContinuous, frmsizeTypeStepwise:
			// Stepwise overlays discrete in memory and is the only entry.
			sw := (*v4l2FrmsizeStepwise)(unsafe.Pointer(&frmsize.discrete))
			ranges = append(ranges, FrameSizeRange{
				Min:        Resolution{Width: sw.minWidth, Height: sw.minHeight},
				Max:        Resolution{Width: sw.maxWidth, Height: sw.maxHeight},
				StepWidth:  sw.stepWidth,
				StepHeight: sw.stepHeight,
			})
			return ranges, nil
		}
	}

	return ranges, nil
}

// FourCC packs four characters into a V4L2 pixel format code.
func FourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// FormatFourCC converts a 4-byte pixel format to a human-readable string.
func FormatFourCC(format uint32) string {
	b := make([]byte, 4)
	b[0] = byte(format & 0xFF)
	b[1] = byte((format >> 8) & 0xFF)
	b[2] = byte((format >> 16) & 0xFF)
	b[3] = byte((format >> 24) & 0xFF)
	return string(b)
}

// formatNames maps the V4L2 format names to their fourcc.
var formatNames = map[string]uint32{
	"NV12M":   PixFmtNV12M,
	"NV21M":   FourCC('N', 'M', '2', '1'),
	"YUV420":  PixFmtYUV420,
	"YUV420M": PixFmtYUV420M,
	"YVU420":  PixFmtYVU420,
	"YVU420M": PixFmtYVU420M,
}

// ParseFourCC parses a four character code such as "NV12", or a V4L2 format
// name such as "NV12M". Shorter codes are padded with spaces, as V4L2 does
// for e.g. "Y10 ".
func ParseFourCC(s string) (uint32, error) {
	if f, ok := formatNames[strings.ToUpper(s)]; ok {
		return f, nil
	}
	if len(s) == 0 || len(s) > 4 {
		return 0, fmt.Errorf("invalid fourcc %q", s)
	}
	b := []byte(s + strings.Repeat(" ", 4-len(s)))
	return FourCC(b[0], b[1], b[2], b[3]), nil
}

// contiguousFormats maps multi-plane memory layouts to their single-buffer
// equivalents.
var contiguousFormats = map[uint32]uint32{
	PixFmtNV12M:   PixFmtNV12,
	PixFmtYUV420M: PixFmtYUV420,
	PixFmtYVU420M: PixFmtYVU420,
}

// ContiguousFormat returns the single-buffer equivalent of a pixel format,
// or the format itself when it already is contiguous.
func ContiguousFormat(format uint32) uint32 {
	if c, ok := contiguousFormats[format]; ok {
		return c
	}
	return format
}

// CodecFormat maps a codec name to its compressed pixel format.
func CodecFormat(codec string) (uint32, error) {
	switch strings.ToLower(codec) {
	case "h264", "avc":
		return PixFmtH264, nil
	case "hevc", "h265":
		return PixFmtHEVC, nil
	case "vp8":
		return PixFmtVP8, nil
	case "vp9":
		return PixFmtVP9, nil
	case "jpeg":
		return PixFmtJPEG, nil
	case "mjpeg", "mjpg":
		return PixFmtMJPEG, nil
	default:
		return 0, fmt.Errorf("unsupported codec %q", codec)
	}
}
