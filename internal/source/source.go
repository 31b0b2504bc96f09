// Package source produces encoded access units for the decoder from
// container files, elementary streams and RTP.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Codec names accepted by the decoder's codec option.
const (
	CodecH264  = "h264"
	CodecHEVC  = "hevc"
	CodecMJPEG = "mjpeg"
)

// Unit is one encoded access unit in Annex B (or JPEG) form.
type Unit struct {
	Data     []byte
	PTS      time.Duration
	Keyframe bool
}

// Info describes a stream as far as the source knows it. Width and Height
// are zero when the container does not carry them.
type Info struct {
	Codec  string `json:"codec"`
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

// Source yields access units in decode order. Next returns io.EOF after the
// last unit.
type Source interface {
	Next(ctx context.Context) (Unit, error)
	Info() Info
	Close() error
}

// Open picks a source for location. "udp://host:port" listens for RTP,
// "-" reads an elementary stream from stdin, and files are chosen by
// extension. codec overrides the detected codec for elementary streams.
func Open(location, codec string, logger *slog.Logger) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if addr, ok := strings.CutPrefix(location, "udp://"); ok {
		src, err := ListenRTP(addr, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	}

	if location == "-" {
		if codec == CodecMJPEG {
			return NewMJPEG(os.Stdin), nil
		}
		return NewAnnexB(os.Stdin, orDefault(codec, CodecH264)), nil
	}

	ext := strings.ToLower(filepath.Ext(location))
	switch ext {
	case ".mp4", ".m4v", ".mov":
		src, err := OpenMP4(location)
		if err != nil {
			return nil, err
		}
		return src, nil
	}

	f, err := os.Open(location)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", location, err)
	}

	if codec == "" {
		codec = codecForExt(ext)
	}
	if codec == CodecMJPEG {
		return NewMJPEG(f), nil
	}
	return NewAnnexB(f, codec), nil
}

func codecForExt(ext string) string {
	switch ext {
	case ".h265", ".265", ".hevc":
		return CodecHEVC
	case ".mjpeg", ".mjpg", ".jpg", ".jpeg":
		return CodecMJPEG
	default:
		return CodecH264
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
