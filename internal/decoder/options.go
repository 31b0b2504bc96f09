package decoder

import (
	"log/slog"
	"strings"
	"time"

	"github.com/smazurov/m2mdec/internal/events"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultWidth         = 176
	DefaultHeight        = 144
	DefaultInputBuffers  = 4
	DefaultPollTimeout   = 400 * time.Millisecond
	DefaultFetchInterval = 5 * time.Millisecond

	minInputBufferSize = 2 << 20
	maxInputBufferSize = 4 << 20
	pageSize           = 4096
)

// Options configures a decoder session.
type Options struct {
	// Codec is the compressed pixel format fed to the input queue.
	Codec uint32
	// Width and Height are the expected stream geometry before the device
	// parses the headers.
	Width  uint32
	Height uint32
	// InputBuffers is the number of input buffers to request.
	InputBuffers int
	// InputBufferSize overrides the input capacity heuristic.
	InputBufferSize int
	// OutputFormat is the preferred decoded pixel format. When the device
	// does not offer it, its current output format is used.
	OutputFormat uint32
	// ExtraOutputBuffers is added to the device's minimum output buffer
	// count. Zero selects the vendor profile value.
	ExtraOutputBuffers int
	// FrameAlign aligns output width and height. Zero selects the vendor
	// profile value.
	FrameAlign uint32
	// PollTimeout bounds one device poll.
	PollTimeout time.Duration
	// FetchInterval bounds how long the fetch loop sleeps without a wake.
	FetchInterval time.Duration

	Logger *slog.Logger
	Events *events.Bus
}

func (o *Options) applyDefaults() {
	if o.Width == 0 || o.Height == 0 {
		o.Width, o.Height = DefaultWidth, DefaultHeight
	}
	if o.InputBuffers <= 0 {
		o.InputBuffers = DefaultInputBuffers
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.FetchInterval <= 0 {
		o.FetchInterval = DefaultFetchInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// VendorProfile holds the per-vendor output buffer constraints.
type VendorProfile struct {
	Name       string
	FrameAlign uint32
	Margin     int
}

var (
	// ProfileHantro matches Verisilicon Hantro based decoders.
	ProfileHantro = VendorProfile{Name: "hantro", FrameAlign: 16, Margin: 4}
	// ProfileAmphion matches Amphion Malone based decoders.
	ProfileAmphion = VendorProfile{Name: "amphion", FrameAlign: 512, Margin: 1}
)

// ProfileForCard picks a vendor profile from a card name, defaulting to
// the Hantro values.
func ProfileForCard(card string) VendorProfile {
	if strings.Contains(strings.ToLower(card), "vpu b0") || strings.Contains(strings.ToLower(card), "amphion") {
		return ProfileAmphion
	}
	return ProfileHantro
}

// InputBufferSize estimates the input buffer capacity for a stream
// geometry.
func InputBufferSize(width, height uint32) int {
	if width*height >= 3840*2160 {
		return maxInputBufferSize
	}
	return max(alignUp(int(width)*int(height)*2, pageSize), minInputBufferSize)
}

func alignUp(v, a int) int {
	if a <= 1 {
		return v
	}
	return (v + a - 1) / a * a
}
