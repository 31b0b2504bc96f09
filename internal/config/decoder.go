package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smazurov/m2mdec/pkg/linuxav/v4l2"
)

// Decoder is the [decoder] table. It is embedded in the option structs of
// the service and of the decode command, so its fields stay to the kinds
// every flag parser understands.
type Decoder struct {
	Device             string `toml:"decoder.device" env:"DECODER_DEVICE" help:"Decoder device node, empty to probe"`
	Codec              string `toml:"decoder.codec" env:"DECODER_CODEC" help:"Compressed input codec (h264, hevc, vp8, vp9, mjpeg)" default:"h264"`
	Width              int    `toml:"decoder.width" env:"DECODER_WIDTH" help:"Expected stream width before headers are parsed" default:"0"`
	Height             int    `toml:"decoder.height" env:"DECODER_HEIGHT" help:"Expected stream height before headers are parsed" default:"0"`
	InputBuffers       int    `toml:"decoder.input_buffers" env:"DECODER_INPUT_BUFFERS" help:"Number of input buffers" default:"0"`
	InputBufferSize    int    `toml:"decoder.input_buffer_size" env:"DECODER_INPUT_BUFFER_SIZE" help:"Input buffer capacity in bytes, 0 to estimate" default:"0"`
	ExtraOutputBuffers int    `toml:"decoder.extra_output_buffers" env:"DECODER_EXTRA_OUTPUT_BUFFERS" help:"Output buffers above the device minimum, 0 for the vendor value" default:"0"`
	FrameAlign         int    `toml:"decoder.frame_align" env:"DECODER_FRAME_ALIGN" help:"Output frame alignment, 0 for the vendor value" default:"0"`
	OutputFormat       string `toml:"decoder.output_format" env:"DECODER_OUTPUT_FORMAT" help:"Preferred decoded pixel format fourcc" default:"NV12"`
	PollTimeoutMs      int    `toml:"decoder.poll_timeout_ms" env:"DECODER_POLL_TIMEOUT_MS" help:"Device poll timeout in milliseconds" default:"0"`
	FetchIntervalMs    int    `toml:"decoder.fetch_interval_ms" env:"DECODER_FETCH_INTERVAL_MS" help:"Output refill interval in milliseconds" default:"0"`
	DMAHeap            string `toml:"decoder.dma_heap" env:"DECODER_DMA_HEAP" help:"dma-heap used for output buffers" default:"/dev/dma_heap/system"`
	CardNames          string `toml:"decoder.card_names" env:"DECODER_CARD_NAMES" help:"Comma separated decoder card names accepted when probing"`
	CodecErrorEvent    int    `toml:"decoder.codec_error_event" env:"DECODER_CODEC_ERROR_EVENT" help:"Vendor event type for codec errors, 0 to disable" default:"0"`
	SkipEvent          int    `toml:"decoder.skip_event" env:"DECODER_SKIP_EVENT" help:"Vendor event type for skipped frames, 0 to disable" default:"0"`
	ResetCommand       bool   `toml:"decoder.reset_command" env:"DECODER_RESET_COMMAND" help:"Send a decoder start command after stop" default:"true"`
}

// DefaultDecoder returns the values applied when nothing is configured.
func DefaultDecoder() Decoder {
	return Decoder{
		Codec:        "h264",
		OutputFormat: "NV12",
		DMAHeap:      "/dev/dma_heap/system",
		ResetCommand: true,
	}
}

// Validate checks ranges and the output format name. Codec names are
// checked when the session is built.
func (d Decoder) Validate() error {
	var errs []error
	if d.Codec == "" {
		errs = append(errs, errors.New("decoder.codec is required"))
	}
	if (d.Width == 0) != (d.Height == 0) {
		errs = append(errs, errors.New("decoder.width and decoder.height must be set together"))
	}
	for name, v := range map[string]int{
		"decoder.width":                d.Width,
		"decoder.height":               d.Height,
		"decoder.input_buffers":        d.InputBuffers,
		"decoder.input_buffer_size":    d.InputBufferSize,
		"decoder.extra_output_buffers": d.ExtraOutputBuffers,
		"decoder.frame_align":          d.FrameAlign,
		"decoder.poll_timeout_ms":      d.PollTimeoutMs,
		"decoder.fetch_interval_ms":    d.FetchIntervalMs,
		"decoder.codec_error_event":    d.CodecErrorEvent,
		"decoder.skip_event":           d.SkipEvent,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", name, v))
		}
	}
	if d.OutputFormat != "" {
		if _, err := v4l2.ParseFourCC(d.OutputFormat); err != nil {
			errs = append(errs, fmt.Errorf("decoder.output_format: %w", err))
		}
	}
	if d.DMAHeap == "" {
		errs = append(errs, errors.New("decoder.dma_heap is required"))
	}
	return errors.Join(errs...)
}

// PollTimeout returns the poll timeout, zero meaning the decoder default.
func (d Decoder) PollTimeout() time.Duration {
	return time.Duration(d.PollTimeoutMs) * time.Millisecond
}

// FetchInterval returns the refill interval, zero meaning the decoder
// default.
func (d Decoder) FetchInterval() time.Duration {
	return time.Duration(d.FetchIntervalMs) * time.Millisecond
}

// Cards returns the accepted card names.
func (d Decoder) Cards() []string {
	return SplitList(d.CardNames)
}

// String summarizes the table for logs.
func (d Decoder) String() string {
	device := d.Device
	if device == "" {
		device = "auto"
	}
	return fmt.Sprintf("%s on %s -> %s", strings.ToLower(d.Codec), device, d.OutputFormat)
}
