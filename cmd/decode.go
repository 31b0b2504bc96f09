package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/m2mdec/internal/config"
	"github.com/smazurov/m2mdec/internal/decoder"
	"github.com/smazurov/m2mdec/internal/events"
	"github.com/smazurov/m2mdec/internal/logging"
	"github.com/smazurov/m2mdec/internal/sink"
	"github.com/smazurov/m2mdec/internal/source"
)

const (
	maxSubmitBackoff = 20 * time.Millisecond
	idlePollInterval = 10 * time.Millisecond
)

// DecodeOptions are the flags of the decode command. The embedded decoder
// table is also read from the config file and the environment.
type DecodeOptions struct {
	Config string
	config.Decoder

	Output       string
	Crop         bool
	Queue        int
	Frames       int
	DrainTimeout time.Duration
	QuietPeriod  time.Duration
}

// CreateDecodeCmd creates the decode command.
func CreateDecodeCmd() *cobra.Command {
	opts := DecodeOptions{Decoder: config.DefaultDecoder()}

	decodeCmd := &cobra.Command{
		Use:   "decode <input>",
		Short: "Decode a file, stdin or an RTP stream",
		Long: `Feed encoded access units to the hardware decoder and optionally dump the
decoded frames as raw images.

The input is an MP4 file, an Annex B elementary stream (.h264, .h265), an
MJPEG stream, "-" for stdin, or udp://host:port for RTP/H.264.`,
		Example: `  m2mdec decode clip.mp4 --output frames.nv12 --crop
  m2mdec decode udp://0.0.0.0:5004 --device /dev/video1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadConfig(&opts, cmd); err != nil {
				return err
			}
			logging.Initialize(config.LoadLoggingConfig(opts.Config))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stats, err := RunDecode(ctx, args[0], opts, cmd.Flags().Changed("codec"))
			fmt.Fprintf(cmd.ErrOrStderr(), "submitted %d, written %d, dropped %d, %d bytes\n",
				stats.Submitted, stats.Sink.Written, stats.Sink.Dropped, stats.Sink.Bytes)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	f := decodeCmd.Flags()
	f.StringVarP(&opts.Config, "config", "c", "", "Configuration file")
	f.StringVarP(&opts.Output, "output", "o", "", `Write decoded frames to this file, "-" for stdout`)
	f.BoolVar(&opts.Crop, "crop", false, "Write only the visible region of NV12 frames")
	f.IntVar(&opts.Queue, "queue", sink.DefaultQueue, "Frames buffered between decoder and writer")
	f.IntVar(&opts.Frames, "frames", 0, "Stop after this many access units, 0 for all")
	f.DurationVar(&opts.DrainTimeout, "drain-timeout", 5*time.Second, "Longest wait for outstanding frames at end of input")
	f.DurationVar(&opts.QuietPeriod, "quiet-period", 500*time.Millisecond, "Treat the decoder as drained after this long without a frame")

	f.StringVar(&opts.Device, "device", opts.Device, "Decoder device node, empty to probe")
	f.StringVar(&opts.Codec, "codec", opts.Codec, "Input codec, detected from the input when not given")
	f.IntVar(&opts.Width, "width", 0, "Expected stream width")
	f.IntVar(&opts.Height, "height", 0, "Expected stream height")
	f.IntVar(&opts.InputBuffers, "input-buffers", 0, "Number of input buffers")
	f.IntVar(&opts.InputBufferSize, "input-buffer-size", 0, "Input buffer capacity in bytes")
	f.IntVar(&opts.ExtraOutputBuffers, "extra-output-buffers", 0, "Output buffers above the device minimum")
	f.IntVar(&opts.FrameAlign, "frame-align", 0, "Output frame alignment")
	f.StringVar(&opts.OutputFormat, "output-format", opts.OutputFormat, "Preferred decoded pixel format")
	f.IntVar(&opts.PollTimeoutMs, "poll-timeout-ms", 0, "Device poll timeout in milliseconds")
	f.IntVar(&opts.FetchIntervalMs, "fetch-interval-ms", 0, "Output refill interval in milliseconds")
	f.StringVar(&opts.DMAHeap, "dma-heap", opts.DMAHeap, "dma-heap used for output buffers")
	f.StringVar(&opts.CardNames, "card-names", "", "Comma separated decoder card names")
	f.IntVar(&opts.CodecErrorEvent, "codec-error-event", 0, "Vendor codec error event type")
	f.IntVar(&opts.SkipEvent, "skip-event", 0, "Vendor skip event type")
	f.BoolVar(&opts.ResetCommand, "reset-command", opts.ResetCommand, "Send a decoder start command after stop")
	return decodeCmd
}

// DecodeStats summarizes a decode run.
type DecodeStats struct {
	Submitted int64
	Sink      sink.Stats
}

// RunDecode decodes location until the input ends or ctx is cancelled.
// Unless codecFixed is set, the codec and geometry found in the input
// replace the configured ones.
func RunDecode(ctx context.Context, location string, opts DecodeOptions, codecFixed bool) (DecodeStats, error) {
	var stats DecodeStats
	logger := logging.GetLogger("main")

	src, err := source.Open(location, opts.Codec, logging.GetLogger("source"))
	if err != nil {
		return stats, err
	}
	defer src.Close()

	cfg := opts.Decoder
	if info := src.Info(); !codecFixed && info.Codec != "" {
		cfg.Codec = info.Codec
		if info.Width > 0 && info.Height > 0 && cfg.Width == 0 && cfg.Height == 0 {
			cfg.Width, cfg.Height = int(info.Width), int(info.Height)
		}
	}

	out, closeOut, err := openOutput(opts.Output)
	if err != nil {
		return stats, err
	}
	defer closeOut()

	writer := sink.NewWriter(out, sink.Options{Queue: opts.Queue, Crop: opts.Crop, Logger: logging.GetLogger("sink")})

	bus := events.New()
	unsub := bus.Subscribe(func(e events.ResolutionChangedEvent) {
		logger.Info("Resolution changed", "width", e.CropWidth, "height", e.CropHeight, "format", e.PixelFormat, "epoch", e.Epoch)
	})
	defer unsub()

	session, err := NewSession(cfg, writer, bus, logging.GetLogger("decoder"))
	if err != nil {
		_ = writer.Close()
		return stats, err
	}
	writer.Bind(session.Decoder)

	defer func() {
		if err := session.Decoder.Stop(); err != nil {
			logger.Warn("Stop failed", "error", err)
		}
		if err := writer.Close(); err != nil {
			logger.Warn("Frame writer failed", "error", err)
		}
		stats.Sink = writer.Stats()
		if err := session.Close(); err != nil {
			logger.Warn("Session close failed", "error", err)
		}
	}()

	if err := session.Decoder.Init(); err != nil {
		return stats, err
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := session.WatchRemoval(watchCtx); err != nil {
			logger.Debug("Hotplug watch ended", "error", err)
		}
	}()

	stats.Submitted, err = Feed(ctx, src, session.Decoder, opts.Frames)
	if err != nil {
		return stats, err
	}

	if !WaitIdle(ctx, session.Decoder, writer.LastFrame(), opts.DrainTimeout, opts.QuietPeriod) {
		logger.Warn("Decoder not drained before timeout", "timeout", opts.DrainTimeout)
	}
	return stats, ctx.Err()
}

func openOutput(path string) (io.Writer, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() {
		if err := f.Close(); err != nil {
			slog.Warn("Failed to close output", "path", path, "error", err)
		}
	}, nil
}

// Feed submits the access units of src in order, numbering them from zero,
// until the source ends, limit units were read or ctx is cancelled. A limit
// of zero means no limit. Access units larger than the device accepts are
// skipped. It returns the number of units submitted.
func Feed(ctx context.Context, src source.Source, s Submitter, limit int) (int64, error) {
	var id, n int64
	for ; limit <= 0 || id < int64(limit); id++ {
		unit, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		au := decoder.AccessUnit{ID: id, Data: unit.Data}
		err = SubmitWithRetry(ctx, s, au)
		if errors.Is(err, decoder.ErrInputLimit) {
			slog.Warn("Skipping oversized access unit", "id", au.ID, "size", len(au.Data))
			continue
		}
		if err != nil {
			return n, fmt.Errorf("submit access unit %d: %w", au.ID, err)
		}
		n++
	}
	return n, nil
}

// Submitter accepts access units.
type Submitter interface {
	Submit(au decoder.AccessUnit) error
}

// SubmitWithRetry submits au, backing off while the input pool is full or
// is being grown for an oversized access unit. An access unit past the
// device input limit is not retried.
func SubmitWithRetry(ctx context.Context, s Submitter, au decoder.AccessUnit) error {
	backoff := time.Millisecond
	for {
		err := s.Submit(au)
		if err == nil {
			return nil
		}
		if errors.Is(err, decoder.ErrInputLimit) {
			return err
		}
		if !decoder.IsTransient(err) && !errors.Is(err, decoder.ErrBufferTooSmall) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxSubmitBackoff)
	}
}

// StatusReporter reports decoder status.
type StatusReporter interface {
	Status() decoder.Status
}

// WaitIdle waits until every submitted access unit was consumed and the
// decoder either produced as many frames or stayed silent for quiet. A
// closed last channel ends the wait early. It reports false on timeout,
// cancellation or a decoder failure.
func WaitIdle(ctx context.Context, r StatusReporter, last <-chan struct{}, timeout, quiet time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	var decoded uint64
	changed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-last:
			return true
		case <-deadline.C:
			return false
		case <-ticker.C:
		}

		st := r.Status()
		switch st.State {
		case decoder.StateFailed, decoder.StateDestroyed:
			return false
		}
		if st.Decoded != decoded {
			decoded = st.Decoded
			changed = time.Now()
			if st.Decoded < st.Submitted {
				continue
			}
		}
		if st.Pools.InputSubmitted > 0 {
			continue
		}
		if st.Decoded >= st.Submitted || time.Since(changed) >= quiet {
			return true
		}
	}
}
