// Package cmd holds the m2mdec subcommands and the session wiring they
// share with the service.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/smazurov/m2mdec/internal/config"
	"github.com/smazurov/m2mdec/internal/decoder"
	"github.com/smazurov/m2mdec/internal/events"
	"github.com/smazurov/m2mdec/internal/logging"
	"github.com/smazurov/m2mdec/pkg/linuxav/hotplug"
	"github.com/smazurov/m2mdec/pkg/linuxav/v4l2"
)

// Session is a decoder together with the device and allocator it owns.
type Session struct {
	Decoder   *decoder.Decoder
	Device    *decoder.V4L2Device
	Allocator *decoder.DMAHeapAllocator
	logger    *slog.Logger
}

// DecoderOptions converts the [decoder] table to decoder options.
func DecoderOptions(cfg config.Decoder) (decoder.Options, error) {
	if err := cfg.Validate(); err != nil {
		return decoder.Options{}, err
	}
	codec, err := v4l2.CodecFormat(cfg.Codec)
	if err != nil {
		return decoder.Options{}, err
	}
	opts := decoder.Options{
		Codec:              codec,
		Width:              uint32(cfg.Width),
		Height:             uint32(cfg.Height),
		InputBuffers:       cfg.InputBuffers,
		InputBufferSize:    cfg.InputBufferSize,
		ExtraOutputBuffers: cfg.ExtraOutputBuffers,
		FrameAlign:         uint32(cfg.FrameAlign),
		PollTimeout:        cfg.PollTimeout(),
		FetchInterval:      cfg.FetchInterval(),
	}
	if cfg.OutputFormat != "" {
		if opts.OutputFormat, err = v4l2.ParseFourCC(cfg.OutputFormat); err != nil {
			return decoder.Options{}, err
		}
	}
	return opts, nil
}

// NewSession builds an uninitialized decoder session from cfg. Frames go to
// consumer; the caller runs Init.
func NewSession(cfg config.Decoder, consumer decoder.Consumer, bus *events.Bus, logger *slog.Logger) (*Session, error) {
	opts, err := DecoderOptions(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid decoder config: %w", err)
	}
	opts.Logger = logger
	opts.Events = bus

	var locator decoder.Locator = decoder.V4L2Locator{Codec: opts.Codec, CardNames: cfg.Cards()}
	if cfg.Device != "" {
		locator = decoder.StaticLocator(cfg.Device)
	}

	alloc, err := decoder.NewDMAHeapAllocator(cfg.DMAHeap)
	if err != nil {
		return nil, fmt.Errorf("open dma heap: %w", err)
	}

	dev := decoder.NewV4L2Device(decoder.V4L2Config{
		Locator:         locator,
		CodecErrorEvent: uint32(cfg.CodecErrorEvent),
		SkipEvent:       uint32(cfg.SkipEvent),
		NoReset:         !cfg.ResetCommand,
		Logger:          logging.GetLogger("device"),
	})

	logger.Info("Decoder session configured", "decoder", cfg.String())
	return &Session{
		Decoder:   decoder.New(dev, alloc, consumer, opts),
		Device:    dev,
		Allocator: alloc,
		logger:    logger,
	}, nil
}

// Close destroys the decoder and then closes the heap. Frames the consumer
// still holds are freed by Destroy.
func (s *Session) Close() error {
	errs := []error{s.Decoder.Destroy()}
	if live := s.Allocator.Live(); live > 0 {
		s.logger.Warn("Output buffers still allocated at close", "count", live)
	}
	errs = append(errs, s.Allocator.Close())
	return errors.Join(errs...)
}

// WatchRemoval stops the decoder when its device node is unplugged. It
// returns when ctx is cancelled or the node went away.
func (s *Session) WatchRemoval(ctx context.Context) error {
	path := s.Device.Path()
	if path == "" {
		return errors.New("decoder not initialized")
	}

	monitor, err := hotplug.NewMonitor(hotplug.SubsystemVideo4Linux)
	if err != nil {
		return fmt.Errorf("open uevent monitor: %w", err)
	}
	defer monitor.Close()

	if err := monitor.WaitRemoved(ctx, path); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	s.logger.Warn("Decoder device removed, stopping", "device", path)
	return s.Decoder.Stop()
}
