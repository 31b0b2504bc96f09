//go:build linux

package decoder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/smazurov/m2mdec/pkg/linuxav/v4l2"
)

// V4L2Config configures a V4L2Device.
type V4L2Config struct {
	// Locator picks the node to open.
	Locator Locator
	// CodecErrorEvent and SkipEvent are vendor private event types.
	// Zero disables the subscription.
	CodecErrorEvent uint32
	SkipEvent       uint32
	// NoReset skips the decoder start command after a stop, for drivers
	// that reject it outright.
	NoReset bool
	Logger  *slog.Logger
}

// V4L2Device implements Device over a V4L2 M2M node. Input buffers are
// MMAP, output buffers are DMABUF imported from the allocator.
type V4L2Device struct {
	cfg    V4L2Config
	logger *slog.Logger

	mu  sync.Mutex
	dev *v4l2.M2MDevice

	streaming [2]bool
	events    []uint32
}

// NewV4L2Device creates an unopened device.
func NewV4L2Device(cfg V4L2Config) *V4L2Device {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &V4L2Device{cfg: cfg, logger: logger}
}

// V4L2Locator finds the first M2M node that decodes a codec.
type V4L2Locator struct {
	Codec     uint32
	CardNames []string
}

// Locate scans sysfs for a matching decoder node.
func (l V4L2Locator) Locate() (string, error) {
	found, err := v4l2.FindDecoders(v4l2.DecoderFilter{Codec: l.Codec, CardNames: l.CardNames})
	if err != nil {
		return "", fmt.Errorf("scan decoders: %w", err)
	}
	if len(found) == 0 {
		return "", fmt.Errorf("no %s decoder found", v4l2.FormatFourCC(l.Codec))
	}
	return found[0].DevicePath, nil
}

func queueDir(dir Direction) v4l2.Direction {
	if dir == Input {
		return v4l2.Output
	}
	return v4l2.Capture
}

func (v *V4L2Device) handle() (*v4l2.M2MDevice, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dev == nil {
		return nil, fmt.Errorf("%w: device not open", ErrDeviceUnavailable)
	}
	return v.dev, nil
}

// Open locates the node, opens it and subscribes to decoder events.
func (v *V4L2Device) Open() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dev != nil {
		return fmt.Errorf("%w: %s already open", ErrDeviceUnavailable, v.dev.Info().DevicePath)
	}
	if v.cfg.Locator == nil {
		return fmt.Errorf("%w: no device locator", ErrDeviceUnavailable)
	}

	path, err := v.cfg.Locator.Locate()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	dev, err := v4l2.OpenM2M(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	v.events = v.events[:0]
	for _, typ := range []uint32{v4l2.EventSourceChange, v4l2.EventEOS, v.cfg.CodecErrorEvent, v.cfg.SkipEvent} {
		if typ == 0 {
			continue
		}
		if err := dev.Subscribe(typ); err != nil {
			if errors.Is(err, v4l2.ErrEventsNotSupported) {
				v.logger.Debug("Event not supported", "path", path, "type", typ)
				continue
			}
			dev.Close()
			return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		v.events = append(v.events, typ)
	}

	v.dev = dev
	v.streaming = [2]bool{}
	info := dev.Info()
	v.logger.Info("Opened decoder device",
		"path", path, "card", info.DeviceName, "driver", info.Driver, "multiplanar", dev.MultiPlanar())
	return nil
}

// Close unsubscribes and closes the node.
func (v *V4L2Device) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dev == nil {
		return nil
	}
	for _, typ := range v.events {
		if err := v.dev.Unsubscribe(typ); err != nil {
			v.logger.Debug("Failed to unsubscribe", "type", typ, "error", err)
		}
	}
	err := v.dev.Close()
	v.dev = nil
	return err
}

// Path returns the node path, or "" before Open.
func (v *V4L2Device) Path() string {
	dev, err := v.handle()
	if err != nil {
		return ""
	}
	return dev.Info().DevicePath
}

// Card returns the driver's card name.
func (v *V4L2Device) Card() string {
	dev, err := v.handle()
	if err != nil {
		return ""
	}
	return dev.Info().DeviceName
}

// QueueKind reports the buffer API of the node.
func (v *V4L2Device) QueueKind() QueueKind {
	dev, err := v.handle()
	if err == nil && dev.MultiPlanar() {
		return MultiPlanar
	}
	return SinglePlanar
}

// Formats lists the pixel formats of a queue.
func (v *V4L2Device) Formats(dir Direction) ([]uint32, error) {
	dev, err := v.handle()
	if err != nil {
		return nil, err
	}
	infos, err := dev.Formats(queueDir(dir))
	if err != nil {
		return nil, translateErrno(err)
	}
	out := make([]uint32, 0, len(infos))
	for _, f := range infos {
		out = append(out, f.PixelFormat)
	}
	return out, nil
}

// SetFormat applies f to a queue.
func (v *V4L2Device) SetFormat(dir Direction, f Format) (Format, error) {
	dev, err := v.handle()
	if err != nil {
		return Format{}, err
	}
	req := v4l2.Format{PixelFormat: f.PixelFormat, Width: f.Width, Height: f.Height}
	for _, p := range f.Planes {
		req.Planes = append(req.Planes, v4l2.PlaneFormat{SizeImage: p.SizeImage, BytesPerLine: p.BytesPerLine})
	}
	got, err := dev.SetFormat(queueDir(dir), req)
	if err != nil {
		return Format{}, translateErrno(err)
	}
	return fromV4L2Format(got), nil
}

// Format reads the current format of a queue.
func (v *V4L2Device) Format(dir Direction) (Format, error) {
	dev, err := v.handle()
	if err != nil {
		return Format{}, err
	}
	got, err := dev.GetFormat(queueDir(dir))
	if err != nil {
		return Format{}, translateErrno(err)
	}
	return fromV4L2Format(got), nil
}

func fromV4L2Format(f v4l2.Format) Format {
	out := Format{PixelFormat: f.PixelFormat, Width: f.Width, Height: f.Height}
	for _, p := range f.Planes {
		out.Planes = append(out.Planes, PlaneFormat{SizeImage: p.SizeImage, BytesPerLine: p.BytesPerLine})
	}
	return out
}

// MinOutputBuffers reads V4L2_CID_MIN_BUFFERS_FOR_CAPTURE.
func (v *V4L2Device) MinOutputBuffers() (int, error) {
	dev, err := v.handle()
	if err != nil {
		return 0, err
	}
	n, err := dev.Control(v4l2.CIDMinBuffersForCapture)
	if err != nil {
		return 0, translateErrno(err)
	}
	return int(n), nil
}

// Crop returns the visible rectangle of decoded frames.
func (v *V4L2Device) Crop() (Rect, error) {
	dev, err := v.handle()
	if err != nil {
		return Rect{}, err
	}
	r, err := dev.Crop()
	if err != nil {
		return Rect{}, translateErrno(err)
	}
	return Rect{Left: r.Left, Top: r.Top, Width: r.Width, Height: r.Height}, nil
}

// RequestBuffers sizes a queue: MMAP for input, DMABUF for output.
func (v *V4L2Device) RequestBuffers(dir Direction, count int) (int, error) {
	dev, err := v.handle()
	if err != nil {
		return 0, err
	}
	memory := uint32(v4l2.MemoryMMAP)
	if dir == Output {
		memory = v4l2.MemoryDMABUF
	}
	n, err := dev.RequestBuffers(queueDir(dir), count, memory)
	if err != nil {
		return 0, translateErrno(err)
	}
	return n, nil
}

// MapInput maps the first plane of an input buffer.
func (v *V4L2Device) MapInput(index int) (Mapping, error) {
	dev, err := v.handle()
	if err != nil {
		return nil, err
	}
	buf, err := dev.QueryBuffer(v4l2.Output, index)
	if err != nil {
		return nil, translateErrno(err)
	}
	if len(buf.Planes) == 0 || buf.Planes[0].Length == 0 {
		return nil, fmt.Errorf("input buffer %d has no memory: %w", index, ErrBadIndex)
	}
	data, err := dev.Map(buf.Planes[0].MemOffset, buf.Planes[0].Length)
	if err != nil {
		return nil, translateErrno(err)
	}
	return &mmapRegion{data: data, unmap: dev.Unmap}, nil
}

type mmapRegion struct {
	data  []byte
	unmap func([]byte) error
	once  sync.Once
	err   error
}

func (m *mmapRegion) Bytes() []byte { return m.data }

func (m *mmapRegion) Close() error {
	m.once.Do(func() { m.err = m.unmap(m.data) })
	return m.err
}

// Queue hands a buffer to the device.
func (v *V4L2Device) Queue(dir Direction, buf Buffer) error {
	dev, err := v.handle()
	if err != nil {
		return err
	}
	req := v4l2.Buffer{Index: buf.Index}
	if dir == Input {
		req.Timestamp = buf.Timestamp
		req.Flags = v4l2.BufFlagTimestampCopy
		req.Planes = []v4l2.Plane{{BytesUsed: buf.BytesUsed, Length: buf.Length}}
	} else if len(buf.Planes) > 1 && dev.MultiPlanar() {
		for _, p := range buf.Planes {
			req.Planes = append(req.Planes, v4l2.Plane{
				Length:     p.Offset + p.Size,
				DataOffset: p.Offset,
				FD:         buf.FD,
			})
		}
	} else {
		req.Planes = []v4l2.Plane{{Length: buf.Length, FD: buf.FD}}
	}
	if err := dev.Queue(queueDir(dir), req); err != nil {
		return translateErrno(err)
	}
	return nil
}

// Dequeue takes a finished buffer from a queue.
func (v *V4L2Device) Dequeue(dir Direction) (Completed, error) {
	dev, err := v.handle()
	if err != nil {
		return Completed{}, err
	}
	b, err := dev.Dequeue(queueDir(dir))
	if err != nil {
		return Completed{}, translateErrno(err)
	}
	return Completed{
		Index:     b.Index,
		BytesUsed: b.BytesUsed(),
		Timestamp: b.Timestamp,
		Sequence:  b.Sequence,
		Last:      b.Flags&v4l2.BufFlagLast != 0,
		Error:     b.Flags&v4l2.BufFlagError != 0,
	}, nil
}

// DequeueEvent takes the next pending event and classifies it.
func (v *V4L2Device) DequeueEvent() (DeviceEvent, error) {
	dev, err := v.handle()
	if err != nil {
		return DeviceEvent{}, err
	}
	ev, err := dev.DequeueEvent()
	if err != nil {
		// DQEVENT reports an empty queue as ENOENT.
		if errors.Is(err, unix.ENOENT) {
			return DeviceEvent{}, ErrWouldBlock
		}
		return DeviceEvent{}, translateErrno(err)
	}
	return DeviceEvent{Kind: v.classify(ev), Raw: ev.Type}, nil
}

func (v *V4L2Device) classify(ev v4l2.Event) EventKind {
	switch {
	case ev.Type == v4l2.EventSourceChange && ev.Changes&v4l2.SrcChangeResolution != 0:
		return EventResolutionChange
	case ev.Type == v4l2.EventSourceChange:
		return EventSourceChange
	case ev.Type == v4l2.EventEOS:
		return EventEndOfStream
	case v.cfg.CodecErrorEvent != 0 && ev.Type == v.cfg.CodecErrorEvent:
		return EventCodecError
	case v.cfg.SkipEvent != 0 && ev.Type == v.cfg.SkipEvent:
		return EventSkip
	default:
		return EventUnknown
	}
}

// Poll waits for readiness. The V4L2 OUTPUT queue reports consumed input,
// the CAPTURE queue reports decoded frames.
func (v *V4L2Device) Poll(timeout time.Duration) (PollResult, error) {
	dev, err := v.handle()
	if err != nil {
		return PollResult{}, err
	}
	res, err := dev.Poll(timeout)
	if err != nil {
		return PollResult{}, translateErrno(err)
	}
	return PollResult{Event: res.Event, InputDone: res.Output, OutputReady: res.Capture}, nil
}

// Interrupt wakes a blocked Poll.
func (v *V4L2Device) Interrupt() error {
	dev, err := v.handle()
	if err != nil {
		return err
	}
	return dev.Interrupt()
}

// StreamOn starts a queue. Starting a running queue is a no-op.
func (v *V4L2Device) StreamOn(dir Direction) error {
	dev, err := v.handle()
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.streaming[dir] {
		return nil
	}
	if err := dev.StreamOn(queueDir(dir)); err != nil {
		return translateErrno(err)
	}
	v.streaming[dir] = true
	return nil
}

// StreamOff stops a queue. Stopping a stopped queue is a no-op.
func (v *V4L2Device) StreamOff(dir Direction) error {
	dev, err := v.handle()
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.streaming[dir] {
		return nil
	}
	v.streaming[dir] = false
	if err := dev.StreamOff(queueDir(dir)); err != nil {
		return translateErrno(err)
	}
	return nil
}

// Stop issues an immediate decoder stop.
func (v *V4L2Device) Stop() error {
	dev, err := v.handle()
	if err != nil {
		return err
	}
	if err := dev.DecoderCommand(v4l2.DecCmdStop, v4l2.DecCmdStopImmediately); err != nil {
		return v.optionalCommand("stop", err)
	}
	return nil
}

// Reset restarts the decoder after a stop. With both queues off the
// driver has already dropped its state, so an unsupported command is fine.
func (v *V4L2Device) Reset() error {
	if v.cfg.NoReset {
		return nil
	}
	dev, err := v.handle()
	if err != nil {
		return err
	}
	if err := dev.DecoderCommand(v4l2.DecCmdStart, 0); err != nil {
		return v.optionalCommand("start", err)
	}
	return nil
}

func (v *V4L2Device) optionalCommand(name string, err error) error {
	err = translateErrno(err)
	if errors.Is(err, ErrDeviceUnavailable) {
		return err
	}
	v.logger.Debug("Decoder command not accepted", "command", name, "error", err)
	return nil
}

// translateErrno maps errno values from the device to decoder errors.
func translateErrno(err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return err
	}
	switch errno {
	case unix.EAGAIN:
		return fmt.Errorf("%w: %w", ErrWouldBlock, err)
	case unix.EPIPE:
		// Output queue drained after its last buffer.
		return fmt.Errorf("%w: %w", ErrWouldBlock, err)
	case unix.ENODEV, unix.ENXIO, unix.EBADF, unix.EIO, unix.ESHUTDOWN:
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	case unix.ENOMEM:
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	default:
		return err
	}
}
