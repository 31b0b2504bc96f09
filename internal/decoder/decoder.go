// Package decoder drives a stateful memory-to-memory video decoder.
//
// A Decoder owns one device session. Callers feed access units with
// Submit; decoded frames are handed to a Consumer, which returns each one
// with Release. Two goroutines run while streaming: the poll loop waits on
// the device and drains both queues, and the fetch loop keeps the output
// queue supplied with free buffers.
package decoder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smazurov/m2mdec/internal/events"
	"github.com/smazurov/m2mdec/internal/metrics"
	"github.com/smazurov/m2mdec/pkg/linuxav/v4l2"
)

// Decoder is one decoding session. All methods are safe for concurrent use.
type Decoder struct {
	dev      Device
	consumer Consumer
	opts     Options
	logger   *slog.Logger
	bus      *events.Bus
	session  string

	// lifecycle serializes Start, Stop, Flush and Destroy.
	lifecycle sync.Mutex

	mu         sync.Mutex
	state      State
	err        error // cause of StateFailed
	path       string
	profile    VendorProfile
	inFormats  map[uint32]bool
	outFormats map[uint32]bool
	inFormat   Format
	input      *inputPool
	output     *outputPool
	streaming  [2]bool
	growTo     int // pending input capacity after ErrBufferTooSmall
	inputLimit int // largest input capacity the device granted, 0 if not capped
	capacity   int // input capacity requested on the next negotiation
	allocated  bool
	running    bool
	drained    bool // output queue delivered its last buffer

	stop     chan struct{}
	stopOnce *sync.Once
	wake     chan struct{}
	wg       sync.WaitGroup

	submitted      uint64
	decoded        uint64
	empty          uint64
	renegotiations uint64
}

// New creates a decoder session over dev. Output buffers come from alloc
// and decoded frames go to consumer, which may be nil.
func New(dev Device, alloc Allocator, consumer Consumer, opts Options) *Decoder {
	opts.applyDefaults()
	if consumer == nil {
		consumer = ConsumerFunc(func(Frame) {})
	}
	session := uuid.NewString()
	return &Decoder{
		dev:      dev,
		consumer: consumer,
		opts:     opts,
		logger:   opts.Logger.With("session", session),
		bus:      opts.Events,
		session:  session,
		state:    StateUninitialized,
		input:    newInputPool(dev),
		output:   newOutputPool(dev, alloc),
		wake:     make(chan struct{}, 1),
	}
}

// Session returns the session identifier.
func (d *Decoder) Session() string { return d.session }

// State returns the current lifecycle state.
func (d *Decoder) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Err returns the error that moved the decoder to StateFailed.
func (d *Decoder) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Init opens the device and checks that it decodes the configured codec.
func (d *Decoder) Init() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateUninitialized:
	case StateDestroyed:
		return ErrClosed
	default:
		return nil
	}

	if err := d.dev.Open(); err != nil {
		return fmt.Errorf("open decoder: %w", unavailable(err))
	}
	d.path = d.dev.Path()
	d.logger = d.logger.With("device", d.path)

	in, err := d.dev.Formats(Input)
	if err != nil {
		return d.abortInitLocked(fmt.Errorf("enumerate input formats: %w", unavailable(err)))
	}
	out, err := d.dev.Formats(Output)
	if err != nil {
		return d.abortInitLocked(fmt.Errorf("enumerate output formats: %w", unavailable(err)))
	}
	d.inFormats = formatSet(in)
	d.outFormats = formatSet(out)

	if !d.inFormats[d.opts.Codec] {
		return d.abortInitLocked(fmt.Errorf("%w: %s does not decode %s",
			ErrDeviceUnavailable, d.path, v4l2.FormatFourCC(d.opts.Codec)))
	}

	d.profile = ProfileHantro
	if c, ok := d.dev.(interface{ Card() string }); ok {
		d.profile = ProfileForCard(c.Card())
	}

	d.logger.Info("Decoder initialized",
		"codec", v4l2.FormatFourCC(d.opts.Codec),
		"queue", d.dev.QueueKind(),
		"profile", d.profile.Name,
		"output_formats", len(out))
	d.setStateLocked(StateInitialized)
	return nil
}

func (d *Decoder) abortInitLocked(err error) error {
	if cerr := d.dev.Close(); cerr != nil {
		d.logger.Debug("Close after failed init", "error", cerr)
	}
	return err
}

func formatSet(formats []uint32) map[uint32]bool {
	set := make(map[uint32]bool, len(formats))
	for _, f := range formats {
		set[f] = true
	}
	return set
}

// SupportsInputFormat reports whether the input queue accepts pix.
func (d *Decoder) SupportsInputFormat(pix uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFormats[pix]
}

// SupportsOutputFormat reports whether the output queue offers pix.
func (d *Decoder) SupportsOutputFormat(pix uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outFormats[pix]
}

// Start negotiates formats, allocates both pools and starts the loops.
// Submit calls it on demand, so callers rarely need to.
func (d *Decoder) Start() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateInitialized, StateStopped:
	case StateUninitialized:
		return fmt.Errorf("start before init: %w", ErrInvalidState)
	case StateFailed:
		return d.failureLocked()
	case StateDestroyed:
		return ErrClosed
	default:
		return nil
	}

	if err := d.negotiateInputLocked(d.inputCapacity()); err != nil {
		return d.abortStartLocked(err)
	}
	if err := d.input.allocate(d.opts.InputBuffers); err != nil {
		return d.abortStartLocked(err)
	}
	d.allocated = true
	d.drained = false
	d.setStateLocked(StateNegotiated)

	if err := d.negotiateOutputLocked(); err != nil {
		if errors.Is(err, ErrFormatMismatch) || errors.Is(err, ErrDeviceUnavailable) {
			return d.abortStartLocked(err)
		}
		d.logger.Info("Output negotiation deferred until source change", "error", err)
	}

	d.stop = make(chan struct{})
	d.stopOnce = new(sync.Once)
	d.running = true
	d.setStateLocked(StateStreaming)

	d.wg.Add(2)
	go d.pollLoop(d.stop)
	go d.fetchLoop(d.stop)
	return nil
}

func (d *Decoder) abortStartLocked(err error) error {
	d.releaseLocked()
	if errors.Is(err, ErrFormatMismatch) || errors.Is(err, ErrDeviceUnavailable) {
		d.err = err
		d.setStateLocked(StateFailed)
	}
	return err
}

// inputCapacity is the byte capacity requested for input buffers.
func (d *Decoder) inputCapacity() int {
	switch {
	case d.capacity > 0:
		return d.capacity
	case d.opts.InputBufferSize > 0:
		return d.opts.InputBufferSize
	default:
		return InputBufferSize(d.opts.Width, d.opts.Height)
	}
}

// negotiateInputLocked applies the compressed format. A different codec is
// fatal; different geometry or capacity is only logged.
func (d *Decoder) negotiateInputLocked(capacity int) error {
	want := Format{
		PixelFormat: d.opts.Codec,
		Width:       d.opts.Width,
		Height:      d.opts.Height,
		Planes:      []PlaneFormat{{SizeImage: uint32(capacity)}},
	}
	got, err := d.dev.SetFormat(Input, want)
	if err != nil {
		return fmt.Errorf("set input format: %w", unavailable(err))
	}
	if got.PixelFormat != want.PixelFormat {
		return fmt.Errorf("%w: input %s applied as %s", ErrFormatMismatch,
			v4l2.FormatFourCC(want.PixelFormat), v4l2.FormatFourCC(got.PixelFormat))
	}
	if got.Width != want.Width || got.Height != want.Height || got.Size() < capacity {
		d.logger.Debug("Device adjusted input format",
			"width", got.Width, "height", got.Height, "capacity", got.Size(), "requested", capacity)
	}
	d.inFormat = got
	return nil
}

// negotiateOutputLocked applies the decoded format for the current stream
// geometry and allocates a fresh output epoch.
func (d *Decoder) negotiateOutputLocked() error {
	cur, err := d.dev.Format(Output)
	if err != nil {
		return fmt.Errorf("read output format: %w", err)
	}
	if cur.Width == 0 || cur.Height == 0 {
		return fmt.Errorf("output geometry not known yet")
	}

	align := d.profile.FrameAlign
	if d.opts.FrameAlign > 0 {
		align = d.opts.FrameAlign
	}
	margin := d.profile.Margin
	if d.opts.ExtraOutputBuffers > 0 {
		margin = d.opts.ExtraOutputBuffers
	}

	pix := d.outputPixelFormat(cur.PixelFormat)
	width := uint32(alignUp(int(cur.Width), int(align)))
	height := uint32(alignUp(int(cur.Height), int(align)))
	want := Format{
		PixelFormat: pix,
		Width:       width,
		Height:      height,
		Planes:      outputPlanes(pix, width, height, d.dev.QueueKind()),
	}
	got, err := d.dev.SetFormat(Output, want)
	if err != nil {
		return fmt.Errorf("set output format: %w", err)
	}
	if got.PixelFormat != pix {
		return fmt.Errorf("%w: output %s applied as %s", ErrFormatMismatch,
			v4l2.FormatFourCC(pix), v4l2.FormatFourCC(got.PixelFormat))
	}
	if len(got.Planes) == 0 {
		got.Planes = want.Planes
	}

	minBuffers, err := d.dev.MinOutputBuffers()
	if err != nil || minBuffers <= 0 {
		d.logger.Debug("Minimum output buffer count unavailable", "error", err)
		minBuffers = 1
	}

	crop, err := d.dev.Crop()
	if err != nil || crop.Empty() {
		crop = Rect{Width: cur.Width, Height: cur.Height}
	}

	if err := d.output.allocate(got, crop, minBuffers+margin); err != nil {
		return err
	}

	c := d.output.counts()
	d.logger.Info("Output buffers negotiated",
		"epoch", d.output.epoch,
		"format", v4l2.FormatFourCC(got.PixelFormat),
		"width", got.Width,
		"height", got.Height,
		"crop", fmt.Sprintf("%dx%d", crop.Width, crop.Height),
		"buffers", c.free)
	d.bus.Publish(events.ResolutionChangedEvent{
		Session:     d.session,
		Device:      d.path,
		Epoch:       d.output.epoch,
		Width:       got.Width,
		Height:      got.Height,
		CropWidth:   crop.Width,
		CropHeight:  crop.Height,
		PixelFormat: v4l2.FormatFourCC(got.PixelFormat),
		Buffers:     c.free,
		Timestamp:   time.Now().Format(time.RFC3339),
	})
	return nil
}

// outputPixelFormat picks the configured format in either memory layout
// when offered, otherwise NV12, otherwise whatever the device reports.
func (d *Decoder) outputPixelFormat(current uint32) uint32 {
	want := uint32(v4l2.PixFmtNV12)
	if d.opts.OutputFormat != 0 {
		want = d.opts.OutputFormat
	}
	if d.outFormats[want] {
		return want
	}
	for pix := range d.outFormats {
		if v4l2.ContiguousFormat(pix) == v4l2.ContiguousFormat(want) {
			return pix
		}
	}
	return current
}

// outputPlanes sizes the planes of a decoded 4:2:0 frame.
func outputPlanes(pix, width, height uint32, kind QueueKind) []PlaneFormat {
	luma := width * height
	if kind == MultiPlanar {
		switch pix {
		case v4l2.PixFmtNV12M:
			return []PlaneFormat{
				{SizeImage: luma, BytesPerLine: width},
				{SizeImage: luma / 2, BytesPerLine: width},
			}
		case v4l2.PixFmtYUV420M, v4l2.PixFmtYVU420M:
			return []PlaneFormat{
				{SizeImage: luma, BytesPerLine: width},
				{SizeImage: luma / 4, BytesPerLine: width / 2},
				{SizeImage: luma / 4, BytesPerLine: width / 2},
			}
		}
	}
	return []PlaneFormat{{SizeImage: luma * 3 / 2, BytesPerLine: width}}
}

// Submit queues one access unit, starting the decoder on first use.
//
// ErrResourceExhausted means every input buffer is in flight; retry after
// the device consumed one. ErrBufferTooSmall rejects this access unit only;
// the input pool is grown before the next submission. Once the device
// refuses to grow, oversized access units also match ErrInputLimit and the
// pool is left alone.
func (d *Decoder) Submit(au AccessUnit) error {
	if au.ID < 0 || au.ID > MaxInputID {
		return fmt.Errorf("access unit %d: %w", au.ID, ErrIDRange)
	}
	if err := d.ensureStarted(); err != nil {
		return err
	}

	var dropped []int64
	defer func() { d.reportDropped(dropped) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateStreaming:
	case StateFailed:
		return d.failureLocked()
	case StateDestroyed:
		return ErrClosed
	default:
		return fmt.Errorf("submit while %s: %w", d.state, ErrInvalidState)
	}

	if d.growTo > 0 {
		var err error
		if dropped, err = d.growInputLocked(); err != nil {
			return err
		}
	}

	index, err := d.input.submit(au)
	if err != nil {
		metrics.IncSubmitErrors(d.path, submitReason(err))
		switch {
		case errors.Is(err, ErrBufferTooSmall):
			if d.inputLimit > 0 && len(au.Data) > d.inputLimit {
				d.logger.Warn("Access unit exceeds device input limit",
					"id", au.ID, "size", len(au.Data), "limit", d.inputLimit)
				return fmt.Errorf("%w: %w", err, ErrInputLimit)
			}
			d.growTo = alignUp(len(au.Data), pageSize)
			d.logger.Warn("Access unit exceeds input capacity", "id", au.ID, "size", len(au.Data))
		case errors.Is(err, ErrDeviceUnavailable):
			d.failLocked(err)
		}
		return err
	}

	if !d.streaming[Input] {
		if err := d.streamOnLocked(Input); err != nil {
			d.failLocked(err)
			return err
		}
	}

	d.submitted++
	metrics.IncAccessUnits(d.path)
	d.logger.Debug("Access unit queued", "id", au.ID, "index", index, "size", len(au.Data))
	return nil
}

func submitReason(err error) string {
	switch {
	case errors.Is(err, ErrResourceExhausted):
		return "exhausted"
	case errors.Is(err, ErrBufferTooSmall):
		return "too_small"
	case errors.Is(err, ErrDuplicateID):
		return "duplicate"
	case errors.Is(err, ErrDeviceUnavailable):
		return "device"
	default:
		return "other"
	}
}

func (d *Decoder) ensureStarted() error {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	if state != StateInitialized && state != StateStopped {
		return nil
	}
	return d.Start()
}

// growInputLocked rebuilds the input pool with the pending capacity. Access
// units still queued on the input side are dropped and returned.
func (d *Decoder) growInputLocked() ([]int64, error) {
	size := d.growTo
	d.growTo = 0

	if err := d.streamOffLocked(Input); err != nil {
		d.failLocked(err)
		return nil, err
	}
	dropped := d.input.reset()
	if len(dropped) > 0 {
		d.logger.Warn("Dropped queued access units while growing input buffers", "count", len(dropped))
	}
	if err := d.input.release(); err != nil {
		d.logger.Warn("Failed to release input buffers", "error", err)
	}

	d.capacity = size
	err := d.negotiateInputLocked(size)
	if err == nil {
		err = d.input.allocate(d.opts.InputBuffers)
	}
	if err != nil {
		err = fmt.Errorf("grow input buffers to %d bytes: %w", size, err)
		d.failLocked(err)
		return dropped, err
	}

	if d.input.capacity < size {
		d.inputLimit = d.input.capacity
		d.logger.Warn("Device capped input buffers", "requested", size, "capacity", d.input.capacity)
	} else {
		d.inputLimit = 0
		d.logger.Info("Input buffers grown", "capacity", d.input.capacity)
	}
	return dropped, nil
}

// reportDropped tells observers about access units that left the input
// queue without being decoded. Call without d.mu held.
func (d *Decoder) reportDropped(ids []int64) {
	if len(ids) == 0 {
		return
	}
	obs, _ := d.consumer.(InputObserver)
	for _, id := range ids {
		if obs != nil {
			obs.InputConsumed(id)
		}
		d.bus.Publish(events.InputConsumedEvent{Session: d.session, InputID: id, Dropped: true})
	}
}

// Flush drops every queued buffer on both queues and resumes streaming
// with the same pools and epoch.
func (d *Decoder) Flush() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	var dropped []int64
	defer func() { d.reportDropped(dropped) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateStreaming:
	case StateFailed:
		return d.failureLocked()
	default:
		return fmt.Errorf("flush while %s: %w", d.state, ErrInvalidState)
	}

	d.setStateLocked(StateFlushing)
	err := errors.Join(d.streamOffLocked(Input), d.streamOffLocked(Output))
	dropped = d.input.reset()
	d.output.returnQueued()
	d.drained = false
	if err != nil {
		d.failLocked(err)
		return err
	}

	d.setStateLocked(StateStreaming)
	d.signalWake()
	d.logger.Info("Decoder flushed", "dropped", len(dropped), "epoch", d.output.epoch)
	return nil
}

// Stop ends streaming in three phases: signal the loops and interrupt the
// device, wait for both loops, then release the pools. The device stays
// open so Start or Submit can resume. Calling Stop again is a no-op.
func (d *Decoder) Stop() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	return d.stopSession()
}

func (d *Decoder) stopSession() error {
	d.mu.Lock()
	if !d.running && !d.allocated {
		d.mu.Unlock()
		return nil
	}
	failed := d.state == StateFailed
	if !failed {
		d.setStateLocked(StateStopping)
	}

	var errs []error
	if d.running {
		d.signalStopLocked()
		if !failed {
			if err := d.dev.Stop(); err != nil {
				d.logger.Debug("Stop command failed", "error", err)
			}
		}
		if err := d.dev.Interrupt(); err != nil {
			d.logger.Debug("Interrupt failed", "error", err)
		}
	}
	d.mu.Unlock()

	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	if err := d.releaseLocked(); err != nil && !failed {
		errs = append(errs, err)
	}
	if !failed {
		if err := d.dev.Reset(); err != nil {
			errs = append(errs, fmt.Errorf("reset device: %w", err))
		}
		d.setStateLocked(StateStopped)
	}
	d.logger.Info("Decoder stopped", "state", d.state, "retired", len(d.output.retired))
	return errors.Join(errs...)
}

// releaseLocked stops both queues and frees both pools. Exported output
// buffers are retired and stay releasable.
func (d *Decoder) releaseLocked() error {
	errs := []error{
		d.streamOffLocked(Input),
		d.streamOffLocked(Output),
	}
	d.input.reset()
	d.output.returnQueued()
	errs = append(errs, d.input.release(), d.output.retire())
	d.allocated = false
	return errors.Join(errs...)
}

// Destroy stops the decoder, frees retired buffers and closes the device.
func (d *Decoder) Destroy() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	if d.State() == StateDestroyed {
		return nil
	}
	errs := []error{d.stopSession()}

	d.mu.Lock()
	defer d.mu.Unlock()
	errs = append(errs, d.output.closeRetired())
	if d.state != StateUninitialized {
		errs = append(errs, d.dev.Close())
	}
	d.setStateLocked(StateDestroyed)
	if d.path != "" {
		metrics.DeleteDecoderMetrics(d.path)
	}
	return errors.Join(errs...)
}

// Release returns a frame lent to the consumer. Frames from before a
// resolution change are freed instead of reused.
func (d *Decoder) Release(bufferID int) error {
	d.mu.Lock()
	err := d.output.release(bufferID)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.signalWake()
	return nil
}

func (d *Decoder) streamOnLocked(dir Direction) error {
	if d.streaming[dir] {
		return nil
	}
	if err := d.dev.StreamOn(dir); err != nil {
		return fmt.Errorf("stream on %s: %w", dir, unavailable(err))
	}
	d.streaming[dir] = true
	return nil
}

func (d *Decoder) streamOffLocked(dir Direction) error {
	if !d.streaming[dir] {
		return nil
	}
	d.streaming[dir] = false
	if err := d.dev.StreamOff(dir); err != nil {
		return fmt.Errorf("stream off %s: %w", dir, unavailable(err))
	}
	return nil
}

func (d *Decoder) setStateLocked(s State) {
	if d.state == s {
		return
	}
	old := d.state
	d.state = s
	d.logger.Debug("State changed", "from", old, "to", s)

	ev := events.StateChangedEvent{
		Session:   d.session,
		Device:    d.path,
		OldState:  string(old),
		NewState:  string(s),
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if s == StateFailed && d.err != nil {
		ev.Error = d.err.Error()
	}
	d.bus.Publish(ev)
}

// failLocked moves a running decoder to StateFailed and stops the loops.
// Teardown is left to Stop or Destroy.
func (d *Decoder) failLocked(err error) {
	switch d.state {
	case StateFailed, StateStopping, StateStopped, StateDestroyed:
		d.logger.Debug("Ignoring error after shutdown", "error", err)
		return
	}
	d.err = err
	d.logger.Error("Decoder failed", "error", err)
	d.setStateLocked(StateFailed)
	if errors.Is(err, ErrDeviceUnavailable) {
		d.bus.Publish(events.DeviceLostEvent{
			Session:   d.session,
			Device:    d.path,
			Error:     err.Error(),
			Timestamp: time.Now().Format(time.RFC3339),
		})
	}
	if d.running {
		d.signalStopLocked()
		if ierr := d.dev.Interrupt(); ierr != nil {
			d.logger.Debug("Interrupt failed", "error", ierr)
		}
	}
}

func (d *Decoder) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failLocked(err)
}

func (d *Decoder) failureLocked() error {
	if errors.Is(d.err, ErrDeviceUnavailable) {
		return fmt.Errorf("decoder failed: %w", d.err)
	}
	return fmt.Errorf("%w: %w", ErrDeviceUnavailable, d.err)
}

func (d *Decoder) signalStopLocked() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// signalWake nudges the fetch loop. The channel holds one pending wake, so
// a wake sent while the loop is busy is seen on its next wait.
func (d *Decoder) signalWake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// unavailable marks a device error as ErrDeviceUnavailable unless it
// already carries a decoder error.
func unavailable(err error) error {
	if errors.Is(err, ErrDeviceUnavailable) || errors.Is(err, ErrFormatMismatch) ||
		errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrResourceExhausted) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
}
