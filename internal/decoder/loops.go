package decoder

import (
	"errors"
	"fmt"
	"time"

	"github.com/smazurov/m2mdec/internal/events"
	"github.com/smazurov/m2mdec/internal/metrics"
)

// drainedBackoff bounds how fast the poll loop spins on an output queue
// that keeps reporting readiness after its last buffer.
const drainedBackoff = 10 * time.Millisecond

// pollLoop is the only goroutine that polls the device and dequeues from
// it. Poll runs without the lock held.
func (d *Decoder) pollLoop(stop <-chan struct{}) {
	defer d.wg.Done()
	d.logger.Debug("Poll loop started")
	defer d.logger.Debug("Poll loop stopped")

	for {
		if stopped(stop) {
			return
		}

		res, err := d.dev.Poll(d.opts.PollTimeout)
		if err != nil {
			if IsTransient(err) {
				continue
			}
			d.fail(fmt.Errorf("poll: %w", unavailable(err)))
			return
		}
		if stopped(stop) {
			return
		}

		if res.Event {
			if err := d.handleEvents(); err != nil {
				d.fail(err)
				return
			}
		}
		if res.InputDone {
			if err := d.drainInput(); err != nil {
				d.fail(err)
				return
			}
		}
		if res.OutputReady {
			progressed, err := d.drainOutput()
			if err != nil {
				d.fail(err)
				return
			}
			if !progressed && !res.Event && !res.InputDone {
				select {
				case <-stop:
					return
				case <-time.After(drainedBackoff):
				}
			}
		}
	}
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// fatal reports whether err ends the session.
func fatal(err error) bool {
	return errors.Is(err, ErrDeviceUnavailable) || errors.Is(err, ErrFormatMismatch)
}

// handleEvents dispatches every pending device event.
func (d *Decoder) handleEvents() error {
	for {
		d.mu.Lock()
		ev, err := d.dev.DequeueEvent()
		d.mu.Unlock()
		if errors.Is(err, ErrWouldBlock) {
			return nil
		}
		if err != nil {
			if fatal(err) {
				return fmt.Errorf("dequeue event: %w", err)
			}
			d.logger.Warn("Failed to dequeue event", "error", err)
			return nil
		}

		metrics.IncDeviceEvents(d.path, ev.Kind.String())

		switch ev.Kind {
		case EventResolutionChange:
			if err := d.renegotiate(); err != nil {
				return err
			}
		case EventSourceChange:
			d.mu.Lock()
			negotiated := len(d.output.descs) > 0
			d.mu.Unlock()
			if negotiated {
				d.logger.Debug("Source change without new resolution")
				continue
			}
			if err := d.renegotiate(); err != nil {
				return err
			}
		case EventEndOfStream:
			d.logger.Info("End of stream")
			d.bus.Publish(events.EndOfStreamEvent{
				Session:   d.session,
				Device:    d.path,
				Timestamp: time.Now().Format(time.RFC3339),
			})
		case EventCodecError, EventSkip:
			d.logger.Warn("Device reported decode problem", "kind", ev.Kind, "type", ev.Raw)
			d.bus.Publish(events.DecodeErrorEvent{
				Session:   d.session,
				Device:    d.path,
				Kind:      ev.Kind.String(),
				Timestamp: time.Now().Format(time.RFC3339),
			})
		default:
			d.logger.Debug("Ignoring device event", "type", ev.Raw)
		}
	}
}

// renegotiate rebuilds the output buffers for a new stream geometry.
// Buffers the consumer still holds are retired, not freed. A crop rectangle
// of 0x0 means the stream was reset and leaves everything untouched.
func (d *Decoder) renegotiate() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateStreaming {
		d.logger.Debug("Ignoring resolution change", "state", d.state)
		return nil
	}

	f, err := d.dev.Format(Output)
	if err != nil {
		if fatal(err) {
			return fmt.Errorf("read output format: %w", err)
		}
		d.logger.Warn("Failed to read output format after source change", "error", err)
		return nil
	}
	crop, err := d.dev.Crop()
	if err == nil && crop.Width == 0 && crop.Height == 0 {
		d.logger.Debug("Ignoring resolution change with empty crop",
			"width", f.Width, "height", f.Height)
		return nil
	}
	if f.Width == 0 || f.Height == 0 {
		d.logger.Debug("Ignoring resolution change with empty format")
		return nil
	}

	d.setStateLocked(StateRenegotiating)
	prev := d.output.epoch

	if err := d.streamOffLocked(Output); err != nil {
		return err
	}
	d.output.returnQueued()
	if err := d.output.retire(); err != nil {
		d.logger.Warn("Failed to free output buffers", "error", err)
	}
	d.drained = false

	if err := d.negotiateOutputLocked(); err != nil {
		if fatal(err) {
			return fmt.Errorf("renegotiate output: %w", err)
		}
		return fmt.Errorf("renegotiate output: %w", unavailable(err))
	}

	d.renegotiations++
	metrics.IncResolutionChanges(d.path)
	d.setStateLocked(StateStreaming)
	d.signalWake()
	d.logger.Info("Resolution changed", "from_epoch", prev, "epoch", d.output.epoch,
		"retired", len(d.output.retired))
	return nil
}

// drainInput reclaims one consumed input buffer.
func (d *Decoder) drainInput() error {
	d.mu.Lock()
	if !d.streaming[Input] {
		d.mu.Unlock()
		return nil
	}
	c, err := d.dev.Dequeue(Input)
	if err != nil {
		d.mu.Unlock()
		if errors.Is(err, ErrWouldBlock) {
			return nil
		}
		if fatal(err) {
			return fmt.Errorf("dequeue input: %w", err)
		}
		d.logger.Warn("Failed to dequeue input buffer", "error", err)
		return nil
	}
	id, err := d.input.reclaim(c.Index)
	d.mu.Unlock()
	if err != nil {
		metrics.IncBadIndex(d.path)
		d.logger.Warn("Ignoring input buffer", "error", err)
		return nil
	}

	if obs, ok := d.consumer.(InputObserver); ok {
		obs.InputConsumed(id)
	}
	d.bus.Publish(events.InputConsumedEvent{Session: d.session, InputID: id})
	return nil
}

// drainOutput reclaims one decoded buffer and hands it to the consumer.
// It reports whether a buffer was dequeued.
func (d *Decoder) drainOutput() (bool, error) {
	d.mu.Lock()
	if d.state != StateStreaming || !d.streaming[Output] || d.drained {
		d.mu.Unlock()
		return false, nil
	}
	c, err := d.dev.Dequeue(Output)
	if err != nil {
		d.mu.Unlock()
		if errors.Is(err, ErrWouldBlock) {
			return false, nil
		}
		if fatal(err) {
			return false, fmt.Errorf("dequeue output: %w", err)
		}
		d.logger.Warn("Failed to dequeue output buffer", "error", err)
		return false, nil
	}
	if c.Last {
		d.drained = true
	}

	desc, err := d.output.reclaim(c)
	if err != nil {
		d.mu.Unlock()
		metrics.IncBadIndex(d.path)
		d.logger.Warn("Ignoring output buffer", "error", err)
		return true, nil
	}
	if desc == nil {
		d.empty++
		d.mu.Unlock()
		metrics.IncEmptyFrames(d.path)
		d.signalWake()
		if c.Last {
			d.endOfStream()
		}
		return true, nil
	}

	frame := Frame{
		BufferID:  desc.id,
		Epoch:     desc.epoch,
		InputID:   timestampToID(c.Timestamp),
		Sequence:  c.Sequence,
		Format:    d.output.format,
		Crop:      d.output.crop,
		Planes:    d.output.planes,
		BytesUsed: c.BytesUsed,
		FD:        desc.alloc.FD,
		Phys:      desc.alloc.Phys,
		Data:      desc.alloc.Mem,
		Last:      c.Last,
		Corrupt:   c.Error,
	}
	d.decoded++
	d.mu.Unlock()

	metrics.IncFramesDecoded(d.path)
	d.consumer.NotifyReady(frame)
	d.bus.Publish(events.FrameDecodedEvent{
		Session:  d.session,
		BufferID: frame.BufferID,
		InputID:  frame.InputID,
		Epoch:    frame.Epoch,
		Bytes:    frame.BytesUsed,
	})
	if c.Last {
		d.endOfStream()
	}
	return true, nil
}

func (d *Decoder) endOfStream() {
	d.logger.Info("Last output buffer received")
	d.bus.Publish(events.EndOfStreamEvent{
		Session:   d.session,
		Device:    d.path,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// fetchLoop is the only goroutine that lends output buffers to the device.
// It lends every free buffer, then waits for a wake or FetchInterval.
func (d *Decoder) fetchLoop(stop <-chan struct{}) {
	defer d.wg.Done()
	d.logger.Debug("Fetch loop started")
	defer d.logger.Debug("Fetch loop stopped")

	timer := time.NewTimer(d.opts.FetchInterval)
	defer timer.Stop()

	for {
		for d.lendOne() {
		}

		timer.Reset(d.opts.FetchInterval)
		select {
		case <-stop:
			return
		case <-d.wake:
		case <-timer.C:
		}
	}
}

// lendOne queues one free output buffer of the current epoch. It abstains
// while the decoder is not streaming.
func (d *Decoder) lendOne() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateStreaming {
		return false
	}
	desc := d.output.nextFree()
	if desc == nil {
		return false
	}
	if err := d.output.lend(desc); err != nil {
		if fatal(err) {
			d.failLocked(err)
		} else {
			d.logger.Warn("Failed to lend output buffer", "id", desc.id, "error", err)
		}
		return false
	}
	if !d.streaming[Output] {
		if err := d.streamOnLocked(Output); err != nil {
			d.failLocked(err)
			return false
		}
	}
	return true
}
