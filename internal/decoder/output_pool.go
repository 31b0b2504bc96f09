package decoder

import (
	"errors"
	"fmt"
	"sort"
)

type descState int

const (
	descFree     descState = iota // owned by the pool
	descQueued                    // lent to the device
	descExported                  // lent to the consumer
)

func (s descState) String() string {
	switch s {
	case descQueued:
		return "queued"
	case descExported:
		return "exported"
	default:
		return "free"
	}
}

type descriptor struct {
	id    int // buffer id seen by the consumer, unique within a session
	index int // device queue index, stable for the epoch
	epoch uint64
	alloc *Allocation
	state descState
}

// outputPool owns the output buffers of the current epoch plus the
// retired buffers of older epochs the consumer still holds. Not safe for
// concurrent use.
type outputPool struct {
	dev       Device
	allocator Allocator

	epoch  uint64
	nextID int
	format Format
	crop   Rect
	planes []PlaneLayout

	descs   []*descriptor       // current epoch, position == device index
	byID    map[int]*descriptor // current epoch
	retired map[int]*descriptor // older epochs, exported only
}

func newOutputPool(dev Device, allocator Allocator) *outputPool {
	return &outputPool{
		dev:       dev,
		allocator: allocator,
		byID:      make(map[int]*descriptor),
		retired:   make(map[int]*descriptor),
	}
}

// allocate starts a new epoch with count buffers laid out for f. The pool
// must be empty.
func (p *outputPool) allocate(f Format, crop Rect, count int) error {
	if len(p.descs) > 0 {
		return fmt.Errorf("output pool still holds %d buffers: %w", len(p.descs), ErrInvalidState)
	}

	planes := planeLayouts(f)
	size := 0
	for _, pl := range planes {
		size += int(pl.Size)
	}
	if size == 0 {
		return fmt.Errorf("output format %dx%d has no payload: %w", f.Width, f.Height, ErrFormatMismatch)
	}

	granted, err := p.dev.RequestBuffers(Output, count)
	if err != nil {
		return fmt.Errorf("request output buffers: %w", err)
	}
	if granted == 0 {
		return fmt.Errorf("device granted no output buffers: %w", ErrResourceExhausted)
	}

	p.epoch++
	p.format = f
	p.crop = crop
	p.planes = planes

	for i := range granted {
		a, err := p.allocator.Allocate(size)
		if err != nil {
			err = fmt.Errorf("allocate output buffer %d (%d bytes): %w", i, size, err)
			return errors.Join(err, p.drop())
		}
		d := &descriptor{id: p.nextID, index: i, epoch: p.epoch, alloc: a}
		p.nextID++
		p.descs = append(p.descs, d)
		p.byID[d.id] = d
	}
	return nil
}

// planeLayouts packs the planes of f back to back in one allocation.
func planeLayouts(f Format) []PlaneLayout {
	layouts := make([]PlaneLayout, 0, len(f.Planes))
	var off uint32
	for _, pl := range f.Planes {
		layouts = append(layouts, PlaneLayout{Offset: off, Size: pl.SizeImage})
		off += pl.SizeImage
	}
	return layouts
}

// nextFree returns a free buffer of the current epoch, or nil.
func (p *outputPool) nextFree() *descriptor {
	for _, d := range p.descs {
		if d.state == descFree {
			return d
		}
	}
	return nil
}

// lend queues a free buffer on the device.
func (p *outputPool) lend(d *descriptor) error {
	if d.state != descFree || d.epoch != p.epoch {
		return fmt.Errorf("buffer %d is %s in epoch %d: %w", d.id, d.state, d.epoch, ErrInvalidState)
	}
	err := p.dev.Queue(Output, Buffer{
		Index:  d.index,
		Length: uint32(d.alloc.Size),
		FD:     d.alloc.FD,
		Planes: p.planes,
	})
	if err != nil {
		return fmt.Errorf("queue output buffer %d: %w", d.index, err)
	}
	d.state = descQueued
	return nil
}

// reclaim takes back a buffer the device completed. Buffers with payload
// become exported and are returned for the consumer; empty ones go back to
// the free list and nil is returned.
func (p *outputPool) reclaim(c Completed) (*descriptor, error) {
	if c.Index < 0 || c.Index >= len(p.descs) {
		return nil, fmt.Errorf("output index %d of %d: %w", c.Index, len(p.descs), ErrBadIndex)
	}
	d := p.descs[c.Index]
	if d.state != descQueued {
		return nil, fmt.Errorf("output index %d is %s: %w", c.Index, d.state, ErrBadIndex)
	}
	if c.BytesUsed == 0 {
		d.state = descFree
		return nil, nil
	}
	d.state = descExported
	return d, nil
}

// release takes a buffer back from the consumer. Current-epoch buffers
// become free; retired buffers are destroyed.
func (p *outputPool) release(id int) error {
	if d, ok := p.byID[id]; ok {
		if d.state != descExported {
			return fmt.Errorf("buffer %d is %s: %w", id, d.state, ErrBadIndex)
		}
		d.state = descFree
		return nil
	}
	if d, ok := p.retired[id]; ok {
		delete(p.retired, id)
		if err := d.alloc.Close(); err != nil {
			return fmt.Errorf("free retired buffer %d: %w", id, err)
		}
		return nil
	}
	return fmt.Errorf("unknown buffer %d: %w", id, ErrBadIndex)
}

// returnQueued marks every queued buffer free after the device queue was
// stopped.
func (p *outputPool) returnQueued() {
	for _, d := range p.descs {
		if d.state == descQueued {
			d.state = descFree
		}
	}
}

// retire ends the current epoch: exported buffers move to the retired set,
// the rest are destroyed, and the device buffers are freed.
func (p *outputPool) retire() error {
	if len(p.descs) == 0 {
		return nil
	}
	var errs []error
	for _, d := range p.descs {
		if d.state == descExported {
			p.retired[d.id] = d
			continue
		}
		if err := d.alloc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("free output buffer %d: %w", d.id, err))
		}
	}
	p.descs = nil
	p.byID = make(map[int]*descriptor)

	if _, err := p.dev.RequestBuffers(Output, 0); err != nil {
		errs = append(errs, fmt.Errorf("free output buffers: %w", err))
	}
	return errors.Join(errs...)
}

// drop destroys a partially allocated epoch.
func (p *outputPool) drop() error {
	var errs []error
	for _, d := range p.descs {
		errs = append(errs, d.alloc.Close())
	}
	p.descs = nil
	p.byID = make(map[int]*descriptor)
	if _, err := p.dev.RequestBuffers(Output, 0); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// closeRetired destroys every retired buffer regardless of the consumer.
func (p *outputPool) closeRetired() error {
	ids := make([]int, 0, len(p.retired))
	for id := range p.retired {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var errs []error
	for _, id := range ids {
		errs = append(errs, p.retired[id].alloc.Close())
		delete(p.retired, id)
	}
	return errors.Join(errs...)
}

type outputCounts struct {
	free, queued, exported, retired int
}

func (p *outputPool) counts() outputCounts {
	c := outputCounts{retired: len(p.retired)}
	for _, d := range p.descs {
		switch d.state {
		case descFree:
			c.free++
		case descQueued:
			c.queued++
		case descExported:
			c.exported++
		}
	}
	return c
}
