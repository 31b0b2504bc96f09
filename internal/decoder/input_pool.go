package decoder

import (
	"errors"
	"fmt"
	"math"
	"time"
)

type slotState int

const (
	slotFree slotState = iota
	slotSubmitted
)

type inputSlot struct {
	index int
	mem   Mapping
	state slotState
	id    int64 // valid while submitted
}

// inputPool owns the mapped input buffers. Slot index equals the device
// queue index. Not safe for concurrent use.
type inputPool struct {
	dev      Device
	slots    []*inputSlot
	byID     map[int64]*inputSlot
	capacity int
}

func newInputPool(dev Device) *inputPool {
	return &inputPool{dev: dev, byID: make(map[int64]*inputSlot)}
}

// allocate requests count buffers from the device and maps each one.
func (p *inputPool) allocate(count int) error {
	if len(p.slots) > 0 {
		if err := p.release(); err != nil {
			return err
		}
	}

	granted, err := p.dev.RequestBuffers(Input, count)
	if err != nil {
		return fmt.Errorf("request input buffers: %w", err)
	}
	if granted == 0 {
		return fmt.Errorf("device granted no input buffers: %w", ErrResourceExhausted)
	}

	p.capacity = 0
	for i := range granted {
		mem, err := p.dev.MapInput(i)
		if err != nil {
			err = fmt.Errorf("map input buffer %d: %w", i, err)
			return errors.Join(err, p.release())
		}
		p.slots = append(p.slots, &inputSlot{index: i, mem: mem})
		if n := len(mem.Bytes()); p.capacity == 0 || n < p.capacity {
			p.capacity = n
		}
	}
	return nil
}

// release unmaps every slot and frees the device buffers.
func (p *inputPool) release() error {
	if len(p.slots) == 0 {
		return nil
	}
	var errs []error
	for _, s := range p.slots {
		if err := s.mem.Close(); err != nil {
			errs = append(errs, fmt.Errorf("unmap input buffer %d: %w", s.index, err))
		}
	}
	p.slots = nil
	p.byID = make(map[int64]*inputSlot)
	p.capacity = 0

	if _, err := p.dev.RequestBuffers(Input, 0); err != nil {
		errs = append(errs, fmt.Errorf("free input buffers: %w", err))
	}
	return errors.Join(errs...)
}

// submit copies au into a free slot and queues it. It returns the slot
// index.
func (p *inputPool) submit(au AccessUnit) (int, error) {
	if _, dup := p.byID[au.ID]; dup {
		return -1, fmt.Errorf("access unit %d: %w", au.ID, ErrDuplicateID)
	}

	slot := p.freeSlot()
	if slot == nil {
		return -1, ErrResourceExhausted
	}

	buf := slot.mem.Bytes()
	if len(au.Data) > len(buf) {
		return -1, fmt.Errorf("access unit %d is %d bytes, capacity %d: %w",
			au.ID, len(au.Data), len(buf), ErrBufferTooSmall)
	}

	n := copy(buf, au.Data)
	err := p.dev.Queue(Input, Buffer{
		Index:     slot.index,
		BytesUsed: uint32(n),
		Length:    uint32(len(buf)),
		Timestamp: idToTimestamp(au.ID),
	})
	if err != nil {
		return -1, fmt.Errorf("queue input buffer %d: %w", slot.index, err)
	}

	slot.state = slotSubmitted
	slot.id = au.ID
	p.byID[au.ID] = slot
	return slot.index, nil
}

// reclaim frees the slot the device returned and yields its correlation id.
func (p *inputPool) reclaim(index int) (int64, error) {
	if index < 0 || index >= len(p.slots) {
		return 0, fmt.Errorf("input index %d of %d: %w", index, len(p.slots), ErrBadIndex)
	}
	slot := p.slots[index]
	if slot.state != slotSubmitted {
		return 0, fmt.Errorf("input index %d was not submitted: %w", index, ErrBadIndex)
	}
	id := slot.id
	p.free(slot)
	return id, nil
}

// reset frees every submitted slot after the device dropped its queue and
// returns the correlation ids that will never complete.
func (p *inputPool) reset() []int64 {
	var dropped []int64
	for _, s := range p.slots {
		if s.state == slotSubmitted {
			dropped = append(dropped, s.id)
			p.free(s)
		}
	}
	return dropped
}

func (p *inputPool) free(s *inputSlot) {
	delete(p.byID, s.id)
	s.state = slotFree
	s.id = 0
}

func (p *inputPool) freeSlot() *inputSlot {
	for _, s := range p.slots {
		if s.state == slotFree {
			return s
		}
	}
	return nil
}

func (p *inputPool) counts() (free, submitted int) {
	for _, s := range p.slots {
		if s.state == slotFree {
			free++
		} else {
			submitted++
		}
	}
	return free, submitted
}

// MaxInputID is the largest correlation id Submit accepts.
const MaxInputID = int64(math.MaxInt64 / int64(time.Microsecond))

// The correlation id travels through the device in the buffer timestamp,
// which drivers copy from input to output buffers.
func idToTimestamp(id int64) time.Duration { return time.Duration(id) * time.Microsecond }

func timestampToID(ts time.Duration) int64 { return int64(ts / time.Microsecond) }
