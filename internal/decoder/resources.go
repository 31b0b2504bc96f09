package decoder

import (
	"sync"
)

// AccessUnit is one encoded access unit. ID correlates it with the frame it
// produces and must be non-negative.
type AccessUnit struct {
	ID   int64
	Data []byte
}

// Allocation is memory from an external allocator backing one output
// buffer. It is released exactly once, by Close.
type Allocation struct {
	FD   int
	Phys uint64
	Mem  []byte
	Size int

	release func() error
	once    sync.Once
	err     error
}

// NewAllocation wraps allocator memory. release runs on the first Close.
func NewAllocation(fd int, phys uint64, mem []byte, size int, release func() error) *Allocation {
	return &Allocation{FD: fd, Phys: phys, Mem: mem, Size: size, release: release}
}

// Close releases the memory. Later calls return the first result.
func (a *Allocation) Close() error {
	a.once.Do(func() {
		if a.release != nil {
			a.err = a.release()
		}
	})
	return a.err
}

// Allocator provides memory for output buffers.
type Allocator interface {
	Allocate(size int) (*Allocation, error)
}

// Frame is a decoded picture lent to the consumer. The consumer must hand it
// back with Decoder.Release(BufferID) once done with the memory.
type Frame struct {
	BufferID  int
	Epoch     uint64
	InputID   int64 // correlation id of the access unit that produced it
	Sequence  uint32
	Format    Format
	Crop      Rect
	Planes    []PlaneLayout
	BytesUsed uint32
	FD        int
	Phys      uint64
	Data      []byte
	Last      bool
	Corrupt   bool
}

// Consumer receives decoded frames. NotifyReady runs on the decoder's poll
// goroutine and must not block on the decoder.
type Consumer interface {
	NotifyReady(frame Frame)
}

// InputObserver is implemented by consumers that want to know when an access
// unit's input buffer was released by the device. Access units dropped by
// Flush or an input regrow are reported too.
type InputObserver interface {
	InputConsumed(id int64)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(Frame)

// NotifyReady calls f(frame).
func (f ConsumerFunc) NotifyReady(frame Frame) { f(frame) }

// Locator finds the device node to open.
type Locator interface {
	Locate() (string, error)
}

// StaticLocator always returns the same path.
type StaticLocator string

// Locate returns the path.
func (l StaticLocator) Locate() (string, error) { return string(l), nil }
