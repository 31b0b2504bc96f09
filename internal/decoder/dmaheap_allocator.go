//go:build linux

package decoder

import (
	"fmt"
	"sync"

	"github.com/smazurov/m2mdec/pkg/linuxav/dmaheap"
)

// DMAHeapAllocator allocates output buffers from a dma-heap. The physical
// address is not exposed by dma-heap and is reported as zero.
type DMAHeapAllocator struct {
	heap *dmaheap.Heap

	mu   sync.Mutex
	live int
}

// NewDMAHeapAllocator opens the heap at path, or dmaheap.DefaultHeap when
// path is empty.
func NewDMAHeapAllocator(path string) (*DMAHeapAllocator, error) {
	if path == "" {
		path = dmaheap.DefaultHeap
	}
	heap, err := dmaheap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	return &DMAHeapAllocator{heap: heap}, nil
}

// Allocate returns a mapped DMA-BUF of size bytes.
func (a *DMAHeapAllocator) Allocate(size int) (*Allocation, error) {
	buf, err := a.heap.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	a.mu.Lock()
	a.live++
	a.mu.Unlock()

	return NewAllocation(buf.FD, 0, buf.Data, size, func() error {
		a.mu.Lock()
		a.live--
		a.mu.Unlock()
		return buf.Close()
	}), nil
}

// Live returns the number of allocations not yet closed.
func (a *DMAHeapAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Close closes the heap. Outstanding allocations stay valid.
func (a *DMAHeapAllocator) Close() error {
	return a.heap.Close()
}
