//go:build linux

// Package dmaheap allocates DMA-BUF backed memory from the Linux dma-heap
// interface (/dev/dma_heap/*).
package dmaheap

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultHeap is the heap present on every kernel with dma-heap support.
const DefaultHeap = "/dev/dma_heap/system"

// dmaHeapIoctlAlloc is DMA_HEAP_IOCTL_ALLOC, _IOWR('H', 0, struct dma_heap_allocation_data).
const dmaHeapIoctlAlloc = 0xc0184800

var _ [24]byte = [unsafe.Sizeof(allocationData{})]byte{}

type allocationData struct {
	len       uint64
	fd        uint32
	fdFlags   uint32
	heapFlags uint64
}

// Heap is an open dma-heap device.
type Heap struct {
	path string
	fd   int
}

// Open opens the heap at path.
func Open(path string) (*Heap, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Heap{path: path, fd: fd}, nil
}

// Name returns the heap name, e.g. "system" or "linux,cma".
func (h *Heap) Name() string { return filepath.Base(h.path) }

// Close closes the heap. Buffers already allocated stay valid.
func (h *Heap) Close() error {
	return unix.Close(h.fd)
}

// Buffer is one DMA-BUF allocation mapped into the process.
type Buffer struct {
	FD   int
	Data []byte

	once sync.Once
	err  error
}

// Alloc allocates size bytes and maps them read-write.
func (h *Heap) Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid allocation size %d", size)
	}

	req := allocationData{
		len:     uint64(size),
		fdFlags: unix.O_RDWR | unix.O_CLOEXEC,
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.fd), dmaHeapIoctlAlloc, uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return nil, fmt.Errorf("DMA_HEAP_IOCTL_ALLOC %d bytes from %s: %w", size, h.Name(), errno)
	}

	fd := int(req.fd)
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap dma-buf: %w", err)
	}
	return &Buffer{FD: fd, Data: data}, nil
}

// Close unmaps and releases the buffer. Only the first call has an effect.
func (b *Buffer) Close() error {
	b.once.Do(func() {
		b.err = errors.Join(unix.Munmap(b.Data), unix.Close(b.FD))
	})
	return b.err
}
