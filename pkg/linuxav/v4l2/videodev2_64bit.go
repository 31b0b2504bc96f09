//go:build linux && (amd64 || arm64)

package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Compile-time struct size assertions.
// These will cause build failures if struct sizes don't match kernel expectations.
var (
	_ [208]byte = [unsafe.Sizeof(v4l2Format{})]byte{}
	_ [88]byte  = [unsafe.Sizeof(v4l2Buffer{})]byte{}
	_ [64]byte  = [unsafe.Sizeof(v4l2Plane{})]byte{}
	_ [136]byte = [unsafe.Sizeof(v4l2Event{})]byte{}
)

// IOCTL constants for 64-bit architectures.
const (
	vidiocGFmt     = 0xc0d05604
	vidiocSFmt     = 0xc0d05605
	vidiocQuerybuf = 0xc0585609
	vidiocQbuf     = 0xc058560f
	vidiocDqbuf    = 0xc0585611
	vidiocDqevent  = 0x80885659
)

// v4l2Format has size 208 bytes. The union is 8-byte aligned because
// v4l2_window carries pointers.
type v4l2Format struct {
	typ uint32    // offset 0
	_   [4]byte   // padding
	fmt [200]byte // offset 8
}

// v4l2Buffer has size 88 bytes.
type v4l2Buffer struct {
	index     uint32       // offset 0
	typ       uint32       // offset 4
	bytesused uint32       // offset 8
	flags     uint32       // offset 12
	field     uint32       // offset 16
	_         [4]byte      // padding
	timestamp unix.Timeval // offset 24
	timecode  [16]byte     // offset 40
	sequence  uint32       // offset 56
	memory    uint32       // offset 60
	m         uint64       // offset 64 (offset / userptr / planes / fd)
	length    uint32       // offset 72
	reserved2 uint32       // offset 76
	requestFD int32        // offset 80
	_         [4]byte      // padding
}

// v4l2Plane has size 64 bytes.
type v4l2Plane struct {
	bytesused  uint32     // offset 0
	length     uint32     // offset 4
	m          uint64     // offset 8 (mem_offset / userptr / fd)
	dataOffset uint32     // offset 16
	reserved   [11]uint32 // offset 20
}

// v4l2Event has size 136 bytes.
type v4l2Event struct {
	typ       uint32    // offset 0
	_         [4]byte   // padding
	u         [64]byte  // offset 8 - union containing src_change at offset 0
	pending   uint32    // offset 72
	sequence  uint32    // offset 76
	timestamp [16]byte  // offset 80 - struct timespec
	id        uint32    // offset 96
	reserved  [8]uint32 // offset 100
	_         [4]byte   // padding to 136
}

func (b *v4l2Buffer) setPlanes(p *v4l2Plane) { b.m = uint64(uintptr(unsafe.Pointer(p))) }
func (b *v4l2Buffer) offset() uint32        { return uint32(b.m) }
func (b *v4l2Buffer) setFD(fd int)          { b.m = uint64(uint32(int32(fd))) }
func (p *v4l2Plane) offset() uint32         { return uint32(p.m) }
func (p *v4l2Plane) setFD(fd int)           { p.m = uint64(uint32(int32(fd))) }
