//go:build linux && arm && !arm64

package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Compile-time struct size assertions for 32-bit ARM.
var (
	_ [204]byte = [unsafe.Sizeof(v4l2Format{})]byte{}
	_ [68]byte  = [unsafe.Sizeof(v4l2Buffer{})]byte{}
	_ [60]byte  = [unsafe.Sizeof(v4l2Plane{})]byte{}
	_ [124]byte = [unsafe.Sizeof(v4l2Event{})]byte{} // Smaller on 32-bit due to timespec
)

// IOCTL constants for 32-bit ARM. v4l2_format, v4l2_buffer and v4l2_event
// are smaller than on 64-bit, so their request numbers differ.
const (
	vidiocGFmt     = 0xc0cc5604
	vidiocSFmt     = 0xc0cc5605
	vidiocQuerybuf = 0xc0445609
	vidiocQbuf     = 0xc044560f
	vidiocDqbuf    = 0xc0445611
	vidiocDqevent  = 0x807c5659
)

// v4l2Format has size 204 bytes.
type v4l2Format struct {
	typ uint32
	fmt [200]byte
}

// v4l2Buffer has size 68 bytes.
type v4l2Buffer struct {
	index     uint32       // offset 0
	typ       uint32       // offset 4
	bytesused uint32       // offset 8
	flags     uint32       // offset 12
	field     uint32       // offset 16
	timestamp unix.Timeval // offset 20
	timecode  [16]byte     // offset 28
	sequence  uint32       // offset 44
	memory    uint32       // offset 48
	m         uint32       // offset 52 (offset / userptr / planes / fd)
	length    uint32       // offset 56
	reserved2 uint32       // offset 60
	requestFD int32        // offset 64
}

// v4l2Plane has size 60 bytes.
type v4l2Plane struct {
	bytesused  uint32     // offset 0
	length     uint32     // offset 4
	m          uint32     // offset 8 (mem_offset / userptr / fd)
	dataOffset uint32     // offset 12
	reserved   [11]uint32 // offset 16
}

// v4l2Event has size 124 bytes on 32-bit ARM.
type v4l2Event struct {
	typ       uint32
	_         [4]byte
	u         [64]byte
	pending   uint32
	sequence  uint32
	timestamp [8]byte
	id        uint32
	reserved  [8]uint32
}

func (b *v4l2Buffer) setPlanes(p *v4l2Plane) { b.m = uint32(uintptr(unsafe.Pointer(p))) }
func (b *v4l2Buffer) offset() uint32        { return b.m }
func (b *v4l2Buffer) setFD(fd int)          { b.m = uint32(int32(fd)) }
func (p *v4l2Plane) offset() uint32         { return p.m }
func (p *v4l2Plane) setFD(fd int)           { p.m = uint32(int32(fd)) }
