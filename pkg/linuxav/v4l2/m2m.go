//go:build linux

package v4l2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrEventsNotSupported is returned when the driver cannot deliver an event type.
var ErrEventsNotSupported = unix.ENOTSUP

// pollErrBackoff is how long Poll sleeps when the device reports POLLERR
// without any readiness, which drivers do while a queue is not streaming.
const pollErrBackoff = 2 * time.Millisecond

// POLLRDNORM and POLLWRNORM from asm-generic/poll.h; x/sys/unix does not
// export them on linux.
const (
	pollRdNorm = 0x40
	pollWrNorm = 0x100
)

// M2MDevice is an open memory-to-memory node. Queue operations are not
// synchronized; callers serialize them. Poll and Interrupt may be called
// concurrently with everything else.
type M2MDevice struct {
	info        DeviceInfo
	fd          int
	eventFD     int
	multiPlanar bool
	memory      [2]uint32
	planes      [2]int

	closeOnce sync.Once
	closeErr  error
}

// bufferArgs is heap allocated so the planes pointer stored in buf stays
// valid for the duration of the ioctl.
type bufferArgs struct {
	buf    v4l2Buffer
	planes [maxPlanes]v4l2Plane
}

var bufferArgsPool = sync.Pool{New: func() any { return new(bufferArgs) }}

// OpenM2M opens an M2M node and creates its poll interrupt eventfd.
func OpenM2M(path string) (*M2MDevice, error) {
	fd, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	caps, err := queryCap(fd)
	if err != nil {
		close(fd)
		return nil, err
	}

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	info := DeviceInfo{
		DevicePath: path,
		DeviceName: cstr(caps.card[:]),
		Driver:     cstr(caps.driver[:]),
		BusInfo:    cstr(caps.busInfo[:]),
		Caps:       effectiveCaps(caps),
	}
	if !info.IsM2M() {
		close(efd)
		close(fd)
		return nil, fmt.Errorf("%s is not a memory-to-memory device: %w", path, unix.ENODEV)
	}

	d := &M2MDevice{
		info:        info,
		fd:          fd,
		eventFD:     efd,
		multiPlanar: info.MultiPlanar(),
		memory:      [2]uint32{MemoryMMAP, MemoryMMAP},
		planes:      [2]int{1, 1},
	}
	return d, nil
}

// Info returns the QUERYCAP details of the node.
func (d *M2MDevice) Info() DeviceInfo { return d.info }

// MultiPlanar reports whether the node uses the multi-planar API.
func (d *M2MDevice) MultiPlanar() bool { return d.multiPlanar }

// Close closes the node and the interrupt eventfd. It is safe to call more
// than once.
func (d *M2MDevice) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = errors.Join(close(d.fd), close(d.eventFD))
	})
	return d.closeErr
}

// Formats lists the pixel formats of one queue.
func (d *M2MDevice) Formats(dir Direction) ([]FormatInfo, error) {
	return enumFormats(d.fd, bufType(dir, d.multiPlanar))
}

// FrameSizes lists the frame sizes accepted for a pixel format.
func (d *M2MDevice) FrameSizes(pixelFormat uint32) ([]FrameSizeRange, error) {
	return enumFrameSizes(d.fd, pixelFormat)
}

// SetFormat applies f to a queue and returns what the driver adjusted it to.
func (d *M2MDevice) SetFormat(dir Direction, f Format) (Format, error) {
	var vf v4l2Format
	vf.typ = bufType(dir, d.multiPlanar)

	if d.multiPlanar {
		mp := vf.pixMp()
		mp.width = f.Width
		mp.height = f.Height
		mp.pixelformat = f.PixelFormat
		mp.field = fieldNone
		mp.numPlanes = uint8(max(1, min(len(f.Planes), maxPlanes)))
		for i := 0; i < len(f.Planes) && i < maxPlanes; i++ {
			mp.planeFmt[i].sizeimage = f.Planes[i].SizeImage
			mp.planeFmt[i].bytesperline = f.Planes[i].BytesPerLine
		}
	} else {
		pix := vf.pix()
		pix.width = f.Width
		pix.height = f.Height
		pix.pixelformat = f.PixelFormat
		pix.field = fieldNone
		if len(f.Planes) > 0 {
			pix.sizeimage = f.Planes[0].SizeImage
			pix.bytesperline = f.Planes[0].BytesPerLine
		}
	}

	if err := ioctlRetry(d.fd, vidiocSFmt, unsafe.Pointer(&vf)); err != nil {
		return Format{}, fmt.Errorf("VIDIOC_S_FMT %s: %w", dir, err)
	}
	return d.GetFormat(dir)
}

// GetFormat reads the current format of a queue.
func (d *M2MDevice) GetFormat(dir Direction) (Format, error) {
	var vf v4l2Format
	vf.typ = bufType(dir, d.multiPlanar)
	if err := ioctlRetry(d.fd, vidiocGFmt, unsafe.Pointer(&vf)); err != nil {
		return Format{}, fmt.Errorf("VIDIOC_G_FMT %s: %w", dir, err)
	}

	if d.multiPlanar {
		mp := vf.pixMp()
		out := Format{PixelFormat: mp.pixelformat, Width: mp.width, Height: mp.height}
		for i := 0; i < int(mp.numPlanes) && i < maxPlanes; i++ {
			out.Planes = append(out.Planes, PlaneFormat{
				SizeImage:    mp.planeFmt[i].sizeimage,
				BytesPerLine: mp.planeFmt[i].bytesperline,
			})
		}
		d.planes[dir] = max(1, len(out.Planes))
		return out, nil
	}

	pix := vf.pix()
	d.planes[dir] = 1
	return Format{
		PixelFormat: pix.pixelformat,
		Width:       pix.width,
		Height:      pix.height,
		Planes:      []PlaneFormat{{SizeImage: pix.sizeimage, BytesPerLine: pix.bytesperline}},
	}, nil
}

// RequestBuffers allocates count buffers of the given memory type on a queue
// and returns the count the driver granted. A count of zero frees them.
func (d *M2MDevice) RequestBuffers(dir Direction, count int, memory uint32) (int, error) {
	req := v4l2RequestBuffers{
		count:  uint32(count),
		typ:    bufType(dir, d.multiPlanar),
		memory: memory,
	}
	if err := ioctlRetry(d.fd, vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("VIDIOC_REQBUFS %s count=%d: %w", dir, count, err)
	}
	d.memory[dir] = memory
	return int(req.count), nil
}

// QueryBuffer returns the layout of an allocated buffer, including the MMAP
// offsets of its planes.
func (d *M2MDevice) QueryBuffer(dir Direction, index int) (Buffer, error) {
	args := d.prepare(dir, index)
	defer bufferArgsPool.Put(args)

	err := ioctlRetry(d.fd, vidiocQuerybuf, unsafe.Pointer(&args.buf))
	runtime.KeepAlive(args)
	if err != nil {
		return Buffer{}, fmt.Errorf("VIDIOC_QUERYBUF %s index=%d: %w", dir, index, err)
	}
	return d.collect(dir, args), nil
}

// Map maps length bytes of device memory at offset.
func (d *M2MDevice) Map(offset uint32, length uint32) ([]byte, error) {
	data, err := unix.Mmap(d.fd, int64(offset), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap offset=%d length=%d: %w", offset, length, err)
	}
	return data, nil
}

// Unmap releases memory returned by Map.
func (d *M2MDevice) Unmap(data []byte) error {
	return unix.Munmap(data)
}

// Queue hands a buffer to the driver. For DMABUF queues each plane carries
// its descriptor in Plane.FD.
func (d *M2MDevice) Queue(dir Direction, b Buffer) error {
	args := d.prepare(dir, b.Index)
	defer bufferArgsPool.Put(args)

	args.buf.flags = b.Flags
	args.buf.timestamp = unix.NsecToTimeval(b.Timestamp.Nanoseconds())

	if d.multiPlanar {
		n := min(len(b.Planes), maxPlanes)
		args.buf.length = uint32(max(n, d.planes[dir]))
		for i := 0; i < n; i++ {
			p := &args.planes[i]
			p.bytesused = b.Planes[i].BytesUsed
			p.length = b.Planes[i].Length
			p.dataOffset = b.Planes[i].DataOffset
			if args.buf.memory == MemoryDMABUF {
				p.setFD(b.Planes[i].FD)
			}
		}
	} else if len(b.Planes) > 0 {
		args.buf.bytesused = b.Planes[0].BytesUsed
		args.buf.length = b.Planes[0].Length
		if args.buf.memory == MemoryDMABUF {
			args.buf.setFD(b.Planes[0].FD)
		}
	}

	err := ioctlRetry(d.fd, vidiocQbuf, unsafe.Pointer(&args.buf))
	runtime.KeepAlive(args)
	if err != nil {
		return fmt.Errorf("VIDIOC_QBUF %s index=%d: %w", dir, b.Index, err)
	}
	return nil
}

// Dequeue takes a finished buffer from a queue. It returns EAGAIN (wrapped)
// when none is ready.
func (d *M2MDevice) Dequeue(dir Direction) (Buffer, error) {
	args := d.prepare(dir, 0)
	defer bufferArgsPool.Put(args)

	err := ioctlRetry(d.fd, vidiocDqbuf, unsafe.Pointer(&args.buf))
	runtime.KeepAlive(args)
	if err != nil {
		return Buffer{}, fmt.Errorf("VIDIOC_DQBUF %s: %w", dir, err)
	}
	return d.collect(dir, args), nil
}

func (d *M2MDevice) prepare(dir Direction, index int) *bufferArgs {
	args := bufferArgsPool.Get().(*bufferArgs)
	*args = bufferArgs{}
	args.buf.index = uint32(index)
	args.buf.typ = bufType(dir, d.multiPlanar)
	args.buf.memory = d.memory[dir]
	args.buf.field = fieldNone
	if d.multiPlanar {
		args.buf.setPlanes(&args.planes[0])
		args.buf.length = uint32(d.planes[dir])
	}
	return args
}

func (d *M2MDevice) collect(dir Direction, args *bufferArgs) Buffer {
	b := Buffer{
		Index:     int(args.buf.index),
		Flags:     args.buf.flags,
		Sequence:  args.buf.sequence,
		Timestamp: time.Duration(args.buf.timestamp.Nano()),
	}
	if d.multiPlanar {
		n := min(int(args.buf.length), maxPlanes)
		for i := 0; i < n; i++ {
			p := args.planes[i]
			b.Planes = append(b.Planes, Plane{
				BytesUsed:  p.bytesused,
				Length:     p.length,
				DataOffset: p.dataOffset,
				MemOffset:  p.offset(),
			})
		}
		return b
	}
	b.Planes = []Plane{{
		BytesUsed: args.buf.bytesused,
		Length:    args.buf.length,
		MemOffset: args.buf.offset(),
	}}
	return b
}

// StreamOn starts a queue.
func (d *M2MDevice) StreamOn(dir Direction) error {
	typ := bufType(dir, d.multiPlanar)
	if err := ioctlRetry(d.fd, vidiocStreamon, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMON %s: %w", dir, err)
	}
	return nil
}

// StreamOff stops a queue. The driver returns every queued buffer to userspace.
func (d *M2MDevice) StreamOff(dir Direction) error {
	typ := bufType(dir, d.multiPlanar)
	if err := ioctlRetry(d.fd, vidiocStreamoff, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMOFF %s: %w", dir, err)
	}
	return nil
}

// Subscribe subscribes to an event type.
func (d *M2MDevice) Subscribe(eventType uint32) error {
	sub := v4l2EventSubscription{typ: eventType}
	if err := ioctl(d.fd, vidiocSubscribeEvent, unsafe.Pointer(&sub)); err != nil {
		if errors.Is(err, unix.ENOTTY) || errors.Is(err, unix.EINVAL) {
			return ErrEventsNotSupported
		}
		return fmt.Errorf("VIDIOC_SUBSCRIBE_EVENT %#x: %w", eventType, err)
	}
	return nil
}

// Unsubscribe removes an event subscription.
func (d *M2MDevice) Unsubscribe(eventType uint32) error {
	sub := v4l2EventSubscription{typ: eventType}
	if err := ioctl(d.fd, vidiocUnsubscribeEvent, unsafe.Pointer(&sub)); err != nil {
		return fmt.Errorf("VIDIOC_UNSUBSCRIBE_EVENT %#x: %w", eventType, err)
	}
	return nil
}

// DequeueEvent takes the next pending event.
func (d *M2MDevice) DequeueEvent() (Event, error) {
	var ev v4l2Event
	if err := ioctl(d.fd, vidiocDqevent, unsafe.Pointer(&ev)); err != nil {
		return Event{}, fmt.Errorf("VIDIOC_DQEVENT: %w", err)
	}
	out := Event{Type: ev.typ, Sequence: ev.sequence, Pending: ev.pending}
	if ev.typ == EventSourceChange {
		out.Changes = ev.srcChanges()
	}
	return out, nil
}

// Control reads a control value.
func (d *M2MDevice) Control(id uint32) (int32, error) {
	ctrl := v4l2Control{id: id}
	if err := ioctlRetry(d.fd, vidiocGCtrl, unsafe.Pointer(&ctrl)); err != nil {
		return 0, fmt.Errorf("VIDIOC_G_CTRL %#x: %w", id, err)
	}
	return ctrl.value, nil
}

// Crop returns the visible rectangle of the capture queue. It prefers the
// selection API and falls back to G_CROP for older drivers.
func (d *M2MDevice) Crop() (Rect, error) {
	sel := v4l2Selection{
		typ:    bufTypeVideoCapture, // selection uses the single-planar types
		target: selTgtCompose,
	}
	if err := ioctlRetry(d.fd, vidiocGSelection, unsafe.Pointer(&sel)); err == nil {
		return Rect{Left: sel.r.left, Top: sel.r.top, Width: sel.r.width, Height: sel.r.height}, nil
	}

	crop := v4l2Crop{typ: bufType(Capture, d.multiPlanar)}
	if err := ioctlRetry(d.fd, vidiocGCrop, unsafe.Pointer(&crop)); err != nil {
		return Rect{}, fmt.Errorf("VIDIOC_G_CROP: %w", err)
	}
	return Rect{Left: crop.c.left, Top: crop.c.top, Width: crop.c.width, Height: crop.c.height}, nil
}

// DecoderCommand issues VIDIOC_DECODER_CMD.
func (d *M2MDevice) DecoderCommand(cmd, flags uint32) error {
	dc := v4l2DecoderCmd{cmd: cmd, flags: flags}
	if err := ioctlRetry(d.fd, vidiocDecoderCmd, unsafe.Pointer(&dc)); err != nil {
		return fmt.Errorf("VIDIOC_DECODER_CMD %d: %w", cmd, err)
	}
	return nil
}

// Poll waits up to timeout for the node to become ready or for Interrupt.
// An interrupted or timed out wait returns an empty result.
func (d *M2MDevice) Poll(timeout time.Duration) (PollResult, error) {
	fds := []unix.PollFd{
		{Fd: int32(d.fd), Events: unix.POLLIN | pollRdNorm | unix.POLLOUT | pollWrNorm | unix.POLLPRI},
		{Fd: int32(d.eventFD), Events: unix.POLLIN},
	}

	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return PollResult{}, nil
		}
		return PollResult{}, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return PollResult{}, nil
	}

	if fds[1].Revents&unix.POLLIN != 0 {
		var buf [8]byte
		_, _ = unix.Read(d.eventFD, buf[:])
	}

	rev := fds[0].Revents
	if rev&(unix.POLLHUP|unix.POLLNVAL) != 0 {
		return PollResult{}, fmt.Errorf("poll revents %#x: %w", rev, unix.ENODEV)
	}

	res := PollResult{
		Event:   rev&unix.POLLPRI != 0,
		Capture: rev&(unix.POLLIN|pollRdNorm) != 0,
		Output:  rev&(unix.POLLOUT|pollWrNorm) != 0,
	}
	if rev&unix.POLLERR != 0 && !res.Event && !res.Capture && !res.Output {
		time.Sleep(pollErrBackoff)
	}
	return res, nil
}

// Interrupt wakes a concurrent Poll.
func (d *M2MDevice) Interrupt() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(d.eventFD, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}
