//go:build linux

package v4l2

import "time"

// maxPlanes is VIDEO_MAX_PLANES.
const maxPlanes = 8

// DeviceInfo contains information about a V4L2 device node.
type DeviceInfo struct {
	DevicePath string
	DeviceName string // card name reported by QUERYCAP
	Driver     string
	BusInfo    string
	Caps       uint32 // effective (device) capabilities
}

// IsM2M reports whether the node is a memory-to-memory device.
func (d DeviceInfo) IsM2M() bool {
	if d.Caps&(CapVideoM2M|CapVideoM2MMplane) != 0 {
		return true
	}
	return d.Caps&(CapVideoCaptureMplane|CapVideoOutputMplane) == CapVideoCaptureMplane|CapVideoOutputMplane ||
		d.Caps&(CapVideoCapture|CapVideoOutput) == CapVideoCapture|CapVideoOutput
}

// MultiPlanar reports whether the node uses the multi-planar buffer API.
func (d DeviceInfo) MultiPlanar() bool {
	if d.Caps&CapVideoM2MMplane != 0 {
		return true
	}
	mp := uint32(CapVideoCaptureMplane | CapVideoOutputMplane | CapStreaming)
	return d.Caps&mp == mp
}

// FormatInfo contains information about a supported pixel format.
type FormatInfo struct {
	PixelFormat uint32
	FormatName  string
	Compressed  bool
	Emulated    bool
}

// Resolution represents a video resolution.
type Resolution struct {
	Width  uint32
	Height uint32
}

// FrameSizeRange describes the frame sizes accepted for a pixel format.
// Discrete sizes have Min == Max and zero steps.
type FrameSizeRange struct {
	Min        Resolution
	Max        Resolution
	StepWidth  uint32
	StepHeight uint32
}

// Direction selects one of the two queues of an M2M device.
type Direction int

const (
	// Output is the queue that receives compressed bitstream from userspace.
	Output Direction = iota
	// Capture is the queue that returns decoded frames to userspace.
	Capture
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "capture"
}

// PlaneFormat describes one memory plane of a negotiated format.
type PlaneFormat struct {
	SizeImage    uint32
	BytesPerLine uint32
}

// Format is the subset of v4l2_format used by a decoder.
type Format struct {
	PixelFormat uint32
	Width       uint32
	Height      uint32
	Planes      []PlaneFormat
}

// Plane describes one plane of a queued or dequeued buffer.
type Plane struct {
	BytesUsed  uint32
	Length     uint32
	DataOffset uint32
	MemOffset  uint32 // MMAP offset reported by QUERYBUF
	FD         int    // DMABUF descriptor
}

// Buffer describes a buffer passed to QBUF or returned by QUERYBUF/DQBUF.
// Single-planar devices use Planes[0] only.
type Buffer struct {
	Index     int
	Flags     uint32
	Sequence  uint32
	Timestamp time.Duration
	Planes    []Plane
}

// BytesUsed sums the payload of all planes.
func (b Buffer) BytesUsed() uint32 {
	var n uint32
	for _, p := range b.Planes {
		n += p.BytesUsed
	}
	return n
}

// Rect is a v4l2_rect.
type Rect struct {
	Left   int32
	Top    int32
	Width  uint32
	Height uint32
}

// Event is a dequeued V4L2 event.
type Event struct {
	Type     uint32
	Changes  uint32 // valid for EventSourceChange
	Sequence uint32
	Pending  uint32
}

// PollResult reports which conditions a Poll observed.
type PollResult struct {
	Event   bool // POLLPRI: an event is pending
	Capture bool // POLLIN: a capture buffer can be dequeued
	Output  bool // POLLOUT: an output buffer can be dequeued
}

// Capability flags.
const (
	CapVideoCapture       = 0x00000001
	CapVideoOutput        = 0x00000002
	CapVideoCaptureMplane = 0x00001000
	CapVideoOutputMplane  = 0x00002000
	CapVideoM2MMplane     = 0x00004000
	CapVideoM2M           = 0x00008000
	CapStreaming          = 0x04000000
	CapDeviceCaps         = 0x80000000
)

// Format flags.
const (
	fmtFlagCompressed = 0x0001
	fmtFlagEmulated   = 0x0002
)

// Pixel formats.
var (
	PixFmtH264    = FourCC('H', '2', '6', '4')
	PixFmtHEVC    = FourCC('H', 'E', 'V', 'C')
	PixFmtVP8     = FourCC('V', 'P', '8', '0')
	PixFmtVP9     = FourCC('V', 'P', '9', '0')
	PixFmtJPEG    = FourCC('J', 'P', 'E', 'G')
	PixFmtMJPEG   = FourCC('M', 'J', 'P', 'G')
	PixFmtNV12    = FourCC('N', 'V', '1', '2')
	PixFmtNV12M   = FourCC('N', 'M', '1', '2')
	PixFmtNV21    = FourCC('N', 'V', '2', '1')
	PixFmtYUV420  = FourCC('Y', 'U', '1', '2')
	PixFmtYUV420M = FourCC('Y', 'M', '1', '2')
	PixFmtYVU420  = FourCC('Y', 'V', '1', '2')
	PixFmtYVU420M = FourCC('Y', 'M', '2', '1')
	PixFmtYUYV    = FourCC('Y', 'U', 'Y', 'V')
)

// Buffer types.
const (
	bufTypeVideoCapture       = 1
	bufTypeVideoOutput        = 2
	bufTypeVideoCaptureMplane = 9
	bufTypeVideoOutputMplane  = 10
)

// Memory types.
const (
	MemoryMMAP   = 1
	MemoryDMABUF = 4
)

// Buffer flags.
const (
	BufFlagKeyframe      = 0x00000008
	BufFlagError         = 0x00000040
	BufFlagTimestampCopy = 0x00004000
	BufFlagLast          = 0x00100000
)

const fieldNone = 1

// Event types.
const (
	EventEOS          = 2
	EventSourceChange = 5
	EventPrivateStart = 0x08000000

	SrcChangeResolution = 1
)

// Decoder commands.
const (
	DecCmdStart  = 0
	DecCmdStop   = 1
	DecCmdPause  = 2
	DecCmdResume = 3
	DecCmdFlush  = 4

	DecCmdStopImmediately = 1 << 1
)

// Control ids.
const (
	CIDMinBuffersForCapture = 0x00980900 + 39
)

// Selection targets.
const (
	selTgtCompose = 0x0100
)

// Frame size types.
const (
	frmsizeTypeDiscrete   = 1
	frmsizeTypeContinuous = 2
	frmsizeTypeStepwise   = 3
)
