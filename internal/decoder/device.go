package decoder

import (
	"time"
)

// Direction names a device queue from the decoder's point of view.
type Direction int

const (
	// Input is the queue that receives compressed access units
	// (the V4L2 OUTPUT queue).
	Input Direction = iota
	// Output is the queue that returns decoded frames
	// (the V4L2 CAPTURE queue).
	Output
)

func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

// QueueKind is the buffer API flavour a device exposes.
type QueueKind int

const (
	SinglePlanar QueueKind = iota
	MultiPlanar
)

func (k QueueKind) String() string {
	if k == MultiPlanar {
		return "multi-planar"
	}
	return "single-planar"
}

// PlaneFormat describes one memory plane of a negotiated format.
type PlaneFormat struct {
	SizeImage    uint32 `json:"size_image"`
	BytesPerLine uint32 `json:"bytes_per_line"`
}

// Format is a negotiated queue format.
type Format struct {
	PixelFormat uint32        `json:"pixel_format"`
	Width       uint32        `json:"width"`
	Height      uint32        `json:"height"`
	Planes      []PlaneFormat `json:"planes"`
}

// Size is the total byte capacity over all planes.
func (f Format) Size() int {
	n := 0
	for _, p := range f.Planes {
		n += int(p.SizeImage)
	}
	return n
}

// Stride is the line pitch of the first plane.
func (f Format) Stride() uint32 {
	if len(f.Planes) == 0 {
		return f.Width
	}
	return f.Planes[0].BytesPerLine
}

// Rect is a visible region within a decoded frame.
type Rect struct {
	Left   int32  `json:"left"`
	Top    int32  `json:"top"`
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool { return r.Width == 0 || r.Height == 0 }

// PlaneLayout places one plane inside an output allocation.
type PlaneLayout struct {
	Offset uint32 `json:"offset"`
	Size   uint32 `json:"size"`
}

// Buffer is a queue request.
//
// Input buffers set BytesUsed, Length and Timestamp. Output buffers set FD
// and Planes; every plane lives in the same allocation at its own offset.
type Buffer struct {
	Index     int
	BytesUsed uint32
	Length    uint32
	Timestamp time.Duration
	FD        int
	Planes    []PlaneLayout
}

// Completed is a buffer the device handed back.
type Completed struct {
	Index     int
	BytesUsed uint32
	Timestamp time.Duration
	Sequence  uint32
	Last      bool // final buffer before end of stream
	Error     bool // device flagged the payload as corrupt
}

// EventKind classifies device events.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventResolutionChange
	EventSourceChange // source change without a resolution change
	EventEndOfStream
	EventCodecError
	EventSkip
)

func (k EventKind) String() string {
	switch k {
	case EventResolutionChange:
		return "resolution_change"
	case EventSourceChange:
		return "source_change"
	case EventEndOfStream:
		return "end_of_stream"
	case EventCodecError:
		return "codec_error"
	case EventSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// DeviceEvent is an event dequeued from the device.
type DeviceEvent struct {
	Kind EventKind
	Raw  uint32 // driver event type
}

// PollResult reports the readiness observed by one Poll.
type PollResult struct {
	Event       bool // an event is pending
	InputDone   bool // a consumed input buffer can be dequeued
	OutputReady bool // a decoded output buffer can be dequeued
}

// Mapping is device memory mapped into the process. Close unmaps it and
// is safe to call more than once.
type Mapping interface {
	Bytes() []byte
	Close() error
}

// Device is the decoder's view of a stateful M2M decoder node. Apart from
// Poll and Interrupt, calls are serialized by the caller.
type Device interface {
	// Open locates and opens the node. Failure wraps ErrDeviceUnavailable.
	Open() error
	// Close releases the node. Safe to call more than once.
	Close() error
	// Path is the node path once opened.
	Path() string
	// QueueKind is fixed for the lifetime of an open node.
	QueueKind() QueueKind
	// Formats lists the pixel formats a queue accepts.
	Formats(dir Direction) ([]uint32, error)
	// SetFormat applies f and returns the format the device settled on.
	SetFormat(dir Direction, f Format) (Format, error)
	// Format reads the current format of a queue.
	Format(dir Direction) (Format, error)
	// MinOutputBuffers is the minimum output buffer count for the current stream.
	MinOutputBuffers() (int, error)
	// Crop is the visible rectangle of decoded frames.
	Crop() (Rect, error)
	// RequestBuffers sizes a queue and returns the granted count. Zero frees.
	RequestBuffers(dir Direction, count int) (int, error)
	// MapInput maps input buffer index into the process.
	MapInput(index int) (Mapping, error)
	// Queue hands a buffer to the device.
	Queue(dir Direction, buf Buffer) error
	// Dequeue takes a finished buffer. ErrWouldBlock when none is ready.
	Dequeue(dir Direction) (Completed, error)
	// DequeueEvent takes the next pending event. ErrWouldBlock when none is pending.
	DequeueEvent() (DeviceEvent, error)
	// Poll waits up to timeout for readiness or Interrupt.
	Poll(timeout time.Duration) (PollResult, error)
	// Interrupt wakes a blocked Poll.
	Interrupt() error
	// StreamOn starts a queue.
	StreamOn(dir Direction) error
	// StreamOff stops a queue; every buffer queued on it returns to userspace.
	StreamOff(dir Direction) error
	// Stop asks the device to stop decoding immediately.
	Stop() error
	// Reset returns the device to its initial decoding state.
	Reset() error
}
