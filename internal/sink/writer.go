// Package sink drains decoded frames from the decoder.
package sink

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/smazurov/m2mdec/internal/decoder"
	"github.com/smazurov/m2mdec/pkg/linuxav/v4l2"
)

// DefaultQueue is the number of frames held before new ones are dropped.
const DefaultQueue = 4

// Releaser hands a frame's buffer back to the decoder.
type Releaser interface {
	Release(bufferID int) error
}

// Options configures a Writer.
type Options struct {
	// Queue bounds the frames waiting to be written.
	Queue int
	// Crop writes only the visible region of NV12 frames.
	Crop   bool
	Logger *slog.Logger
}

// Stats counts what the writer did.
type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Bytes   uint64 `json:"bytes"`
	Inputs  uint64 `json:"inputs"`
}

// Writer is a decoder.Consumer that writes frames to an io.Writer on its
// own goroutine and releases each one afterwards. Frames arriving while the
// queue is full are released unwritten.
type Writer struct {
	w      io.Writer
	crop   bool
	logger *slog.Logger

	mu     sync.Mutex
	rel    Releaser
	closed bool
	err    error
	frames chan decoder.Frame
	done   chan struct{}
	last   chan struct{}
	once   sync.Once

	written atomic.Uint64
	dropped atomic.Uint64
	bytes   atomic.Uint64
	inputs  atomic.Uint64
}

// NewWriter starts a writer draining into w. w may be nil to only count
// and release frames.
func NewWriter(w io.Writer, opts Options) *Writer {
	if opts.Queue <= 0 {
		opts.Queue = DefaultQueue
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if w == nil {
		w = io.Discard
	}

	s := &Writer{
		w:      w,
		crop:   opts.Crop,
		logger: opts.Logger,
		frames: make(chan decoder.Frame, opts.Queue),
		done:   make(chan struct{}),
		last:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Bind sets where frames are released to. It must be called before the
// first frame arrives.
func (s *Writer) Bind(r Releaser) {
	s.mu.Lock()
	s.rel = r
	s.mu.Unlock()
}

// NotifyReady queues a frame.
func (s *Writer) NotifyReady(frame decoder.Frame) {
	s.mu.Lock()
	if !s.closed {
		select {
		case s.frames <- frame:
			s.mu.Unlock()
			return
		default:
		}
	}
	s.mu.Unlock()

	s.dropped.Add(1)
	s.logger.Debug("Dropping frame", "buffer_id", frame.BufferID, "input_id", frame.InputID)
	s.release(frame)
}

// InputConsumed counts access units the device has finished with.
func (s *Writer) InputConsumed(int64) {
	s.inputs.Add(1)
}

// LastFrame is closed once the frame flagged as last has been written.
func (s *Writer) LastFrame() <-chan struct{} { return s.last }

// Stats returns the current counters.
func (s *Writer) Stats() Stats {
	return Stats{
		Written: s.written.Load(),
		Dropped: s.dropped.Load(),
		Bytes:   s.bytes.Load(),
		Inputs:  s.inputs.Load(),
	}
}

// Close drains the queue and returns the first write error.
func (s *Writer) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	s.mu.Unlock()

	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Writer) run() {
	defer close(s.done)

	for frame := range s.frames {
		if err := s.write(frame); err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
				s.logger.Error("Failed to write frame", "error", err)
			}
			s.mu.Unlock()
		}
		s.release(frame)

		if frame.Last {
			s.once.Do(func() { close(s.last) })
		}
	}
}

func (s *Writer) write(frame decoder.Frame) error {
	s.mu.Lock()
	failed := s.err != nil
	s.mu.Unlock()
	if failed {
		return nil
	}

	data := frame.Data
	if int(frame.BytesUsed) < len(data) {
		data = data[:frame.BytesUsed]
	}
	if len(data) == 0 {
		s.written.Add(1)
		return nil
	}

	var n int
	var err error
	if s.crop && isNV12(frame.Format.PixelFormat) && !frame.Crop.Empty() {
		n, err = writeCroppedNV12(s.w, frame)
	} else {
		n, err = s.w.Write(data)
	}
	s.bytes.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("write frame %d: %w", frame.InputID, err)
	}
	s.written.Add(1)
	return nil
}

func (s *Writer) release(frame decoder.Frame) {
	s.mu.Lock()
	rel := s.rel
	s.mu.Unlock()
	if rel == nil {
		return
	}
	if err := rel.Release(frame.BufferID); err != nil {
		s.logger.Debug("Release failed", "buffer_id", frame.BufferID, "error", err)
	}
}

func isNV12(pix uint32) bool {
	return v4l2.ContiguousFormat(pix) == v4l2.PixFmtNV12
}

// writeCroppedNV12 writes the visible luma rows followed by the visible
// interleaved chroma rows.
func writeCroppedNV12(w io.Writer, frame decoder.Frame) (int, error) {
	stride := int(frame.Format.Stride())
	if stride == 0 {
		stride = int(frame.Format.Width)
	}

	lumaOff, chromaOff := 0, stride*int(frame.Format.Height)
	if len(frame.Planes) > 1 {
		lumaOff, chromaOff = int(frame.Planes[0].Offset), int(frame.Planes[1].Offset)
	}

	left, top := int(frame.Crop.Left)&^1, int(frame.Crop.Top)&^1
	width, height := int(frame.Crop.Width), int(frame.Crop.Height)

	total := 0
	rows := func(base, first, count, rowLen int) error {
		for y := first; y < first+count; y++ {
			start := base + y*stride + left
			end := start + rowLen
			if end > len(frame.Data) {
				return fmt.Errorf("crop %dx%d exceeds buffer", width, height)
			}
			n, err := w.Write(frame.Data[start:end])
			total += n
			if err != nil {
				return err
			}
		}
		return nil
	}

	if err := rows(lumaOff, top, height, width); err != nil {
		return total, err
	}
	if err := rows(chromaOff, top/2, (height+1)/2, (width+1)&^1); err != nil {
		return total, err
	}
	return total, nil
}
