package decoder

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/m2mdec/pkg/linuxav/v4l2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type fakeMapping struct {
	data   []byte
	closed int
}

func (m *fakeMapping) Bytes() []byte { return m.data }

func (m *fakeMapping) Close() error {
	m.closed++
	return nil
}

// fakeDevice is an in-memory M2M decoder. Tests complete buffers and raise
// events by hand.
type fakeDevice struct {
	mu sync.Mutex

	path       string
	kind       QueueKind
	openErr    error
	inFormats  []uint32
	outFormats []uint32

	inFormat      Format
	outFormat     Format
	inputOverride uint32 // pixel format applied instead of the requested codec
	maxInputSize  uint32 // largest input sizeimage granted, 0 for no cap
	minBuffers    int
	crop          Rect

	granted   [2]int
	queued    [2]map[int]Buffer
	done      [2][]Completed
	events    []DeviceEvent
	streaming [2]bool
	lost      bool
	open      bool

	mappings      []*fakeMapping
	fdsSinceFree  []int // output descriptors queued since the last output REQBUFS 0
	outputQueues  int
	reqbufs       [2]int
	cropCalls     int
	eventsTaken   int
	stopCalls     int
	resetCalls    int
	closeCalls    int
	streamOnCalls [2]int

	wake chan struct{}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		path:       "/dev/video-fake",
		kind:       SinglePlanar,
		inFormats:  []uint32{v4l2.PixFmtH264, v4l2.PixFmtHEVC},
		outFormats: []uint32{v4l2.PixFmtNV12},
		outFormat: Format{
			PixelFormat: v4l2.PixFmtNV12,
			Width:       1920,
			Height:      1080,
		},
		minBuffers: 2,
		crop:       Rect{Width: 1920, Height: 1080},
		queued:     [2]map[int]Buffer{{}, {}},
		wake:       make(chan struct{}, 1),
	}
}

var errFakeLost = fmt.Errorf("%w: fake device gone", ErrDeviceUnavailable)

func (f *fakeDevice) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.open = true
	return nil
}

func (f *fakeDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.open = false
	return nil
}

func (f *fakeDevice) Path() string { return f.path }

func (f *fakeDevice) QueueKind() QueueKind { return f.kind }

func (f *fakeDevice) MinOutputBuffers() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.minBuffers, nil
}

func (f *fakeDevice) Formats(dir Direction) ([]uint32, error) {
	if dir == Input {
		return f.inFormats, nil
	}
	return f.outFormats, nil
}

func (f *fakeDevice) SetFormat(dir Direction, want Format) (Format, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lost {
		return Format{}, errFakeLost
	}
	if dir == Input {
		got := want
		if f.inputOverride != 0 {
			got.PixelFormat = f.inputOverride
		}
		if f.maxInputSize > 0 && len(got.Planes) > 0 && got.Planes[0].SizeImage > f.maxInputSize {
			got.Planes = []PlaneFormat{{SizeImage: f.maxInputSize}}
		}
		f.inFormat = got
		return got, nil
	}
	f.outFormat = want
	return want, nil
}

func (f *fakeDevice) Format(dir Direction) (Format, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dir == Input {
		return f.inFormat, nil
	}
	return f.outFormat, nil
}

func (f *fakeDevice) Crop() (Rect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cropCalls++
	return f.crop, nil
}

func (f *fakeDevice) RequestBuffers(dir Direction, count int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lost {
		return 0, errFakeLost
	}
	f.reqbufs[dir]++
	f.granted[dir] = count
	f.queued[dir] = map[int]Buffer{}
	f.done[dir] = nil
	if dir == Output && count == 0 {
		f.fdsSinceFree = nil
	}
	return count, nil
}

func (f *fakeDevice) MapInput(index int) (Mapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index >= f.granted[Input] {
		return nil, fmt.Errorf("map index %d: %w", index, ErrBadIndex)
	}
	size := 4096
	if len(f.inFormat.Planes) > 0 && f.inFormat.Planes[0].SizeImage > 0 {
		size = int(f.inFormat.Planes[0].SizeImage)
	}
	m := &fakeMapping{data: make([]byte, size)}
	f.mappings = append(f.mappings, m)
	return m, nil
}

func (f *fakeDevice) Queue(dir Direction, buf Buffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lost {
		return errFakeLost
	}
	if buf.Index < 0 || buf.Index >= f.granted[dir] {
		return fmt.Errorf("queue %s index %d of %d: invalid argument", dir, buf.Index, f.granted[dir])
	}
	if _, busy := f.queued[dir][buf.Index]; busy {
		return fmt.Errorf("queue %s index %d: already queued", dir, buf.Index)
	}
	f.queued[dir][buf.Index] = buf
	if dir == Output {
		f.outputQueues++
		f.fdsSinceFree = append(f.fdsSinceFree, buf.FD)
	}
	return nil
}

func (f *fakeDevice) Dequeue(dir Direction) (Completed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lost {
		return Completed{}, errFakeLost
	}
	if len(f.done[dir]) == 0 {
		return Completed{}, ErrWouldBlock
	}
	c := f.done[dir][0]
	f.done[dir] = f.done[dir][1:]
	return c, nil
}

func (f *fakeDevice) DequeueEvent() (DeviceEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return DeviceEvent{}, ErrWouldBlock
	}
	ev := f.events[0]
	f.events = f.events[1:]
	f.eventsTaken++
	return ev, nil
}

func (f *fakeDevice) ready() PollResult {
	return PollResult{
		Event:       len(f.events) > 0,
		InputDone:   len(f.done[Input]) > 0,
		OutputReady: len(f.done[Output]) > 0,
	}
}

func (f *fakeDevice) Poll(timeout time.Duration) (PollResult, error) {
	f.mu.Lock()
	res, lost := f.ready(), f.lost
	f.mu.Unlock()
	if lost {
		return PollResult{}, errFakeLost
	}
	if res != (PollResult{}) {
		return res, nil
	}

	select {
	case <-f.wake:
	case <-time.After(timeout):
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lost {
		return PollResult{}, errFakeLost
	}
	return f.ready(), nil
}

func (f *fakeDevice) Interrupt() error {
	select {
	case f.wake <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeDevice) StreamOn(dir Direction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lost {
		return errFakeLost
	}
	f.streaming[dir] = true
	f.streamOnCalls[dir]++
	return nil
}

func (f *fakeDevice) StreamOff(dir Direction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lost {
		return errFakeLost
	}
	f.streaming[dir] = false
	f.queued[dir] = map[int]Buffer{}
	f.done[dir] = nil
	return nil
}

func (f *fakeDevice) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return nil
}

func (f *fakeDevice) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
	return nil
}

// completeInput returns the input buffer carrying id as consumed.
func (f *fakeDevice) completeInput(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for idx, buf := range f.queued[Input] {
		if timestampToID(buf.Timestamp) == id {
			delete(f.queued[Input], idx)
			f.done[Input] = append(f.done[Input], Completed{Index: idx, Timestamp: buf.Timestamp})
			f.interruptLocked()
			return true
		}
	}
	return false
}

// completeOutput finishes the lowest queued output buffer and returns its
// index.
func (f *fakeDevice) completeOutput(bytesUsed uint32, ts time.Duration, last bool) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := -1
	for i := range f.queued[Output] {
		if idx < 0 || i < idx {
			idx = i
		}
	}
	if idx < 0 {
		return -1, false
	}
	delete(f.queued[Output], idx)
	f.done[Output] = append(f.done[Output], Completed{
		Index:     idx,
		BytesUsed: bytesUsed,
		Timestamp: ts,
		Last:      last,
	})
	f.interruptLocked()
	return idx, true
}

func (f *fakeDevice) injectOutput(c Completed) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done[Output] = append(f.done[Output], c)
	f.interruptLocked()
}

func (f *fakeDevice) raise(ev DeviceEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	f.interruptLocked()
}

func (f *fakeDevice) setOutputGeometry(width, height uint32, crop Rect) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outFormat.Width = width
	f.outFormat.Height = height
	f.crop = crop
}

func (f *fakeDevice) setLost() {
	f.mu.Lock()
	f.lost = true
	f.interruptLocked()
	f.mu.Unlock()
}

func (f *fakeDevice) interruptLocked() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *fakeDevice) snapshot(fn func(f *fakeDevice)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeDevice) queuedCount(dir Direction) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queued[dir])
}

// fakeAllocator hands out heap memory with unique descriptors and counts
// every release.
type fakeAllocator struct {
	mu       sync.Mutex
	nextFD   int
	failAt   int // fail the n-th allocation, 1-based; 0 never fails
	count    int
	releases map[int]int // fd -> release calls
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{nextFD: 100, releases: map[int]int{}}
}

func (a *fakeAllocator) Allocate(size int) (*Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count++
	if a.failAt > 0 && a.count == a.failAt {
		return nil, errors.New("out of memory")
	}
	fd := a.nextFD
	a.nextFD++
	a.releases[fd] = 0
	return NewAllocation(fd, uint64(fd)<<12, make([]byte, size), size, func() error {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.releases[fd]++
		return nil
	}), nil
}

func (a *fakeAllocator) allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.releases)
}

// released counts allocations freed at least once and fails the test on a
// double free.
func (a *fakeAllocator) released(t *testing.T) int {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for fd, calls := range a.releases {
		if calls > 1 {
			t.Errorf("allocation fd=%d released %d times", fd, calls)
		}
		if calls > 0 {
			n++
		}
	}
	return n
}

func (a *fakeAllocator) releaseCount(fd int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.releases[fd]
}

// recordingConsumer keeps every frame and consumed input id.
type recordingConsumer struct {
	mu     sync.Mutex
	frames []Frame
	inputs []int64
}

func (c *recordingConsumer) NotifyReady(frame Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
}

func (c *recordingConsumer) InputConsumed(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputs = append(c.inputs, id)
}

func (c *recordingConsumer) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *recordingConsumer) frame(i int) Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[i]
}

func (c *recordingConsumer) inputIDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.inputs...)
}
