package decoder

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/smazurov/m2mdec/pkg/linuxav/v4l2"
)

type decoderFixture struct {
	dec      *Decoder
	dev      *fakeDevice
	alloc    *fakeAllocator
	consumer *recordingConsumer
}

func newFixture(t *testing.T, mutate func(*fakeDevice, *Options)) *decoderFixture {
	t.Helper()
	fx := &decoderFixture{
		dev:      newFakeDevice(),
		alloc:    newFakeAllocator(),
		consumer: &recordingConsumer{},
	}
	opts := Options{
		Codec:              v4l2.PixFmtH264,
		Width:              1920,
		Height:             1080,
		InputBufferSize:    4096,
		ExtraOutputBuffers: 1,
		PollTimeout:        20 * time.Millisecond,
		FetchInterval:      time.Millisecond,
		Logger:             testLogger(),
	}
	if mutate != nil {
		mutate(fx.dev, &opts)
	}
	fx.dec = New(fx.dev, fx.alloc, fx.consumer, opts)
	t.Cleanup(func() { fx.dec.Destroy() })

	if err := fx.dec.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return fx
}

func (fx *decoderFixture) submit(t *testing.T, id int64) {
	t.Helper()
	if err := fx.dec.Submit(AccessUnit{ID: id, Data: []byte{0, 0, 0, 1, 0x65}}); err != nil {
		t.Fatalf("Submit %d failed: %v", id, err)
	}
}

// streaming submits one access unit and waits until every output buffer
// is queued on the device.
func (fx *decoderFixture) streaming(t *testing.T) int {
	t.Helper()
	fx.submit(t, 1)
	want := fx.dec.Status().Pools.OutputFree + fx.dec.Status().Pools.OutputQueued
	waitFor(t, "output buffers queued", func() bool {
		return fx.dev.queuedCount(Output) == want
	})
	return want
}

func TestInitErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fakeDevice, *Options)
	}{
		{"open fails", func(d *fakeDevice, _ *Options) { d.openErr = errors.New("busy") }},
		{"codec not offered", func(_ *fakeDevice, o *Options) { o.Codec = v4l2.PixFmtVP9 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeDevice()
			opts := Options{Codec: v4l2.PixFmtH264, Logger: testLogger()}
			tt.mutate(dev, &opts)
			dec := New(dev, newFakeAllocator(), nil, opts)

			err := dec.Init()
			if !errors.Is(err, ErrDeviceUnavailable) {
				t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
			}
			if dec.State() != StateUninitialized {
				t.Errorf("expected uninitialized, got %s", dec.State())
			}
		})
	}
}

func TestInitCachesFormats(t *testing.T) {
	fx := newFixture(t, nil)

	if fx.dec.State() != StateInitialized {
		t.Fatalf("expected initialized, got %s", fx.dec.State())
	}
	if !fx.dec.SupportsInputFormat(v4l2.PixFmtHEVC) {
		t.Error("expected HEVC input support")
	}
	if fx.dec.SupportsOutputFormat(v4l2.PixFmtYUV420) {
		t.Error("unexpected YUV420 output support")
	}
	if fx.dec.Session() == "" {
		t.Error("expected a session id")
	}
}

func TestSubmitBeforeInit(t *testing.T) {
	dec := New(newFakeDevice(), newFakeAllocator(), nil, Options{Codec: v4l2.PixFmtH264, Logger: testLogger()})
	err := dec.Submit(AccessUnit{ID: 1, Data: []byte{1}})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestSubmitStartsDecoder(t *testing.T) {
	fx := newFixture(t, nil)
	fx.submit(t, 1)

	s := fx.dec.Status()
	if s.State != StateStreaming {
		t.Fatalf("expected streaming, got %s", s.State)
	}
	if s.Epoch != 1 {
		t.Errorf("expected epoch 1, got %d", s.Epoch)
	}
	if s.InputCapacity != 4096 {
		t.Errorf("expected input capacity 4096, got %d", s.InputCapacity)
	}
	// 1920x1080 aligned to 16 lines.
	if s.OutputFormat.Width != 1920 || s.OutputFormat.Height != 1088 {
		t.Errorf("expected 1920x1088 output, got %dx%d", s.OutputFormat.Width, s.OutputFormat.Height)
	}
	if s.Crop.Width != 1920 || s.Crop.Height != 1080 {
		t.Errorf("expected 1920x1080 crop, got %+v", s.Crop)
	}

	var inputOn bool
	fx.dev.snapshot(func(f *fakeDevice) { inputOn = f.streaming[Input] })
	if !inputOn {
		t.Error("input queue not streaming after first submit")
	}
	waitFor(t, "output stream on", func() bool {
		var on bool
		fx.dev.snapshot(func(f *fakeDevice) { on = f.streaming[Output] })
		return on
	})
}

func TestOutputBufferCount(t *testing.T) {
	fx := newFixture(t, func(d *fakeDevice, o *Options) {
		d.minBuffers = 6
		o.ExtraOutputBuffers = 0
	})
	if err := fx.dec.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if got := fx.alloc.allocated(); got != 6+ProfileHantro.Margin {
		t.Errorf("expected %d output buffers, got %d", 6+ProfileHantro.Margin, got)
	}
	if s := fx.dec.Status(); s.Pools.OutputFree+s.Pools.OutputQueued != 6+ProfileHantro.Margin {
		t.Errorf("unexpected pool counts %+v", s.Pools)
	}
}

func TestSubmitExhausted(t *testing.T) {
	fx := newFixture(t, func(_ *fakeDevice, o *Options) { o.InputBuffers = 4 })

	for id := int64(1); id <= 4; id++ {
		fx.submit(t, id)
	}
	err := fx.dec.Submit(AccessUnit{ID: 5, Data: []byte{1}})
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if fx.dec.State() != StateStreaming {
		t.Errorf("exhaustion changed state to %s", fx.dec.State())
	}
}

func TestSubmitDuplicateID(t *testing.T) {
	fx := newFixture(t, nil)
	fx.submit(t, 9)

	err := fx.dec.Submit(AccessUnit{ID: 9, Data: []byte{1}})
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestSubmitGrowsInputBuffers(t *testing.T) {
	fx := newFixture(t, func(_ *fakeDevice, o *Options) { o.InputBufferSize = 64 })
	fx.submit(t, 1)

	big := AccessUnit{ID: 2, Data: make([]byte, 100)}
	if err := fx.dec.Submit(big); !errors.Is(err, ErrBufferTooSmall) {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}
	if err := fx.dec.Submit(big); err != nil {
		t.Fatalf("Submit after growth failed: %v", err)
	}
	if c := fx.dec.Status().InputCapacity; c != 4096 {
		t.Errorf("expected capacity 4096 after growth, got %d", c)
	}
	if ids := fx.consumer.inputIDs(); !reflect.DeepEqual(ids, []int64{1}) {
		t.Errorf("expected dropped id 1 reported, got %v", ids)
	}
}

func TestSubmitInputLimit(t *testing.T) {
	fx := newFixture(t, func(d *fakeDevice, o *Options) {
		d.maxInputSize = 4096
		o.InputBuffers = 8
	})
	big := make([]byte, 8192)

	fx.submit(t, 1)
	fx.submit(t, 2)
	err := fx.dec.Submit(AccessUnit{ID: 3, Data: big})
	if !errors.Is(err, ErrBufferTooSmall) || errors.Is(err, ErrInputLimit) {
		t.Fatalf("expected ErrBufferTooSmall without a known limit, got %v", err)
	}

	// The regrow drops 1 and 2 and finds the device capped at 4096.
	err = fx.dec.Submit(AccessUnit{ID: 3, Data: big})
	if !errors.Is(err, ErrBufferTooSmall) || !errors.Is(err, ErrInputLimit) {
		t.Fatalf("expected ErrInputLimit after a refused regrow, got %v", err)
	}
	if ids := fx.consumer.inputIDs(); !reflect.DeepEqual(ids, []int64{1, 2}) {
		t.Fatalf("expected dropped ids [1 2] reported, got %v", ids)
	}

	var reqbufs int
	fx.dev.snapshot(func(f *fakeDevice) { reqbufs = f.reqbufs[Input] })

	id := int64(10)
	for round := range 2 {
		fx.submit(t, id)
		fx.submit(t, id+1)
		err := fx.dec.Submit(AccessUnit{ID: id + 2, Data: big})
		if !errors.Is(err, ErrInputLimit) {
			t.Fatalf("round %d: expected ErrInputLimit, got %v", round, err)
		}
		id += 3
	}

	s := fx.dec.Status()
	if s.Pools.InputSubmitted != 4 {
		t.Errorf("expected 4 queued access units, got %d", s.Pools.InputSubmitted)
	}
	if s.InputCapacity != 4096 {
		t.Errorf("expected capacity 4096, got %d", s.InputCapacity)
	}
	fx.dev.snapshot(func(f *fakeDevice) {
		if f.reqbufs[Input] != reqbufs {
			t.Errorf("input buffers requested %d more times", f.reqbufs[Input]-reqbufs)
		}
	})
	if n := len(fx.consumer.inputIDs()); n != 2 {
		t.Errorf("expected no further drops, got %d reported ids", n)
	}
}

func TestSubmitIDRange(t *testing.T) {
	fx := newFixture(t, nil)

	for _, id := range []int64{-1, MaxInputID + 1} {
		if err := fx.dec.Submit(AccessUnit{ID: id, Data: []byte{1}}); !errors.Is(err, ErrIDRange) {
			t.Errorf("Submit(%d): expected ErrIDRange, got %v", id, err)
		}
	}
	if got := timestampToID(idToTimestamp(MaxInputID)); got != MaxInputID {
		t.Errorf("largest id came back as %d", got)
	}
	fx.submit(t, MaxInputID)
}

func TestSubmitFormatMismatch(t *testing.T) {
	fx := newFixture(t, func(d *fakeDevice, _ *Options) { d.inputOverride = v4l2.PixFmtHEVC })

	err := fx.dec.Submit(AccessUnit{ID: 1, Data: []byte{1}})
	if !errors.Is(err, ErrFormatMismatch) {
		t.Fatalf("expected ErrFormatMismatch, got %v", err)
	}
	if fx.dec.State() != StateFailed {
		t.Errorf("expected failed, got %s", fx.dec.State())
	}
	if err := fx.dec.Submit(AccessUnit{ID: 2, Data: []byte{1}}); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("expected ErrDeviceUnavailable after failure, got %v", err)
	}
}

func TestFrameDelivery(t *testing.T) {
	fx := newFixture(t, nil)
	fx.streaming(t)

	fx.submit(t, 42)
	if !fx.dev.completeInput(42) {
		t.Fatal("access unit 42 not queued")
	}
	waitFor(t, "input consumed", func() bool { return len(fx.consumer.inputIDs()) == 1 })
	if ids := fx.consumer.inputIDs(); ids[0] != 42 {
		t.Errorf("expected consumed id 42, got %v", ids)
	}

	if _, ok := fx.dev.completeOutput(1000, idToTimestamp(42), false); !ok {
		t.Fatal("no output buffer queued")
	}
	waitFor(t, "frame", func() bool { return fx.consumer.frameCount() == 1 })

	frame := fx.consumer.frame(0)
	if frame.InputID != 42 {
		t.Errorf("expected input id 42, got %d", frame.InputID)
	}
	if frame.Epoch != 1 || frame.BytesUsed != 1000 {
		t.Errorf("unexpected frame %+v", frame)
	}
	if len(frame.Data) != 1920*1088*3/2 {
		t.Errorf("frame memory is %d bytes", len(frame.Data))
	}
	if s := fx.dec.Status(); s.Pools.OutputExported != 1 || s.Decoded != 1 {
		t.Errorf("unexpected status %+v", s)
	}

	if err := fx.dec.Release(frame.BufferID); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := fx.dec.Release(frame.BufferID); !errors.Is(err, ErrBadIndex) {
		t.Errorf("double release: expected ErrBadIndex, got %v", err)
	}
	waitFor(t, "released buffer requeued", func() bool {
		return fx.dec.Status().Pools.OutputExported == 0 && fx.dev.queuedCount(Output) == 3
	})
}

func TestEmptyOutputBuffer(t *testing.T) {
	fx := newFixture(t, nil)
	total := fx.streaming(t)

	if _, ok := fx.dev.completeOutput(0, 0, false); !ok {
		t.Fatal("no output buffer queued")
	}
	waitFor(t, "empty buffer reclaimed", func() bool { return fx.dec.Status().Empty == 1 })
	waitFor(t, "empty buffer requeued", func() bool { return fx.dev.queuedCount(Output) == total })

	if n := fx.consumer.frameCount(); n != 0 {
		t.Errorf("expected no frames, got %d", n)
	}
}

func TestBadOutputIndexIgnored(t *testing.T) {
	fx := newFixture(t, nil)
	total := fx.streaming(t)

	fx.dev.injectOutput(Completed{Index: 99, BytesUsed: 10})
	waitFor(t, "bad index drained", func() bool {
		var pending int
		fx.dev.snapshot(func(f *fakeDevice) { pending = len(f.done[Output]) })
		return pending == 0
	})

	if fx.dec.State() != StateStreaming {
		t.Errorf("expected streaming, got %s", fx.dec.State())
	}
	if fx.dev.queuedCount(Output) != total {
		t.Error("pool changed after a bad index")
	}
}

func TestResolutionChangeEmptyCrop(t *testing.T) {
	fx := newFixture(t, nil)
	total := fx.streaming(t)

	var crops, reqbufs int
	fx.dev.snapshot(func(f *fakeDevice) {
		f.crop = Rect{}
		crops = f.cropCalls
		reqbufs = f.reqbufs[Output]
	})
	fx.dev.raise(DeviceEvent{Kind: EventResolutionChange})
	waitFor(t, "crop queried", func() bool {
		var n int
		fx.dev.snapshot(func(f *fakeDevice) { n = f.cropCalls })
		return n > crops
	})

	s := fx.dec.Status()
	if s.State != StateStreaming {
		t.Errorf("expected streaming, got %s", s.State)
	}
	if s.Epoch != 1 || s.Renegotiations != 0 {
		t.Errorf("expected epoch 1 without renegotiation, got epoch %d renegotiations %d", s.Epoch, s.Renegotiations)
	}
	if fx.alloc.allocated() != total {
		t.Errorf("expected %d allocations, got %d", total, fx.alloc.allocated())
	}
	fx.dev.snapshot(func(f *fakeDevice) {
		if f.reqbufs[Output] != reqbufs {
			t.Error("output buffers were requested again")
		}
	})
	if fx.dev.queuedCount(Output) != total {
		t.Error("output queue disturbed by an empty crop")
	}
}

func TestResolutionChangeZeroHeightCrop(t *testing.T) {
	fx := newFixture(t, nil)
	fx.streaming(t)

	fx.dev.setOutputGeometry(1280, 720, Rect{Width: 1280})
	fx.dev.raise(DeviceEvent{Kind: EventResolutionChange})
	waitFor(t, "epoch 2", func() bool { return fx.dec.Status().Epoch == 2 })

	if s := fx.dec.Status(); s.OutputFormat.Width != 1280 || s.OutputFormat.Height != 720 {
		t.Errorf("expected 1280x720, got %dx%d", s.OutputFormat.Width, s.OutputFormat.Height)
	}
}

func TestResolutionChange(t *testing.T) {
	fx := newFixture(t, nil)
	total := fx.streaming(t)

	fx.submit(t, 7)
	if _, ok := fx.dev.completeOutput(500, idToTimestamp(7), false); !ok {
		t.Fatal("no output buffer queued")
	}
	waitFor(t, "frame", func() bool { return fx.consumer.frameCount() == 1 })
	held := fx.consumer.frame(0)

	var oldFDs = map[int]bool{}
	fx.alloc.mu.Lock()
	for fd := range fx.alloc.releases {
		oldFDs[fd] = true
	}
	fx.alloc.mu.Unlock()

	fx.dev.setOutputGeometry(1280, 720, Rect{Width: 1280, Height: 720})
	fx.dev.raise(DeviceEvent{Kind: EventResolutionChange})
	waitFor(t, "epoch 2", func() bool { return fx.dec.Status().Epoch == 2 })
	waitFor(t, "new buffers queued", func() bool { return fx.dev.queuedCount(Output) == total })

	s := fx.dec.Status()
	if s.State != StateStreaming {
		t.Errorf("expected streaming, got %s", s.State)
	}
	if s.OutputFormat.Width != 1280 || s.OutputFormat.Height != 720 {
		t.Errorf("expected 1280x720, got %dx%d", s.OutputFormat.Width, s.OutputFormat.Height)
	}
	if s.Pools.OutputRetired != 1 {
		t.Errorf("expected 1 retired buffer, got %d", s.Pools.OutputRetired)
	}
	if n := fx.alloc.released(t); n != total-1 {
		t.Errorf("expected %d old buffers freed, got %d", total-1, n)
	}

	fx.dev.snapshot(func(f *fakeDevice) {
		for _, fd := range f.fdsSinceFree {
			if oldFDs[fd] {
				t.Errorf("buffer fd=%d from epoch 1 queued in epoch 2", fd)
			}
		}
	})

	if err := fx.dec.Release(held.BufferID); err != nil {
		t.Fatalf("releasing a retired frame failed: %v", err)
	}
	if fx.alloc.releaseCount(held.FD) != 1 {
		t.Error("retired frame memory not freed")
	}
	if fx.dec.Status().Pools.OutputRetired != 0 {
		t.Error("retired buffer still tracked")
	}
}

func TestDeferredOutputNegotiation(t *testing.T) {
	fx := newFixture(t, func(d *fakeDevice, _ *Options) {
		d.outFormat.Width, d.outFormat.Height = 0, 0
	})
	fx.submit(t, 1)

	if s := fx.dec.Status(); s.Epoch != 0 || s.State != StateStreaming {
		t.Fatalf("expected streaming without output buffers, got %+v", s)
	}

	fx.dev.setOutputGeometry(640, 480, Rect{Width: 640, Height: 480})
	fx.dev.raise(DeviceEvent{Kind: EventSourceChange})
	waitFor(t, "output negotiated", func() bool { return fx.dec.Status().Epoch == 1 })
}

func TestFlushKeepsEpoch(t *testing.T) {
	fx := newFixture(t, nil)
	total := fx.streaming(t)
	fx.submit(t, 2)

	if err := fx.dec.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	s := fx.dec.Status()
	if s.State != StateStreaming || s.Epoch != 1 {
		t.Fatalf("expected streaming in epoch 1, got %s epoch %d", s.State, s.Epoch)
	}
	if s.Pools.InputSubmitted != 0 {
		t.Errorf("expected no submitted input after flush, got %d", s.Pools.InputSubmitted)
	}
	if ids := fx.consumer.inputIDs(); !reflect.DeepEqual(ids, []int64{1, 2}) {
		t.Errorf("expected flushed ids [1 2] reported, got %v", ids)
	}

	if err := fx.dec.Submit(AccessUnit{ID: 2, Data: []byte{1}}); err != nil {
		t.Fatalf("Submit after flush failed: %v", err)
	}
	if s := fx.dec.Status(); s.Epoch != 1 || s.Pools.InputSubmitted != 1 {
		t.Errorf("unexpected status after resubmit: %+v", s)
	}
	waitFor(t, "output requeued", func() bool { return fx.dev.queuedCount(Output) == total })
	if fx.alloc.allocated() != total {
		t.Error("flush reallocated output buffers")
	}
}

func TestStopIdempotent(t *testing.T) {
	fx := newFixture(t, nil)
	total := fx.streaming(t)

	if _, ok := fx.dev.completeOutput(10, 0, false); !ok {
		t.Fatal("no output buffer queued")
	}
	waitFor(t, "frame", func() bool { return fx.consumer.frameCount() == 1 })
	held := fx.consumer.frame(0)

	if err := fx.dec.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	first := fx.dec.Status()
	if first.State != StateStopped {
		t.Fatalf("expected stopped, got %s", first.State)
	}
	if n := fx.alloc.released(t); n != total-1 {
		t.Errorf("expected %d buffers freed, got %d", total-1, n)
	}

	if err := fx.dec.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if second := fx.dec.Status(); second.State != first.State || second.Pools != first.Pools {
		t.Errorf("second Stop changed status: %+v", second)
	}
	if n := fx.alloc.released(t); n != total-1 {
		t.Errorf("second Stop freed more buffers: %d", n)
	}

	var stops, resets int
	fx.dev.snapshot(func(f *fakeDevice) { stops, resets = f.stopCalls, f.resetCalls })
	if stops != 1 || resets != 1 {
		t.Errorf("expected one stop and one reset command, got %d and %d", stops, resets)
	}

	if err := fx.dec.Release(held.BufferID); err != nil {
		t.Errorf("releasing a frame after Stop failed: %v", err)
	}
	if n := fx.alloc.released(t); n != total {
		t.Errorf("expected all %d buffers freed, got %d", total, n)
	}
}

func TestRestartAfterStop(t *testing.T) {
	fx := newFixture(t, nil)
	fx.streaming(t)

	if err := fx.dec.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	fx.submit(t, 3)

	s := fx.dec.Status()
	if s.State != StateStreaming {
		t.Fatalf("expected streaming after restart, got %s", s.State)
	}
	if s.Epoch != 2 {
		t.Errorf("expected epoch 2 after restart, got %d", s.Epoch)
	}
}

func TestDestroy(t *testing.T) {
	fx := newFixture(t, nil)
	total := fx.streaming(t)

	if _, ok := fx.dev.completeOutput(10, 0, false); !ok {
		t.Fatal("no output buffer queued")
	}
	waitFor(t, "frame", func() bool { return fx.consumer.frameCount() == 1 })

	if err := fx.dec.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if err := fx.dec.Destroy(); err != nil {
		t.Fatalf("second Destroy failed: %v", err)
	}
	if fx.dec.State() != StateDestroyed {
		t.Errorf("expected destroyed, got %s", fx.dec.State())
	}
	if n := fx.alloc.released(t); n != total {
		t.Errorf("expected all %d buffers freed, got %d", total, n)
	}
	fx.dev.snapshot(func(f *fakeDevice) {
		if f.closeCalls != 1 {
			t.Errorf("expected one device close, got %d", f.closeCalls)
		}
	})
	if err := fx.dec.Submit(AccessUnit{ID: 1, Data: []byte{1}}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestDeviceLost(t *testing.T) {
	fx := newFixture(t, nil)
	fx.streaming(t)

	fx.dev.setLost()
	waitFor(t, "failed state", func() bool { return fx.dec.State() == StateFailed })

	if err := fx.dec.Submit(AccessUnit{ID: 5, Data: []byte{1}}); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("expected ErrDeviceUnavailable, got %v", err)
	}
	if err := fx.dec.Flush(); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("expected ErrDeviceUnavailable from Flush, got %v", err)
	}
	if err := fx.dec.Stop(); err != nil {
		t.Errorf("Stop after loss failed: %v", err)
	}
	if fx.dec.State() != StateFailed {
		t.Errorf("expected failed after Stop, got %s", fx.dec.State())
	}
	if fx.dec.Status().Error == "" {
		t.Error("expected failure cause in status")
	}
}

func TestLastBuffer(t *testing.T) {
	fx := newFixture(t, nil)
	fx.streaming(t)

	if _, ok := fx.dev.completeOutput(0, 0, true); !ok {
		t.Fatal("no output buffer queued")
	}
	waitFor(t, "last buffer", func() bool { return fx.dec.Status().Empty == 1 })
	if fx.dec.State() != StateStreaming {
		t.Errorf("expected streaming after last buffer, got %s", fx.dec.State())
	}

	if err := fx.dec.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	waitFor(t, "output requeued", func() bool { return fx.dev.queuedCount(Output) > 0 })
	if _, ok := fx.dev.completeOutput(10, 0, false); !ok {
		t.Fatal("no output buffer queued after flush")
	}
	waitFor(t, "frame after flush", func() bool { return fx.consumer.frameCount() == 1 })
}

func TestOutputPixelFormat(t *testing.T) {
	tests := []struct {
		name    string
		offered []uint32
		want    uint32
		current uint32
		expect  uint32
	}{
		{"nv12 offered", []uint32{v4l2.PixFmtNV12, v4l2.PixFmtYUV420}, 0, v4l2.PixFmtYUV420, v4l2.PixFmtNV12},
		{"only planar nv12", []uint32{v4l2.PixFmtNV12M}, 0, v4l2.PixFmtNV12M, v4l2.PixFmtNV12M},
		{"configured layout missing", []uint32{v4l2.PixFmtYUV420M}, v4l2.PixFmtYUV420, v4l2.PixFmtNV12, v4l2.PixFmtYUV420M},
		{"nothing matches", []uint32{v4l2.PixFmtNV21}, 0, v4l2.PixFmtNV21, v4l2.PixFmtNV21},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Decoder{opts: Options{OutputFormat: tt.want}, outFormats: formatSet(tt.offered)}
			if got := d.outputPixelFormat(tt.current); got != tt.expect {
				t.Errorf("got %s, want %s", v4l2.FormatFourCC(got), v4l2.FormatFourCC(tt.expect))
			}
		})
	}
}
