package decoder

import (
	"errors"
	"testing"

	"github.com/smazurov/m2mdec/pkg/linuxav/v4l2"
)

func nv12(width, height uint32) Format {
	return Format{
		PixelFormat: v4l2.PixFmtNV12,
		Width:       width,
		Height:      height,
		Planes:      outputPlanes(v4l2.PixFmtNV12, width, height, SinglePlanar),
	}
}

func TestOutputPoolAllocate(t *testing.T) {
	dev := newFakeDevice()
	alloc := newFakeAllocator()
	pool := newOutputPool(dev, alloc)

	// 1920x1080, six buffers required by the device plus a margin of four.
	f := nv12(1920, 1088)
	if err := pool.allocate(f, Rect{Width: 1920, Height: 1080}, 6+ProfileHantro.Margin); err != nil {
		t.Fatalf("allocate failed: %v", err)
	}

	c := pool.counts()
	if c.free != 10 || c.queued != 0 || c.exported != 0 {
		t.Errorf("expected 10 free buffers, got %+v", c)
	}
	if alloc.allocated() != 10 {
		t.Errorf("expected 10 allocations, got %d", alloc.allocated())
	}
	if pool.epoch != 1 {
		t.Errorf("expected epoch 1, got %d", pool.epoch)
	}
	for i, d := range pool.descs {
		if d.index != i || d.id != i {
			t.Errorf("descriptor %d has index %d id %d", i, d.index, d.id)
		}
		if d.alloc.Size != 1920*1088*3/2 {
			t.Errorf("descriptor %d sized %d", i, d.alloc.Size)
		}
	}
}

func TestOutputPoolAllocateFailure(t *testing.T) {
	dev := newFakeDevice()
	alloc := newFakeAllocator()
	alloc.failAt = 3
	pool := newOutputPool(dev, alloc)

	if err := pool.allocate(nv12(640, 480), Rect{}, 4); err == nil {
		t.Fatal("expected allocation failure")
	}
	if len(pool.descs) != 0 {
		t.Errorf("expected empty pool, got %d descriptors", len(pool.descs))
	}
	if n := alloc.released(t); n != 2 {
		t.Errorf("expected the 2 successful allocations released, got %d", n)
	}
}

func TestOutputPoolPlaneLayouts(t *testing.T) {
	tests := []struct {
		name  string
		pix   uint32
		kind  QueueKind
		sizes []uint32
	}{
		{"nv12 single-planar", v4l2.PixFmtNV12, SinglePlanar, []uint32{640 * 480 * 3 / 2}},
		{"nv12m multi-planar", v4l2.PixFmtNV12M, MultiPlanar, []uint32{640 * 480, 640 * 480 / 2}},
		{"yuv420m multi-planar", v4l2.PixFmtYUV420M, MultiPlanar, []uint32{640 * 480, 640 * 480 / 4, 640 * 480 / 4}},
		{"nv12m single-planar", v4l2.PixFmtNV12M, SinglePlanar, []uint32{640 * 480 * 3 / 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			planes := outputPlanes(tt.pix, 640, 480, tt.kind)
			if len(planes) != len(tt.sizes) {
				t.Fatalf("expected %d planes, got %d", len(tt.sizes), len(planes))
			}
			layouts := planeLayouts(Format{Planes: planes})
			var off uint32
			for i, want := range tt.sizes {
				if layouts[i].Size != want || layouts[i].Offset != off {
					t.Errorf("plane %d: got %+v, want size %d offset %d", i, layouts[i], want, off)
				}
				off += want
			}
		})
	}
}

func TestOutputPoolLendReclaim(t *testing.T) {
	dev := newFakeDevice()
	pool := newOutputPool(dev, newFakeAllocator())
	if err := pool.allocate(nv12(320, 240), Rect{Width: 320, Height: 240}, 2); err != nil {
		t.Fatalf("allocate failed: %v", err)
	}

	d := pool.nextFree()
	if err := pool.lend(d); err != nil {
		t.Fatalf("lend failed: %v", err)
	}
	if err := pool.lend(d); !errors.Is(err, ErrInvalidState) {
		t.Errorf("lending a queued buffer: expected ErrInvalidState, got %v", err)
	}

	got, err := pool.reclaim(Completed{Index: d.index, BytesUsed: 100})
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if got != d || d.state != descExported {
		t.Fatalf("expected exported descriptor, got %v in state %s", got, d.state)
	}

	if err := pool.release(d.id); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if d.state != descFree {
		t.Errorf("expected free after release, got %s", d.state)
	}
	if err := pool.release(d.id); !errors.Is(err, ErrBadIndex) {
		t.Errorf("double release: expected ErrBadIndex, got %v", err)
	}
}

func TestOutputPoolReclaimEmpty(t *testing.T) {
	dev := newFakeDevice()
	pool := newOutputPool(dev, newFakeAllocator())
	if err := pool.allocate(nv12(320, 240), Rect{}, 2); err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	d := pool.nextFree()
	if err := pool.lend(d); err != nil {
		t.Fatalf("lend failed: %v", err)
	}

	got, err := pool.reclaim(Completed{Index: d.index, BytesUsed: 0})
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if got != nil {
		t.Error("empty buffer must not be exported")
	}
	if d.state != descFree {
		t.Errorf("expected free, got %s", d.state)
	}
}

func TestOutputPoolReclaimBadIndex(t *testing.T) {
	dev := newFakeDevice()
	pool := newOutputPool(dev, newFakeAllocator())
	if err := pool.allocate(nv12(320, 240), Rect{}, 2); err != nil {
		t.Fatalf("allocate failed: %v", err)
	}

	for _, index := range []int{-1, 2, 0} {
		if _, err := pool.reclaim(Completed{Index: index, BytesUsed: 1}); !errors.Is(err, ErrBadIndex) {
			t.Errorf("reclaim(%d): expected ErrBadIndex, got %v", index, err)
		}
	}
}

func TestOutputPoolRetire(t *testing.T) {
	dev := newFakeDevice()
	alloc := newFakeAllocator()
	pool := newOutputPool(dev, alloc)
	if err := pool.allocate(nv12(320, 240), Rect{}, 3); err != nil {
		t.Fatalf("allocate failed: %v", err)
	}

	held := pool.nextFree()
	if err := pool.lend(held); err != nil {
		t.Fatalf("lend failed: %v", err)
	}
	if _, err := pool.reclaim(Completed{Index: held.index, BytesUsed: 10}); err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	queued := pool.nextFree()
	if err := pool.lend(queued); err != nil {
		t.Fatalf("lend failed: %v", err)
	}

	pool.returnQueued()
	if err := pool.retire(); err != nil {
		t.Fatalf("retire failed: %v", err)
	}
	if n := alloc.released(t); n != 2 {
		t.Errorf("expected 2 buffers freed, got %d", n)
	}
	if len(pool.retired) != 1 {
		t.Fatalf("expected 1 retired buffer, got %d", len(pool.retired))
	}

	if err := pool.allocate(nv12(640, 480), Rect{}, 3); err != nil {
		t.Fatalf("reallocate failed: %v", err)
	}
	if pool.epoch != 2 {
		t.Errorf("expected epoch 2, got %d", pool.epoch)
	}
	for _, d := range pool.descs {
		if d.id < 3 {
			t.Errorf("buffer id %d reused in a new epoch", d.id)
		}
		if d == held {
			t.Error("retired descriptor back in the current epoch")
		}
	}
	if err := pool.lend(held); !errors.Is(err, ErrInvalidState) {
		t.Errorf("lending a retired buffer: expected ErrInvalidState, got %v", err)
	}

	if err := pool.release(held.id); err != nil {
		t.Fatalf("releasing retired buffer failed: %v", err)
	}
	if alloc.releaseCount(held.alloc.FD) != 1 {
		t.Error("retired buffer not freed on release")
	}
	if err := pool.release(held.id); !errors.Is(err, ErrBadIndex) {
		t.Errorf("second release: expected ErrBadIndex, got %v", err)
	}
}

func TestOutputPoolCloseRetired(t *testing.T) {
	dev := newFakeDevice()
	alloc := newFakeAllocator()
	pool := newOutputPool(dev, alloc)
	if err := pool.allocate(nv12(320, 240), Rect{}, 2); err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	for _, d := range pool.descs {
		if err := pool.lend(d); err != nil {
			t.Fatalf("lend failed: %v", err)
		}
		if _, err := pool.reclaim(Completed{Index: d.index, BytesUsed: 1}); err != nil {
			t.Fatalf("reclaim failed: %v", err)
		}
	}
	if err := pool.retire(); err != nil {
		t.Fatalf("retire failed: %v", err)
	}
	if err := pool.closeRetired(); err != nil {
		t.Fatalf("closeRetired failed: %v", err)
	}
	if n := alloc.released(t); n != 2 {
		t.Errorf("expected 2 released, got %d", n)
	}
	if err := pool.closeRetired(); err != nil {
		t.Errorf("second closeRetired failed: %v", err)
	}
}
