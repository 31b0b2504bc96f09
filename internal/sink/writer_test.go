package sink

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/m2mdec/internal/decoder"
	"github.com/smazurov/m2mdec/pkg/linuxav/v4l2"
)

type recordingReleaser struct {
	mu  sync.Mutex
	ids []int
}

func (r *recordingReleaser) Release(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func (r *recordingReleaser) released() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.ids...)
}

// gateWriter blocks every write until the gate is opened.
type gateWriter struct {
	gate chan struct{}
	buf  bytes.Buffer
}

func (g *gateWriter) Write(p []byte) (int, error) {
	<-g.gate
	return g.buf.Write(p)
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func testOptions() Options {
	return Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func frame(id int, data []byte) decoder.Frame {
	return decoder.Frame{BufferID: id, InputID: int64(id) * 10, Data: data, BytesUsed: uint32(len(data))}
}

func TestWriterWritesAndReleases(t *testing.T) {
	var out bytes.Buffer
	rel := &recordingReleaser{}
	w := NewWriter(&out, testOptions())
	w.Bind(rel)

	w.NotifyReady(frame(0, []byte("abc")))
	last := frame(1, []byte("defgh"))
	last.BytesUsed = 2
	last.Last = true
	w.NotifyReady(last)
	w.InputConsumed(10)

	select {
	case <-w.LastFrame():
	case <-time.After(2 * time.Second):
		t.Fatal("last frame not signalled")
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if out.String() != "abcde" {
		t.Errorf("expected abcde, got %q", out.String())
	}
	if ids := rel.released(); len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Errorf("expected buffers 0 and 1 released in order, got %v", ids)
	}

	stats := w.Stats()
	if stats.Written != 2 || stats.Bytes != 5 || stats.Inputs != 1 || stats.Dropped != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestWriterDropsWhenFull(t *testing.T) {
	gw := &gateWriter{gate: make(chan struct{})}
	rel := &recordingReleaser{}
	opts := testOptions()
	opts.Queue = 1
	w := NewWriter(gw, opts)
	w.Bind(rel)

	// The first frame is picked up by the writer goroutine and blocks.
	w.NotifyReady(frame(0, []byte{1}))
	deadline := time.Now().Add(2 * time.Second)
	for len(w.frames) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("writer never picked up the first frame")
		}
		time.Sleep(time.Millisecond)
	}

	w.NotifyReady(frame(1, []byte{2})) // queued
	w.NotifyReady(frame(2, []byte{3})) // dropped

	if ids := rel.released(); len(ids) != 1 || ids[0] != 2 {
		t.Errorf("expected the dropped buffer released at once, got %v", ids)
	}

	close(gw.gate)
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if stats := w.Stats(); stats.Dropped != 1 || stats.Written != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if len(rel.released()) != 3 {
		t.Errorf("expected every buffer released, got %v", rel.released())
	}
}

func TestWriterError(t *testing.T) {
	rel := &recordingReleaser{}
	w := NewWriter(failWriter{}, testOptions())
	w.Bind(rel)

	w.NotifyReady(frame(0, []byte{1}))
	w.NotifyReady(frame(1, []byte{2}))

	if err := w.Close(); err == nil {
		t.Fatal("expected the write error from Close")
	}
	if len(rel.released()) != 2 {
		t.Errorf("expected buffers released despite the error, got %v", rel.released())
	}
}

func TestWriterAfterClose(t *testing.T) {
	rel := &recordingReleaser{}
	w := NewWriter(nil, testOptions())
	w.Bind(rel)
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	w.NotifyReady(frame(5, []byte{1}))
	if ids := rel.released(); len(ids) != 1 || ids[0] != 5 {
		t.Errorf("expected frame released after close, got %v", ids)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestWriteCroppedNV12(t *testing.T) {
	// 4x4 NV12: 16 luma bytes then 8 chroma bytes.
	data := make([]byte, 24)
	for i := range data {
		data[i] = byte(i)
	}
	f := decoder.Frame{
		Format: decoder.Format{
			PixelFormat: v4l2.PixFmtNV12,
			Width:       4,
			Height:      4,
			Planes:      []decoder.PlaneFormat{{SizeImage: 24, BytesPerLine: 4}},
		},
		Crop:      decoder.Rect{Left: 2, Top: 2, Width: 2, Height: 2},
		Data:      data,
		BytesUsed: 24,
	}

	var out bytes.Buffer
	opts := testOptions()
	opts.Crop = true
	w := NewWriter(&out, opts)
	w.NotifyReady(f)
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	want := []byte{10, 11, 14, 15, 22, 23}
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("expected %v, got %v", want, out.Bytes())
	}
}
