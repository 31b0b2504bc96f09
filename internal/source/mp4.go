package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
)

// ErrNoVideoTrack is returned for files without a supported video track.
var ErrNoVideoTrack = errors.New("no supported video track")

type mp4Sample struct {
	data   []byte // fragmented files keep samples in memory
	offset uint64
	size   uint32
	pts    time.Duration
	key    bool
}

// MP4 demuxes the first AVC video track of a progressive or fragmented MP4
// file into Annex B access units. Parameter sets from the sample entry are
// prepended to every sync sample.
type MP4 struct {
	r         io.ReadSeeker
	closer    io.Closer
	info      Info
	paramSets []byte
	samples   []mp4Sample
	next      int
}

// OpenMP4 opens an MP4 file.
func OpenMP4(path string) (*MP4, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	m, err := NewMP4(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	m.closer = f
	return m, nil
}

// NewMP4 parses an MP4 file from r. Sample data of progressive files is
// read lazily from r.
func NewMP4(r io.ReadSeeker) (*MP4, error) {
	file, err := mp4.DecodeFile(r)
	if err != nil {
		return nil, fmt.Errorf("decode mp4: %w", err)
	}

	m := &MP4{r: r}
	if file.IsFragmented() {
		err = m.loadFragmented(file)
	} else {
		err = m.loadProgressive(file)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Info reports the codec and coded size from the sample entry.
func (m *MP4) Info() Info { return m.info }

// Len is the number of samples in the track.
func (m *MP4) Len() int { return len(m.samples) }

// Next returns the next sample as an access unit.
func (m *MP4) Next(ctx context.Context) (Unit, error) {
	if err := ctx.Err(); err != nil {
		return Unit{}, err
	}
	if m.next >= len(m.samples) {
		return Unit{}, io.EOF
	}
	s := m.samples[m.next]
	m.next++

	data := s.data
	if data == nil {
		data = make([]byte, s.size)
		if _, err := m.r.Seek(int64(s.offset), io.SeekStart); err != nil {
			return Unit{}, fmt.Errorf("seek to sample %d: %w", m.next, err)
		}
		if _, err := io.ReadFull(m.r, data); err != nil {
			return Unit{}, fmt.Errorf("read sample %d: %w", m.next, err)
		}
	}

	annexB := avccToAnnexB(data)
	if s.key && len(m.paramSets) > 0 {
		annexB = append(bytes.Clone(m.paramSets), annexB...)
	}
	return Unit{Data: annexB, PTS: s.pts, Keyframe: s.key}, nil
}

// Close closes the file when the source opened it.
func (m *MP4) Close() error {
	if m.closer != nil {
		return m.closer.Close()
	}
	return nil
}

func (m *MP4) useTrack(trak *mp4.TrakBox) bool {
	if trak.Mdia == nil || trak.Mdia.Hdlr == nil || trak.Mdia.Hdlr.HandlerType != "vide" {
		return false
	}
	if trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil || trak.Mdia.Minf.Stbl.Stsd == nil {
		return false
	}

	for _, child := range trak.Mdia.Minf.Stbl.Stsd.Children {
		entry, ok := child.(*mp4.VisualSampleEntryBox)
		if !ok || entry.AvcC == nil {
			continue
		}
		m.info = Info{Codec: CodecH264, Width: uint32(entry.Width), Height: uint32(entry.Height)}
		m.paramSets = nil
		for _, sps := range entry.AvcC.SPSnalus {
			m.paramSets = append(m.paramSets, startCode...)
			m.paramSets = append(m.paramSets, sps...)
		}
		for _, pps := range entry.AvcC.PPSnalus {
			m.paramSets = append(m.paramSets, startCode...)
			m.paramSets = append(m.paramSets, pps...)
		}
		return true
	}
	return false
}

func timescaleOf(trak *mp4.TrakBox) uint32 {
	if trak.Mdia != nil && trak.Mdia.Mdhd != nil && trak.Mdia.Mdhd.Timescale != 0 {
		return trak.Mdia.Mdhd.Timescale
	}
	return 1000
}

func ticksToDuration(ticks uint64, timescale uint32) time.Duration {
	ts := uint64(timescale)
	return time.Duration(ticks/ts)*time.Second + time.Duration(ticks%ts*uint64(time.Second)/ts)
}

func (m *MP4) loadFragmented(file *mp4.File) error {
	if file.Init == nil || file.Init.Moov == nil {
		return fmt.Errorf("fragmented file without init segment: %w", ErrNoVideoTrack)
	}

	var track *mp4.TrakBox
	for _, trak := range file.Init.Moov.Traks {
		if m.useTrack(trak) {
			track = trak
			break
		}
	}
	if track == nil {
		return ErrNoVideoTrack
	}
	trackID := track.Tkhd.TrackID
	timescale := timescaleOf(track)

	var trex *mp4.TrexBox
	if file.Init.Moov.Mvex != nil {
		for _, t := range file.Init.Moov.Mvex.Trexs {
			if t.TrackID == trackID {
				trex = t
				break
			}
		}
	}

	for _, seg := range file.Segments {
		for _, frag := range seg.Fragments {
			if frag.Moof == nil {
				continue
			}
			tracked := false
			for _, traf := range frag.Moof.Trafs {
				if traf.Tfhd.TrackID == trackID {
					tracked = true
				}
			}
			if !tracked {
				continue
			}

			samples, err := frag.GetFullSamples(trex)
			if err != nil {
				return fmt.Errorf("get samples: %w", err)
			}
			for _, s := range samples {
				m.samples = append(m.samples, mp4Sample{
					data: s.Data,
					size: uint32(len(s.Data)),
					pts:  ticksToDuration(s.DecodeTime, timescale),
					key:  s.Flags == mp4.SyncSampleFlags,
				})
			}
		}
	}
	return nil
}

func (m *MP4) loadProgressive(file *mp4.File) error {
	if file.Moov == nil {
		return fmt.Errorf("no moov box: %w", ErrNoVideoTrack)
	}

	var track *mp4.TrakBox
	for _, trak := range file.Moov.Traks {
		if m.useTrack(trak) {
			track = trak
			break
		}
	}
	if track == nil {
		return ErrNoVideoTrack
	}

	stbl := track.Mdia.Minf.Stbl
	if stbl.Stsz == nil || stbl.Stsc == nil {
		return fmt.Errorf("incomplete sample table")
	}
	timescale := timescaleOf(track)

	syncSamples := make(map[uint32]bool)
	if stbl.Stss != nil {
		for _, nr := range stbl.Stss.SampleNumber {
			syncSamples[nr] = true
		}
	}

	for nr := uint32(1); nr <= stbl.Stsz.SampleNumber; nr++ {
		offset, err := sampleOffset(stbl, nr)
		if err != nil {
			return fmt.Errorf("sample %d: %w", nr, err)
		}
		var decodeTime uint64
		if stbl.Stts != nil {
			decodeTime, _ = stbl.Stts.GetDecodeTime(nr)
		}
		m.samples = append(m.samples, mp4Sample{
			offset: offset,
			size:   stbl.Stsz.GetSampleSize(int(nr)),
			pts:    ticksToDuration(decodeTime, timescale),
			key:    syncSamples[nr] || stbl.Stss == nil,
		})
	}
	return nil
}

// sampleOffset locates a sample through its chunk.
func sampleOffset(stbl *mp4.StblBox, nr uint32) (uint64, error) {
	chunkNr, firstInChunk, err := stbl.Stsc.ChunkNrFromSampleNr(int(nr))
	if err != nil {
		return 0, fmt.Errorf("get chunk nr: %w", err)
	}

	var offset uint64
	switch {
	case stbl.Stco != nil:
		offset, err = stbl.Stco.GetOffset(chunkNr)
		if err != nil {
			return 0, fmt.Errorf("get chunk offset: %w", err)
		}
	case stbl.Co64 != nil:
		if chunkNr < 1 || chunkNr > len(stbl.Co64.ChunkOffset) {
			return 0, fmt.Errorf("chunk nr %d out of range", chunkNr)
		}
		offset = stbl.Co64.ChunkOffset[chunkNr-1]
	default:
		return 0, fmt.Errorf("no stco or co64 box")
	}

	for s := uint32(firstInChunk); s < nr; s++ {
		offset += uint64(stbl.Stsz.GetSampleSize(int(s)))
	}
	return offset, nil
}

// avccToAnnexB rewrites 4-byte length prefixes as start codes.
func avccToAnnexB(data []byte) []byte {
	out := make([]byte, 0, len(data)+16)
	for off := 0; off+4 <= len(data); {
		n := int(data[off])<<24 | int(data[off+1])<<16 | int(data[off+2])<<8 | int(data[off+3])
		off += 4
		if n < 0 || off+n > len(data) {
			break
		}
		out = append(out, startCode...)
		out = append(out, data[off:off+n]...)
		off += n
	}
	return out
}
