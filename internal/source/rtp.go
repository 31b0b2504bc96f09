package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

const (
	rtpClockRate = 90000
	maxRTPPacket = 1600
)

// RTP receives H.264 over RTP (RFC 6184) and reassembles access units.
// A unit is complete on the marker bit or when the RTP timestamp moves on.
// A sequence gap drops the unit in progress.
type RTP struct {
	conn   net.PacketConn
	logger *slog.Logger
	depack *codecs.H264Packet
	buf    []byte

	au       []byte
	auTS     uint32
	key      bool
	started  bool
	firstTS  uint32
	lastSeq  uint16
	haveSeq  bool
	damaged  bool
	ready    []Unit
	received uint64
	dropped  uint64
}

// ListenRTP listens for RTP on a UDP address such as ":5004".
func ListenRTP(addr string, logger *slog.Logger) (*RTP, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return NewRTP(conn, logger), nil
}

// NewRTP reads RTP packets from conn. Close closes conn.
func NewRTP(conn net.PacketConn, logger *slog.Logger) *RTP {
	if logger == nil {
		logger = slog.Default()
	}
	return &RTP{
		conn:   conn,
		logger: logger.With("listen", conn.LocalAddr().String()),
		depack: &codecs.H264Packet{},
		buf:    make([]byte, maxRTPPacket),
	}
}

// Info reports the codec. Geometry comes from in-band parameter sets.
func (r *RTP) Info() Info { return Info{Codec: CodecH264} }

// Addr is the local listening address.
func (r *RTP) Addr() net.Addr { return r.conn.LocalAddr() }

// Stats returns the received packet count and the number of units dropped
// because of packet loss.
func (r *RTP) Stats() (received, dropped uint64) { return r.received, r.dropped }

// Next blocks until a complete access unit arrives or ctx ends. A closed
// connection ends the stream with io.EOF.
func (r *RTP) Next(ctx context.Context) (Unit, error) {
	_ = r.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = r.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for len(r.ready) == 0 {
		if err := ctx.Err(); err != nil {
			return Unit{}, err
		}

		n, _, err := r.conn.ReadFrom(r.buf)
		if err != nil {
			if ctx.Err() != nil {
				return Unit{}, ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return Unit{}, io.EOF
			}
			return Unit{}, fmt.Errorf("read rtp: %w", err)
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(r.buf[:n]); err != nil {
			r.logger.Debug("Dropping malformed RTP packet", "error", err)
			continue
		}
		r.received++
		r.handle(&pkt)
	}

	u := r.ready[0]
	r.ready = r.ready[1:]
	return u, nil
}

func (r *RTP) handle(pkt *rtp.Packet) {
	if r.haveSeq && pkt.SequenceNumber != r.lastSeq+1 {
		r.logger.Debug("RTP sequence gap", "expected", r.lastSeq+1, "got", pkt.SequenceNumber)
		r.damaged = true
		r.depack = &codecs.H264Packet{}
	}
	r.lastSeq, r.haveSeq = pkt.SequenceNumber, true

	if len(r.au) > 0 && pkt.Timestamp != r.auTS {
		r.complete()
	}
	if !r.started {
		r.firstTS, r.started = pkt.Timestamp, true
	}
	r.auTS = pkt.Timestamp

	if len(pkt.Payload) == 0 {
		return
	}
	nals, err := r.depack.Unmarshal(pkt.Payload)
	if err != nil {
		r.logger.Debug("Dropping undecodable RTP payload", "error", err)
		r.damaged = true
		return
	}
	if len(nals) > 0 {
		r.au = append(r.au, nals...)
		if containsIDR(nals) {
			r.key = true
		}
	}

	if pkt.Marker {
		r.complete()
	}
}

func (r *RTP) complete() {
	if len(r.au) == 0 {
		r.damaged = false
		return
	}
	if r.damaged {
		r.dropped++
		r.au, r.key, r.damaged = nil, false, false
		return
	}
	pts := time.Duration(r.auTS-r.firstTS) * time.Second / rtpClockRate
	r.ready = append(r.ready, Unit{Data: r.au, PTS: pts, Keyframe: r.key})
	r.au, r.key = nil, false
}

// Close closes the connection.
func (r *RTP) Close() error {
	return r.conn.Close()
}

// containsIDR scans Annex B data for an IDR slice.
func containsIDR(data []byte) bool {
	for off := 0; ; {
		begin, n := findStartCode(data, off)
		if begin < 0 {
			return false
		}
		p := begin + n
		if p < len(data) && data[p]&0x1f == 5 {
			return true
		}
		off = p
	}
}
