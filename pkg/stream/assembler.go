// Package stream receives H264 video over RTP, either from a plain UDP
// socket or a receive-only WebRTC peer, and reassembles the packets into
// access units the servo loop can consume as frames.
package stream

import (
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/teslashibe/go-visualservo/pkg/frame"
)

// DefaultMaxFrameSize bounds a single access unit.
const DefaultMaxFrameSize = 4 << 20

// MetaRTPTimestamp is the Meta key holding the access unit's RTP timestamp.
const MetaRTPTimestamp = "rtp_timestamp"

// Assembler groups RTP packets into H264 access units.
//
// Packets sharing a timestamp belong to one access unit and the marker bit
// ends it. A sequence gap marks the unit StatusPacketLoss, a timestamp
// change before the marker emits the pending unit as StatusTruncated, and
// a unit larger than the size bound is StatusOversize. Assembler is not
// safe for concurrent use.
type Assembler struct {
	maxSize int

	depack *codecs.H264Packet
	buf    []byte
	ts     uint32
	active bool

	lastSeq uint16
	haveSeq bool
	lost    bool
	corrupt bool
	over    bool

	frames uint64
}

// NewAssembler creates an assembler. maxSize <= 0 uses DefaultMaxFrameSize.
func NewAssembler(maxSize int) *Assembler {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Assembler{maxSize: maxSize, depack: &codecs.H264Packet{}}
}

// Push adds one packet and returns the frames it completed, at most two:
// a truncated predecessor and the unit p itself finished.
func (a *Assembler) Push(p *rtp.Packet) []*frame.Frame {
	var out []*frame.Frame

	gap := a.haveSeq && p.SequenceNumber != a.lastSeq+1
	a.lastSeq = p.SequenceNumber
	a.haveSeq = true

	if a.active && p.Timestamp != a.ts {
		out = append(out, a.emit(frame.StatusTruncated))
	}
	if !a.active {
		a.begin(p.Timestamp)
	}
	if gap {
		a.lost = true
	}

	nal, err := a.depack.Unmarshal(p.Payload)
	switch {
	case err != nil:
		a.corrupt = true
	case a.over:
	case len(a.buf)+len(nal) > a.maxSize:
		a.over = true
		a.buf = a.buf[:0]
	default:
		a.buf = append(a.buf, nal...)
	}

	if p.Marker {
		out = append(out, a.emit(frame.StatusOK))
	}
	return out
}

// Flush emits the pending unit, if any, as truncated.
func (a *Assembler) Flush() *frame.Frame {
	if !a.active {
		return nil
	}
	return a.emit(frame.StatusTruncated)
}

// Frames returns the number of units emitted so far.
func (a *Assembler) Frames() uint64 {
	return a.frames
}

func (a *Assembler) begin(ts uint32) {
	a.active = true
	a.ts = ts
	a.buf = nil
	a.lost = false
	a.corrupt = false
	a.over = false
}

// emit closes the pending unit. status is the reason used when nothing
// worse happened to it.
func (a *Assembler) emit(status int) *frame.Frame {
	switch {
	case a.lost || a.corrupt:
		status = frame.StatusPacketLoss
	case a.over:
		status = frame.StatusOversize
	case len(a.buf) == 0 && status == frame.StatusOK:
		status = frame.StatusTruncated
	}

	a.frames++
	f := &frame.Frame{
		Buffer:    frame.Bytes(a.buf),
		Format:    frame.FormatH264,
		Sequence:  a.frames,
		Timestamp: time.Now(),
		Complete:  status == frame.StatusOK,
		Status:    status,
		Meta:      map[string]float64{MetaRTPTimestamp: float64(a.ts)},
	}

	a.active = false
	a.buf = nil
	// A half-received fragment must not leak into the next unit.
	a.depack = &codecs.H264Packet{}
	return f
}
