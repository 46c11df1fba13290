package stream

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/teslashibe/go-visualservo/pkg/frame"
)

func pkt(seq uint16, ts uint32, marker bool, payload ...byte) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: ts, Marker: marker, PayloadType: 96},
		Payload: payload,
	}
}

var startCode = []byte{0, 0, 0, 1}

func TestAssembler_SingleNAL(t *testing.T) {
	a := NewAssembler(0)

	if out := a.Push(pkt(1, 3000, false, 0x67, 0x42)); len(out) != 0 {
		t.Fatalf("frame emitted before marker: %v", out)
	}
	out := a.Push(pkt(2, 3000, true, 0x65, 0xAA, 0xBB))
	if len(out) != 1 {
		t.Fatalf("got %d frames, want 1", len(out))
	}

	f := out[0]
	if !f.Complete || f.Status != frame.StatusOK {
		t.Errorf("frame not complete: %v", f)
	}
	if f.Format != frame.FormatH264 || f.Sequence != 1 {
		t.Errorf("unexpected header: %v", f)
	}
	want := append(append(append([]byte{}, startCode...), 0x67, 0x42), append(startCode, 0x65, 0xAA, 0xBB)...)
	if !bytes.Equal(f.Data(), want) {
		t.Errorf("payload = % x, want % x", f.Data(), want)
	}
	if f.Meta[MetaRTPTimestamp] != 3000 {
		t.Errorf("rtp timestamp = %v", f.Meta[MetaRTPTimestamp])
	}
}

func TestAssembler_FragmentedNAL(t *testing.T) {
	a := NewAssembler(0)

	// FU-A indicator (NRI=3, type 28) with start, middle and end headers for an IDR slice.
	a.Push(pkt(10, 90, false, 0x7C, 0x85, 1, 2))
	a.Push(pkt(11, 90, false, 0x7C, 0x05, 3, 4))
	out := a.Push(pkt(12, 90, true, 0x7C, 0x45, 5))

	if len(out) != 1 || !out[0].Complete {
		t.Fatalf("want one complete frame, got %v", out)
	}
	want := append(append([]byte{}, startCode...), 0x65, 1, 2, 3, 4, 5)
	if !bytes.Equal(out[0].Data(), want) {
		t.Errorf("payload = % x, want % x", out[0].Data(), want)
	}
}

func TestAssembler_PacketLoss(t *testing.T) {
	a := NewAssembler(0)

	a.Push(pkt(1, 100, false, 0x41, 1))
	// seq 2 lost
	out := a.Push(pkt(3, 100, true, 0x41, 3))
	if len(out) != 1 {
		t.Fatalf("got %d frames", len(out))
	}
	if out[0].Complete || out[0].Status != frame.StatusPacketLoss {
		t.Errorf("want packet loss, got %v", out[0])
	}

	// The next unit is unaffected.
	out = a.Push(pkt(4, 200, true, 0x41, 4))
	if len(out) != 1 || !out[0].Complete {
		t.Errorf("recovery frame: %v", out)
	}
}

func TestAssembler_Truncated(t *testing.T) {
	a := NewAssembler(0)

	a.Push(pkt(1, 100, false, 0x41, 1))
	// Timestamp moves on without a marker.
	out := a.Push(pkt(2, 200, true, 0x41, 2))
	if len(out) != 2 {
		t.Fatalf("got %d frames, want truncated + complete", len(out))
	}
	if out[0].Complete || out[0].Status != frame.StatusTruncated {
		t.Errorf("first frame: %v", out[0])
	}
	if !out[1].Complete || out[1].Sequence != 2 {
		t.Errorf("second frame: %v", out[1])
	}
}

func TestAssembler_Oversize(t *testing.T) {
	a := NewAssembler(8)

	a.Push(pkt(1, 100, false, 0x41, 1, 2, 3))
	out := a.Push(pkt(2, 100, true, 0x41, 4, 5, 6))
	if len(out) != 1 || out[0].Status != frame.StatusOversize || out[0].Complete {
		t.Fatalf("want oversize frame, got %v", out)
	}
	if len(out[0].Data()) != 0 {
		t.Errorf("oversize frame kept %d bytes", len(out[0].Data()))
	}
}

func TestAssembler_CorruptPayload(t *testing.T) {
	a := NewAssembler(0)

	out := a.Push(pkt(1, 100, true)) // empty payload
	if len(out) != 1 || out[0].Status != frame.StatusPacketLoss {
		t.Errorf("want packet loss for empty payload, got %v", out)
	}
}

func TestAssembler_LossDiscardsPartialFragment(t *testing.T) {
	a := NewAssembler(0)

	// FU-A start, then the end fragment is lost and a new unit begins.
	a.Push(pkt(1, 100, false, 0x7C, 0x85, 1))
	out := a.Push(pkt(3, 200, true, 0x41, 9))
	if len(out) != 2 {
		t.Fatalf("got %d frames", len(out))
	}
	if out[0].Complete {
		t.Error("interrupted unit reported complete")
	}
	// The gap belongs to the new unit as well: its first packet may be missing.
	if out[1].Status != frame.StatusPacketLoss {
		t.Errorf("second unit status = %s", frame.StatusText(out[1].Status))
	}
	want := append(append([]byte{}, startCode...), 0x41, 9)
	if !bytes.Equal(out[1].Data(), want) {
		t.Errorf("fragment leaked into next unit: % x", out[1].Data())
	}
}

func TestAssembler_SequenceWrap(t *testing.T) {
	a := NewAssembler(0)

	a.Push(pkt(65535, 100, false, 0x41, 1))
	out := a.Push(pkt(0, 100, true, 0x41, 2))
	if len(out) != 1 || !out[0].Complete {
		t.Errorf("wraparound treated as loss: %v", out)
	}
}

func TestAssembler_Flush(t *testing.T) {
	a := NewAssembler(0)
	if a.Flush() != nil {
		t.Error("flush on idle assembler returned a frame")
	}

	a.Push(pkt(1, 100, false, 0x41, 1))
	f := a.Flush()
	if f == nil || f.Complete || f.Status != frame.StatusTruncated {
		t.Errorf("flush: %v", f)
	}
	if a.Frames() != 1 {
		t.Errorf("Frames() = %d", a.Frames())
	}
}

func TestQueue_DropsOldest(t *testing.T) {
	q := newQueue(2)
	for i := uint64(1); i <= 4; i++ {
		q.push(&frame.Frame{Sequence: i})
	}
	if q.dropped.Load() != 2 {
		t.Errorf("dropped = %d, want 2", q.dropped.Load())
	}

	ctx := context.Background()
	for _, want := range []uint64{3, 4} {
		f, err := q.next(ctx)
		if err != nil || f.Sequence != want {
			t.Fatalf("next = %v, %v; want seq %d", f, err, want)
		}
	}

	boom := errors.New("socket closed")
	q.fail(boom)
	if _, err := q.next(ctx); !errors.Is(err, boom) {
		t.Errorf("after fail: %v", err)
	}
}

func TestUDPDevice_ReceivesFrames(t *testing.T) {
	d := NewUDPDevice("127.0.0.1:0")
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	defer d.DeInit()
	if err := d.BeginAcquisition(); err != nil {
		t.Fatal(err)
	}

	conn, err := net.Dial("udp", d.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	send := func(p *rtp.Packet) {
		b, err := p.Marshal()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := conn.Write(b); err != nil {
			t.Fatal(err)
		}
	}
	send(pkt(1, 100, false, 0x67, 1))
	send(pkt(2, 100, true, 0x65, 2))
	conn.Write([]byte{0x00}) // not RTP

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := d.NextFrame(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Complete || len(f.Data()) != 12 {
		t.Errorf("frame = %v (%d bytes)", f, len(f.Data()))
	}
	if err := d.Release(f); err != nil {
		t.Error(err)
	}

	if err := d.EndAcquisition(); err != nil {
		t.Fatal(err)
	}
	if _, err := d.NextFrame(ctx); !errors.Is(err, ErrNotAcquiring) {
		t.Errorf("after end: %v", err)
	}
}

func TestStartsGOP(t *testing.T) {
	tests := []struct {
		name string
		au   []byte
		want bool
	}{
		{"sps", []byte{0, 0, 0, 1, 0x67, 1}, true},
		{"idr", []byte{0, 0, 1, 0x65, 1}, true},
		{"inter", []byte{0, 0, 0, 1, 0x41, 1}, false},
		{"empty", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := startsGOP(tc.au); got != tc.want {
				t.Errorf("startsGOP = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDecoder_NeedsKeyframe(t *testing.T) {
	d := NewDecoder(0)
	if _, err := d.DecodeJPEG([]byte{0, 0, 0, 1, 0x41, 1, 2}); !errors.Is(err, ErrNoPicture) {
		t.Errorf("inter frame without keyframe: %v", err)
	}
}

func TestLastJPEG(t *testing.T) {
	stream := []byte{0xFF, 0xD8, 0xFF, 1, 0xFF, 0xD9, 0xFF, 0xD8, 0xFF, 2, 0xFF, 0xD9}
	if got := lastJPEG(stream); !bytes.Equal(got, stream[6:]) {
		t.Errorf("lastJPEG = % x", got)
	}
	if lastJPEG([]byte{1, 2, 3}) != nil {
		t.Error("expected nil for non-jpeg data")
	}
}
