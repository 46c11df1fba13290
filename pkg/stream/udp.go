package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/teslashibe/go-visualservo/pkg/frame"
)

const maxDatagram = 64 << 10

// UDPDevice is a frame.Device receiving RTP/H264 on a UDP socket, as sent
// by `gst-launch ... ! rtph264pay ! udpsink` or `ffmpeg -f rtp`.
type UDPDevice struct {
	addr   string
	opts   options
	logger *slog.Logger

	mu        sync.Mutex
	conn      *net.UDPConn
	q         *queue
	acquiring bool
	wg        sync.WaitGroup

	malformed atomic.Uint64
}

// NewUDPDevice creates a device listening on addr, e.g. ":5004".
func NewUDPDevice(addr string, opts ...Option) *UDPDevice {
	o := buildOptions("udp", opts)
	return &UDPDevice{addr: addr, opts: o, logger: o.logger}
}

// Init binds the socket.
func (d *UDPDevice) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return nil
	}

	laddr, err := net.ResolveUDPAddr("udp", d.addr)
	if err != nil {
		return fmt.Errorf("stream: resolve %s: %w", d.addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("stream: listen %s: %w", d.addr, err)
	}
	d.conn = conn
	d.logger.Info("listening for rtp", "addr", conn.LocalAddr().String())
	return nil
}

// Addr returns the bound address, or nil before Init.
func (d *UDPDevice) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// BeginAcquisition starts the receive goroutine.
func (d *UDPDevice) BeginAcquisition() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return errors.New("stream: device not initialized")
	}
	if d.acquiring {
		return nil
	}
	d.acquiring = true
	d.q = newQueue(d.opts.queueSize)

	q, conn := d.q, d.conn
	d.wg.Add(1)
	go d.receive(conn, q)
	return nil
}

func (d *UDPDevice) receive(conn *net.UDPConn, q *queue) {
	defer d.wg.Done()

	asm := NewAssembler(d.opts.maxFrameSize)
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !d.isAcquiring() {
				q.fail(ErrNotAcquiring)
				return
			}
			d.logger.Error("udp read failed", "error", err)
			q.fail(err)
			return
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			if c := d.malformed.Add(1); c == 1 || c%100 == 0 {
				d.logger.Warn("malformed rtp packet", "error", err, "total", c)
			}
			continue
		}
		for _, f := range asm.Push(pkt) {
			q.push(f)
		}
	}
}

func (d *UDPDevice) isAcquiring() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquiring
}

// EndAcquisition stops the receive goroutine. The socket stays bound
// until DeInit.
func (d *UDPDevice) EndAcquisition() error {
	d.mu.Lock()
	if !d.acquiring {
		d.mu.Unlock()
		return nil
	}
	d.acquiring = false
	conn := d.conn
	d.mu.Unlock()

	// Closing is the only portable way to unblock ReadFromUDP; rebind so
	// a later BeginAcquisition works.
	err := conn.Close()
	d.wg.Wait()

	d.mu.Lock()
	d.conn = nil
	d.mu.Unlock()
	if rerr := d.Init(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// DeInit closes the socket.
func (d *UDPDevice) DeInit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

// NextFrame blocks until an access unit is assembled.
func (d *UDPDevice) NextFrame(ctx context.Context) (*frame.Frame, error) {
	d.mu.Lock()
	q, acquiring := d.q, d.acquiring
	d.mu.Unlock()
	if !acquiring || q == nil {
		return nil, ErrNotAcquiring
	}
	return q.next(ctx)
}

func (d *UDPDevice) Release(f *frame.Frame) error {
	d.mu.Lock()
	q := d.q
	d.mu.Unlock()
	if f.Buffer != nil {
		f.Buffer.Close()
	}
	if q == nil {
		return nil
	}
	return q.release(f)
}

// Dropped returns frames discarded because the consumer fell behind.
func (d *UDPDevice) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.q == nil {
		return 0
	}
	return d.q.dropped.Load()
}

// Malformed returns datagrams that did not parse as RTP.
func (d *UDPDevice) Malformed() uint64 {
	return d.malformed.Load()
}
