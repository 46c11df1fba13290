package actuator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-visualservo/internal/log"
	"github.com/teslashibe/go-visualservo/pkg/protocol"
)

// DefaultWriteTimeout bounds a single command write.
const DefaultWriteTimeout = 250 * time.Millisecond

// WebSocket streams outputs as protocol command messages over a
// persistent connection. A failed write drops the connection and the next
// Apply dials again.
type WebSocket struct {
	URL          string
	WriteTimeout time.Duration

	dialer *websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex // serializes writes and guards conn
	conn   *websocket.Conn
	closed bool

	dials    atomic.Uint64
	rejected atomic.Uint64
}

// NewWebSocket creates a WebSocket actuator. Nothing is dialed until the
// first Apply.
func NewWebSocket(url string) *WebSocket {
	return &WebSocket{
		URL:          url,
		WriteTimeout: DefaultWriteTimeout,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 2 * time.Second,
		},
		logger: log.Component("actuator-ws"),
	}
}

func (a *WebSocket) Apply(ctx context.Context, output float64) error {
	runID, seq := CycleFrom(ctx)
	msg, err := protocol.NewCommandMessage(runID, seq, output)
	if err != nil {
		return err
	}
	raw, err := msg.Bytes()
	if err != nil {
		return fmt.Errorf("actuator: encode command: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.conn == nil {
		if err := a.dialLocked(ctx); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(a.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	a.conn.SetWriteDeadline(deadline)
	if err := a.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		a.conn.Close()
		a.conn = nil
		return fmt.Errorf("actuator: send command: %w", err)
	}
	return nil
}

func (a *WebSocket) dialLocked(ctx context.Context) error {
	conn, _, err := a.dialer.DialContext(ctx, a.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrNotConnected, a.URL, err)
	}
	a.conn = conn
	a.dials.Add(1)
	a.logger.Info("actuator connected", "url", a.URL)
	go a.readLoop(conn)
	return nil
}

// readLoop answers pings and logs driver errors until the connection dies.
func (a *WebSocket) readLoop(conn *websocket.Conn) {
	defer a.drop(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			a.logger.Debug("ignoring malformed driver message", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypePing:
			pong, err := protocol.NewPongMessage(msg)
			if err != nil {
				continue
			}
			raw, _ := pong.InReplyTo(msg).Bytes()
			a.mu.Lock()
			if a.conn == conn {
				conn.SetWriteDeadline(time.Now().Add(a.WriteTimeout))
				conn.WriteMessage(websocket.TextMessage, raw)
			}
			a.mu.Unlock()
		case protocol.TypeError:
			var ed protocol.ErrorData
			msg.ParseData(&ed)
			a.rejected.Add(1)
			a.logger.Warn("driver rejected command", "error", ed.Message)
		}
	}
}

func (a *WebSocket) drop(conn *websocket.Conn) {
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.mu.Unlock()
	conn.Close()
}

// Connected reports whether a connection is currently open.
func (a *WebSocket) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// Dials returns how many connections were established.
func (a *WebSocket) Dials() uint64 {
	return a.dials.Load()
}

// Rejected returns how many error replies the driver sent.
func (a *WebSocket) Rejected() uint64 {
	return a.rejected.Load()
}

// Close sends a close frame and shuts the connection.
func (a *WebSocket) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	if a.conn == nil {
		return nil
	}
	a.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(a.WriteTimeout))
	err := a.conn.Close()
	a.conn = nil
	return err
}
