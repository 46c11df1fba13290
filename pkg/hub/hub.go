// Package hub fans telemetry out to websocket clients and routes the text
// messages they send back to a single handler.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-visualservo/internal/log"
)

const broadcastQueue = 256

// Handler receives a text message from a client. Replies go through
// Client.Send.
type Handler func(c *Client, data []byte)

// Hub tracks connected clients. All membership changes and fan-out happen
// on the Run goroutine.
type Hub struct {
	name   string
	logger *slog.Logger

	clients map[*Client]struct{}
	out     chan []byte
	join    chan *Client
	leave   chan *Client
	done    chan struct{}

	handler Handler

	mu      sync.RWMutex // guards count, running and dropped for readers
	count   int
	running bool
	dropped uint64
}

// New returns a hub; start it with Run.
func New(name string) *Hub {
	return &Hub{
		name:    name,
		logger:  log.Component("hub").With("hub", name),
		clients: make(map[*Client]struct{}),
		out:     make(chan []byte, broadcastQueue),
		join:    make(chan *Client),
		leave:   make(chan *Client),
		done:    make(chan struct{}),
	}
}

// OnMessage installs the handler for client messages. Set it before Run.
func (h *Hub) OnMessage(fn Handler) {
	h.handler = fn
}

// Run serves the hub until Close. Every client is disconnected on return.
func (h *Hub) Run() {
	h.setRunning(true)
	defer func() {
		for c := range h.clients {
			h.remove(c)
		}
		h.setRunning(false)
	}()

	for {
		select {
		case <-h.done:
			return

		case c := <-h.join:
			h.clients[c] = struct{}{}
			h.logger.Info("client connected", "clients", h.updateCount())

		case c := <-h.leave:
			if _, ok := h.clients[c]; ok {
				h.remove(c)
				h.logger.Info("client disconnected", "clients", h.updateCount())
			}

		case data := <-h.out:
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					h.remove(c)
					h.logger.Warn("dropped slow client", "clients", h.updateCount())
				}
			}
		}
	}
}

// remove closes c's queue, which makes its write pump send a close frame.
func (h *Hub) remove(c *Client) {
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) updateCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count = len(h.clients)
	return h.count
}

func (h *Hub) setRunning(v bool) {
	h.mu.Lock()
	h.running = v
	if !v {
		h.count = 0
	}
	h.mu.Unlock()
}

// Close stops Run. It is safe to call more than once.
func (h *Hub) Close() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Broadcast queues a text frame for every client. It never blocks; frames
// that do not fit are dropped and counted.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.out <- data:
	default:
		h.mu.Lock()
		h.dropped++
		n := h.dropped
		h.mu.Unlock()
		if n == 1 || n%100 == 0 {
			h.logger.Warn("broadcast queue full, dropping message", "dropped", n)
		}
	}
}

// BroadcastJSON encodes v and broadcasts it.
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Dropped returns the number of broadcasts lost to a full queue.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}
