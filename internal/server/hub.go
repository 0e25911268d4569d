package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/grouprelay/internal/broker"
)

// sendBufferSize is the per-client outbound queue length. A client whose
// queue is full is dropped.
const sendBufferSize = 256

// Hub tracks live WebSocket clients by connection id. Registration and
// removal run on the Run loop; Send may be called from any goroutine.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	logger     *slog.Logger
}

var _ broker.Transport = (*Hub)(nil)

// NewHub creates a Hub. Call Run before registering clients.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Send queues payload for connID without blocking. It reports
// broker.ErrGone when the connection is not registered or its queue is full;
// in the latter case the client is dropped.
func (h *Hub) Send(ctx context.Context, connID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mutex.RLock()
	client, ok := h.clients[connID]
	if !ok || client.closed {
		h.mutex.RUnlock()
		return broker.ErrGone
	}
	select {
	case client.send <- payload:
		h.mutex.RUnlock()
		return nil
	default:
	}
	h.mutex.RUnlock()

	h.drop(client, "send buffer full")
	return broker.ErrGone
}

// Register hands a new client to the Run loop, which starts its pumps. It
// returns false once the hub is shutting down.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		h.drop(c, "hub stopped")
	}
}

// Run handles client registration and removal until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("received nil client registration")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client.id] = client
			clientCount := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("client registered", "conn", client.id, "addr", client.addr, "clients", clientCount)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump(h.ctx)
			}()

		case client := <-h.unregister:
			h.drop(client, "disconnected")
		}
	}
}

// drop removes c and closes its queue, which ends its write pump.
func (h *Hub) drop(c *Client, reason string) {
	h.mutex.Lock()
	current, exists := h.clients[c.id]
	if !exists || current != c {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, c.id)
	c.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	close(c.send)
	h.logger.Info("client unregistered", "conn", c.id, "addr", c.addr, "reason", reason, "clients", clientCount)
}

// shutdownClients closes every client connection; the pumps then exit.
func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.logger.Warn("error closing client connection", "conn", client.id, "error", err)
		}
	}
	h.logger.Info("closed client connections", "count", len(clients))
}

// Shutdown stops the hub, closes every connection and waits for client
// goroutines up to timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
