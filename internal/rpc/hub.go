package rpc

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	pkglog "github.com/weiawesome/lobbycast/pkg/log"
)

// Hub is the registry of open connections.
type Hub struct {
	clients    map[string]*Client
	unregister chan *Client
	draining   bool
	mu         sync.RWMutex
	done       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once
	pumps      sync.WaitGroup
	logger     zerolog.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		logger:     pkglog.Component("rpc-hub"),
	}
}

// Run processes registrations until Stop; then it closes every client.
func (h *Hub) Run() {
	defer close(h.stopped)
	for {
		select {
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				client.close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug().Str(pkglog.FieldConnID, client.ID).Int(pkglog.FieldConnections, n).Msg("client unregistered")

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				client.close()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Register adds client. It reports false once the hub is draining or
// stopping; the caller then owns the connection and must close it.
func (h *Hub) Register(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
	}
	h.pumps.Add(1)
	h.clients[client.ID] = client
	h.logger.Debug().Str(pkglog.FieldConnID, client.ID).Int(pkglog.FieldConnections, len(h.clients)).Msg("client registered")
	return true
}

// Draining reports whether BroadcastReconnect has run.
func (h *Hub) Draining() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.draining
}

// Unregister removes client and closes its outbound queue.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Count is the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastReconnect queues a reconnect notice on every open connection
// and returns how many connections it was attempted on. Later registrations
// are refused.
func (h *Hub) BroadcastReconnect() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.draining = true
	for _, client := range h.clients {
		if !client.SendRaw(reconnectFrame) {
			h.logger.Warn().Str(pkglog.FieldConnID, client.ID).Msg("reconnect notice dropped")
		}
	}
	return len(h.clients)
}

// Stop closes every connection after its queued frames are written, and
// waits for the writers to finish or ctx to expire.
func (h *Hub) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.done) })
	select {
	case <-h.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	flushed := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
