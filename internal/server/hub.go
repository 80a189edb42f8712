package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/huddle/internal/session"
)

// Hub owns every open WebSocket connection and delivers frames to them. It
// implements chat.Transport.
type Hub struct {
	clients    map[session.Handle]*Client
	register   chan *Client
	unregister chan *Client
	onLeave    func(session.Handle)
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	log        zerolog.Logger
}

// NewHub creates and initializes a new Hub instance with all necessary channels
// and client map. The returned Hub is ready to manage WebSocket connections.
func NewHub(log zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[session.Handle]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		onLeave:    func(session.Handle) {},
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        log.With().Str("component", "hub").Logger(),
	}
}

// OnLeave sets the callback run on the hub goroutine after a connection is
// gone. It must be set before Run.
func (h *Hub) OnLeave(fn func(session.Handle)) {
	if fn != nil {
		h.onLeave = fn
	}
}

// GetRegisterChan returns the channel used for registering new clients to the hub.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used for unregistering clients from the hub.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// Context is cancelled when the hub shuts down.
func (h *Hub) Context() context.Context {
	return h.ctx
}

// Len reports the number of open connections.
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Connected reports whether handle is an open connection.
func (h *Hub) Connected(handle session.Handle) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	c, ok := h.clients[handle]
	return ok && !c.closed
}

// Send queues payload for one connection. A connection whose buffer is full
// is dropped.
func (h *Hub) Send(handle session.Handle, payload []byte) bool {
	h.mutex.RLock()
	client, ok := h.clients[handle]
	h.mutex.RUnlock()
	if !ok {
		return false
	}
	if h.safeSend(client, payload) {
		return true
	}
	h.removeFailedClients([]*Client{client})
	return false
}

// Broadcast queues payload for every connection except the one identified by
// except, which may be empty. It returns the number of connections reached.
func (h *Hub) Broadcast(payload []byte, except session.Handle) int {
	clients := h.getClientSnapshot()

	var (
		sent            int
		clientsToRemove []*Client
	)
	for _, client := range clients {
		if except != "" && client.id == except {
			continue
		}
		if h.safeSend(client, payload) {
			sent++
			continue
		}
		clientsToRemove = append(clientsToRemove, client)
	}
	h.removeFailedClients(clientsToRemove)
	return sent
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Msg("Recovered from panic in safeSend")
		}
	}()

	// The read lock is held across the send so removeFailedClients cannot
	// close the channel underneath it.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	current, exists := h.clients[client.id]
	if !exists || current != client || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's main event loop, handling client registration and
// unregistration. It returns once Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn().Msg("Received nil client registration; skipping")
				continue
			}
			h.addClient(client)

		case client := <-h.unregister:
			if client == nil {
				continue
			}
			h.removeClient(client)
			h.onLeave(client.id)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client.id] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()
	client.log.Info().Int("clients", clientCount).Msg("Client connected")

	if client.conn == nil {
		return
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) removeClient(client *Client) {
	h.mutex.Lock()
	current, ok := h.clients[client.id]
	if !ok || current != client {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client.id)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	close(client.send)
	client.log.Info().Int("clients", clientCount).Msg("Client disconnected")
}

// getClientSnapshot returns a thread-safe snapshot of all current clients
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// removeFailedClients drops clients whose send buffer is full. Closing the
// send channel makes the write pump close the connection; the read pump then
// unregisters it, which triggers onLeave.
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range clientsToRemove {
		if current, exists := h.clients[client.id]; exists && current == client {
			delete(h.clients, client.id)
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
			client.log.Warn().Msg("Client removed due to full send buffer")
		}
	}
	h.mutex.Unlock()

	for _, ch := range channelsToClose {
		close(ch)
	}
}

// shutdownClients closes every active connection.
func (h *Hub) shutdownClients() {
	h.log.Info().Msg("Shutting down all client connections")

	clients := h.getClientSnapshot()
	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			client.log.Warn().Err(err).Msg("Error closing client connection")
		}
	}

	h.log.Info().Int("clients", len(clients)).Msg("Closed client connections")
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines
// to complete, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("Initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
