// Package push implements the push channel: a websocket hub that the row
// store server uses to tell clients the table changed, and the client side
// subscription the transport manager listens on.
//
// Messages are JSON objects with a "type" of connected, changed or ping. The
// hub greets every client with its id and pings all clients periodically.
package push

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/metrics"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/transport"
)

// HubConfig holds hub configuration.
type HubConfig struct {
	// PingInterval is how often every client receives a ping (default: 30s)
	PingInterval time.Duration

	// WriteTimeout bounds a single send to one client
	WriteTimeout time.Duration

	// Logger for hub activity
	Logger *log.Logger
}

// DefaultHubConfig returns sensible defaults.
func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		PingInterval: 30 * time.Second,
		WriteTimeout: 5 * time.Second,
		Logger:       log.Default(),
	}
}

// Hub tracks websocket subscribers and fans events out to them.
type Hub struct {
	config *HubConfig

	clients   map[*websocket.Conn]string
	clientsMu sync.RWMutex

	broadcast chan transport.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub. Call Start before serving connections.
func NewHub(config *HubConfig) *Hub {
	if config == nil {
		config = DefaultHubConfig()
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		config:    config,
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan transport.Event, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start runs the broadcast and ping loops.
func (h *Hub) Start() {
	h.wg.Add(2)
	go h.broadcastLoop()
	go h.pingLoop()
}

// Stop disconnects every client and waits for the loops to exit.
func (h *Hub) Stop() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()
	metrics.PushClients.Set(0)

	h.wg.Wait()
}

// Broadcast queues ev for every connected client. It never blocks; when the
// queue is full the event is dropped.
func (h *Hub) Broadcast(ev transport.Event) {
	select {
	case h.broadcast <- ev:
	case <-h.ctx.Done():
	default:
		h.config.Logger.Println("Warning: broadcast channel full, dropping event")
	}
}

// NotifyChanged tells every client to refresh.
func (h *Hub) NotifyChanged() {
	h.Broadcast(transport.Event{Type: transport.EventChanged})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case ev := <-h.broadcast:
			h.send(ev)
		}
	}
}

func (h *Hub) pingLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.Broadcast(transport.Event{Type: transport.EventPing})
		}
	}
}

// send writes ev to all clients, dropping those that fail.
func (h *Hub) send(ev transport.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.config.Logger.Printf("Failed to marshal event: %v", err)
		return
	}

	h.clientsMu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.clientsMu.RUnlock()

	for _, conn := range conns {
		if err := h.write(conn, data); err != nil {
			h.config.Logger.Printf("Failed to send to client: %v", err)
			h.removeClient(conn)
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(h.ctx, h.config.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP upgrades the request to a websocket subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "push hub stopped", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.config.Logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	clientID := uuid.NewString()
	h.clientsMu.Lock()
	h.clients[conn] = clientID
	count := len(h.clients)
	h.clientsMu.Unlock()
	metrics.PushClients.Set(float64(count))
	h.config.Logger.Printf("Client %s connected (total: %d)", clientID, count)

	hello, _ := json.Marshal(transport.Event{Type: transport.EventConnected, ClientID: clientID})
	if err := h.write(conn, hello); err != nil {
		h.removeClient(conn)
		return
	}

	h.readLoop(conn)
}

// readLoop holds the connection open until the client goes away. Client
// messages are ignored.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)

	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	clientID, exists := h.clients[conn]
	if !exists {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, conn)
	count := len(h.clients)
	h.clientsMu.Unlock()

	metrics.PushClients.Set(float64(count))
	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.config.Logger.Printf("Client %s disconnected (total: %d)", clientID, count)
}
