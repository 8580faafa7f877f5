// Package realtime streams escrow events to WebSocket subscribers so
// indexers can follow transaction history live instead of polling.
//
// A client connects to the stream, optionally sends a Subscription as a JSON
// text frame, and then receives every matching event as a JSON text frame.
// A subscription with Replay > 0 first receives up to that many retained
// events, oldest first.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait / 2
	maxMessageSize = 4 << 10 // subscriptions only
	sendBuffer     = 256

	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000

	// MaxReplay bounds how many retained events one subscription may replay.
	MaxReplay = 500
)

// expectedCloses are close codes that indicate an ordinary disconnect.
var expectedCloses = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOrigin,
}

// sameOrigin admits non-browser clients and pages served from this host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// ErrBacklogFull is returned by Emit when the broadcast queue is full and
// the event was dropped.
var ErrBacklogFull = errors.New("realtime broadcast queue full")

// Subscription filters escrow events for a client. Empty filters match
// everything; non-empty filters must all match.
type Subscription struct {
	AllEvents      bool     `json:"allEvents"`
	Events         []string `json:"events"`         // Event names, e.g. "completed"
	Parties        []string `json:"parties"`        // Purchaser or merchant identities
	TransactionIDs []uint64 `json:"transactionIds"` // Watch specific transactions
	MinAmount      uint64   `json:"minAmount"`      // Only transactions at or above this
	Replay         int      `json:"replay"`         // Retained events to send first
}

// Matches reports whether evt passes every filter of s.
func (s Subscription) Matches(evt events.Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.Events) > 0 && !slices.Contains(s.Events, evt.Name) {
		return false
	}
	if len(s.Parties) > 0 && !slices.ContainsFunc(s.Parties, func(p string) bool {
		p = strings.TrimSpace(p)
		return strings.EqualFold(p, evt.Purchaser) || strings.EqualFold(p, evt.Merchant)
	}) {
		return false
	}
	if len(s.TransactionIDs) > 0 && !slices.Contains(s.TransactionIDs, evt.TransactionID) {
		return false
	}
	return evt.Amount >= s.MinAmount
}

// History supplies retained events for replay, newest first.
type History interface {
	Recent(n int) []events.Event
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// Stats is a snapshot of hub activity.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
}

// Hub fans events out to WebSocket clients. It implements events.Sink.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan events.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	history    History
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan events.Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// WithHistory enables replay from history.
func (h *Hub) WithHistory(history History) *Hub {
	h.history = history
	return h
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			n := h.add(client)
			h.logger.Debug("stream client connected", "total", n)

		case client := <-h.unregister:
			n := h.remove(client)
			h.logger.Debug("stream client disconnected", "total", n)

		case evt := <-h.broadcast:
			h.totalEvents.Add(1)
			h.fanOut(evt)
		}
	}
}

func (h *Hub) add(client *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true
	h.totalClients.Add(1)
	n := len(h.clients)
	if int64(n) > h.peakClients.Load() {
		h.peakClients.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	return n
}

func (h *Hub) remove(client *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client] {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	metrics.ActiveWebSocketClients.Set(float64(n))
	return n
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send) // writePump sends a close frame
		delete(h.clients, client)
	}
	metrics.ActiveWebSocketClients.Set(0)
}

// fanOut encodes evt once and queues it on every matching client. A client
// whose queue is full is disconnected.
func (h *Hub) fanOut(evt events.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to encode event", "event", evt.Name, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !client.subscription().Matches(evt) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("dropping slow stream client", "transaction_id", evt.TransactionID)
		h.remove(client)
	}
}

// Broadcast queues an event for all matching clients. It never blocks and
// reports false when the queue is full.
func (h *Hub) Broadcast(evt events.Event) bool {
	select {
	case h.broadcast <- evt:
		return true
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("broadcast queue full, dropping event",
			"event", evt.Name, "transaction_id", evt.TransactionID)
		return false
	}
}

// Emit implements events.Sink.
func (h *Hub) Emit(_ context.Context, evt events.Event) error {
	if !h.Broadcast(evt) {
		return ErrBacklogFull
	}
	return nil
}

// Stats returns hub statistics
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	connected := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		ConnectedClients: connected,
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if h.Stats().ConnectedClients >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  Subscription{AllEvents: true},
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// replay returns up to sub.Replay retained events matching sub, oldest first.
func (h *Hub) replay(sub Subscription) [][]byte {
	if h.history == nil || sub.Replay <= 0 {
		return nil
	}
	n := min(sub.Replay, MaxReplay)

	recent := h.history.Recent(0)
	var out [][]byte
	for _, evt := range recent {
		if len(out) == n {
			break
		}
		if !sub.Matches(evt) {
			continue
		}
		payload, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		out = append(out, payload)
	}
	slices.Reverse(out)
	return out
}

// readPump applies subscription updates until the connection closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, expectedCloses...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()

		for _, payload := range c.hub.replay(sub) {
			if !c.queue(payload) {
				return
			}
		}
	}
}

// queue hands payload to writePump without blocking the reader forever.
func (c *Client) queue(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false // send closed by the hub
		}
	}()
	select {
	case c.send <- payload:
		return true
	case <-time.After(writeWait):
		return false
	}
}

// writePump writes queued payloads and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
