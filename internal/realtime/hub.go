// Package realtime streams platform events to WebSocket subscribers:
// sensor readings, paid alerts, x402 payments and ledger activity.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agenthub/agenthub/internal/metrics"
)

// EventType names a stream.
type EventType string

const (
	EventSensorReading   EventType = "sensor_reading"
	EventAlert           EventType = "alert"
	EventPayment         EventType = "payment"
	EventAgentRegistered EventType = "agent_registered"
	EventServiceRequest  EventType = "service_request"
)

// Event is one message on the wire.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is the JSON a client sends to narrow its stream. Each
// non-empty list must match; events that carry no agentId pass the agent
// list.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	AgentIDs   []string    `json:"agentIds"`
}

const (
	MaxClients   = 10000
	queueSize    = 256
	clientBuffer = 64

	pongWait   = 60 * time.Second
	pingEvery  = pongWait / 2
	writeWait  = 10 * time.Second
	maxMessage = 64 << 10
)

var (
	errHubClosed = errors.New("realtime: hub stopped")
	errHubFull   = errors.New("realtime: too many connections")
)

type filter struct {
	types  map[EventType]struct{}
	agents map[string]struct{}
}

func compile(sub Subscription) *filter {
	f := &filter{}
	if sub.AllEvents {
		return f
	}
	if len(sub.EventTypes) > 0 {
		f.types = make(map[EventType]struct{}, len(sub.EventTypes))
		for _, t := range sub.EventTypes {
			f.types[t] = struct{}{}
		}
	}
	if len(sub.AgentIDs) > 0 {
		f.agents = make(map[string]struct{}, len(sub.AgentIDs))
		for _, id := range sub.AgentIDs {
			f.agents[strings.ToLower(id)] = struct{}{}
		}
	}
	return f
}

func (f *filter) match(ev *Event) bool {
	if f.types != nil {
		if _, ok := f.types[ev.Type]; !ok {
			return false
		}
	}
	if f.agents != nil {
		id, ok := ev.Data["agentId"].(string)
		if !ok {
			return true
		}
		_, ok = f.agents[strings.ToLower(id)]
		return ok
	}
	return true
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	filter atomic.Pointer[filter]
}

func (c *client) subscribe(sub Subscription) { c.filter.Store(compile(sub)) }

// Hub fans events out to connected clients.
type Hub struct {
	logger   *slog.Logger
	queue    chan *Event
	upgrader websocket.Upgrader
	max      int

	mu      sync.RWMutex
	clients map[*client]struct{}
	stopped bool

	events   atomic.Int64
	dropped  atomic.Int64
	accepted atomic.Int64
	peak     atomic.Int64
}

// NewHub creates a hub that only accepts same-host browser origins. Call
// Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		logger:  logger,
		queue:   make(chan *Event, queueSize),
		max:     MaxClients,
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     sameHost,
	}
	return h
}

// WithAllowedOrigins also accepts browsers from origins; "*" accepts any.
func (h *Hub) WithAllowedOrigins(origins []string) *Hub {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	h.upgrader.CheckOrigin = func(r *http.Request) bool {
		if _, ok := allowed["*"]; ok {
			return true
		}
		if _, ok := allowed[r.Header.Get("Origin")]; ok {
			return true
		}
		return sameHost(r)
	}
	return h
}

func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// Run delivers queued events until ctx is cancelled, then disconnects
// every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	for {
		select {
		case ev := <-h.queue:
			h.deliver(ev)
		case <-ctx.Done():
			h.mu.Lock()
			h.stopped = true
			for c := range h.clients {
				close(c.send)
			}
			clear(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return
		}
	}
}

func (h *Hub) attach(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return errHubClosed
	}
	if len(h.clients) >= h.max {
		return errHubFull
	}
	h.clients[c] = struct{}{}
	n := int64(len(h.clients))
	h.accepted.Add(1)
	if n > h.peak.Load() {
		h.peak.Store(n)
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	return nil
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
}

func (h *Hub) deliver(ev *Event) {
	h.events.Add(1)
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("dropping unserializable event", "type", ev.Type, "error", err)
		return
	}

	var lagging []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.filter.Load().match(ev) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			lagging = append(lagging, c)
		}
	}
	h.mu.RUnlock()

	// A client that cannot keep up is cut off rather than slowing the rest.
	for _, c := range lagging {
		h.logger.Debug("disconnecting lagging client")
		h.detach(c)
	}
}

// Broadcast queues ev without blocking. When the queue is full the event
// is dropped and counted.
func (h *Hub) Broadcast(ev *Event) {
	select {
	case h.queue <- ev:
	default:
		h.dropped.Add(1)
		h.logger.Warn("realtime queue full, dropping event", "type", ev.Type)
	}
}

// Publish broadcasts data as an event of the given type.
func (h *Hub) Publish(eventType EventType, data map[string]any) {
	h.Broadcast(&Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data})
}

// Stats returns hub counters for /stats.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return map[string]any{
		"connectedClients": n,
		"totalEvents":      h.events.Load(),
		"droppedEvents":    h.dropped.Load(),
		"totalClients":     h.accepted.Load(),
		"peakClients":      h.peak.Load(),
	}
}

// HandleWebSocket upgrades the request. ?agentId= starts the client on that
// agent's events; otherwise it receives everything until it subscribes.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	stopped, full := h.stopped, len(h.clients) >= h.max
	h.mu.RUnlock()
	switch {
	case stopped:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	case full:
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, clientBuffer)}
	sub := Subscription{AllEvents: true}
	if agent := r.URL.Query().Get("agentId"); agent != "" {
		sub = Subscription{AgentIDs: []string{agent}}
	}
	c.subscribe(sub)

	if err := h.attach(c); err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}

// readLoop applies subscription updates until the connection closes.
func (c *client) readLoop() {
	defer func() {
		c.hub.detach(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var sub Subscription
		if err := c.conn.ReadJSON(&sub); err != nil {
			var syntax *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntax) || errors.As(err, &typeErr) {
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		c.subscribe(sub)
	}
}

func (c *client) writeLoop() {
	ping := time.NewTicker(pingEvery)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
