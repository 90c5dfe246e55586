package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	viewWriteTimeout = 10 * time.Second
	viewReadLimit    = 4096
	viewPingInterval = 30 * time.Second
)

// viewClient is one renderer connection. Updates are signalled, not queued: the writer always
// sends the newest snapshot, so a slow client skips intermediate versions.
type viewClient struct {
	id       string
	ip       string
	conn     *websocket.Conn
	writeMu  sync.Mutex
	view     chan struct{}
	spectrum chan struct{}
	done     chan struct{}
}

func (c *viewClient) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *viewClient) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(viewWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *viewClient) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(viewWriteTimeout))
}

// viewMessage is the envelope of every message on /ws/view
type viewMessage struct {
	Type  string      `json:"type"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// viewCommand is a request sent by a renderer
type viewCommand struct {
	Type    string `json:"type"`
	Profile string `json:"profile,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Date    string `json:"date,omitempty"`
}

// ViewWebSocketHandler pushes view snapshots and pass-through spectra to renderers and accepts
// profile and date range selections from them
type ViewWebSocketHandler struct {
	engine            *Engine
	location          *time.Location
	prometheusMetrics *PrometheusMetrics
	upgrader          websocket.Upgrader

	clients   map[*viewClient]struct{}
	clientsMu sync.RWMutex
}

// NewViewWebSocketHandler creates the handler and registers it with the engine
func NewViewWebSocketHandler(engine *Engine, location *time.Location, prometheusMetrics *PrometheusMetrics) *ViewWebSocketHandler {
	if location == nil {
		location = time.Local
	}
	h := &ViewWebSocketHandler{
		engine:            engine,
		location:          location,
		prometheusMetrics: prometheusMetrics,
		clients:           make(map[*viewClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    1024,
			WriteBufferSize:   16384,
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	// Both handlers run on the engine loop; they only signal writers
	engine.OnUpdate(func(*ViewState) {
		h.broadcast(func(c *viewClient) { c.signal(c.view) })
	})
	engine.OnSpectrum(func(SpectrumFrame) {
		h.broadcast(func(c *viewClient) { c.signal(c.spectrum) })
	})
	return h
}

func (h *ViewWebSocketHandler) broadcast(fn func(*viewClient)) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for c := range h.clients {
		fn(c)
	}
}

// ClientCount returns the number of connected renderers
func (h *ViewWebSocketHandler) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket handles /ws/view connections
func (h *ViewWebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("View WebSocket: Upgrade failed for %s: %v", clientIP, err)
		return
	}

	client := &viewClient{
		id:       uuid.NewString(),
		ip:       clientIP,
		conn:     conn,
		view:     make(chan struct{}, 1),
		spectrum: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	h.clientsMu.Lock()
	h.clients[client] = struct{}{}
	h.clientsMu.Unlock()
	h.prometheusMetrics.RecordWSConnection()
	log.Printf("View WebSocket: Client %s connected from %s (%d connected)", client.id, clientIP, h.ClientCount())

	// The current snapshot goes out first, then the latest spectrum if there is one
	client.signal(client.view)
	if _, ok := h.engine.Spectrum(); ok {
		client.signal(client.spectrum)
	}

	go h.writeLoop(client)
	h.readLoop(client)
	h.remove(client)
}

// writeLoop owns snapshot delivery for one client
func (h *ViewWebSocketHandler) writeLoop(c *viewClient) {
	ping := time.NewTicker(viewPingInterval)
	defer ping.Stop()

	var sentVersion uint64
	for {
		var err error
		select {
		case <-c.done:
			return
		case <-c.view:
			view := h.engine.Snapshot()
			if view.Version == sentVersion {
				continue
			}
			if err = c.writeJSON(viewMessage{Type: "view", Data: view}); err == nil {
				sentVersion = view.Version
				h.prometheusMetrics.RecordWSMessageSent("view")
			}
		case <-c.spectrum:
			frame, ok := h.engine.Spectrum()
			if !ok {
				continue
			}
			if err = c.writeJSON(viewMessage{Type: "spectrum", Data: frame}); err == nil {
				h.prometheusMetrics.RecordWSMessageSent("spectrum")
			}
		case <-ping.C:
			err = c.writePing()
		}
		if err != nil {
			if DebugMode {
				log.Printf("DEBUG: View WebSocket: Write to %s failed: %v", c.id, err)
			}
			// Unblocks readLoop, which removes the client
			c.conn.Close()
			return
		}
	}
}

// readLoop processes renderer commands until the connection fails
func (h *ViewWebSocketHandler) readLoop(c *viewClient) {
	c.conn.SetReadLimit(viewReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(2 * viewPingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * viewPingInterval))
	})

	for {
		var cmd viewCommand
		if err := c.conn.ReadJSON(&cmd); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) && DebugMode {
				log.Printf("DEBUG: View WebSocket: Read from %s ended: %v", c.id, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(2 * viewPingInterval))

		if err := h.handleCommand(cmd); err != nil {
			if werr := c.writeJSON(viewMessage{Type: "error", Error: err.Error()}); werr != nil {
				return
			}
			h.prometheusMetrics.RecordWSMessageSent("error")
		}
	}
}

func (h *ViewWebSocketHandler) handleCommand(cmd viewCommand) error {
	ctx, cancel := context.WithTimeout(context.Background(), viewWriteTimeout)
	defer cancel()

	switch cmd.Type {
	case "set_profile":
		return h.engine.SetActiveProfile(ctx, cmd.Profile)
	case "set_date_range":
		sel, err := ParseDateRange(cmd.Mode, cmd.Date, h.location)
		if err != nil {
			return err
		}
		return h.engine.SetDateRange(ctx, sel)
	case "ping":
		return nil
	}
	return errors.New("unknown command " + cmd.Type)
}

func (h *ViewWebSocketHandler) remove(c *viewClient) {
	h.clientsMu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.clientsMu.Unlock()
	if !ok {
		return
	}

	close(c.done)
	c.conn.Close()
	h.prometheusMetrics.RecordWSDisconnect()
	log.Printf("View WebSocket: Client %s disconnected (%d connected)", c.id, h.ClientCount())
}

// CloseAll disconnects every renderer during shutdown
func (h *ViewWebSocketHandler) CloseAll() {
	h.clientsMu.RLock()
	clients := make([]*viewClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.RUnlock()

	for _, c := range clients {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
	}
}
