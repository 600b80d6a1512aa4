package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/biotinker/viam-homeassistant/internal/connection"
	"github.com/biotinker/viam-homeassistant/internal/cover"
	"github.com/biotinker/viam-homeassistant/internal/entity"
	"github.com/biotinker/viam-homeassistant/internal/infrastructure/config"
	"github.com/biotinker/viam-homeassistant/internal/infrastructure/logging"
	"github.com/biotinker/viam-homeassistant/internal/sensor"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// Event channels.
const (
	ChannelCoverStateChanged = "cover.state_changed"
	ChannelSensorUpdated     = "sensor.updated"
	ChannelSensorRemoved     = "sensor.removed"
	ChannelConnectionChanged = "connection.changed"
)

// WSMessage represents a message sent to or from a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe and unsubscribe messages.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// Hub tracks WebSocket clients and fans events out to subscribers.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient is one connected WebSocket client.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	mu            sync.RWMutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a hub. Zero config values fall back to defaults.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 8192
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client. Only the caller that removes the client
// closes its send channel.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// Broadcast sends an event to every client subscribed to channel.
func (h *Hub) Broadcast(channel string, payload any) {
	msg := WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	// Snapshot the client list so no client lock is taken under the hub lock.
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if client.isSubscribed(channel) {
			client.trySend(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// coverEvent is the payload of cover.state_changed.
type coverEvent struct {
	Motor     string             `json:"motor"`
	From      cover.State        `json:"from,omitempty"`
	To        cover.State        `json:"to"`
	Intent    cover.Intent       `json:"intent,omitempty"`
	CommandID string             `json:"command_id,omitempty"`
	Error     string             `json:"error,omitempty"`
	Entity    entity.CoverEntity `json:"entity"`
}

// connectionEvent is the payload of connection.changed.
type connectionEvent struct {
	State connection.State     `json:"state"`
	Kind  connection.ErrorKind `json:"kind,omitempty"`
	Error string               `json:"error,omitempty"`
	At    time.Time            `json:"at"`
}

// CoverTransition broadcasts t with the cover's current entity.
func (s *Server) CoverTransition(t cover.Transition) {
	ev := coverEvent{
		Motor:     t.Motor,
		From:      t.From,
		To:        t.To,
		Intent:    t.Intent,
		CommandID: t.CommandID,
	}
	if t.Err != nil {
		ev.Error = t.Err.Error()
	}
	if snap, ok := s.findCover(t.Motor); ok {
		ev.Entity = entity.Cover(s.device, snap)
	}
	s.hub.Broadcast(ChannelCoverStateChanged, ev)
}

// CoverChanged broadcasts an availability change.
func (s *Server) CoverChanged(snap cover.Snapshot) {
	s.hub.Broadcast(ChannelCoverStateChanged, coverEvent{
		Motor:  snap.Motor,
		To:     snap.State,
		Entity: entity.Cover(s.device, snap),
	})
}

// SensorUpdated broadcasts a presented sensor.
func (s *Server) SensorUpdated(p sensor.Presented) {
	s.hub.Broadcast(ChannelSensorUpdated, s.sensorResponse(p))
}

// SensorRemoved broadcasts a sensor leaving the robot.
func (s *Server) SensorRemoved(name string) {
	s.hub.Broadcast(ChannelSensorRemoved, map[string]string{"sensor": name})
}

// ConnectionChanged broadcasts a robot session event.
func (s *Server) ConnectionChanged(ev connection.Event) {
	payload := connectionEvent{State: ev.State, Kind: ev.Kind, At: ev.At}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}
	s.hub.Broadcast(ChannelConnectionChanged, payload)
}

// handleWebSocket upgrades to a WebSocket. With auth enabled the caller
// presents a ?ticket= from POST /auth/ws-ticket or a bearer header.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.secret != nil && !s.wsAuthorized(r) {
		writeUnauthorized(w, "valid ticket or bearer token required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	s.hub.Register(client)

	go client.writePump()
	go client.readPump()
}

func (s *Server) wsAuthorized(r *http.Request) bool {
	if ticket := r.URL.Query().Get("ticket"); ticket != "" {
		return s.tickets.redeem(ticket)
	}
	token, ok := bearerToken(r)
	if !ok {
		return false
	}
	_, err := s.verifyToken(token)
	return err == nil
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	cfg := c.hub.cfg
	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	deadline := config.Seconds(cfg.PingInterval) + config.Seconds(cfg.PongTimeout)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.handleMessage(message)
	}
}

func (c *WSClient) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(config.Seconds(cfg.PingInterval))
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := config.Seconds(cfg.PongTimeout)
	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.updateSubscriptions(msg, true)
	case WSTypeUnsubscribe:
		c.updateSubscriptions(msg, false)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) updateSubscriptions(msg WSMessage, subscribe bool) {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		c.sendError(msg.ID, "invalid payload")
		return
	}
	var sub WSSubscribePayload
	if err := json.Unmarshal(raw, &sub); err != nil || len(sub.Channels) == 0 {
		c.sendError(msg.ID, "payload must list channels")
		return
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		if subscribe {
			c.subscriptions[ch] = struct{}{}
		} else {
			delete(c.subscriptions, ch)
		}
	}
	c.mu.Unlock()

	key := "unsubscribed"
	if subscribe {
		key = "subscribed"
	}
	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{key: sub.Channels})
}

// trySend queues data, dropping it for a full buffer or a client that
// disconnected mid-broadcast.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

func (c *WSClient) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
