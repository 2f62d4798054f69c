// Package websocket is the real-time event channel: a hub fanning events out
// to WebSocket consumers and a batcher that coalesces value changes.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/TCC-OPCUAgua/opcuagua/internal/metrics"
	"github.com/TCC-OPCUAgua/opcuagua/pkg/logging"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrClientGone is returned when sending to a client that was dropped.
var ErrClientGone = errors.New("websocket client gone")

// CommandHandler executes inbound commands other than ping. It must not block;
// replies are sent later through the responder.
type CommandHandler interface {
	HandleCommand(ctx context.Context, client domain.Responder, cmd domain.Command)
}

// Config contains hub settings.
type Config struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	AllowedOrigins []string
}

// DefaultConfig returns the hub defaults.
func DefaultConfig() Config {
	return Config{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   30 * time.Second,
		SendBuffer:     256,
		MaxMessageSize: 4096,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
}

// Hub maintains the set of live consumers and broadcasts events to them.
type Hub struct {
	config   Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	metrics  *metrics.Registry

	mu      sync.RWMutex
	clients map[*Client]struct{}
	handler CommandHandler
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub.
func NewHub(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Hub {
	config.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		config:  config,
		logger:  logging.WithComponent(logger, "ws-hub"),
		metrics: metricsReg,
		clients: make(map[*Client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetCommandHandler registers the handler for browse and browseNext commands.
func (h *Hub) SetCommandHandler(handler CommandHandler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and registers the new client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.config.SendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetWSClients(count)
	h.logger.Info().Str("client_id", client.id).Str("remote", r.RemoteAddr).Int("clients", count).Msg("WebSocket client connected")

	h.wg.Add(2)
	go client.writePump()
	go client.readPump()
}

// Publish serializes event once and queues it for every client. A client
// whose queue is full is dropped; other clients are unaffected.
func (h *Hub) Publish(event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.EventType(), err)
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.enqueue(data) {
			h.unregister(c, "send queue full")
		}
	}

	h.metrics.IncEventsPublished(string(event.EventType()))
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their pumps to exit.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	h.cancel()
	for _, c := range clients {
		h.unregister(c, "hub closed")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("WebSocket hub closed")
		return nil
	case <-ctx.Done():
		h.logger.Warn().Msg("WebSocket hub close timeout")
		return ctx.Err()
	}
}

// unregister removes c and signals its pumps to stop. Safe to call repeatedly.
func (h *Hub) unregister(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	c.shutdown()
	if !ok {
		return
	}

	h.metrics.SetWSClients(count)
	if reason == "send queue full" {
		h.metrics.IncWSClientsDropped()
	}
	h.logger.Info().Str("client_id", c.id).Str("reason", reason).Int("clients", count).Msg("WebSocket client disconnected")
}

func (h *Hub) dispatch(c *Client, cmd domain.Command) {
	if cmd.Type == domain.CommandPing {
		_ = c.Send(domain.NewPong(time.Now().UTC()))
		return
	}

	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()

	if handler == nil {
		_ = c.Send(domain.NewErrorEvent(cmd.RequestID, "commands are not available"))
		return
	}
	handler.HandleCommand(h.ctx, c, cmd)
}

// Client is one WebSocket consumer.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	done     chan struct{}
	doneOnce sync.Once
}

// ID returns the client identifier.
func (c *Client) ID() string {
	return c.id
}

// Send queues event for this client only.
func (c *Client) Send(event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.EventType(), err)
	}
	if !c.enqueue(data) {
		c.hub.unregister(c, "send queue full")
		return ErrClientGone
	}
	return nil
}

func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

// readPump reads commands until the connection fails or the pong deadline passes.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c, "read closed")
		_ = c.conn.Close()
		c.hub.wg.Done()
	}()

	cfg := c.hub.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Err(err).Str("client_id", c.id).Msg("WebSocket read error")
			}
			return
		}

		cmd, err := domain.ParseCommand(message)
		if err != nil {
			_ = c.Send(domain.NewErrorEvent(cmd.RequestID, err.Error()))
			continue
		}
		c.hub.dispatch(c, cmd)
	}
}

// writePump drains the send queue and pings the peer.
func (c *Client) writePump() {
	cfg := c.hub.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.hub.wg.Done()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.unregister(c, "write failed")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.unregister(c, "ping failed")
				return
			}

		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(cfg.WriteWait))
			return
		}
	}
}
