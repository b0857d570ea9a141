// Package websocket pushes lifecycle events to connected lab clients.
// A client sees only its own tenant's events, narrowed to the event
// patterns it subscribed to.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/events"
	"github.com/lims/lims/internal/platform/tenant"
)

// ClientMessage is an inbound subscription change, e.g.
// {"action":"subscribe","events":["assignment.*"]}.
type ClientMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one connected socket bound to a single tenant.
type Client struct {
	ID       string
	TenantID uuid.UUID
	Actor    string
	Send     chan []byte

	patterns []string
	conn     Conn
}

func NewClient(tenantID uuid.UUID, actor string, patterns []string) *Client {
	return &Client{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Actor:    actor,
		Send:     make(chan []byte, 256),
		patterns: patterns,
	}
}

func (c *Client) wants(eventType string) bool {
	for _, p := range c.patterns {
		if events.Matches(p, eventType) {
			return true
		}
	}
	return false
}

// Hub tracks connected clients per tenant. It is an events.Publisher, so
// the bus fans events into it like any other sink.
type Hub struct {
	mu      sync.RWMutex
	tenants map[uuid.UUID]map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		tenants: make(map[uuid.UUID]map[*Client]struct{}),
		logger:  logger.With().Str("component", "live").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.tenants[client.TenantID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.tenants[client.TenantID] = set
	}
	set[client] = struct{}{}
}

// Unregister removes the client and closes its Send channel. Calling it
// twice is harmless.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.tenants[client.TenantID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.tenants, client.TenantID)
	}
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, patterns []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" && !contains(client.patterns, p) {
			client.patterns = append(client.patterns, p)
		}
	}
}

func (h *Hub) Unsubscribe(client *Client, patterns []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	remaining := client.patterns[:0]
	for _, p := range client.patterns {
		if !contains(patterns, p) {
			remaining = append(remaining, p)
		}
	}
	client.patterns = remaining
}

func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Events)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Events)
	}
}

// Publish delivers ev to the subscribed clients of its tenant. A client
// whose buffer is full misses the event rather than stalling the bus.
func (h *Hub) Publish(_ context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.tenants[ev.TenantID] {
		if !client.wants(ev.Type) {
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client", client.ID).Str("event", ev.Type).Msg("live client buffer full, event dropped")
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.tenants {
		n += len(set)
	}
	return n
}

func (h *Hub) TenantCount(tenantID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tenants[tenantID])
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Authentication and tenant resolution run before the upgrade.
var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades /live requests and pumps events to the socket.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/live", h.HandleConnect,
		auth.RequireRole(auth.RoleReception, auth.RoleTechnician, auth.RolePathologist, auth.RoleLabManager))
}

// HandleConnect subscribes to ?events=a,b (default every event).
func (h *Handler) HandleConnect(c echo.Context) error {
	scope, err := tenant.Require(c.Request().Context())
	if err != nil {
		return err
	}
	patterns := []string{"*"}
	if q := c.QueryParam("events"); q != "" {
		patterns = nil
		for _, p := range strings.Split(q, ",") {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(scope.TenantID(), scope.Actor(), patterns)
	client.conn = &gorillaConnAdapter{ws}
	h.hub.Register(client)

	go h.writePump(client)
	go h.readPump(client)
	return nil
}

func (h *Handler) readPump(client *Client) {
	defer func() {
		h.hub.Unregister(client)
		client.conn.Close()
	}()
	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client) {
	defer client.conn.Close()
	for message := range client.Send {
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}

type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
