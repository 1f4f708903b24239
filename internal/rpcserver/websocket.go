package rpcserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atlasnet/atlasd/pkg/logging"
)

// EventType identifies the kind of activity an Event reports.
type EventType string

// Event types for connected dashboards. The node publishes
// EventZonefilePushed when put_zonefiles stores a body it did not have, and
// EventInventoryRefresh after a ledger sync adds blocks; the other three
// types are defined but nothing publishes them.
const (
	EventPeerDiscovered   EventType = "peer_discovered"
	EventPeerEvicted      EventType = "peer_evicted"
	EventInventoryRefresh EventType = "inventory_refreshed"
	EventZonefileFetched  EventType = "zonefile_fetched"
	EventZonefilePushed   EventType = "zonefile_pushed"
)

// Event is a single broadcast activity notification.
type Event struct {
	Type      EventType   `json:"type"`
	Hostport  string      `json:"hostport,omitempty"`
	Hash      string      `json:"hash,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Detail    interface{} `json:"detail,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSClient is a single connected websocket subscriber.
type WSClient struct {
	conn *websocket.Conn
	send chan Event
}

// WSHub fans node events out to every connected WSClient.
type WSHub struct {
	mu      sync.Mutex
	clients map[*WSClient]bool
	log     *logging.Logger
}

// NewWSHub creates an empty hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients: make(map[*WSClient]bool),
		log:     logging.GetDefault().Component("ws"),
	}
}

// Broadcast publishes an event to every connected client. Slow or
// disconnected clients are dropped rather than allowed to block the
// publisher.
func (h *WSHub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.removeLocked(c)
		}
	}
}

// ServeHTTP upgrades the request to a websocket connection and registers it
// with the hub until the connection closes.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{conn: conn, send: make(chan Event, 32)}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	go h.writePump(client)
	go h.readPump(client)
}

func (h *WSHub) writePump(c *WSClient) {
	defer c.conn.Close()
	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// readPump drains and discards inbound frames; the protocol is
// server-to-client only. It exists to detect client disconnects.
func (h *WSHub) readPump(c *WSClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHub) remove(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *WSHub) removeLocked(c *WSClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}
