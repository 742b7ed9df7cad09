package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/minevest/share-engine/internal/metrics"
	"github.com/minevest/share-engine/internal/settlement"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Hub fans committed facts out to WebSocket clients. A client receives
// every fact until it subscribes to specific shares; after that it only
// receives facts of those shares and facts that carry no share.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan settlement.Fact
	register   chan *client
	unregister chan *client
	subscribe  chan subscription
	// done is closed when Run returns.
	done chan struct{}
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	shares map[string]bool
}

type subscription struct {
	client *client
	shares []string
	add    bool
}

// wsMessage is a client control frame.
type wsMessage struct {
	Action string   `json:"action"` // subscribe | unsubscribe
	Shares []string `json:"shares"`
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan settlement.Fact, 256),
		register:   make(chan *client, 64),
		unregister: make(chan *client, 64),
		subscribe:  make(chan subscription, 64),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			slog.Info("ws client connected", "total", len(h.clients))

		case c := <-h.unregister:
			h.drop(c)

		case sub := <-h.subscribe:
			if !h.clients[sub.client] {
				continue
			}
			for _, id := range sub.shares {
				if sub.add {
					sub.client.shares[id] = true
				} else {
					delete(sub.client.shares, id)
				}
			}

		case f := <-h.broadcast:
			data, err := json.Marshal(f)
			if err != nil {
				slog.Error("ws encode fact", "type", f.Type, "err", err)
				continue
			}
			for c := range h.clients {
				if !c.wants(f) {
					continue
				}
				select {
				case c.send <- data:
				default:
					// Slow consumer.
					h.drop(c)
				}
			}
		}
	}
}

// enter hands c to the event loop on ch. It reports false once the hub has
// stopped.
func (h *Hub) enter(ch chan *client, c *client) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case ch <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) drop(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

// Publish implements settlement.Publisher. It never blocks settlement: when
// the buffer is full the fact is dropped.
func (h *Hub) Publish(f settlement.Fact) {
	select {
	case h.broadcast <- f:
	default:
		slog.Warn("ws broadcast buffer full, fact dropped", "type", f.Type, "share", f.ShareID)
	}
}

func (c *client) wants(f settlement.Fact) bool {
	if len(c.shares) == 0 || f.ShareID == "" {
		return true
	}
	return c.shares[f.ShareID]
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. The
// optional ?share= query parameter subscribes the connection up front.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, 64), shares: make(map[string]bool)}
	for _, id := range r.URL.Query()["share"] {
		c.shares[id] = true
	}
	if !h.enter(h.register, c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump keeps the connection alive, applies control frames and detects
// disconnects.
func (c *client) readPump() {
	defer func() {
		c.hub.enter(c.hub.unregister, c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsMessage
		if json.Unmarshal(data, &msg) != nil || len(msg.Shares) == 0 {
			continue
		}
		sub := subscription{client: c, shares: msg.Shares}
		switch msg.Action {
		case "subscribe":
			sub.add = true
		case "unsubscribe":
		default:
			continue
		}
		select {
		case c.hub.subscribe <- sub:
		case <-c.hub.done:
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
