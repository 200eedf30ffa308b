// Package relay implements the signaling relay: a WebSocket hub that forwards
// envelopes between participants that have no direct connection yet.
//
// A client is bound to the senderId of the first valid envelope it sends.
// Envelopes addressed to the broadcast id go to every other client; anything
// else goes to the client bound to destId, or nowhere.
package relay

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/meshchat/internal/signaling"
	"github.com/1ureka/meshchat/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Options tunes the hub.
type Options struct {
	// Echo also delivers broadcast envelopes back to their sender, the way a
	// naive fan-out relay does. Participants must filter their own echoes.
	Echo bool
}

// Hub routes envelopes between connected clients.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	byID    map[string]*client
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	id   string // bound on first envelope; guarded by Hub.mu
}

// NewHub creates an empty hub.
func NewHub(opts Options) *Hub {
	return &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		byID:    make(map[string]*client),
	}
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogWarning("relay: upgrade failed: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	util.LogDebug("relay: client connected from %s", r.RemoteAddr)

	go c.writePump()
	c.readPump(h)
}

// Participants returns the bound participant ids, sorted.
func (h *Hub) Participants() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.byID))
	for id := range h.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clients returns the number of open connections, bound or not.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	if c.id != "" && h.byID[c.id] == c {
		delete(h.byID, c.id)
	}
	close(c.send)
}

// route validates one frame from c and forwards the raw bytes.
func (h *Hub) route(c *client, data []byte) {
	env, err := signaling.Decode(data)
	if err != nil {
		util.LogWarning("relay: dropping malformed envelope: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if c.id == "" {
		if prev, taken := h.byID[env.SenderID]; taken && prev != c {
			util.LogWarning("relay: [%s] id already bound to another client, dropping", util.ShortID(env.SenderID))
			return
		}
		c.id = env.SenderID
		h.byID[c.id] = c
		util.LogDebug("relay: [%s] bound", util.ShortID(c.id))
	}
	if env.SenderID != c.id {
		util.LogWarning("relay: [%s] spoofed senderId [%s], dropping", util.ShortID(c.id), util.ShortID(env.SenderID))
		return
	}

	if env.DestID == signaling.Broadcast {
		for other := range h.clients {
			if other == c && !h.opts.Echo {
				continue
			}
			other.enqueue(data)
		}
		return
	}

	dest, ok := h.byID[env.DestID]
	if !ok {
		util.LogDebug("relay: [%s] unknown destination [%s], dropping %s",
			util.ShortID(c.id), util.ShortID(env.DestID), env.Kind())
		return
	}
	dest.enqueue(data)
}

// enqueue never blocks the router; a client that cannot keep up loses frames.
// Caller holds Hub.mu.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		util.LogWarning("relay: [%s] send buffer full, dropping frame", util.ShortID(c.id))
	}
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		c.conn.Close()
		util.LogDebug("relay: [%s] disconnected", util.ShortID(c.id))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				util.LogDebug("relay: read error: %v", err)
			}
			return
		}
		h.route(c, data)
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
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
