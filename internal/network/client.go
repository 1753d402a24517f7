package network

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// Command types a subscriber may send.
const (
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSnapshot    = "SNAPSHOT"
)

// Command is an incoming request from a subscriber.
type Command struct {
	Type    string   `json:"type"`
	NodeIDs []string `json:"node_ids,omitempty"`
}

// Client is one websocket subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	limiter *rate.Limiter

	mu     sync.RWMutex
	filter []string // node ids; empty means everything
}

// NewClient creates a new WebSocket client and returns it.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, hub.tuning.ClientSendBuffer),
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

// wants reports whether an event about targetID passes the client's filter.
// Engine-wide events have no target and always pass.
func (c *Client) wants(targetID string) bool {
	if targetID == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.filter) == 0 || slices.Contains(c.filter, targetID)
}

// Register adds the client to the hub. It returns false once the hub has
// stopped.
func (c *Client) Register() bool {
	select {
	case c.hub.register <- c:
		return true
	case <-c.hub.done:
		c.conn.Close()
		return false
	}
}

// ReadPump pumps commands from the websocket connection to the hub.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read failed", "error", err)
				if c.hub.metrics != nil {
					c.hub.metrics.RecordWSError()
				}
			}
			break
		}
		if c.hub.metrics != nil {
			c.hub.metrics.RecordWSMessage(true)
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.hub.logger.Warn("failed to parse websocket command", "error", err)
			c.reply(MsgTypeError, "malformed command")
			continue
		}
		c.handleCommand(cmd)
	}
}

func (c *Client) handleCommand(cmd Command) {
	if !c.limiter.Allow() {
		c.hub.logger.Warn("rate limit exceeded for websocket command", "type", cmd.Type)
		c.reply(MsgTypeError, "rate limit exceeded")
		return
	}

	switch cmd.Type {
	case CmdSubscribe:
		c.mu.Lock()
		c.filter = slices.Clone(cmd.NodeIDs)
		c.mu.Unlock()
	case CmdUnsubscribe:
		c.mu.Lock()
		c.filter = nil
		c.mu.Unlock()
	case CmdSnapshot:
		data, err := c.hub.snapshotMessage()
		if err != nil {
			c.hub.logger.Error("failed to serialize snapshot", "error", err)
			return
		}
		c.queue(data)
	default:
		c.hub.logger.Warn("unknown websocket command", "type", cmd.Type)
		c.reply(MsgTypeError, "unknown command "+cmd.Type)
	}
}

func (c *Client) reply(msgType string, payload interface{}) {
	data, err := json.Marshal(Message{Type: msgType, Timestamp: time.Now().Unix(), Payload: payload})
	if err != nil {
		return
	}
	c.queue(data)
}

// queue hands a direct reply to the write pump. It goes through the hub lock
// so it never races with the hub closing send.
func (c *Client) queue(data []byte) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// WritePump pumps messages from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current websocket message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards are served from other origins
	},
}

// ServeWS upgrades the request and attaches the peer to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.Full() {
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket connection", "error", err)
		return
	}

	client := NewClient(h, conn)
	if !client.Register() {
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.WritePump()
	go client.ReadPump()
}
