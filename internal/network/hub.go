package network

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/MRamiBalles/nodegrid/internal/engine"
	"github.com/MRamiBalles/nodegrid/internal/events"
	"github.com/MRamiBalles/nodegrid/internal/platform/logger"
	"github.com/MRamiBalles/nodegrid/internal/platform/metrics"
	"github.com/MRamiBalles/nodegrid/internal/platform/optimization"
)

// Message types sent to websocket subscribers.
const (
	MsgTypeEvent    = "event"
	MsgTypeSnapshot = "snapshot"
	MsgTypeError    = "error"
)

// DefaultPollInterval is how often the event poller drains the log.
const DefaultPollInterval = 200 * time.Millisecond

// Message is the envelope of every frame pushed to a subscriber.
type Message struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// StatusSource is the read side of the engine the hub needs.
type StatusSource interface {
	Snapshot() []engine.NodeStatus
}

type outbound struct {
	targetID string
	data     []byte
}

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.Mutex

	status  StatusSource
	logger  *logger.Logger
	metrics *metrics.Collector
	tuning  *optimization.Config
}

// NewHub initializes a new WebSocket Hub. m and tuning may be nil.
func NewHub(status StatusSource, log *logger.Logger, m *metrics.Collector, tuning *optimization.Config) *Hub {
	if tuning == nil {
		tuning = optimization.DefaultConfig()
	}
	return &Hub{
		broadcast:  make(chan outbound, tuning.BroadcastChannelBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		status:     status,
		logger:     log,
		metrics:    m,
		tuning:     tuning,
	}
}

// Run starts the Hub's main loop to handle client connections and broadcasts.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			h.logger.Info("websocket hub shutting down")
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.recordConnection(1)
			h.logger.Info("websocket client connected")
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.recordConnection(-1)
				h.logger.Info("websocket client disconnected")
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(msg.targetID) {
					continue
				}
				select {
				case client.send <- msg.data:
					if h.metrics != nil {
						h.metrics.RecordWSMessage(false)
					}
				default:
					// Slow consumer: drop it rather than stall the others.
					close(client.send)
					delete(h.clients, client)
					h.recordConnection(-1)
					if h.metrics != nil {
						h.metrics.RecordWSError()
					}
					h.logger.Warn("dropped slow websocket client")
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
		h.recordConnection(-1)
	}
}

func (h *Hub) recordConnection(delta int) {
	if h.metrics != nil {
		h.metrics.RecordWSConnection(delta)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Full reports whether the hub has reached its client limit.
func (h *Hub) Full() bool {
	return h.tuning.MaxClients > 0 && h.ClientCount() >= h.tuning.MaxClients
}

// BroadcastEvent serializes an event and queues it for every interested client.
func (h *Hub) BroadcastEvent(ctx context.Context, event events.Event) {
	payload, err := json.Marshal(Message{
		Type:      MsgTypeEvent,
		Timestamp: event.Timestamp.Unix(),
		Payload:   event,
	})
	if err != nil {
		h.logger.Error("failed to serialize event for websocket broadcast", "event_id", event.ID, "error", err)
		return
	}
	select {
	case h.broadcast <- outbound{targetID: event.TargetID, data: payload}:
	case <-ctx.Done():
	}
}

// StartEventPoller spawns a goroutine that polls the EventLog and pushes new
// events to the Hub. It lets the Hub run independently of the tick loop while
// picking up the same events. At most EventChannelBuffer events are pushed
// per poll.
func (h *Hub) StartEventPoller(ctx context.Context, eventLog *events.EventLog, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	offset := eventLog.Len()
	go func() {
		poll := time.NewTicker(interval)
		defer poll.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-poll.C:
				batch := eventLog.Since(offset)
				if limit := h.tuning.EventChannelBuffer; limit > 0 && len(batch) > limit {
					batch = batch[:limit]
				}
				for _, event := range batch {
					h.BroadcastEvent(ctx, event)
				}
				offset += len(batch)
			}
		}
	}()
}

func (h *Hub) snapshotMessage() ([]byte, error) {
	return json.Marshal(Message{
		Type:      MsgTypeSnapshot,
		Timestamp: time.Now().Unix(),
		Payload:   h.status.Snapshot(),
	})
}
