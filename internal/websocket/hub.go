package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/yajmaan/sevaflow/internal/model"
	"go.uber.org/zap"
)

// Client represents a WebSocket client. Send is never closed; the hub closes
// Done when it drops the client.
type Client struct {
	BatchID string
	Conn    *websocket.Conn
	Send    chan []byte

	done     chan struct{}
	dropOnce sync.Once
}

// NewClient creates a client for batchID with a send buffer of size buffer
func NewClient(batchID string, conn *websocket.Conn, buffer int) *Client {
	return &Client{
		BatchID: batchID,
		Conn:    conn,
		Send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
	}
}

// Done is closed once the hub stops delivering to the client
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Offer queues data without blocking. It reports false when the buffer is
// full or the client was dropped.
func (c *Client) Offer(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) drop() {
	c.dropOnce.Do(func() { close(c.done) })
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by batch ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}
	stopOnce   sync.Once

	logger *zap.Logger
	mu     sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	BatchID string
	Message []byte
}

// NewHub creates a new Hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		logger:     logger.Named("ws"),
	}
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.BatchID] == nil {
				h.clients[client.BatchID] = make(map[*Client]bool)
			}
			h.clients[client.BatchID][client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("batch_id", client.BatchID))

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.BatchID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					client.drop()
					if len(clients) == 0 {
						delete(h.clients, client.BatchID)
					}
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("batch_id", client.BatchID))

		case msg := <-h.broadcast:
			h.mu.Lock()
			if clients, ok := h.clients[msg.BatchID]; ok {
				for client := range clients {
					if !client.Offer(msg.Message) {
						// slow reader
						client.drop()
						delete(clients, client)
						h.logger.Warn("dropping slow websocket client", zap.String("batch_id", msg.BatchID))
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.BatchID)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop ends Run
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribers returns the number of clients watching a batch
func (h *Hub) Subscribers(batchID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[batchID])
}

// BroadcastProgress sends a progress snapshot to all batch subscribers
func (h *Hub) BroadcastProgress(snap model.ProgressSnapshot) {
	h.send(snap.BatchID, model.WSProgressMessage{
		Type:     model.WSMessageTypeProgress,
		BatchID:  snap.BatchID,
		Snapshot: snap,
	})
}

// BroadcastComplete sends the final report to all batch subscribers
func (h *Hub) BroadcastComplete(report model.BatchReport) {
	h.send(report.BatchID, model.WSCompleteMessage{
		Type:    model.WSMessageTypeComplete,
		BatchID: report.BatchID,
		Report:  report,
	})
}

// BroadcastError sends an error message to all batch subscribers
func (h *Hub) BroadcastError(batchID string, code, message string) {
	h.send(batchID, model.WSErrorMessage{
		Type:    model.WSMessageTypeError,
		BatchID: batchID,
		Error: model.WSError{
			Code:    code,
			Message: message,
		},
	})
}

// send never blocks the caller; a full queue drops the message
func (h *Hub) send(batchID string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal message", zap.String("batch_id", batchID), zap.Error(err))
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{BatchID: batchID, Message: data}:
	default:
		h.logger.Warn("broadcast queue full, dropping message", zap.String("batch_id", batchID))
	}
}

// HandleConnection handles a WebSocket connection
func (h *Hub) HandleConnection(c *websocket.Conn, batchID string) {
	client := NewClient(batchID, c, 256)

	h.Register(client)
	defer h.Unregister(client)

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-client.Done():
				c.WriteMessage(websocket.CloseMessage, []byte{})
				return

			case message := <-client.Send:
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed", zap.String("batch_id", batchID), zap.Error(err))
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong := model.WSMessage{Type: model.WSMessageTypePong}
			data, _ := json.Marshal(pong)
			client.Offer(data)
		}
	}
}
