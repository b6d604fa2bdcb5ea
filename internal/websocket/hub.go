package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/synaura/studio-api/internal/model"
)

// TopicQueue is the shared topic every queue subscriber listens on.
// Task updates go out on the task ID as topic.
const TopicQueue = "queue"

// Client represents a WebSocket client subscribed to one topic
type Client struct {
	Topic string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by topic
	clients map[string]map[*Client]bool

	// Register requests
	register chan *Client

	// Unregister requests
	unregister chan *Client

	// Broadcast messages to topic subscribers
	broadcast chan *BroadcastMessage

	mu sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	Topic   string
	Message []byte
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.Topic] == nil {
				h.clients[client.Topic] = make(map[*Client]bool)
			}
			h.clients[client.Topic][client] = true
			h.mu.Unlock()
			log.Printf("Client subscribed to %s", client.Topic)

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.Topic]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.Send)
					if len(clients) == 0 {
						delete(h.clients, client.Topic)
					}
				}
			}
			h.mu.Unlock()
			log.Printf("Client unsubscribed from %s", client.Topic)

		case msg := <-h.broadcast:
			h.mu.RLock()
			if clients, ok := h.clients[msg.Topic]; ok {
				for client := range clients {
					select {
					case client.Send <- msg.Message:
					default:
						close(client.Send)
						delete(clients, client)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastQueue sends a full queue snapshot to all queue subscribers
func (h *Hub) BroadcastQueue(snapshot model.QueueSnapshot) {
	msg := model.WSQueueMessage{
		Type:  model.WSMessageTypeQueue,
		Queue: snapshot,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal queue message: %v", err)
		return
	}

	h.broadcast <- &BroadcastMessage{
		Topic:   TopicQueue,
		Message: data,
	}
}

// BroadcastTask sends one polling update to the task's subscribers
func (h *Hub) BroadcastTask(update model.TaskUpdate) {
	msg := model.WSTaskMessage{
		Type:   model.WSMessageTypeTask,
		Update: update,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal task message: %v", err)
		return
	}

	h.broadcast <- &BroadcastMessage{
		Topic:   update.TaskID,
		Message: data,
	}
}

// HandleConnection handles a WebSocket connection for one topic
func (h *Hub) HandleConnection(c *websocket.Conn, topic string) {
	client := &Client{
		Topic: topic,
		Conn:  c,
		Send:  make(chan []byte, 256),
	}

	h.Register(client)
	defer h.Unregister(client)

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
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
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		// Handle client messages (ping/pong)
		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong := model.WSMessage{Type: model.WSMessageTypePong}
			data, _ := json.Marshal(pong)
			client.Send <- data
		}
	}
}
