package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"callsignal-server/pkg/events"
	"callsignal-server/pkg/metrics"
)

// Client represents a connected WebSocket client.
type Client struct {
	hub    *EventHub
	conn   *websocket.Conn
	send   chan []byte
	logger *logrus.Logger
	room   string // If client subscribes to a specific room
}

// EventHub fans dispatched events out to WebSocket clients. Clients connect
// with an optional room query parameter; room-scoped clients only receive
// events for their room, unscoped clients receive everything. The hub is
// wired into the dispatcher as a broadcast side channel.
type EventHub struct {
	logger          *logrus.Logger
	clients         map[*Client]bool
	roomSubscribers map[string]map[*Client]bool
	broadcast       chan *events.BroadcastMessage
	register        chan *Client
	unregister      chan *Client
	done            chan struct{}
	mutex           sync.RWMutex
}

// WebSocketUpgrader configures the WebSocket connection
var WebSocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all connections
		return true
	},
}

// NewEventHub creates a new event hub.
func NewEventHub(logger *logrus.Logger) *EventHub {
	return &EventHub{
		logger:          logger,
		clients:         make(map[*Client]bool),
		roomSubscribers: make(map[string]map[*Client]bool),
		broadcast:       make(chan *events.BroadcastMessage, 64),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		done:            make(chan struct{}),
	}
}

// Run starts the event hub loop. It exits when the context is cancelled;
// client pumps still winding down detach via the done channel instead of
// blocking on the register/unregister channels.
func (h *EventHub) Run(ctx context.Context) {
	h.logger.Info("Starting WebSocket event hub")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Shutting down WebSocket event hub")
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true

			if client.room != "" {
				if _, exists := h.roomSubscribers[client.room]; !exists {
					h.roomSubscribers[client.room] = make(map[*Client]bool)
				}
				h.roomSubscribers[client.room][client] = true
				h.logger.WithField("room", client.room).Info("Client subscribed to specific room")
			}

			h.mutex.Unlock()
			h.logger.Info("Client connected to WebSocket")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)

				if client.room != "" {
					if subscribers, exists := h.roomSubscribers[client.room]; exists {
						delete(subscribers, client)
						if len(subscribers) == 0 {
							delete(h.roomSubscribers, client.room)
						}
					}
				}

				h.logger.Info("Client disconnected from WebSocket")
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.WithError(err).Error("Failed to marshal event message")
				continue
			}

			h.mutex.Lock()

			// Send to subscribers of this specific room
			if subscribers, exists := h.roomSubscribers[message.Room]; message.Room != "" && exists {
				for client := range subscribers {
					select {
					case client.send <- data:
					default:
						close(client.send)
						delete(h.clients, client)
						delete(subscribers, client)
					}
				}
			}

			// Also broadcast to clients that want the full event stream
			for client := range h.clients {
				if client.room != "" {
					continue
				}

				select {
				case client.send <- data:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}

			h.mutex.Unlock()
		}
	}
}

// Broadcast queues a resolved event for fanout. It implements the
// dispatcher's broadcast side channel and never blocks the dispatch path:
// if the hub loop is saturated the message is dropped.
func (h *EventHub) Broadcast(_ context.Context, msg *events.BroadcastMessage) error {
	select {
	case h.broadcast <- msg:
		metrics.RecordBroadcast("websocket", "published")
	default:
		metrics.RecordBroadcast("websocket", "dropped")
		h.logger.WithField("event_type", msg.Event.Type).Warn("Event hub saturated, dropping broadcast")
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// ServeWs handles WebSocket requests from clients.
func (h *EventHub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := WebSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade connection to WebSocket")
		return
	}

	room := r.URL.Query().Get("room")

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: h.logger,
		room:   room,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// remove unregisters a client, giving up once the hub loop has exited.
func (h *EventHub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(60 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so control frames are processed and
// unregisters the client on close.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
