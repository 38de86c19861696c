// Package realtime pushes committed order changes to the owner's open websocket connections.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/smsverify/pkg/fulfillment"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBufferSize = 64
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
	readLimitBytes = 1024
)

type subscriber struct {
	userID string
	send   chan []byte
	once   sync.Once
}

func (client *subscriber) close() {
	client.once.Do(func() { close(client.send) })
}

// Hub fans change events out to subscribers grouped by user.
type Hub struct {
	mu       sync.RWMutex
	byUser   map[string]map[*subscriber]struct{}
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHub builds a Hub; a nil checkOrigin applies the same-origin check.
func NewHub(logger *zap.Logger, checkOrigin func(*http.Request) bool) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		byUser: map[string]map[*subscriber]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logger,
	}
}

// Publish implements fulfillment.ChangePublisher. Sends never block; a subscriber with a
// full buffer misses the event. The read lock keeps unregister from closing a channel mid-send.
func (hub *Hub) Publish(userID string, event fulfillment.ChangeEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		hub.logger.Error("encode change event", zap.String("user_id", userID), zap.Error(err))
		return
	}
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	for client := range hub.byUser[userID] {
		select {
		case client.send <- payload:
		default:
			hub.logger.Warn("subscriber buffer full, event dropped", zap.String("user_id", userID), zap.String("event", event.Type))
		}
	}
}

// Subscribers reports the open connections of userID.
func (hub *Hub) Subscribers(userID string) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.byUser[userID])
}

// Serve upgrades the request and streams userID's events until the connection closes.
func (hub *Hub) Serve(writer http.ResponseWriter, request *http.Request, userID string) error {
	conn, err := hub.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		return err
	}
	client := &subscriber{userID: userID, send: make(chan []byte, sendBufferSize)}
	hub.register(client)
	defer func() {
		hub.unregister(client)
		_ = conn.Close()
	}()
	go writePump(conn, client)
	readPump(conn)
	return nil
}

func (hub *Hub) register(client *subscriber) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.byUser[client.userID] == nil {
		hub.byUser[client.userID] = map[*subscriber]struct{}{}
	}
	hub.byUser[client.userID][client] = struct{}{}
}

func (hub *Hub) unregister(client *subscriber) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if clients := hub.byUser[client.userID]; clients != nil {
		delete(clients, client)
		if len(clients) == 0 {
			delete(hub.byUser, client.userID)
		}
	}
	client.close()
}

func writePump(conn *websocket.Conn, client *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case message, ok := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so control messages are processed; subscribers never send data.
func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(readLimitBytes)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
