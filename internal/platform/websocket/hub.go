// Package websocket tracks WebSocket connections grouped into rooms and
// delivers already-encoded frames to every connection in a room.
package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Client represents a single WebSocket connection joined to one room.
// Frames queued on Send are written by the connection's write pump.
type Client struct {
	ID   string
	Room string
	Send chan []byte
}

// NewClient creates a client for the given room.
func NewClient(room string) *Client {
	return &Client{
		ID:   uuid.New().String(),
		Room: room,
		Send: make(chan []byte, sendBuffer),
	}
}

// Hub is the central connection manager that tracks clients by room.
// All operations are thread-safe via sync.RWMutex.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
	all   map[*Client]struct{}
}

// NewHub creates a new Hub ready to manage WebSocket clients.
func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*Client]struct{}),
		all:   make(map[*Client]struct{}),
	}
}

// Register adds a client to the hub and joins it to its room.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	if h.rooms[client.Room] == nil {
		h.rooms[client.Room] = make(map[*Client]struct{})
	}
	h.rooms[client.Room][client] = struct{}{}
}

// Unregister removes a client from the hub and its room, and closes the
// client's Send channel. Unregistering twice is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}

	if members, ok := h.rooms[client.Room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, client.Room)
		}
	}

	delete(h.all, client)
	close(client.Send)
}

// Broadcast delivers data to every client in room without blocking. A
// client whose buffer is full cannot be given the rest of the stream, so it
// is unregistered: its write pump flushes what is queued, sends a close
// frame and the peer reconnects to reload the session.
func (h *Hub) Broadcast(room string, data []byte) {
	var stalled []*Client

	h.mu.RLock()
	for client := range h.rooms[room] {
		select {
		case client.Send <- data:
		default:
			stalled = append(stalled, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range stalled {
		h.Unregister(client)
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// RoomCount returns the number of clients joined to room.
func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// NewUpgrader returns an upgrader accepting the given origins. An empty list
// or a "*" entry accepts any origin.
func NewUpgrader(origins []string) *gorillawebsocket.Upgrader {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	_, allowAll := allowed["*"]

	return &gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll || len(allowed) == 0 {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// ClosePolicyViolation sends a policy-violation close frame and closes ws.
func ClosePolicyViolation(ws *gorillawebsocket.Conn, reason string) error {
	msg := gorillawebsocket.FormatCloseMessage(gorillawebsocket.ClosePolicyViolation, reason)
	_ = ws.WriteControl(gorillawebsocket.CloseMessage, msg, time.Now().Add(writeWait))
	return ws.Close()
}

// Serve registers client with the hub and pumps ws until the peer goes away.
// Inbound frames are handed to onMessage one at a time on the read goroutine.
// Serve returns once the read loop exits and the client is unregistered.
func (h *Hub) Serve(client *Client, ws *gorillawebsocket.Conn, onMessage func([]byte)) {
	h.Register(client)
	go writePump(client, ws)
	readPump(h, client, ws, onMessage)
}

func readPump(h *Hub, client *Client, ws *gorillawebsocket.Conn, onMessage func([]byte)) {
	defer func() {
		h.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		onMessage(message)
	}
}

func writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
