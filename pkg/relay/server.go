// Package relay implements the signaling relay: a WebSocket server that
// assigns each joining peer a session-unique identity, announces peers to
// each other, and routes opaque negotiation payloads between them. It is
// signaling-only; no object state ever passes through it.
package relay

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tomaslejdung/scenesync/pkg/protocol"
)

// Client represents a connected peer on the relay side.
type Client struct {
	conn   *websocket.Conn
	room   string
	id     string // relay-assigned peer identity
	send   chan []byte
	server *Server
}

// Room holds the peers of one shared scene.
type Room struct {
	code    string
	clients map[string]*Client // peer id -> client
	mu      sync.RWMutex
}

// Server manages WebSocket connections and room routing.
type Server struct {
	rooms    map[string]*Room
	mu       sync.RWMutex
	upgrader websocket.Upgrader
}

// NewServer creates a relay server.
func NewServer() *Server {
	return &Server{
		rooms: make(map[string]*Room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}
}

// getOrCreateRoom returns existing room or creates new one
func (s *Server) getOrCreateRoom(code string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	code = NormalizeRoomCode(code)
	if room, exists := s.rooms[code]; exists {
		return room
	}

	room := &Room{
		code:    code,
		clients: make(map[string]*Client),
	}
	s.rooms[code] = room
	return room
}

// removeClient drops a client from its room and announces the departure to
// the remaining peers.
func (s *Server) removeClient(client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, exists := s.rooms[client.room]
	if !exists {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if _, ok := room.clients[client.id]; !ok {
		return
	}
	delete(room.clients, client.id)
	log.Printf("relay: peer %s left room %s (%d remaining)", client.id, room.code, len(room.clients))

	msg := protocol.RelayMessage{Type: protocol.TypeDisconnected, From: client.id}
	data, _ := json.Marshal(msg)
	for _, other := range room.clients {
		select {
		case other.send <- data:
		default:
		}
	}

	// Clean up empty rooms
	if len(room.clients) == 0 {
		delete(s.rooms, client.room)
	}
}

// HandleWebSocket handles WebSocket connections for signaling.
// Peers connect to /ws/{room-code}; the relay assigns them an identity,
// confirms it with an "open" message, and announces them to the room.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/ws/")
	roomCode := NormalizeRoomCode(path)

	if roomCode == "" || !ValidateRoomCode(roomCode) {
		http.Error(w, "Invalid room code", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: WebSocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		conn:   conn,
		room:   roomCode,
		id:     newPeerID(),
		send:   make(chan []byte, 256),
		server: s,
	}

	room := s.getOrCreateRoom(roomCode)
	room.mu.Lock()
	room.clients[client.id] = client
	log.Printf("relay: peer %s joined room %s (%d total)", client.id, room.code, len(room.clients))

	// Identity assignment first, then announce the newcomer to everyone
	// already in the room. The existing peers become initiators.
	openMsg, _ := json.Marshal(protocol.RelayMessage{Type: protocol.TypeOpen, From: client.id})
	client.send <- openMsg

	announce, _ := json.Marshal(protocol.RelayMessage{Type: protocol.TypeConnected, From: client.id})
	for id, other := range room.clients {
		if id == client.id {
			continue
		}
		select {
		case other.send <- announce:
		default:
		}
	}
	room.mu.Unlock()

	go client.writePump()
	go client.readPump()
}

// newPeerID mints a session-unique peer identity.
func newPeerID() string {
	return "peer-" + uuid.NewString()[:8]
}

// readPump reads messages from the WebSocket
func (c *Client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("relay: WebSocket error: %v", err)
			}
			break
		}

		var msg protocol.RelayMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("relay: invalid message format: %v", err)
			continue
		}

		c.handleMessage(msg)
	}
}

// writePump sends messages to the WebSocket
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Printf("relay: WebSocket write error: %v", err)
			return
		}
	}
}

// handleMessage routes one inbound message. Peers only ever send "signal"
// envelopes; the sender identity is stamped server-side so a peer cannot
// speak for anyone else.
func (c *Client) handleMessage(msg protocol.RelayMessage) {
	switch msg.Type {
	case protocol.TypeSignal:
		msg.From = c.id
		c.forwardSignal(msg)
	default:
		log.Printf("relay: unknown message type from %s: %s", c.id, msg.Type)
	}
}

// forwardSignal routes a negotiation payload to its addressee in the same
// room. Payloads for unknown peers are dropped; the sender's transport
// times out on its own.
func (c *Client) forwardSignal(msg protocol.RelayMessage) {
	c.server.mu.RLock()
	room, exists := c.server.rooms[c.room]
	c.server.mu.RUnlock()
	if !exists {
		return
	}

	room.mu.RLock()
	defer room.mu.RUnlock()

	target, ok := room.clients[msg.To]
	if !ok {
		log.Printf("relay: dropping signal from %s to unknown peer %s", msg.From, msg.To)
		return
	}

	data, _ := json.Marshal(msg)
	select {
	case target.send <- data:
	default:
		// Target buffer full, skip
	}
}

// StartServer starts the relay HTTP server
func (s *Server) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", s.HandleWebSocket)

	log.Printf("relay: server starting on %s", addr)
	return http.ListenAndServe(addr, mux)
}

// GetPeerCount returns the number of peers in a room.
func (s *Server) GetPeerCount(roomCode string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, exists := s.rooms[NormalizeRoomCode(roomCode)]
	if !exists {
		return 0
	}

	room.mu.RLock()
	defer room.mu.RUnlock()

	return len(room.clients)
}
