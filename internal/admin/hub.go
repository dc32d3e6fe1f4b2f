package admin

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/REONTeam/mobilerelay/internal/peer"
)

// Hub fans registry lifecycle events out to every connected GET /ws/live
// dashboard. Grounded on the teacher's internal/websocket.Hub: a single
// goroutine owns the client map, and every send is a non-blocking
// select/default so a slow or absent dashboard can never block the
// registry's own goroutine (which calls Publish synchronously on every
// pairing transition).
type Hub struct {
	clients    map[uuid.UUID]*wsClient
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an idle Hub. Call Run in its own goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]*wsClient),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 256),
	}
}

// Run owns the client map until ctx-independent shutdown; callers run it in
// its own goroutine for the life of the process, exactly as the teacher's
// Hub.Run is started once from cmd/omnicloud's main.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c.id] = c
		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for _, c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow dashboard; drop rather than block the hub loop.
				}
			}
		}
	}
}

// Publish implements peer.EventSink. Called synchronously from the
// registry/worker goroutine that drove the transition; never blocks.
func (h *Hub) Publish(ev peer.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Printf("admin: broadcast buffer full, dropping %s event for %s", ev.Kind, ev.Number)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
