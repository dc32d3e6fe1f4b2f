package admin

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/REONTeam/mobilerelay/internal/peer"
)

// Server is the read-only operations HTTP/WebSocket surface. Grounded on
// the teacher's internal/api.Server: a gorilla/mux router with CORS and
// request-logging middleware applied to every route.
type Server struct {
	router   *mux.Router
	registry *peer.Registry
	counters *Counters
	hub      *Hub
	server   *http.Server
}

// NewServer builds the router. counters and hub must not be nil; pass
// &Counters{} and NewHub() when the caller has nothing real to track yet.
func NewServer(registry *peer.Registry, counters *Counters, hub *Hub) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		registry: registry,
		counters: counters,
		hub:      hub,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)

	s.router.HandleFunc("/stats", s.handleStats).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/peers", s.handlePeers).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/ws/live", s.handleLiveWS).Methods("GET")
}

// Start begins serving on addr. Blocks until the server shuts down, either
// via Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	log.Printf("admin: listening on %s", addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server immediately, closing its listener and any
// open connections without waiting for in-flight requests.
func (s *Server) Shutdown() error {
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sessions, in, out := s.counters.snapshot()

	snap := Snapshot{
		TotalSessions: sessions,
		BytesIn:       in,
		BytesOut:      out,
	}
	for _, p := range s.registry.Snapshot() {
		snap.PeerCount++
		switch p.State {
		case "CONNECTED":
			snap.Connected++
		case "WAITING":
			snap.Waiting++
		case "LINKING":
			snap.Linking++
		case "LINKED":
			snap.Linked++
		}
	}

	respondJSON(w, snap)
}

// peerView is the public, non-identifying projection of peer.PeerInfo:
// dialable number and state only, never a token or socket internal.
type peerView struct {
	Number  string `json:"number"`
	State   string `json:"state"`
	Partner string `json:"partner,omitempty"`
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	infos := s.registry.Snapshot()
	out := make([]peerView, 0, len(infos))
	for _, p := range infos {
		out = append(out, peerView{Number: p.Number, State: p.State, Partner: p.Partner})
	}
	respondJSON(w, out)
}

func (s *Server) handleLiveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("admin: ws upgrade: %v", err)
		return
	}

	c := &wsClient{id: uuid.New(), conn: conn, send: make(chan []byte, 32)}
	s.hub.register <- c

	go c.writePump()
	go c.readPump(s.hub)
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("admin: encode response: %v", err)
	}
}

// loggingMiddleware logs every admin request, matching the teacher's
// api.Server.loggingMiddleware shape.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("admin: %s %s %v", r.Method, r.RequestURI, time.Since(start))
	})
}

// corsMiddleware allows any origin to read the read-only operations surface,
// matching the teacher's api.Server.corsMiddleware. There is nothing
// sensitive behind it: no tokens, no socket internals, no relayed bytes.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
