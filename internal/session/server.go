package session

import (
	"context"
	"net"

	"github.com/REONTeam/mobilerelay/internal/peer"
)

// Server accepts TCP connections and spawns a Worker for each one. Grounded
// on the teacher's relay.Server.Start accept loop: listen, spawn a goroutine
// per accepted connection, and stop cleanly when the context is cancelled.
type Server struct {
	registry *peer.Registry
	timeouts *TimeoutsSource
	log      Logger
	stats    Stats
}

// NewServer creates a Server bound to registry. stats may be nil. timeouts
// is shared with whatever reloads it (internal/configwatch); every Worker
// spawned by this Server reads the same live snapshot.
func NewServer(registry *peer.Registry, timeouts *TimeoutsSource, log Logger, stats Stats) *Server {
	return &Server{
		registry: registry,
		timeouts: timeouts,
		log:      log,
		stats:    stats,
	}
}

// Serve accepts connections on ln until ctx is cancelled, handing each one
// to its own Worker goroutine. Returns nil on a clean shutdown (ctx done).
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				if s.log != nil {
					s.log.Printf("accept error: %v", err)
				}
				continue
			}
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	if s.log != nil {
		s.log.Printf("%s: connected", conn.RemoteAddr())
	}

	w := New(conn, s.registry, s.timeouts, s.log)
	w.SetStats(s.stats)

	if err := w.Run(ctx); err != nil {
		if s.log != nil {
			s.log.Printf("%s: quit: %v", conn.RemoteAddr(), err)
		}
	}
}
