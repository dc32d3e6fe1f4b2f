package session

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/REONTeam/mobilerelay/internal/peer"
)

// relayBufferSize matches the reference protocol's per-read chunk size:
// this relay carries small framed voice-call payloads, not bulk transfer,
// so there is no reason to size up to the teacher's 256KB bridge buffer.
const relayBufferSize = 1024

// Stats is the narrow set of counters the operations API tracks; wiring it
// is optional (the zero Worker has none) so the relay never depends on an
// observer being present. internal/admin.Counters satisfies this.
type Stats interface {
	IncSessions()
	AddBytesIn(n int64)
	AddBytesOut(n int64)
}

// relay waits at the post-reply barrier (Peer.Accept) so neither side starts
// forwarding bytes before both sides have their protocol reply on the wire,
// then forwards this connection's own inbound bytes to its partner until
// either side closes.
//
// Only one direction is copied here: the partner's own Worker independently
// reaches this same function once it links, and copies the opposite
// direction. Together the two workers form the full duplex bridge; copying
// both directions from a single worker would mean two goroutines racing to
// read the same socket (this worker's and the partner's), since the
// partner's Worker runs the identical loop concurrently.
func (w *Worker) relay(ctx context.Context) error {
	if w.self.Accept(w.timeouts.Load().AcceptTimeout) != peer.CallOK {
		return fmt.Errorf("relay: accept barrier failed")
	}
	w.registry.Publish(peer.EventLinked, w.self)

	partner := w.self.PartnerConn()
	if partner == nil {
		return fmt.Errorf("relay: no partner socket")
	}
	if w.log != nil {
		w.log.Printf("%s: starting relay with %s", w.conn.RemoteAddr(), w.self.PartnerNumber())
	}
	if w.stats != nil {
		w.stats.IncSessions()
	}

	buf := make([]byte, relayBufferSize)
	// Wrapping both ends hides net.TCPConn's ReadFrom/WriteTo, which would
	// otherwise make io.CopyBuffer ignore buf and its relayBufferSize reads.
	n, err := io.CopyBuffer(struct{ io.Writer }{partner}, struct{ io.Reader }{w.conn}, buf)
	// Our own read ended (our client closed, or the partner's write side
	// closed on us). Either way, the partner must see the same EOF rather
	// than staying blocked reading a connection whose other half is gone:
	// close its write side so its own relay's read returns, the way the
	// teacher's bridge() propagates EOF with CloseWrite.
	closeWrite(partner)
	if w.stats != nil {
		// n bytes were read from this worker's own client (in) and written
		// to its partner (out) in the same copy; the partner's own Worker
		// counts the opposite direction symmetrically.
		w.stats.AddBytesIn(n)
		w.stats.AddBytesOut(n)
	}
	// A write error here means the partner already closed; an EOF on our own
	// read means our own client closed. Both are ordinary call termination,
	// not a fault.
	_ = err
	return nil
}

// closeWrite half-closes conn's write side so its remote peer observes EOF
// without tearing down the read side prematurely. Connections that don't
// support a half-close (such as net.Pipe, used in tests) fall back to a full
// Close, which is the only way to signal EOF to them.
func closeWrite(conn net.Conn) {
	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		hc.CloseWrite()
		return
	}
	conn.Close()
}
