// Package session drives a single accepted connection end to end: the
// handshake, the post-handshake command loop (CALL/WAIT/GET_NUMBER), and the
// handoff into the relay bridge once two peers have linked. Grounded on the
// teacher's relay.Server.handleConnection, adapted from a newline-delimited
// text protocol to the fixed-length binary frames in internal/protocol.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/REONTeam/mobilerelay/internal/peer"
	"github.com/REONTeam/mobilerelay/internal/protocol"
)

// Timeouts bundles the negotiation timing a Worker uses. All are
// configurable (internal/config), unlike the hardcoded constants in the
// reference implementation this behavior was distilled from.
type Timeouts struct {
	// CallTimeout bounds how long a CALL command keeps retrying before
	// giving up with UNAVAILABLE.
	CallTimeout time.Duration
	// CallPoll is the interval at which a pending CALL re-dials and
	// re-attempts pairing.
	CallPoll time.Duration
	// WaitPoll is the interval at which a pending WAIT re-checks for an
	// incoming pairing while also watching its own socket for cancellation.
	WaitPoll time.Duration
	// AcceptTimeout bounds the post-reply barrier both sides wait at before
	// either is allowed to start relaying.
	AcceptTimeout time.Duration
	// HandshakeTimeout bounds the initial handshake read.
	HandshakeTimeout time.Duration
}

// DefaultTimeouts matches the distilled 100ms poll / 30s call timeout /
// 1000ms accept timeout.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		CallTimeout:      30 * time.Second,
		CallPoll:         100 * time.Millisecond,
		WaitPoll:         100 * time.Millisecond,
		AcceptTimeout:    1 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// TimeoutsSource holds a live, swappable Timeouts snapshot. configwatch
// calls Store on every config reload; every Worker negotiation loop calls
// Load on each iteration, so a retuned CALL/WAIT poll interval or timeout
// takes effect for in-flight negotiations without a restart.
type TimeoutsSource struct {
	v atomic.Value
}

// NewTimeoutsSource creates a TimeoutsSource seeded with initial.
func NewTimeoutsSource(initial Timeouts) *TimeoutsSource {
	src := &TimeoutsSource{}
	src.Store(initial)
	return src
}

// Store atomically replaces the live snapshot.
func (s *TimeoutsSource) Store(t Timeouts) {
	s.v.Store(t)
}

// Load returns the current snapshot.
func (s *TimeoutsSource) Load() Timeouts {
	return s.v.Load().(Timeouts)
}

// Logger is the narrow logging interface a Worker needs; internal/relaylog
// satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

// Worker owns one accepted connection for its entire lifetime.
type Worker struct {
	conn     net.Conn
	reader   *bufio.Reader
	registry *peer.Registry
	timeouts *TimeoutsSource
	log      Logger
	stats    Stats

	self *peer.Peer
}

// New creates a Worker for a freshly accepted connection. timeouts is read
// fresh on every negotiation-loop iteration, so a config hot-reload reaches
// in-flight connections.
func New(conn net.Conn, registry *peer.Registry, timeouts *TimeoutsSource, log Logger) *Worker {
	return &Worker{
		conn:     conn,
		reader:   protocol.NewReader(conn),
		registry: registry,
		timeouts: timeouts,
		log:      log,
	}
}

// SetStats wires optional operations-API counters. Must be called before Run;
// nil (the default) disables counting entirely.
func (w *Worker) SetStats(stats Stats) {
	w.stats = stats
}

// errQuiet marks a CALL/WAIT negotiation the client abandoned by sending
// data of its own: no reply is sent and the command loop resumes.
var errQuiet = errors.New("session: negotiation abandoned by client")

// Run drives the connection until it disconnects, handshake fails, or it is
// handed off to relay mode. The caller is responsible for closing conn.
func (w *Worker) Run(ctx context.Context) error {
	remote := w.conn.RemoteAddr().String()

	protocol.SetDeadline(w.conn, w.timeouts.Load().HandshakeTimeout)
	hs, err := protocol.ReadHandshake(w.reader)
	if err != nil {
		return fmt.Errorf("session %s: handshake: %w", remote, err)
	}

	p, isNew, err := w.registry.Connect(ctx, hs.HasToken, hs.Token)
	if err != nil {
		return fmt.Errorf("session %s: connect: %w", remote, err)
	}
	w.self = p
	p.SetConn(w.conn)
	defer w.registry.Disconnect(p)

	protocol.SetDeadline(w.conn, 0)
	if err := protocol.WriteHandshakeReply(w.conn, isNew, p.Token()); err != nil {
		return fmt.Errorf("session %s: handshake reply: %w", remote, err)
	}
	if w.log != nil {
		w.log.Printf("%s: logged in as %s%s", remote, p.Number(), newSuffix(isNew))
	}

	for {
		cmd, err := protocol.ReadCommandHeader(w.reader)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("session %s: command header: %w", remote, err)
		}

		var linked bool
		switch cmd {
		case protocol.CmdCall:
			linked, err = w.handleCall(ctx)
		case protocol.CmdWait:
			linked, err = w.handleWait(ctx)
		case protocol.CmdGetNumber:
			err = w.handleGetNumber()
		default:
			return fmt.Errorf("session %s: invalid command %d", remote, cmd)
		}
		if err != nil {
			if err == errQuiet {
				continue
			}
			return fmt.Errorf("session %s: %w", remote, err)
		}
		if linked {
			return w.relay(ctx)
		}
	}
}

func newSuffix(isNew bool) string {
	if isNew {
		return " (new user)"
	}
	return ""
}

// handleCall implements the CALL negotiation: poll-dial the target number,
// attempt pairing, and back out early if the client itself sends data
// (treated as a client-initiated cancel).
func (w *Worker) handleCall(ctx context.Context) (bool, error) {
	number, ok, err := protocol.ReadCallNumber(w.reader)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	start := time.Now()

	var target *peer.Peer
	for {
		if target == nil {
			target = w.registry.Dial(number)
		}

		if target != nil {
			switch w.self.Call(target) {
			case peer.CallOK:
				if err := protocol.WriteCallReply(w.conn, protocol.CallAccepted); err != nil {
					return false, err
				}
				w.self.CallReady()
				w.registry.Publish(peer.EventPaired, w.self)
				return true, nil
			case peer.CallBusy:
				protocol.WriteCallReply(w.conn, protocol.CallBusy)
				return false, nil
			case peer.CallInternal:
				protocol.WriteCallReply(w.conn, protocol.CallInternal)
				return false, fmt.Errorf("internal call state")
			case peer.CallPending:
				// keep polling
			}
		}

		// CallTimeout is read fresh every iteration (not captured once at
		// call start) so a config hot-reload shortening it takes effect on
		// a negotiation already in flight.
		if time.Since(start) >= w.timeouts.Load().CallTimeout {
			// Every non-pending Call outcome has already returned above, so
			// the number was either never online or its peer never issued
			// WAIT: both are UNAVAILABLE.
			protocol.WriteCallReply(w.conn, protocol.CallUnavailable)
			return false, nil
		}

		if canceled, err := w.checkClientCancel(); err != nil {
			return false, err
		} else if canceled {
			return false, errQuiet
		}
		if err := w.pollTick(ctx, w.timeouts.Load().CallPoll); err != nil {
			return false, err
		}
	}
}

// handleWait implements the WAIT negotiation, symmetric to handleCall: poll
// self's own pairing state and back out if the client sends data first.
func (w *Worker) handleWait(ctx context.Context) (bool, error) {
	for {
		switch w.self.Wait(0) {
		case peer.WaitOK:
			if err := protocol.WriteWaitReply(w.conn, protocol.WaitAccepted, w.self.PartnerNumber()); err != nil {
				return false, err
			}
			w.self.WaitReady()
			return true, nil
		case peer.WaitInternal:
			protocol.WriteWaitReply(w.conn, protocol.WaitInternal, "")
			return false, fmt.Errorf("internal wait state")
		case peer.WaitPending:
			// keep polling
		}

		if canceled, err := w.checkClientCancel(); err != nil {
			return false, err
		} else if canceled {
			if !w.self.WaitStop() {
				return false, fmt.Errorf("wait_stop: pairing already latched")
			}
			return false, errQuiet
		}
		if err := w.pollTick(ctx, w.timeouts.Load().WaitPoll); err != nil {
			return false, err
		}
	}
}

func (w *Worker) handleGetNumber() error {
	return protocol.WriteGetNumberReply(w.conn, w.self.Number())
}

// checkClientCancel performs a non-blocking peek at the client's socket: if
// bytes are already waiting, the client is bailing out of a CALL/WAIT
// negotiation on its own. It never consumes the bytes it peeks, so the
// command loop's next read sees them normally.
func (w *Worker) checkClientCancel() (bool, error) {
	protocol.SetDeadline(w.conn, 1*time.Millisecond)
	_, err := w.reader.Peek(1)
	protocol.SetDeadline(w.conn, 0)
	if err == nil {
		return true, nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false, nil
	}
	return false, fmt.Errorf("peek: %w", err)
}

// pollTick paces a negotiation loop's next iteration, honoring context
// cancellation (server shutdown) immediately instead of waiting out the
// full interval.
func (w *Worker) pollTick(ctx context.Context, interval time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(interval):
		return nil
	}
}
