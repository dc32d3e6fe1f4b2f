// Package peer implements the peer registry and pairing state machine: the
// in-memory model of every connected phone and the CONNECTED/WAITING/
// LINKING/LINKED transitions a CALL or WAIT drives it through.
package peer

import (
	"net"
	"sync"
	"time"

	"github.com/REONTeam/mobilerelay/internal/identity"
)

// State is a Peer's position in the pairing state machine. A caller mid-dial
// is not a distinct stored state — it is a transient that collapses into
// either LINKING (on success) or back to CONNECTED (on failure) before any
// other goroutine can observe it.
type State int

const (
	Connected State = iota
	Waiting
	Linking
	Linked
)

func (s State) String() string {
	switch s {
	case Connected:
		return "CONNECTED"
	case Waiting:
		return "WAITING"
	case Linking:
		return "LINKING"
	case Linked:
		return "LINKED"
	default:
		return "UNKNOWN"
	}
}

// Tag identifies why a Peer's signal channel was posted to. Each posted tag
// must be matched by exactly one recipient consumption; tags are never
// collapsed or coalesced because the channel is never drained by anyone but
// the single intended reader.
type Tag byte

const (
	TagWaiting Tag = iota + 1
	TagLinking
)

// CallResult is the tagged result of Peer.Call.
type CallResult int

const (
	CallPending CallResult = iota
	CallOK
	CallBusy
	CallInternal
)

// WaitResult is the tagged result of Peer.Wait.
type WaitResult int

const (
	WaitOK WaitResult = iota
	WaitInternal
	WaitPending
)

// Peer is an online session, unique by number while connected.
type Peer struct {
	identity *identity.Identity

	// lock guards transitions initiated by a *remote* caller (peer.Call
	// mutating a dialed target). The owning worker may read its own state
	// without this lock outside that window, because all third-party
	// mutation is gated by it.
	lock sync.Mutex

	state State
	pair  *Peer

	conn net.Conn

	// signal is the per-peer tagged wakeup a remote caller uses to hand off
	// readiness to this peer's own worker goroutine. Capacity 2: a callee can
	// legitimately have both TagWaiting (from Call) and TagLinking (from the
	// caller's follow-up CallReady) queued before it wakes to consume either,
	// since the caller's own goroutine runs both posts back to back without
	// waiting on the callee's poll cycle.
	signal chan Tag
}

// New creates a Peer in the CONNECTED state for a freshly handshaken
// identity. The socket is not yet installed; callers set it via SetConn once
// the handshake reply has been sent.
func New(id *identity.Identity) *Peer {
	return &Peer{
		identity: id,
		state:    Connected,
		signal:   make(chan Tag, 2),
	}
}

// Number returns the peer's dialable phone number.
func (p *Peer) Number() string { return p.identity.Number }

// Token returns the peer's bearer token.
func (p *Peer) Token() [16]byte { return p.identity.Token }

// SetConn installs the owning session worker's socket. Immutable after this
// call until disconnect.
func (p *Peer) SetConn(conn net.Conn) { p.conn = conn }

// Conn returns the peer's own socket.
func (p *Peer) Conn() net.Conn { return p.conn }

// State returns the peer's current state. Safe to call from the owning
// worker without locking; see the package doc comment on lock's scope.
func (p *Peer) State() State { return p.state }

// Pair returns the peer's current pairing partner, or nil.
func (p *Peer) Pair() *Peer { return p.pair }

// PartnerConn returns the socket of this peer's pairing partner. Only
// meaningful once LINKING/LINKED has been reached.
func (p *Peer) PartnerConn() net.Conn {
	if p.pair == nil {
		return nil
	}
	return p.pair.conn
}

// PartnerNumber returns the dialable number of this peer's pairing partner.
func (p *Peer) PartnerNumber() string {
	if p.pair == nil {
		return ""
	}
	return p.pair.Number()
}

// Call attempts to pair self (the caller) with target (the callee). Callers
// poll this repeatedly: CallPending means try again (target hasn't issued
// WAIT yet, or wasn't found), CallBusy/CallInternal are terminal. Once a
// pairing has latched, repeat calls are idempotent and return CallOK
// immediately, so a caller's retry loop never double-pairs.
func (p *Peer) Call(target *Peer) CallResult {
	if p.pair != nil {
		return CallOK
	}
	if p.state != Connected {
		return CallInternal
	}
	if target == nil {
		return CallPending
	}

	target.lock.Lock()
	defer target.lock.Unlock()

	if target.state == Connected {
		// Callee hasn't issued WAIT yet; keep polling.
		return CallPending
	}
	if target.state != Waiting || target.pair != nil {
		return CallBusy
	}

	// Latch. Neither peer's state advances here — that happens in
	// CallReady/WaitReady once each side's protocol reply is on the wire.
	p.pair = target
	target.pair = p
	target.postSignal(TagWaiting)
	return CallOK
}

// CallReady transitions the caller from CONNECTED to LINKING once its client
// has been told ACCEPTED, and wakes the target so it can begin its own
// LINKING transition.
func (p *Peer) CallReady() {
	if p.state == Connected {
		p.state = Linking
		if p.pair != nil {
			p.pair.postSignal(TagLinking)
		}
	}
}

// Wait polls self's readiness to be called. A nil pair promotes
// CONNECTED->WAITING and returns Pending; a non-nil pair consumes one signal
// tag and expects it to be TagWaiting.
func (p *Peer) Wait(timeout time.Duration) WaitResult {
	if p.pair != nil {
		tag, ok := p.consumeSignal(timeout)
		if !ok {
			return WaitPending
		}
		if tag != TagWaiting {
			return WaitInternal
		}
		return WaitOK
	}

	if p.state == Connected {
		p.state = Waiting
	}
	if p.state != Connected && p.state != Waiting {
		return WaitInternal
	}
	return WaitPending
}

// WaitReady transitions the callee from WAITING to LINKING once its client
// has been told ACCEPTED and the partner's number, and wakes the partner.
func (p *Peer) WaitReady() {
	if p.state == Waiting {
		p.state = Linking
		if p.pair != nil {
			p.pair.postSignal(TagLinking)
		}
	}
}

// WaitStop is invoked when a waiting client has itself sent data, indicating
// it is bailing out of WAIT. Returns false if the peer has already been
// latched by a caller (too late to cancel).
func (p *Peer) WaitStop() bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.pair != nil {
		return false
	}
	switch p.state {
	case Connected:
		return true
	case Waiting:
		p.state = Connected
		return true
	default:
		return false
	}
}

// Accept waits for a LINKING tag on self's own signal and verifies the
// partner has reached LINKING/LINKED, then promotes self to LINKED. This is
// the barrier that guarantees neither side begins relaying before both
// sides have finished sending their pre-relay protocol replies.
func (p *Peer) Accept(timeout time.Duration) CallResult {
	if p.state == Linked {
		return CallOK
	}
	if p.state != Linking {
		return CallInternal
	}

	tag, ok := p.consumeSignal(timeout)
	if !ok {
		return CallInternal
	}
	if tag != TagLinking {
		return CallInternal
	}
	if p.pair == nil || (p.pair.state != Linking && p.pair.state != Linked) {
		return CallInternal
	}
	p.state = Linked
	return CallOK
}

// postSignal is called by a *different* goroutine than the peer's own
// worker (the caller's goroutine touching the callee, or a partner's
// goroutine waking this peer after its own state advanced). Delivery is
// best-effort-nonblocking: the channel's capacity covers the two tags a
// single CALL/WAIT negotiation can legitimately queue (TagWaiting then
// TagLinking) before the owner drains either; a third post would indicate a
// protocol violation and is dropped rather than blocking the poster forever.
func (p *Peer) postSignal(tag Tag) {
	select {
	case p.signal <- tag:
	default:
	}
}

func (p *Peer) consumeSignal(timeout time.Duration) (Tag, bool) {
	select {
	case tag := <-p.signal:
		return tag, true
	case <-time.After(timeout):
		return 0, false
	}
}

// Close releases the peer's pairing link. Called by the registry during
// disconnect.
func (p *Peer) Close() {
	p.pair = nil
}
