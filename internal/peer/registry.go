package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/REONTeam/mobilerelay/internal/identity"
)

// Registry tracks every currently connected Peer, keyed by its dialable
// number. Locking follows the teacher's relay server: a single RWMutex
// guards the map itself, while per-peer state is guarded by the Peer's own
// lock, so a long-running Call/Wait negotiation on one peer never blocks
// registry lookups for the rest.
type Registry struct {
	store identity.Store
	sink  EventSink

	mu      sync.RWMutex
	peers   map[string]*Peer
	byToken map[[16]byte]*Peer
}

// NewRegistry creates an empty registry backed by store.
func NewRegistry(store identity.Store) *Registry {
	return &Registry{
		store:   store,
		peers:   make(map[string]*Peer),
		byToken: make(map[[16]byte]*Peer),
	}
}

// SetEventSink wires an observer (internal/admin's Hub) to receive lifecycle
// events. Optional: a nil sink (the default) means events are simply not
// published, with no other change in behavior.
func (r *Registry) SetEventSink(sink EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// Publish reports a lifecycle transition to the wired event sink, if any.
// The session worker calls this at the transitions the registry itself
// cannot observe directly (pairing latch, post-barrier link) because those
// happen inside Peer methods invoked from the worker goroutine.
func (r *Registry) Publish(kind EventKind, p *Peer) {
	r.mu.RLock()
	sink := r.sink
	r.mu.RUnlock()
	if sink != nil {
		sink.Publish(eventFor(kind, p))
	}
}

// Connect resolves hasToken/token into a live Peer, allocating a fresh
// identity when hasToken is false. isNew reports whether a fresh identity
// was allocated (the caller must be told its new token). An unknown token
// is an error wrapping identity.ErrNotFound: no identity is allocated and
// the handshake is refused.
func (r *Registry) Connect(ctx context.Context, hasToken bool, token [16]byte) (p *Peer, isNew bool, err error) {
	var id *identity.Identity

	if hasToken {
		found, lookupErr := r.store.LookupToken(ctx, token)
		if lookupErr != nil {
			return nil, false, fmt.Errorf("registry: lookup token: %w", lookupErr)
		}
		id = found
	}

	if id == nil {
		allocated, allocErr := r.store.AllocateIdentity(ctx)
		if allocErr != nil {
			return nil, false, fmt.Errorf("registry: allocate identity: %w", allocErr)
		}
		id = allocated
		isNew = true
	} else if err := r.store.UpdateLastSeen(ctx, id.Token); err != nil {
		return nil, false, fmt.Errorf("registry: update last seen: %w", err)
	}

	peer := New(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	// A number already online is a double-login: the second connection is
	// rejected outright rather than displacing the first. A legitimate
	// reconnect first disconnects the old session (see Disconnect), which
	// removes it from this map before the new Connect ever reaches here.
	if _, ok := r.peers[id.Number]; ok {
		return nil, false, fmt.Errorf("registry: number %s is already connected", id.Number)
	}
	r.peers[id.Number] = peer
	r.byToken[id.Token] = peer
	sink := r.sink

	if sink != nil {
		sink.Publish(eventFor(EventConnected, peer))
	}
	return peer, isNew, nil
}

// Dial looks up a peer by dialable number. Returns nil if no such peer is
// currently connected.
func (r *Registry) Dial(number string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[number]
}

// Disconnect removes p from the registry and releases its pairing link. If
// p had an active pairing partner, the partner is left pointing at a peer
// that is no longer registered; the partner's own relay loop observes the
// closed socket and tears itself down independently.
func (r *Registry) Disconnect(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.peers[p.Number()]; ok && current == p {
		delete(r.peers, p.Number())
	}
	delete(r.byToken, p.Token())
	sink := r.sink
	p.Close()

	if sink != nil {
		sink.Publish(eventFor(EventDisconnected, p))
	}
}

// Count returns the number of currently connected peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// PeerInfo is a point-in-time, read-only snapshot of one peer, used by the
// operations API.
type PeerInfo struct {
	Number  string
	State   string
	Partner string
}

// Snapshot returns a point-in-time view of every connected peer, for the
// operations API's GET /peers endpoint.
func (r *Registry) Snapshot() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, PeerInfo{
			Number:  p.Number(),
			State:   p.State().String(),
			Partner: p.PartnerNumber(),
		})
	}
	return out
}
