// Package identity implements the durable (token, number) identity collaborator
// that the peer registry depends on. See internal/peer for the consumer side.
package identity

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store.LookupToken when the token is unknown. The
// session worker treats a nil identity the same way: handshake fails and the
// connection is closed.
var ErrNotFound = errors.New("identity: not found")

// ErrExhausted is returned by Store.AllocateIdentity when a fresh token or
// number could not be minted after the allowed number of collision retries.
var ErrExhausted = errors.New("identity: allocation exhausted")

// Identity is the immutable (token, number) record handed to a peer once it
// registers or reconnects. Tokens are unique; numbers are unique.
type Identity struct {
	Token  [16]byte
	Number string
}

// Store is the identity collaborator the core pairing logic depends on:
// looking up a previously issued token, minting a fresh identity, and
// bumping last-seen on activity.
type Store interface {
	// LookupToken resolves a previously issued token to its Identity. Returns
	// ErrNotFound if the token is unknown.
	LookupToken(ctx context.Context, token [16]byte) (*Identity, error)

	// AllocateIdentity mints a fresh Identity with a unique token and number.
	// Returns ErrExhausted only when allocation genuinely cannot proceed.
	AllocateIdentity(ctx context.Context) (*Identity, error)

	// UpdateLastSeen idempotently bumps the identity's last-seen timestamp.
	UpdateLastSeen(ctx context.Context, token [16]byte) error

	// Close releases any resources (connection pools, etc) held by the store.
	Close() error
}
