// Package identity holds the node's long-lived signing keypair,
// derives its peer id, and exposes both as a process-wide singleton.
package identity

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/qaul-go/meshcore/internal/crypto"
	"github.com/qaul-go/meshcore/internal/types"
)

// Identity is the node's own keypair and derived peer id.
type Identity struct {
	keys   crypto.KeyPair
	peerID types.PeerID
}

var (
	mu       sync.RWMutex
	instance *Identity
)

// Init installs the process-wide identity from an existing keypair.
// Callers that need a fresh identity should generate a keypair with
// crypto.GenerateKeyPair and pass it here so the private key's
// lifecycle (e.g. loading from disk) stays outside this package.
func Init(keys crypto.KeyPair) (*Identity, error) {
	peerID, err := types.PeerIDFromSlice(keys.Public)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}

	id := &Identity{keys: keys, peerID: peerID}

	mu.Lock()
	instance = id
	mu.Unlock()

	return id, nil
}

// Get returns the process-wide identity. It panics if Init was never
// called, trusting initialization order rather than returning a zero
// value that would silently misbehave downstream.
func Get() *Identity {
	mu.RLock()
	defer mu.RUnlock()
	if instance == nil {
		panic("identity: Get called before Init")
	}
	return instance
}

// ID returns this node's peer id (its public key fingerprint).
func (i *Identity) ID() types.PeerID {
	return i.peerID
}

// PublicKey returns this node's Ed25519 public key.
func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.keys.Public
}

// Sign signs data with this node's private key.
func (i *Identity) Sign(data []byte) []byte {
	return crypto.Sign(i.keys.Private, data)
}

// PrivateKey returns this node's private key, only for passing by
// reference into key-agreement calls; never copied out to storage.
func (i *Identity) PrivateKey() ed25519.PrivateKey {
	return i.keys.Private
}
