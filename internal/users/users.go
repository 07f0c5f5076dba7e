// Package users implements the user directory: the process-wide
// registry of known users and their public keys, kept in sync by
// ingesting the `users` table of routing advertisements.
package users

import (
	"crypto/ed25519"
	"sync"

	"github.com/qaul-go/meshcore/internal/clock"
	"github.com/qaul-go/meshcore/internal/types"
)

// Record is one user directory entry.
type Record struct {
	UserID        types.UserID
	PublicKey     ed25519.PublicKey
	DisplayName   string
	LastUpdatedMs uint64
}

// Directory is the process-wide user_id -> Record map.
type Directory struct {
	mu      sync.RWMutex
	records map[types.UserID]Record
}

// New builds an empty directory.
func New() *Directory {
	return &Directory{records: make(map[types.UserID]Record)}
}

// CreateLocal registers the node's own account, stamped with the
// current time.
func (d *Directory) CreateLocal(userID types.UserID, pub ed25519.PublicKey, displayName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[userID] = Record{
		UserID:        userID,
		PublicKey:     append(ed25519.PublicKey(nil), pub...),
		DisplayName:   displayName,
		LastUpdatedMs: clock.NowMillis(),
	}
}

// Ingest merges a batch of records received inside a routing
// advertisement. Conflicts (same user_id already known) resolve to
// whichever record has the highest last_updated_ms.
func (d *Directory) Ingest(records []Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range records {
		existing, ok := d.records[r.UserID]
		if !ok || r.LastUpdatedMs > existing.LastUpdatedMs {
			d.records[r.UserID] = r
		}
	}
}

// GetPublicKey returns the known public key for userID.
func (d *Directory) GetPublicKey(userID types.UserID) (ed25519.PublicKey, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.records[userID]
	if !ok {
		return nil, false
	}
	return r.PublicKey, true
}

// GetName returns the known display name for userID, if any.
func (d *Directory) GetName(userID types.UserID) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.records[userID]
	if !ok || r.DisplayName == "" {
		return "", false
	}
	return r.DisplayName, true
}

// Snapshot returns every known record, used to build routing
// advertisements and for diagnostics.
func (d *Directory) Snapshot() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Record, 0, len(d.records))
	for _, r := range d.records {
		out = append(out, r)
	}
	return out
}

// TrustOnFirstUse registers a public key for a user we have never seen
// before, used by the router-info receive path when a signed
// advertisement arrives from an unknown sender: it is accepted and
// trusted on first use rather than dropped.
func (d *Directory) TrustOnFirstUse(userID types.UserID, pub ed25519.PublicKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.records[userID]; ok {
		return
	}
	d.records[userID] = Record{
		UserID:        userID,
		PublicKey:     append(ed25519.PublicKey(nil), pub...),
		LastUpdatedMs: clock.NowMillis(),
	}
}
