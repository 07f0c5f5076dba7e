// Package types holds the wire and in-memory value types shared across
// the router and messaging core, plus the small interfaces (Logger,
// Invoker) that let every other package stay decoupled from a concrete
// logging backend or goroutine-spawning strategy.
package types

import (
	"encoding/hex"
	"fmt"
)

// PeerID is the 32-byte fingerprint of a node's long-term Ed25519
// public key.
type PeerID [32]byte

func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// IsZero reports whether p is the zero-value peer id.
func (p PeerID) IsZero() bool {
	return p == PeerID{}
}

// Less gives a stable lexicographic ordering over peer ids, used for
// routing-table tie-breaks.
func (p PeerID) Less(other PeerID) bool {
	for i := range p {
		if p[i] != other[i] {
			return p[i] < other[i]
		}
	}
	return false
}

// PeerIDFromSlice copies b into a PeerID, failing if the length is wrong.
func PeerIDFromSlice(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != len(id) {
		return id, fmt.Errorf("peer id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// UserID identifies a user account, same shape as a PeerID since every
// user is reachable through the peer that hosts its account.
type UserID = PeerID

// ConversationID is the 16-byte stable identifier of a direct chat or
// group conversation.
type ConversationID [16]byte

func (c ConversationID) String() string {
	return hex.EncodeToString(c[:])
}

// ConnectionModule is a transport category a neighbor link rides on.
type ConnectionModule uint32

const (
	// ModuleNone means "not currently reachable by any transport".
	ModuleNone ConnectionModule = iota
	// ModuleLan is local network broadcast/multicast.
	ModuleLan
	// ModuleInternet is a long-range internet overlay link.
	ModuleInternet
	// ModuleBle is a Bluetooth Low Energy link.
	ModuleBle
	// ModuleLocal is an in-process loopback link, used in tests.
	ModuleLocal
)

func (m ConnectionModule) String() string {
	switch m {
	case ModuleNone:
		return "none"
	case ModuleLan:
		return "lan"
	case ModuleInternet:
		return "internet"
	case ModuleBle:
		return "ble"
	case ModuleLocal:
		return "local"
	default:
		return fmt.Sprintf("module(%d)", uint32(m))
	}
}

// modulePreference ranks modules for routing tie-breaks: Local > Lan >
// Internet > Ble. Lower value wins.
var modulePreference = map[ConnectionModule]int{
	ModuleLocal:    0,
	ModuleLan:      1,
	ModuleInternet: 2,
	ModuleBle:      3,
	ModuleNone:     4,
}

// PreferenceRank returns the tie-break rank for a module; lower wins.
func (m ConnectionModule) PreferenceRank() int {
	if r, ok := modulePreference[m]; ok {
		return r
	}
	return len(modulePreference)
}

// Logger is the leveled logging interface every component accepts.
// The default implementation (internal/logging) backs it with logrus.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
}

// Invoker decouples "run this concurrently" from the logic that needs
// it to run concurrently, so tests can swap in a WaitGroup-tracked
// implementation for deterministic shutdown.
type Invoker interface {
	// Spawn runs f in a new goroutine tracked by the invoker.
	Spawn(f func())
	// Stop blocks until every spawned goroutine has returned.
	Stop()
}
