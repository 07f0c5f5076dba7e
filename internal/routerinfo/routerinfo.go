// Package routerinfo implements the router-info scheduler: periodic,
// signed, per-neighbor routing advertisements, plus their wire
// encoding and receive-side verification.
package routerinfo

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/qaul-go/meshcore/internal/clock"
	"github.com/qaul-go/meshcore/internal/errs"
	"github.com/qaul-go/meshcore/internal/neighbor"
	"github.com/qaul-go/meshcore/internal/routing"
	"github.com/qaul-go/meshcore/internal/types"
	"github.com/qaul-go/meshcore/internal/users"
)

// DefaultInterval is the minimum time between advertisements sent to
// the same neighbor, in milliseconds.
const DefaultInterval = 10_000

// wireRoute is one { dest, hop, rtt, via } route row on the wire.
type wireRoute struct {
	Dest [32]byte
	Hop  uint32
	RTT  uint32
	Via  uint32
}

// wireUser is one { id, pk, name, updated } user row on the wire.
type wireUser struct {
	ID      [32]byte
	PK      [32]byte
	Name    string
	Updated uint64
}

// Advertisement is the decoded inner `data` of a router-info message.
type Advertisement struct {
	Node        types.PeerID
	Routes      []routing.AdvertisedRoute
	Users       []users.Record
	TimestampMs uint64
}

func toWire(a Advertisement) struct {
	Node   [32]byte
	Routes []wireRoute
	Users  []wireUser
	TS     uint64
} {
	routes := make([]wireRoute, 0, len(a.Routes))
	for _, r := range a.Routes {
		routes = append(routes, wireRoute{
			Dest: r.Destination,
			Hop:  r.HopCount,
			RTT:  r.RTTSumMicros,
			Via:  uint32(r.Module),
		})
	}
	usersWire := make([]wireUser, 0, len(a.Users))
	for _, u := range a.Users {
		var pk [32]byte
		copy(pk[:], u.PublicKey)
		usersWire = append(usersWire, wireUser{
			ID:      u.UserID,
			PK:      pk,
			Name:    u.DisplayName,
			Updated: u.LastUpdatedMs,
		})
	}
	return struct {
		Node   [32]byte
		Routes []wireRoute
		Users  []wireUser
		TS     uint64
	}{Node: a.Node, Routes: routes, Users: usersWire, TS: a.TimestampMs}
}

// encodeData serializes an Advertisement's inner data (everything that
// gets signed).
func encodeData(a Advertisement) ([]byte, error) {
	return json.Marshal(toWire(a))
}

func decodeData(raw []byte) (Advertisement, error) {
	var wire struct {
		Node   [32]byte
		Routes []wireRoute
		Users  []wireUser
		TS     uint64
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Advertisement{}, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	out := Advertisement{Node: wire.Node, TimestampMs: wire.TS}
	for _, r := range wire.Routes {
		out.Routes = append(out.Routes, routing.AdvertisedRoute{
			Destination:  r.Dest,
			HopCount:     r.Hop,
			RTTSumMicros: r.RTT,
			Module:       types.ConnectionModule(r.Via),
		})
	}
	for _, u := range wire.Users {
		out.Users = append(out.Users, users.Record{
			UserID:        u.ID,
			PublicKey:     append(ed25519.PublicKey(nil), u.PK[:]...),
			DisplayName:   u.Name,
			LastUpdatedMs: u.Updated,
		})
	}
	return out, nil
}

// Container is the outer signed envelope: { data, signature }.
type Container struct {
	Data      []byte
	Signature []byte
}

// Encode frames a Container as a 4-byte big-endian length prefix
// followed by its JSON encoding.
func Encode(c Container) ([]byte, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// Decode reverses Encode.
func Decode(framed []byte) (Container, error) {
	if len(framed) < 4 {
		return Container{}, fmt.Errorf("%w: short frame", errs.ErrDecode)
	}
	n := binary.BigEndian.Uint32(framed[:4])
	if uint32(len(framed)-4) < n {
		return Container{}, fmt.Errorf("%w: truncated frame", errs.ErrDecode)
	}
	var c Container
	if err := json.Unmarshal(framed[4:4+n], &c); err != nil {
		return Container{}, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	return c, nil
}

// entry tracks when a neighbor was last sent an advertisement.
type entry struct {
	lastSentMs uint64
}

// Scheduler emits at most one advertisement per call to CheckScheduler,
// choosing the most-overdue neighbor, and never re-sends to the same
// neighbor more often than Interval.
type Scheduler struct {
	mu        sync.Mutex
	neighbors map[types.PeerID]entry
	interval  uint64

	self      types.PeerID
	neighborT *neighbor.Table
	routes    *routing.Table
	userDir   *users.Directory
	signer    func([]byte) []byte

	log types.Logger
}

// New builds a scheduler for self, signing every advertisement with
// signer (typically identity.Get().Sign).
func New(self types.PeerID, neighborT *neighbor.Table, routes *routing.Table, userDir *users.Directory, signer func([]byte) []byte, log types.Logger) *Scheduler {
	return &Scheduler{
		neighbors: make(map[types.PeerID]entry),
		interval:  DefaultInterval,
		self:      self,
		neighborT: neighborT,
		routes:    routes,
		userDir:   userDir,
		signer:    signer,
		log:       log,
	}
}

// SetInterval overrides the default per-neighbor send interval, in
// milliseconds.
func (s *Scheduler) SetInterval(ms uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = ms
}

// AddNeighbor registers a newly discovered neighbor with the
// scheduler, backdating its last-sent timestamp so it becomes
// immediately due.
func (s *Scheduler) AddNeighbor(peerID types.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.neighbors[peerID]; ok {
		return
	}
	var backdated uint64
	now := clock.NowMillis()
	if now > s.interval {
		backdated = now - s.interval
	}
	s.neighbors[peerID] = entry{lastSentMs: backdated}
}

// Outgoing is what CheckScheduler hands back for the caller to
// transmit.
type Outgoing struct {
	Neighbor types.PeerID
	Module   types.ConnectionModule
	Frame    []byte
}

// CheckScheduler polls for the single most-overdue neighbor and, if
// one exists and is still reachable, returns a freshly built and
// signed advertisement for it on the module with currently-lowest
// RTT. If the most-overdue neighbor is no longer a neighbor at all,
// its scheduler entry is dropped and the next call will consider the
// remaining candidates.
func (s *Scheduler) CheckScheduler() (Outgoing, bool) {
	now := clock.NowMillis()

	var overdueID types.PeerID
	var overdueBy uint64
	found := false

	s.mu.Lock()
	for peerID, e := range s.neighbors {
		if now < e.lastSentMs+s.interval {
			continue
		}
		by := now - (e.lastSentMs + s.interval)
		if !found || by > overdueBy {
			overdueID = peerID
			overdueBy = by
			found = true
		}
	}
	s.mu.Unlock()

	if !found {
		return Outgoing{}, false
	}

	module := s.neighborT.IsNeighbor(overdueID)
	if module == types.ModuleNone {
		s.log.Warnf("neighbor %s is no longer reachable, removing from scheduler", overdueID)
		s.mu.Lock()
		delete(s.neighbors, overdueID)
		s.mu.Unlock()
		return Outgoing{}, false
	}

	s.mu.Lock()
	s.neighbors[overdueID] = entry{lastSentMs: now}
	s.mu.Unlock()

	frame, err := s.Create(overdueID)
	if err != nil {
		s.log.Errorf("failed building advertisement for %s: %v", overdueID, err)
		return Outgoing{}, false
	}

	return Outgoing{Neighbor: overdueID, Module: module, Frame: frame}, true
}

// Create builds and signs a fresh advertisement for neighbor, applying
// split horizon, and returns its wire-encoded frame.
func (s *Scheduler) Create(neighborID types.PeerID) ([]byte, error) {
	ad := Advertisement{
		Node:        s.self,
		Routes:      s.routes.SnapshotForNeighbor(neighborID),
		Users:       s.userDir.Snapshot(),
		TimestampMs: clock.NowMillis(),
	}

	data, err := encodeData(ad)
	if err != nil {
		return nil, fmt.Errorf("encode advertisement: %w", err)
	}

	sig := s.signer(data)
	return Encode(Container{Data: data, Signature: sig})
}

// ReceiveResult is what Receive hands to the router after verification.
type ReceiveResult struct {
	Sender types.PeerID
	Routes []routing.AdvertisedRoute
	Users  []users.Record
}

// Receive decodes and verifies a received advertisement frame. If the
// sender is unknown to the user directory, its public key is read
// trust-on-first-use from the advertisement's own `users` table — a
// node always lists itself there — rather than rejecting the frame
// outright. trustOnFirstUse registers that key for future
// verification.
func Receive(framed []byte, getKey func(types.PeerID) (ed25519.PublicKey, bool), trustOnFirstUse func(types.PeerID, ed25519.PublicKey)) (ReceiveResult, error) {
	container, err := Decode(framed)
	if err != nil {
		return ReceiveResult{}, err
	}

	ad, err := decodeData(container.Data)
	if err != nil {
		return ReceiveResult{}, err
	}

	key, known := getKey(ad.Node)
	if !known {
		for _, u := range ad.Users {
			if u.UserID == ad.Node {
				key = u.PublicKey
				known = true
				break
			}
		}
		if !known {
			return ReceiveResult{}, fmt.Errorf("%w: key unknown and advertisement does not self-describe", errs.ErrUnknownSender)
		}
	}

	if !verifySignature(key, container.Data, container.Signature) {
		return ReceiveResult{}, errs.ErrSignatureInvalid
	}

	trustOnFirstUse(ad.Node, key)

	return ReceiveResult{Sender: ad.Node, Routes: ad.Routes, Users: ad.Users}, nil
}

func verifySignature(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
