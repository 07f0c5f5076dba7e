// Package transport defines the Transport interface every connection
// module plugs into: per-neighbor-link unicast framed byte
// transmission.
package transport

import "github.com/qaul-go/meshcore/internal/types"

// Inbound is one frame arriving from a peer over a transport.
type Inbound struct {
	From  types.PeerID
	Frame []byte
}

// Transport is the communication primitive a connection module rides
// on. Neighbor discovery/pinging is out of this interface's scope; a
// Transport only ships and receives opaque framed bytes to/from a
// known peer address.
type Transport interface {
	// Send transmits frame to peer. Implementations that cannot address
	// individual peers directly (e.g. broadcast media) may ignore peer
	// and rely on the receiver's own address filtering.
	Send(peer types.PeerID, frame []byte) error

	// Listen returns the channel new inbound frames are published on.
	Listen() <-chan Inbound

	// Close shuts the transport down; Listen's channel is closed.
	Close() error
}
