// Package netlink implements a UDP broadcast Transport for the Lan
// connection module: every node listens on a shared broadcast address
// and each datagram is the sender's own 32-byte peer id followed by the
// frame, so receivers can recognize echoes of their own traffic.
// The read-loop/dispatch shape follows the UDP discovery listeners in
// the retrieval pack (delida-xchain's p2p/discover, packet-in a
// goroutine feeding a channel consumed elsewhere).
package netlink

import (
	"fmt"
	"net"
	"sync"

	"github.com/qaul-go/meshcore/internal/transport"
	"github.com/qaul-go/meshcore/internal/types"
)

// MaxDatagramSize bounds one UDP frame; larger payloads are rejected
// by Send rather than silently fragmented.
const MaxDatagramSize = 60 * 1024

// Endpoint is a UDP-broadcast Transport bound to a local address.
type Endpoint struct {
	self types.PeerID
	conn *net.UDPConn

	inbox chan transport.Inbound

	mu     sync.Mutex
	closed bool
}

// Listen binds addr (e.g. ":9777") and starts the background read
// loop; self is stamped into every outgoing frame so receivers can
// identify the sender without a separate handshake.
func Listen(self types.PeerID, addr string) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("netlink transport: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("netlink transport: listen %s: %w", addr, err)
	}

	e := &Endpoint{
		self:  self,
		conn:  conn,
		inbox: make(chan transport.Inbound, 256),
	}
	go e.readLoop()
	return e, nil
}

// packet on the wire: 32-byte sender peer id followed by the frame.
func encodePacket(self types.PeerID, frame []byte) []byte {
	out := make([]byte, 32+len(frame))
	copy(out[:32], self[:])
	copy(out[32:], frame)
	return out
}

func decodePacket(raw []byte) (types.PeerID, []byte, error) {
	if len(raw) < 32 {
		return types.PeerID{}, nil, fmt.Errorf("netlink transport: short packet (%d bytes)", len(raw))
	}
	sender, err := types.PeerIDFromSlice(raw[:32])
	if err != nil {
		return types.PeerID{}, nil, err
	}
	return sender, raw[32:], nil
}

func (e *Endpoint) readLoop() {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, _, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return // connection closed
		}
		sender, frame, err := decodePacket(buf[:n])
		if err != nil {
			continue
		}
		if sender == e.self {
			continue // broadcast echo of our own datagram
		}
		select {
		case e.inbox <- transport.Inbound{From: sender, Frame: frame}:
		default: // inbox full: drop rather than block the read loop
		}
	}
}

// Send broadcasts frame on the local link; peer is not used to
// address the datagram (every node on the broadcast domain receives
// it). At the messaging layer, a receiver not named in
// envelope.receiver_id re-enqueues the frame for relay.
func (e *Endpoint) Send(peer types.PeerID, frame []byte) error {
	if len(frame) > MaxDatagramSize-32 {
		return fmt.Errorf("netlink transport: frame too large (%d bytes)", len(frame))
	}
	broadcastAddr, err := net.ResolveUDPAddr("udp4", broadcastAddrForLocal(e.conn))
	if err != nil {
		return fmt.Errorf("netlink transport: resolve broadcast addr: %w", err)
	}
	packet := encodePacket(e.self, frame)
	_, err = e.conn.WriteToUDP(packet, broadcastAddr)
	if err != nil {
		return fmt.Errorf("netlink transport: write: %w", err)
	}
	return nil
}

// broadcastAddrForLocal derives the limited broadcast address
// (255.255.255.255) on the local connection's port, the simplest
// portable broadcast target for a LAN probe.
func broadcastAddrForLocal(conn *net.UDPConn) string {
	port := conn.LocalAddr().(*net.UDPAddr).Port
	return fmt.Sprintf("255.255.255.255:%d", port)
}

// Listen returns the channel inbound frames are delivered on.
func (e *Endpoint) Listen() <-chan transport.Inbound {
	return e.inbox
}

// Close shuts down the UDP socket and the read loop.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	err := e.conn.Close()
	close(e.inbox)
	return err
}

var _ transport.Transport = (*Endpoint)(nil)
