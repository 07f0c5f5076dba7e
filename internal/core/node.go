// Package core wires every router and messaging component into one
// running node: the neighbor table, connection tables, routing table,
// router-info scheduler, user directory, flooder, journal, and
// messaging engine, driven by a single cooperative tick loop — a
// poll-and-dispatch goroutine spawned through an Invoker, short
// per-subsystem critical sections, and a context-cancelable shutdown
// path.
package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/qaul-go/meshcore/internal/clock"
	"github.com/qaul-go/meshcore/internal/config"
	"github.com/qaul-go/meshcore/internal/connections"
	"github.com/qaul-go/meshcore/internal/flooder"
	"github.com/qaul-go/meshcore/internal/identity"
	"github.com/qaul-go/meshcore/internal/journal"
	"github.com/qaul-go/meshcore/internal/messaging"
	"github.com/qaul-go/meshcore/internal/metrics"
	"github.com/qaul-go/meshcore/internal/neighbor"
	"github.com/qaul-go/meshcore/internal/routerinfo"
	"github.com/qaul-go/meshcore/internal/routing"
	"github.com/qaul-go/meshcore/internal/storage"
	"github.com/qaul-go/meshcore/internal/transport"
	"github.com/qaul-go/meshcore/internal/types"
	"github.com/qaul-go/meshcore/internal/users"
)

// Frame tag bytes, prefixed to every frame handed to a Transport so
// the receiving dispatch loop knows which subsystem decodes it: three
// independent wire message families share one per-link transport.
const (
	tagRouterInfo byte = 0
	tagMessaging  byte = 1
	tagFlood      byte = 2
)

// FloodHandler is invoked once per newly-seen flood payload, after it
// has already been queued for forwarding to every other neighbor.
type FloodHandler func(payload []byte, origin types.PeerID)

// RPCHandler processes one request submitted through SubmitRPC and
// returns the response bytes to stage for TryDrainRPC. A nil response
// means no reply is queued for this request.
type RPCHandler func(request []byte) []byte

// DefaultRPCQueueDepth bounds how many submitted-but-undispatched RPC
// requests and dispatched-but-undrained RPC responses a Node buffers,
// so a hosting environment that stops draining can't grow these queues
// without bound.
const DefaultRPCQueueDepth = 1024

// ErrRPCQueueFull is returned by SubmitRPC when the inbound RPC queue
// is already at DefaultRPCQueueDepth.
var ErrRPCQueueFull = errors.New("rpc queue full")

// Node bundles every router and messaging component for one running
// account and drives them through RunOnce/Run.
type Node struct {
	self *identity.Identity

	neighbors *neighbor.Table
	conns     *connections.Tables
	routes    *routing.Table
	scheduler *routerinfo.Scheduler
	userDir   *users.Directory
	flood     *flooder.Flooder
	journal   *journal.Journal
	engine    *messaging.Engine

	kv      storage.KV
	metrics *metrics.Set
	log     types.Logger
	invoker types.Invoker

	mu         sync.Mutex
	transports map[types.ConnectionModule]transport.Transport

	rebuildIntervalMs uint64
	lastRebuildMs     uint64

	handlerMu     sync.RWMutex
	fileHandler   func(sender types.UserID, content []byte)
	groupHandler  func(sender types.UserID, content []byte)
	rtcHandler    func(sender types.UserID, content []byte)
	cryptoHandler func(sender types.UserID, payload []byte)
	floodHandler  FloodHandler

	rpcMu      sync.RWMutex
	rpcHandler RPCHandler
	rpcIn      chan []byte
	rpcOut     chan []byte

	cancel context.CancelFunc
}

// engineHandlers adapts Node's settable callback fields to
// messaging.Handlers, since the engine is constructed before Node's
// own handler fields can be assigned.
type engineHandlers struct {
	node *Node
}

func (h engineHandlers) OnFileMessage(sender types.UserID, content []byte) {
	h.node.handlerMu.RLock()
	f := h.node.fileHandler
	h.node.handlerMu.RUnlock()
	if f != nil {
		f(sender, content)
	}
}

func (h engineHandlers) OnGroupMessage(sender types.UserID, content []byte) {
	h.node.handlerMu.RLock()
	f := h.node.groupHandler
	h.node.handlerMu.RUnlock()
	if f != nil {
		f(sender, content)
	}
}

func (h engineHandlers) OnRtcMessage(sender types.UserID, content []byte) {
	h.node.handlerMu.RLock()
	f := h.node.rtcHandler
	h.node.handlerMu.RUnlock()
	if f != nil {
		f(sender, content)
	}
}

func (h engineHandlers) OnCryptoService(sender types.UserID, payload []byte) {
	h.node.handlerMu.RLock()
	f := h.node.cryptoHandler
	h.node.handlerMu.RUnlock()
	if f != nil {
		f(sender, payload)
	}
}

// New builds a Node for self, backed by kv for journal and
// failed-message storage, applying cfg's tunables to every subsystem
// that exposes one.
func New(self *identity.Identity, cfg config.Config, kv storage.KV, metricsSet *metrics.Set, log types.Logger, invoker types.Invoker) *Node {
	neighbors := neighbor.New(metricsSet)
	neighbors.SetStaleAfter(cfg.NeighborStaleAfterMs)

	n := &Node{
		self:              self,
		neighbors:         neighbors,
		userDir:           users.New(),
		flood:             flooder.New(metricsSet),
		kv:                kv,
		metrics:           metricsSet,
		log:               log,
		invoker:           invoker,
		transports:        make(map[types.ConnectionModule]transport.Transport),
		rebuildIntervalMs: cfg.RoutingRebuildIntervalMs,
		rpcIn:             make(chan []byte, DefaultRPCQueueDepth),
		rpcOut:            make(chan []byte, DefaultRPCQueueDepth),
	}

	n.conns = connections.New(nil)
	n.routes = routing.New(self.ID(), n.conns, metricsSet)
	n.scheduler = routerinfo.New(self.ID(), neighbors, n.routes, n.userDir, self.Sign, log)
	n.scheduler.SetInterval(cfg.RouterInfoIntervalMs)

	n.userDir.CreateLocal(self.ID(), self.PublicKey(), cfg.DisplayName)

	n.journal = journal.New(kv, self.ID(), metricsSet)

	n.engine = messaging.New(self, n.routes, n.userDir, n.journal, kv, engineHandlers{node: n}, metricsSet, log)
	n.engine.SetMaxAttempts(cfg.MaxAttempts)
	n.engine.SetMaxQueueDepth(cfg.MaxQueueDepth)

	return n
}

// RegisterTransport attaches a Transport for module. Replacing an
// already-registered module's transport is allowed (e.g. reconnect);
// the caller owns closing the previous one.
func (n *Node) RegisterTransport(module types.ConnectionModule, t transport.Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transports[module] = t
}

// SetFileHandler registers the callback invoked for inbound file
// messages not otherwise owned by this package.
func (n *Node) SetFileHandler(f func(sender types.UserID, content []byte)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.fileHandler = f
}

// SetGroupHandler registers the callback invoked for inbound group
// messages.
func (n *Node) SetGroupHandler(f func(sender types.UserID, content []byte)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.groupHandler = f
}

// SetRtcHandler registers the callback invoked for inbound
// call-signaling messages.
func (n *Node) SetRtcHandler(f func(sender types.UserID, content []byte)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.rtcHandler = f
}

// SetCryptoServiceHandler registers the callback invoked for inbound
// crypto-service payloads.
func (n *Node) SetCryptoServiceHandler(f func(sender types.UserID, payload []byte)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.cryptoHandler = f
}

// SetFloodHandler registers the callback invoked once per newly-seen
// flood payload.
func (n *Node) SetFloodHandler(f FloodHandler) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.floodHandler = f
}

// SetRPCHandler registers the callback that turns a submitted RPC
// request into its response, invoked once per request from inside the
// driver loop's service-dispatch step.
func (n *Node) SetRPCHandler(h RPCHandler) {
	n.rpcMu.Lock()
	defer n.rpcMu.Unlock()
	n.rpcHandler = h
}

// SubmitRPC enqueues a request for dispatch on the next tick. It never
// blocks: if the inbound queue is already full it returns
// ErrRPCQueueFull instead of waiting for room.
func (n *Node) SubmitRPC(data []byte) error {
	select {
	case n.rpcIn <- data:
		return nil
	default:
		return ErrRPCQueueFull
	}
}

// TryDrainRPC returns the oldest staged RPC response, if any, without
// blocking.
func (n *Node) TryDrainRPC() ([]byte, bool) {
	select {
	case resp := <-n.rpcOut:
		return resp, true
	default:
		return nil, false
	}
}

// serviceRPC dispatches at most one queued RPC request per tick,
// staging its response (if any) for TryDrainRPC. A request arriving
// with no handler registered is dropped.
func (n *Node) serviceRPC() {
	select {
	case req := <-n.rpcIn:
		n.rpcMu.RLock()
		h := n.rpcHandler
		n.rpcMu.RUnlock()
		if h == nil {
			return
		}
		if resp := h(req); resp != nil {
			select {
			case n.rpcOut <- resp:
			default:
				n.log.Warnf("rpc response queue full, dropping response")
			}
		}
	default:
	}
}

// SendChatMessage encrypts, signs and enqueues a chat message to
// receiverID, journaling it as sent.
func (n *Node) SendChatMessage(receiverID types.UserID, content string) (journal.MessageID, error) {
	return n.engine.SendChatMessage(receiverID, content)
}

// Flood submits a new payload for network-wide dissemination,
// originating from this node.
func (n *Node) Flood(payload []byte) {
	n.flood.Enqueue(payload, n.self.ID())
}

// Overview returns every conversation overview row for this account.
func (n *Node) Overview() ([]journal.Overview, error) {
	return n.journal.GetOverview()
}

// Messages returns every journaled message of one conversation.
func (n *Node) Messages(convID types.ConversationID) ([]journal.Message, error) {
	return n.journal.GetMessages(convID)
}

// Routes returns every currently elected routing-table entry.
func (n *Node) Routes() map[types.PeerID]routing.Route {
	return n.routes.AllRoutes()
}

// Neighbors returns every currently known (module, peer) neighbor pair.
func (n *Node) Neighbors() map[types.ConnectionModule][]types.PeerID {
	return n.neighbors.Snapshot()
}

func (n *Node) sendFramed(module types.ConnectionModule, peer types.PeerID, tag byte, body []byte) {
	n.mu.Lock()
	t, ok := n.transports[module]
	n.mu.Unlock()
	if !ok {
		n.log.Warnf("no transport registered for module %s, dropping frame to %s", module, peer)
		return
	}
	tagged := make([]byte, 1+len(body))
	tagged[0] = tag
	copy(tagged[1:], body)
	if err := t.Send(peer, tagged); err != nil {
		n.log.Warnf("send to %s over %s failed: %v", peer, module, err)
	}
}

// dispatchInbound routes one frame received from peer over module.
// Any inbound frame at all is treated as an implicit liveness signal
// for (module, peer): there is no explicit RTT-probing protocol wired
// in yet, so arrival itself stands in for a ping (see DESIGN.md).
func (n *Node) dispatchInbound(module types.ConnectionModule, peer types.PeerID, tagged []byte) {
	if len(tagged) == 0 {
		return
	}
	n.neighbors.UpdateNode(module, peer, 0)
	n.scheduler.AddNeighbor(peer)

	tag, body := tagged[0], tagged[1:]
	switch tag {
	case tagRouterInfo:
		result, err := routerinfo.Receive(body, n.userDir.GetPublicKey, n.userDir.TrustOnFirstUse)
		if err != nil {
			n.log.Warnf("router-info receive from %s over %s: %v", peer, module, err)
			return
		}
		// The advertising neighbor is itself one hop away; every route it
		// advertises is one hop further from here than from it.
		entries := make([]connections.RouteEntry, 0, len(result.Routes)+1)
		entries = append(entries, connections.RouteEntry{
			Destination: result.Sender,
			HopCount:    1,
		})
		for _, r := range result.Routes {
			entries = append(entries, connections.RouteEntry{
				Destination:  r.Destination,
				HopCount:     r.HopCount + 1,
				RTTSumMicros: r.RTTSumMicros,
			})
		}
		n.conns.Ingest(module, result.Sender, entries)
		n.userDir.Ingest(result.Users)

	case tagMessaging:
		n.engine.OnFrameReceived(body)

	case tagFlood:
		if n.flood.Enqueue(body, peer) {
			n.handlerMu.RLock()
			f := n.floodHandler
			n.handlerMu.RUnlock()
			if f != nil {
				f(body, peer)
			}
		}

	default:
		n.log.Warnf("unknown frame tag %d from %s over %s", tag, peer, module)
	}
}

// pollTransports drains every registered transport's inbound channel
// without blocking, so RunOnce never stalls waiting on one idle link.
func (n *Node) pollTransports() {
	n.mu.Lock()
	snapshot := make(map[types.ConnectionModule]transport.Transport, len(n.transports))
	for module, t := range n.transports {
		snapshot[module] = t
	}
	n.mu.Unlock()

	for module, t := range snapshot {
		n.drainTransport(module, t)
	}
}

// drainTransport pulls every frame currently buffered on t without
// blocking, so one idle or slow link never stalls the tick.
func (n *Node) drainTransport(module types.ConnectionModule, t transport.Transport) {
	for {
		select {
		case in, ok := <-t.Listen():
			if !ok {
				return
			}
			n.dispatchInbound(module, in.From, in.Frame)
		default:
			return
		}
	}
}

// serviceFlood forwards at most one popped flood item per tick to
// every neighbor except its origin.
func (n *Node) serviceFlood() {
	item, ok := n.flood.Pop()
	if !ok {
		return
	}
	for _, peer := range flooder.Forward(item, n.neighbors) {
		module := n.neighbors.IsNeighbor(peer)
		if module == types.ModuleNone {
			continue
		}
		n.sendFramed(module, peer, tagFlood, item.Payload)
	}
}

// RunOnce performs one driver-loop tick: poll transports, update
// neighbor/connection state, tick the router-info and messaging
// schedulers, service one flood dispatch, then dispatch one queued RPC
// request.
func (n *Node) RunOnce() {
	n.pollTransports()

	for _, evicted := range n.neighbors.EvictStale() {
		n.conns.RemoveNeighbor(evicted)
	}

	now := clock.NowMillis()
	if now-n.lastRebuildMs >= n.rebuildIntervalMs && n.conns.TakeDirty() {
		n.routes.Rebuild()
		n.lastRebuildMs = now
	}

	if out, ok := n.scheduler.CheckScheduler(); ok {
		n.sendFramed(out.Module, out.Neighbor, tagRouterInfo, out.Frame)
	}

	if out, ok := n.engine.CheckScheduler(); ok {
		n.sendFramed(out.Module, out.NextHop, tagMessaging, out.Frame)
	}

	n.serviceFlood()
	n.serviceRPC()
}

// Run starts the cooperative tick loop on a goroutine spawned through
// the node's Invoker, ticking every interval until ctx is canceled or
// Stop is called.
func (n *Node) Run(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.invoker.Spawn(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n.RunOnce()
			}
		}
	})
}

// Stop cancels the driver loop and waits for it to return.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.invoker.Stop()
}
