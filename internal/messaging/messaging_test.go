package messaging

import (
	"crypto/ed25519"
	"testing"

	"github.com/qaul-go/meshcore/internal/connections"
	"github.com/qaul-go/meshcore/internal/crypto"
	"github.com/qaul-go/meshcore/internal/journal"
	"github.com/qaul-go/meshcore/internal/logging"
	"github.com/qaul-go/meshcore/internal/routing"
	"github.com/qaul-go/meshcore/internal/storage"
	"github.com/qaul-go/meshcore/internal/types"
	"github.com/qaul-go/meshcore/internal/users"
)

// testIdentity wraps a crypto.KeyPair to satisfy SigningIdentity,
// avoiding the process-wide identity singleton so tests can run
// several accounts side by side.
type testIdentity struct {
	id   types.PeerID
	keys crypto.KeyPair
}

func newTestIdentity(t *testing.T) testIdentity {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	id, err := types.PeerIDFromSlice(kp.Public)
	if err != nil {
		t.Fatalf("peer id from slice: %v", err)
	}
	return testIdentity{id: id, keys: kp}
}

func (t testIdentity) ID() types.PeerID               { return t.id }
func (t testIdentity) PrivateKey() ed25519.PrivateKey { return t.keys.Private }
func (t testIdentity) Sign(data []byte) []byte        { return crypto.Sign(t.keys.Private, data) }

type noopHandlers struct{}

func (noopHandlers) OnFileMessage(types.UserID, []byte)   {}
func (noopHandlers) OnGroupMessage(types.UserID, []byte)  {}
func (noopHandlers) OnRtcMessage(types.UserID, []byte)    {}
func (noopHandlers) OnCryptoService(types.UserID, []byte) {}

// node bundles everything one simulated account needs for the tests.
type node struct {
	id      testIdentity
	journal *journal.Journal
	users   *users.Directory
	routes  *routing.Table
	conns   *connections.Tables
	engine  *Engine
}

func newNode(t *testing.T, identity testIdentity) *node {
	t.Helper()
	userDir := users.New()
	conns := connections.New(nil)
	routeTable := routing.New(identity.ID(), conns, nil)
	j := journal.New(storage.NewMemory(), identity.ID(), nil)
	log := logging.Noop()
	engine := New(identity, routeTable, userDir, j, storage.NewMemory(), noopHandlers{}, nil, log)
	return &node{id: identity, journal: j, users: userDir, routes: routeTable, conns: conns, engine: engine}
}

// directNeighbor makes a reachable as a 1-hop destination of b (and
// vice versa isn't implied), as if b observed a directly over Local.
func directNeighbor(b *node, a *node) {
	b.conns.Ingest(types.ModuleLocal, a.id.ID(), []connections.RouteEntry{{
		Destination: a.id.ID(),
		HopCount:    1,
	}})
	b.routes.Rebuild()
}

func TestTwoNodeDirectDeliveryAndConfirmation(t *testing.T) {
	a := newNode(t, newTestIdentity(t))
	b := newNode(t, newTestIdentity(t))

	a.users.CreateLocal(a.id.ID(), a.id.keys.Public, "alice")
	b.users.CreateLocal(b.id.ID(), b.id.keys.Public, "bob")
	a.users.Ingest([]users.Record{{UserID: b.id.ID(), PublicKey: b.id.keys.Public}})
	b.users.Ingest([]users.Record{{UserID: a.id.ID(), PublicKey: a.id.keys.Public}})

	directNeighbor(a, b) // a can reach b
	directNeighbor(b, a) // b can reach a

	messageID, err := a.engine.SendChatMessage(b.id.ID(), "hello")
	if err != nil {
		t.Fatalf("send chat message: %v", err)
	}

	out, ok := a.engine.CheckScheduler()
	if !ok {
		t.Fatalf("expected a route from a to b")
	}
	if out.NextHop != b.id.ID() {
		t.Fatalf("expected next hop b, got %s", out.NextHop)
	}

	b.engine.OnFrameReceived(out.Frame)

	msgs, err := b.journal.GetMessages(journal.DeriveDirectConversationID(a.id.ID(), b.id.ID()))
	if err != nil {
		t.Fatalf("b get messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content == nil {
		t.Fatalf("expected b to have journaled one message, got %+v", msgs)
	}
	if string(msgs[0].Content) != "hello" {
		t.Fatalf("expected content 'hello', got %q", msgs[0].Content)
	}

	// b's handler should have queued a confirmation back to a.
	confOut, ok := b.engine.CheckScheduler()
	if !ok {
		t.Fatalf("expected b to have queued a confirmation")
	}
	a.engine.OnFrameReceived(confOut.Frame)

	aMsgs, err := a.journal.GetMessages(journal.DeriveDirectConversationID(a.id.ID(), b.id.ID()))
	if err != nil {
		t.Fatalf("a get messages: %v", err)
	}
	if len(aMsgs) != 1 {
		t.Fatalf("expected a to have one journaled message, got %d", len(aMsgs))
	}
	if aMsgs[0].Status != journal.StatusConfirmed {
		t.Fatalf("expected a's message status Confirmed, got %v", aMsgs[0].Status)
	}
	if aMsgs[0].MessageID != messageID {
		t.Fatalf("expected message id %v, got %v", messageID, aMsgs[0].MessageID)
	}
}

func TestOnFrameReceivedRelaysWhenNotAddressedToSelf(t *testing.T) {
	a := newNode(t, newTestIdentity(t))
	relayHop := newNode(t, newTestIdentity(t))
	c := newNode(t, newTestIdentity(t))

	a.users.Ingest([]users.Record{{UserID: c.id.ID(), PublicKey: c.id.keys.Public}})

	// a doesn't need a route to send; PackAndSend only needs c's key.
	_, err := a.engine.PackAndSend(c.id.ID(), EncodeInner(Inner{Kind: KindChatMessage, ChatContent: "hi c"}))
	if err != nil {
		t.Fatalf("pack and send: %v", err)
	}
	out, ok := a.engine.CheckScheduler()
	// no route configured on a, so CheckScheduler should report false and
	// requeue; simulate the relay hop receiving the frame directly
	// instead, as if it were handed the frame out of band.
	if ok {
		t.Fatalf("did not expect a route to exist on a")
	}

	// Give the relay hop a route to c; the frame itself is built by hand
	// below, since CheckScheduler didn't emit one above.
	relayHop.conns.Ingest(types.ModuleLocal, c.id.ID(), []connections.RouteEntry{{Destination: c.id.ID(), HopCount: 1}})
	relayHop.routes.Rebuild()

	if relayHop.engine.QueueDepth() != 0 {
		t.Fatalf("expected empty queue before relay")
	}

	// Re-derive the frame the same way PackAndSend would have, addressed
	// to c but delivered to relayHop.
	key, err := crypto.DeriveSharedKey(a.id.keys.Private, c.id.keys.Public)
	if err != nil {
		t.Fatalf("derive shared key: %v", err)
	}
	chunks, err := crypto.Seal(key, EncodeInner(Inner{Kind: KindChatMessage, ChatContent: "hi c"}))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	env := Envelope{SenderID: a.id.ID(), ReceiverID: c.id.ID(), Data: chunks}
	envRaw, err := encodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	sig := a.id.Sign(envRaw)
	frame, err := Encode(Container{Signature: sig, Envelope: env})
	if err != nil {
		t.Fatalf("encode container: %v", err)
	}

	relayHop.engine.OnFrameReceived(frame)
	if relayHop.engine.QueueDepth() != 1 {
		t.Fatalf("expected relay hop to enqueue the frame for forwarding, depth=%d", relayHop.engine.QueueDepth())
	}
	_ = out
}

func TestDuplicateDeliveryIsIdempotentInJournal(t *testing.T) {
	a := newNode(t, newTestIdentity(t))
	b := newNode(t, newTestIdentity(t))

	a.users.Ingest([]users.Record{{UserID: b.id.ID(), PublicKey: b.id.keys.Public}})
	b.users.Ingest([]users.Record{{UserID: a.id.ID(), PublicKey: a.id.keys.Public}})
	directNeighbor(a, b)

	if _, err := a.engine.SendChatMessage(b.id.ID(), "dup"); err != nil {
		t.Fatalf("send: %v", err)
	}
	out, ok := a.engine.CheckScheduler()
	if !ok {
		t.Fatalf("expected route")
	}

	b.engine.OnFrameReceived(out.Frame)
	b.engine.OnFrameReceived(out.Frame) // duplicate delivery

	msgs, err := b.journal.GetMessages(journal.DeriveDirectConversationID(a.id.ID(), b.id.ID()))
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one journaled message after duplicate delivery, got %d", len(msgs))
	}
}

func TestCheckSchedulerMovesToFailedAfterMaxAttempts(t *testing.T) {
	a := newNode(t, newTestIdentity(t))
	b := newNode(t, newTestIdentity(t))
	a.users.Ingest([]users.Record{{UserID: b.id.ID(), PublicKey: b.id.keys.Public}})
	a.engine.SetMaxAttempts(2)

	messageID, err := a.engine.SendChatMessage(b.id.ID(), "never arrives")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// No route configured on a for b, ever.
	for i := 0; i < 2; i++ {
		if _, ok := a.engine.CheckScheduler(); ok {
			t.Fatalf("did not expect a route to exist")
		}
	}
	// Third attempt exceeds the bound and should move the message to the
	// failed store and mark the journal entry Failed.
	if _, ok := a.engine.CheckScheduler(); ok {
		t.Fatalf("did not expect a successful emission")
	}

	msgs, err := a.journal.GetMessages(journal.DeriveDirectConversationID(a.id.ID(), b.id.ID()))
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != messageID {
		t.Fatalf("expected one journaled message with id %v, got %+v", messageID, msgs)
	}
	if msgs[0].Status != journal.StatusFailed {
		t.Fatalf("expected status Failed, got %v", msgs[0].Status)
	}
}
