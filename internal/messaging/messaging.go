// Package messaging implements the messaging engine: envelope
// construction, pairwise encryption, the scheduled-message send queue,
// and inbound frame dispatch, including the confirmation protocol
// wired directly into the chat-message receive path.
package messaging

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/qaul-go/meshcore/internal/clock"
	"github.com/qaul-go/meshcore/internal/crypto"
	"github.com/qaul-go/meshcore/internal/errs"
	"github.com/qaul-go/meshcore/internal/journal"
	"github.com/qaul-go/meshcore/internal/metrics"
	"github.com/qaul-go/meshcore/internal/routing"
	"github.com/qaul-go/meshcore/internal/storage"
	"github.com/qaul-go/meshcore/internal/types"
	"github.com/qaul-go/meshcore/internal/users"
)

// DefaultMaxAttempts bounds how many times CheckScheduler may emit a
// frame for one scheduled message before it is moved to the failed
// store (default: 16).
const DefaultMaxAttempts = 16

// DefaultMaxQueueDepth bounds the send queue (default: 10000).
const DefaultMaxQueueDepth = 10_000

const failedMessagesBucket = "failed_messages"

// Kind tags the inner Messaging union.
type Kind int

const (
	KindChatMessage Kind = iota
	KindFileMessage
	KindGroupMessage
	KindRtcMessage
	KindConfirmationMessage
	KindCryptoService
)

// Inner is the decoded `Messaging` union payload carried, once
// decrypted, inside an Envelope's data chunks.
type Inner struct {
	Kind                   Kind
	ChatContent            string
	FileContent            []byte
	GroupContent           []byte
	RtcContent             []byte
	ConfirmationMessageID  journal.MessageID
	ConfirmationReceivedAt uint64
	CryptoServicePayload   []byte
}

func wrapJSON(v interface{}) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		// Every Inner variant is built from plain Go values; Marshal can
		// only fail on unsupported types, which never occurs here.
		panic(err)
	}
	return raw
}

// EncodeInner serializes an Inner value for encryption.
func EncodeInner(in Inner) []byte {
	return wrapJSON(in)
}

// DecodeInner reverses EncodeInner.
func DecodeInner(raw []byte) (Inner, error) {
	var in Inner
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inner{}, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	return in, nil
}

// Envelope is the wire envelope.
type Envelope struct {
	SenderID   types.UserID
	ReceiverID types.UserID
	Data       []crypto.Chunk
}

// Container is the signed outer wrapper.
type Container struct {
	Signature []byte
	Envelope  Envelope
}

type wireChunk struct {
	Nonce      [crypto.NonceSize]byte
	Ciphertext []byte
}

type wireEnvelope struct {
	SenderID   [32]byte
	ReceiverID [32]byte
	Data       []wireChunk
}

type wireContainer struct {
	Signature []byte
	Envelope  wireEnvelope
}

func encodeEnvelope(e Envelope) ([]byte, error) {
	w := wireEnvelope{SenderID: e.SenderID, ReceiverID: e.ReceiverID}
	for _, c := range e.Data {
		w.Data = append(w.Data, wireChunk{Nonce: c.Nonce, Ciphertext: c.Ciphertext})
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return raw, nil
}

// Encode frames a Container as a 4-byte big-endian length prefix
// followed by its JSON encoding, matching the routerinfo-advertisement
// wire convention.
func Encode(c Container) ([]byte, error) {
	w := wireEnvelope{SenderID: c.Envelope.SenderID, ReceiverID: c.Envelope.ReceiverID}
	for _, chunk := range c.Envelope.Data {
		w.Data = append(w.Data, wireChunk{Nonce: chunk.Nonce, Ciphertext: chunk.Ciphertext})
	}
	body, err := json.Marshal(wireContainer{Signature: c.Signature, Envelope: w})
	if err != nil {
		return nil, fmt.Errorf("encode container: %w", err)
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
	var w wireContainer
	if err := json.Unmarshal(framed[4:4+n], &w); err != nil {
		return Container{}, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	env := Envelope{SenderID: w.Envelope.SenderID, ReceiverID: w.Envelope.ReceiverID}
	for _, c := range w.Envelope.Data {
		env.Data = append(env.Data, crypto.Chunk{Nonce: c.Nonce, Ciphertext: c.Ciphertext})
	}
	return Container{Signature: w.Signature, Envelope: env}, nil
}

func validEnvelope(e Envelope) bool {
	return !e.SenderID.IsZero() && !e.ReceiverID.IsZero() && len(e.Data) > 0
}

// scheduledMessage is one queue item.
type scheduledMessage struct {
	receiverID   types.UserID
	containerRaw []byte
	messageID    journal.MessageID
	enqueuedAtMs uint64
	attempts     int
}

// Outgoing is what CheckScheduler hands back for the caller to
// transmit.
type Outgoing struct {
	NextHop types.PeerID
	Module  types.ConnectionModule
	Frame   []byte
}

// Handlers dispatches inner message kinds this package does not own
// the business logic for. ChatMessage and ConfirmationMessage are
// handled internally against the wired Journal; everything else is
// handed to these callbacks.
type Handlers interface {
	OnFileMessage(sender types.UserID, content []byte)
	OnGroupMessage(sender types.UserID, content []byte)
	OnRtcMessage(sender types.UserID, content []byte)
	OnCryptoService(sender types.UserID, payload []byte)
}

// SigningIdentity is the minimal identity surface the engine needs:
// this node's id, private key (for signing and key agreement), and
// the ability to sign.
type SigningIdentity interface {
	ID() types.PeerID
	PrivateKey() ed25519.PrivateKey
	Sign(data []byte) []byte
}

// Engine is the messaging engine for one local account.
type Engine struct {
	mu    sync.Mutex
	queue []scheduledMessage

	self     SigningIdentity
	routes   *routing.Table
	userDir  *users.Directory
	journal  *journal.Journal
	failed   storage.KV
	handlers Handlers
	metrics  *metrics.Set
	log      types.Logger

	maxAttempts   int
	maxQueueDepth int
}

// New builds a messaging engine bound to self's journal, routing
// table, and user directory. failed is the node-wide persistent
// failed-message store (tree `failed_messages`).
func New(self SigningIdentity, routes *routing.Table, userDir *users.Directory, j *journal.Journal, failed storage.KV, handlers Handlers, metricsSet *metrics.Set, log types.Logger) *Engine {
	return &Engine{
		self:          self,
		routes:        routes,
		userDir:       userDir,
		journal:       j,
		failed:        failed,
		handlers:      handlers,
		metrics:       metricsSet,
		log:           log,
		maxAttempts:   DefaultMaxAttempts,
		maxQueueDepth: DefaultMaxQueueDepth,
	}
}

// SetMaxAttempts overrides the default retry bound.
func (e *Engine) SetMaxAttempts(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxAttempts = n
}

// SetMaxQueueDepth overrides the default queue depth bound.
func (e *Engine) SetMaxQueueDepth(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxQueueDepth = n
}

// PackAndSend encrypts plaintext for receiverID, signs the resulting
// envelope, and enqueues it for transmission. The returned MessageID
// is derived from the envelope's signature, which is itself
// transmitted on the wire — so a receiver observing the same Container
// later derives the identical id, which is what makes journal inserts
// idempotent across duplicate delivery.
func (e *Engine) PackAndSend(receiverID types.UserID, plaintext []byte) (journal.MessageID, error) {
	if receiverID.IsZero() {
		return journal.MessageID{}, errs.ErrNoReceiver
	}

	receiverPub, ok := e.userDir.GetPublicKey(receiverID)
	if !ok {
		return journal.MessageID{}, fmt.Errorf("%w: receiver key unknown", errs.ErrEncryption)
	}

	key, err := crypto.DeriveSharedKey(e.self.PrivateKey(), receiverPub)
	if err != nil {
		return journal.MessageID{}, fmt.Errorf("%w: %v", errs.ErrEncryption, err)
	}

	chunks, err := crypto.Seal(key, plaintext)
	if err != nil {
		return journal.MessageID{}, fmt.Errorf("%w: %v", errs.ErrEncryption, err)
	}

	env := Envelope{SenderID: e.self.ID(), ReceiverID: receiverID, Data: chunks}
	envRaw, err := encodeEnvelope(env)
	if err != nil {
		return journal.MessageID{}, fmt.Errorf("%w: %v", errs.ErrEncryption, err)
	}

	signature := e.self.Sign(envRaw)
	if len(signature) == 0 {
		return journal.MessageID{}, errs.ErrSign
	}

	framed, err := Encode(Container{Signature: signature, Envelope: env})
	if err != nil {
		return journal.MessageID{}, fmt.Errorf("%w: %v", errs.ErrEncryption, err)
	}

	messageID := journal.DeriveMessageID(signature)

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) >= e.maxQueueDepth {
		return journal.MessageID{}, errs.ErrBackpressure
	}
	e.queue = append(e.queue, scheduledMessage{
		receiverID:   receiverID,
		containerRaw: framed,
		messageID:    messageID,
		enqueuedAtMs: clock.NowMillis(),
	})

	if e.metrics != nil {
		e.metrics.QueueDepth.Set(float64(len(e.queue)))
	}

	return messageID, nil
}

// SendChatMessage is a convenience wrapper encoding a ChatMessage and
// journaling it as the local account's outgoing copy.
func (e *Engine) SendChatMessage(receiverID types.UserID, content string) (journal.MessageID, error) {
	messageID, err := e.PackAndSend(receiverID, EncodeInner(Inner{Kind: KindChatMessage, ChatContent: content}))
	if err != nil {
		return journal.MessageID{}, err
	}
	if e.journal != nil {
		convID := journal.DeriveDirectConversationID(e.self.ID(), receiverID)
		now := clock.NowMillis()
		if jerr := e.journal.SaveOutgoing(receiverID, convID, messageID, "text", []byte(content), now, journal.StatusSent); jerr != nil {
			e.log.Warnf("journal save_outgoing failed for %s: %v", messageID, jerr)
		}
	}
	return messageID, nil
}

func (e *Engine) sendConfirmation(receiverID types.UserID, messageID journal.MessageID, receivedAtMs uint64) {
	_, err := e.PackAndSend(receiverID, EncodeInner(Inner{
		Kind:                   KindConfirmationMessage,
		ConfirmationMessageID:  messageID,
		ConfirmationReceivedAt: receivedAtMs,
	}))
	if err != nil {
		e.log.Warnf("failed to send confirmation to %s: %v", receiverID, err)
	}
}

// CheckScheduler pops the head of the send queue. If no route exists
// to the receiver, the item is re-enqueued at the tail
// and (false) is returned. If the item's attempts counter exceeds
// maxAttempts, it is moved to the persistent failed-message store and
// the journal is notified.
func (e *Engine) CheckScheduler() (Outgoing, bool) {
	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return Outgoing{}, false
	}
	item := e.queue[0]
	e.queue = e.queue[1:]
	item.attempts++

	if item.attempts > e.maxAttempts {
		e.mu.Unlock()
		e.moveToFailed(item)
		return Outgoing{}, false
	}

	route, ok := e.routes.RouteTo(item.receiverID)
	if !ok {
		e.queue = append(e.queue, item)
		if e.metrics != nil {
			e.metrics.QueueDepth.Set(float64(len(e.queue)))
		}
		e.mu.Unlock()
		return Outgoing{}, false
	}
	if e.metrics != nil {
		e.metrics.QueueDepth.Set(float64(len(e.queue)))
		e.metrics.MessagesSent.Inc()
	}
	e.mu.Unlock()

	return Outgoing{NextHop: route.NextHop, Module: route.Module, Frame: item.containerRaw}, true
}

func failedKey(receiverID types.UserID, enqueuedAtMs uint64) []byte {
	key := make([]byte, 32+8)
	copy(key[:32], receiverID[:])
	binary.BigEndian.PutUint64(key[32:], enqueuedAtMs)
	return key
}

func (e *Engine) moveToFailed(item scheduledMessage) {
	if e.failed != nil {
		raw, err := json.Marshal(struct {
			ReceiverID   types.UserID
			ContainerRaw []byte
			EnqueuedAtMs uint64
			Attempts     int
		}{item.receiverID, item.containerRaw, item.enqueuedAtMs, item.attempts})
		if err == nil {
			if putErr := e.failed.Put(failedMessagesBucket, failedKey(item.receiverID, item.enqueuedAtMs), raw); putErr != nil {
				e.log.Errorf("failed to persist failed message: %v", putErr)
			}
		}
	}
	if e.journal != nil {
		if err := e.journal.UpdateStatus(item.messageID, journal.StatusFailed); err != nil {
			e.log.Warnf("journal update_status(Failed) error for %s: %v", item.messageID, err)
		}
	}
	if e.metrics != nil {
		e.metrics.MessagesFailed.Inc()
	}
}

// OnFrameReceived decodes an inbound frame. Frames not addressed to
// this account are re-enqueued for relay (store-and-forward); frames
// addressed here are verified, decrypted, and dispatched by inner
// message kind.
func (e *Engine) OnFrameReceived(framed []byte) {
	container, err := Decode(framed)
	if err != nil {
		e.log.Errorf("on_frame_received: decode error: %v", err)
		return
	}

	if !validEnvelope(container.Envelope) {
		e.log.Warnf("on_frame_received: refusing malformed envelope: %v", errs.ErrMalformedEnvelope)
		return
	}

	if container.Envelope.ReceiverID != e.self.ID() {
		e.relay(container.Envelope.ReceiverID, framed)
		return
	}

	senderPub, ok := e.userDir.GetPublicKey(container.Envelope.SenderID)
	if !ok {
		e.log.Warnf("on_frame_received: dropping frame from unknown sender %s", container.Envelope.SenderID)
		return
	}

	envRaw, err := encodeEnvelope(container.Envelope)
	if err != nil {
		e.log.Errorf("on_frame_received: re-encode error: %v", err)
		return
	}
	if !crypto.Verify(senderPub, envRaw, container.Signature) {
		e.log.Errorf("on_frame_received: %v from %s", errs.ErrSignatureInvalid, container.Envelope.SenderID)
		return
	}

	key, err := crypto.DeriveSharedKey(e.self.PrivateKey(), senderPub)
	if err != nil {
		e.log.Errorf("on_frame_received: key agreement error: %v", err)
		return
	}
	plaintext, err := crypto.Open(key, container.Envelope.Data)
	if err != nil {
		e.log.Errorf("on_frame_received: %v from %s", errs.ErrDecryptionFailed, container.Envelope.SenderID)
		return
	}

	inner, err := DecodeInner(plaintext)
	if err != nil {
		e.log.Errorf("on_frame_received: inner decode error: %v", err)
		return
	}

	e.dispatch(container.Envelope.SenderID, container.Signature, inner)
}

func (e *Engine) relay(receiverID types.UserID, framed []byte) {
	container, err := Decode(framed)
	if err != nil {
		return
	}

	e.mu.Lock()
	if len(e.queue) >= e.maxQueueDepth {
		e.mu.Unlock()
		e.log.Warnf("relay dropped for %s: %v", receiverID, errs.ErrBackpressure)
		return
	}
	e.queue = append(e.queue, scheduledMessage{
		receiverID:   receiverID,
		containerRaw: framed,
		messageID:    journal.DeriveMessageID(container.Signature),
		enqueuedAtMs: clock.NowMillis(),
	})
	if e.metrics != nil {
		e.metrics.QueueDepth.Set(float64(len(e.queue)))
		e.metrics.MessagesRelayed.Inc()
	}
	e.mu.Unlock()
}

func (e *Engine) dispatch(sender types.UserID, signature []byte, inner Inner) {
	switch inner.Kind {
	case KindChatMessage:
		e.handleChatMessage(sender, signature, inner.ChatContent)
	case KindFileMessage:
		if e.handlers != nil {
			e.handlers.OnFileMessage(sender, inner.FileContent)
		}
	case KindGroupMessage:
		if e.handlers != nil {
			e.handlers.OnGroupMessage(sender, inner.GroupContent)
		}
	case KindRtcMessage:
		if e.handlers != nil {
			e.handlers.OnRtcMessage(sender, inner.RtcContent)
		}
	case KindConfirmationMessage:
		e.handleConfirmation(sender, inner.ConfirmationMessageID, inner.ConfirmationReceivedAt)
	case KindCryptoService:
		if e.handlers != nil {
			e.handlers.OnCryptoService(sender, inner.CryptoServicePayload)
		}
	default:
		e.log.Warnf("on_frame_received: unknown inner message kind %d from %s", inner.Kind, sender)
	}
}

// handleChatMessage journals incoming chat content and runs the
// confirmation protocol: a successful ingestion always triggers a
// ConfirmationMessage back to the sender.
func (e *Engine) handleChatMessage(sender types.UserID, signature []byte, content string) {
	messageID := journal.DeriveMessageID(signature)
	now := clock.NowMillis()

	if e.journal != nil {
		convID := journal.DeriveDirectConversationID(e.self.ID(), sender)
		if err := e.journal.SaveIncoming(sender, convID, messageID, "text", []byte(content), now, journal.StatusConfirmed); err != nil {
			e.log.Warnf("journal save_incoming failed for %s: %v", messageID, err)
			return
		}
	}

	e.sendConfirmation(sender, messageID, now)
}

// handleConfirmation records a confirmation receipt on the sender's
// (this account's) journal. Confirmations are never themselves
// confirmed.
func (e *Engine) handleConfirmation(sender types.UserID, messageID journal.MessageID, receivedAtMs uint64) {
	if e.journal == nil {
		return
	}
	if err := e.journal.UpdateConfirmation(sender, messageID, receivedAtMs); err != nil {
		e.log.Warnf("update_confirmation failed for %s from %s: %v", messageID, sender, err)
	}
}

// QueueDepth reports the current send queue depth, for diagnostics.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}
