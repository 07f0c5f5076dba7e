// Package journal implements the per-conversation message journal: an
// ordered, idempotent, append-only log per account with overview
// rollups and delivery-status updates, backed by the sorted
// range-scannable storage.KV.
package journal

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/qaul-go/meshcore/internal/clock"
	"github.com/qaul-go/meshcore/internal/errs"
	"github.com/qaul-go/meshcore/internal/metrics"
	"github.com/qaul-go/meshcore/internal/storage"
	"github.com/qaul-go/meshcore/internal/types"
)

// Status is a message's delivery status. Transitions are monotonic
// except Failed -> Pending on retry.
type Status int

const (
	StatusPending Status = iota
	StatusSent
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MessageID is a 32-byte content-derived token uniquely identifying a
// message within an account.
type MessageID [32]byte

// DeriveMessageID derives a journal message id from an envelope
// signature by hashing the (64-byte Ed25519) signature down to 32
// bytes, so the externally-visible message id a signature already
// uniquely identifies also fits the journal's fixed-size token (see
// DESIGN.md).
func DeriveMessageID(signature []byte) MessageID {
	return MessageID(sha256.Sum256(signature))
}

// Reception records one group member's confirmation of a message.
type Reception struct {
	UserID      types.UserID
	ConfirmedAt uint64
}

// Message is one journaled chat message.
type Message struct {
	ConversationID types.ConversationID
	Index          uint64
	MessageID      MessageID
	Sender         types.UserID
	ContentType    string
	Content        []byte
	SentAtMs       uint64
	ReceivedAtMs   uint64
	Status         Status
	Receptions     []Reception
	ReceivedByAll  bool
}

// Overview is the rollup record for one conversation.
type Overview struct {
	ConversationID types.ConversationID
	LastIndex      uint64
	LastContent    string
	Unread         uint32
	LastSender     types.UserID
	PeerName       string
	LastAtMs       uint64
}

// Group is the membership record backing a conversation: its member
// user ids, used to know when "received by all" applies.
type Group struct {
	ConversationID types.ConversationID
	Members        []types.UserID
	Direct         bool
}

// Journal is the per-account message journal. One Journal instance is
// scoped to a single local account; the caller is responsible for
// constructing one Journal per account it manages.
type Journal struct {
	mu      sync.Mutex
	kv      storage.KV
	account types.UserID
	metrics *metrics.Set

	// groups is kept in memory alongside the store: group membership
	// business logic above the envelope lives elsewhere, but default
	// direct chats must still exist for SaveIncoming/SaveOutgoing to
	// target.
	groups map[types.ConversationID]Group
}

func bucketName(account types.UserID, tree string) string {
	return fmt.Sprintf("%s/%s", account, tree)
}

const (
	treeOverview   = "chat_overview"
	treeMessages   = "chat_messages"
	treeMessageIDs = "chat_message_ids"
)

// New builds a Journal for account backed by kv.
func New(kv storage.KV, account types.UserID, metricsSet *metrics.Set) *Journal {
	return &Journal{
		kv:      kv,
		account: account,
		metrics: metricsSet,
		groups:  make(map[types.ConversationID]Group),
	}
}

// DeriveDirectConversationID derives the stable 16-byte id of a direct
// chat between a and b: the pair is ordered lexicographically (so the
// id does not depend on who is sender vs. receiver) and hashed.
func DeriveDirectConversationID(a, b types.UserID) types.ConversationID {
	first, second := a, b
	if b.Less(a) {
		first, second = b, a
	}
	buf := make([]byte, 0, 64)
	buf = append(buf, first[:]...)
	buf = append(buf, second[:]...)
	full := sha256.Sum256(buf)
	var id types.ConversationID
	copy(id[:], full[:16])
	return id
}

// EnsureDirectConversation registers a default direct-chat group for
// (a, b) if one does not already exist, returning its conversation id.
func (j *Journal) EnsureDirectConversation(a, b types.UserID) types.ConversationID {
	convID := DeriveDirectConversationID(a, b)
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.groups[convID]; !ok {
		j.groups[convID] = Group{ConversationID: convID, Members: []types.UserID{a, b}, Direct: true}
	}
	return convID
}

// RegisterGroup registers an explicit (non-direct) conversation's
// membership, used when an upper layer creates a group chat.
func (j *Journal) RegisterGroup(convID types.ConversationID, members []types.UserID) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.groups[convID] = Group{ConversationID: convID, Members: append([]types.UserID(nil), members...), Direct: false}
}

func messageKey(convID types.ConversationID, index uint64) []byte {
	key := make([]byte, 16+8)
	copy(key[:16], convID[:])
	binary.BigEndian.PutUint64(key[16:], index)
	return key
}

func conversationRangeStart(convID types.ConversationID) []byte {
	return messageKey(convID, 0)
}

func conversationRangeEnd(convID types.ConversationID) []byte {
	key := make([]byte, 16+8)
	copy(key[:16], convID[:])
	for i := 16; i < len(key); i++ {
		key[i] = 0xff
	}
	return key
}

// save is the shared body of SaveIncoming and SaveOutgoing; incoming
// controls whether unread is incremented.
func (j *Journal) save(sender types.UserID, convID types.ConversationID, messageID MessageID, contentType string, content []byte, sentAtMs uint64, status Status, incoming bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	// A message id already indexed means this save already happened.
	if _, ok, err := j.kv.Get(bucketName(j.account, treeMessageIDs), messageID[:]); err != nil {
		return err
	} else if ok {
		return errs.ErrDuplicateMessageID
	}

	overview, err := j.getOverviewLocked(convID)
	if err != nil {
		return err
	}

	now := clock.NowMillis()
	nextIndex := overview.LastIndex + 1

	msg := Message{
		ConversationID: convID,
		Index:          nextIndex,
		MessageID:      messageID,
		Sender:         sender,
		ContentType:    contentType,
		Content:        content,
		SentAtMs:       sentAtMs,
		ReceivedAtMs:   now,
		Status:         status,
	}
	if err := j.putMessageLocked(msg); err != nil {
		return err
	}

	overview.LastIndex = nextIndex
	overview.LastContent = string(content)
	overview.LastSender = sender
	overview.LastAtMs = now
	if incoming {
		overview.Unread++
	}
	if err := j.putOverviewLocked(overview); err != nil {
		return err
	}

	if err := j.putMessageIDIndexLocked(messageID, messageKey(convID, nextIndex)); err != nil {
		return err
	}

	if j.metrics != nil {
		j.metrics.JournalMessages.WithLabelValues(j.account.String()).Inc()
	}

	return nil
}

// SaveIncoming journals a message received from sender. If no
// conversation exists yet and it is a direct chat, a default
// direct-chat group is created first.
func (j *Journal) SaveIncoming(sender types.UserID, convID types.ConversationID, messageID MessageID, contentType string, content []byte, sentAtMs uint64, status Status) error {
	j.ensureConversationExists(convID, j.account, sender)
	err := j.save(sender, convID, messageID, contentType, content, sentAtMs, status, true)
	if err == errs.ErrDuplicateMessageID {
		return nil // idempotent no-op
	}
	return err
}

// SaveOutgoing mirrors SaveIncoming for a message this account sent;
// unread is left unchanged.
func (j *Journal) SaveOutgoing(receiver types.UserID, convID types.ConversationID, messageID MessageID, contentType string, content []byte, sentAtMs uint64, status Status) error {
	j.ensureConversationExists(convID, receiver, j.account)
	err := j.save(j.account, convID, messageID, contentType, content, sentAtMs, status, false)
	if err == errs.ErrDuplicateMessageID {
		return nil
	}
	return err
}

func (j *Journal) ensureConversationExists(convID types.ConversationID, a, b types.UserID) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.groups[convID]; ok {
		return
	}
	if DeriveDirectConversationID(a, b) == convID {
		j.groups[convID] = Group{ConversationID: convID, Members: []types.UserID{a, b}, Direct: true}
	}
}

// UpdateStatus transitions a journaled message's status, used by the
// messaging engine when a send succeeds, fails, or is retried. Failed
// -> Pending is the only allowed backwards transition.
func (j *Journal) UpdateStatus(messageID MessageID, status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	key, ok, err := j.kv.Get(bucketName(j.account, treeMessageIDs), messageID[:])
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrStorageError
	}

	msg, ok, err := j.getMessageByKeyLocked(key)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrStorageError
	}

	if msg.Status == status {
		return nil
	}
	if status < msg.Status && !(msg.Status == StatusFailed && status == StatusPending) {
		return fmt.Errorf("%w: only Failed may transition back to Pending", errs.ErrStorageError)
	}
	msg.Status = status
	return j.putMessageLocked(msg)
}

// UpdateConfirmation records a confirmation receipt for messageID from
// receiver: status becomes Confirmed and the reception list gains an
// entry; if every group member other than this account has now
// confirmed, ReceivedByAll is set.
func (j *Journal) UpdateConfirmation(receiver types.UserID, messageID MessageID, receivedAtMs uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	key, ok, err := j.kv.Get(bucketName(j.account, treeMessageIDs), messageID[:])
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrStorageError
	}
	msg, ok, err := j.getMessageByKeyLocked(key)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrStorageError
	}

	msg.Status = StatusConfirmed
	alreadyConfirmed := false
	for _, r := range msg.Receptions {
		if r.UserID == receiver {
			alreadyConfirmed = true
			break
		}
	}
	if !alreadyConfirmed {
		msg.Receptions = append(msg.Receptions, Reception{UserID: receiver, ConfirmedAt: receivedAtMs})
	}

	if group, ok := j.groups[msg.ConversationID]; ok {
		msg.ReceivedByAll = everyMemberConfirmed(group.Members, j.account, msg.Receptions)
	}

	return j.putMessageLocked(msg)
}

func everyMemberConfirmed(members []types.UserID, self types.UserID, receptions []Reception) bool {
	confirmed := make(map[types.UserID]bool, len(receptions))
	for _, r := range receptions {
		confirmed[r.UserID] = true
	}
	others := 0
	for _, m := range members {
		if m == self {
			continue
		}
		others++
		if !confirmed[m] {
			return false
		}
	}
	return others > 0
}

// GetOverview returns every conversation overview row for this
// account.
func (j *Journal) GetOverview() ([]Overview, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []Overview
	err := j.kv.Scan(bucketName(j.account, treeOverview), []byte{}, maxKey(), func(_, v []byte) bool {
		var o Overview
		if jsonErr := json.Unmarshal(v, &o); jsonErr == nil {
			out = append(out, o)
		}
		return true
	})
	return out, err
}

// GetMessages performs a range scan over every message in convID, in
// index order.
func (j *Journal) GetMessages(convID types.ConversationID) ([]Message, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.getMessagesLocked(convID)
}

func (j *Journal) getMessagesLocked(convID types.ConversationID) ([]Message, error) {
	var out []Message
	err := j.kv.Scan(bucketName(j.account, treeMessages), conversationRangeStart(convID), conversationRangeEnd(convID), func(_, v []byte) bool {
		var m Message
		if jsonErr := json.Unmarshal(v, &m); jsonErr == nil {
			out = append(out, m)
		}
		return true
	})
	return out, err
}

func (j *Journal) getOverviewLocked(convID types.ConversationID) (Overview, error) {
	raw, ok, err := j.kv.Get(bucketName(j.account, treeOverview), convID[:])
	if err != nil {
		return Overview{}, err
	}
	if !ok {
		return Overview{ConversationID: convID}, nil
	}
	var o Overview
	if err := json.Unmarshal(raw, &o); err != nil {
		return Overview{}, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}
	return o, nil
}

func (j *Journal) putOverviewLocked(o Overview) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}
	return j.kv.Put(bucketName(j.account, treeOverview), o.ConversationID[:], raw)
}

func (j *Journal) putMessageLocked(m Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}
	return j.kv.Put(bucketName(j.account, treeMessages), messageKey(m.ConversationID, m.Index), raw)
}

func (j *Journal) putMessageIDIndexLocked(id MessageID, dbKey []byte) error {
	return j.kv.Put(bucketName(j.account, treeMessageIDs), id[:], dbKey)
}

func (j *Journal) getMessageByKeyLocked(dbKey []byte) (Message, bool, error) {
	raw, ok, err := j.kv.Get(bucketName(j.account, treeMessages), dbKey)
	if err != nil || !ok {
		return Message{}, ok, err
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, false, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}
	return m, true, nil
}

func maxKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = 0xff
	}
	return key
}
