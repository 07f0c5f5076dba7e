package journal

import (
	"testing"

	"github.com/qaul-go/meshcore/internal/storage"
	"github.com/qaul-go/meshcore/internal/types"
)

func mkUser(b byte) types.UserID {
	var id types.UserID
	id[0] = b
	return id
}

func mkMessageID(b byte) MessageID {
	var id MessageID
	id[0] = b
	return id
}

func TestSaveIncomingAssignsContiguousIndices(t *testing.T) {
	kv := storage.NewMemory()
	alice := mkUser(1)
	bob := mkUser(2)
	j := New(kv, alice, nil)

	convID := j.EnsureDirectConversation(alice, bob)

	if err := j.SaveIncoming(bob, convID, mkMessageID(1), "text", []byte("hi"), 100, StatusConfirmed); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	if err := j.SaveIncoming(bob, convID, mkMessageID(2), "text", []byte("there"), 200, StatusConfirmed); err != nil {
		t.Fatalf("save 2: %v", err)
	}

	msgs, err := j.GetMessages(convID)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Index != 1 || msgs[1].Index != 2 {
		t.Fatalf("expected contiguous indices 1,2; got %d,%d", msgs[0].Index, msgs[1].Index)
	}
}

func TestSaveIncomingIdempotentOnDuplicateMessageID(t *testing.T) {
	kv := storage.NewMemory()
	alice := mkUser(1)
	bob := mkUser(2)
	j := New(kv, alice, nil)
	convID := j.EnsureDirectConversation(alice, bob)

	id := mkMessageID(7)
	if err := j.SaveIncoming(bob, convID, id, "text", []byte("x"), 1, StatusConfirmed); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := j.SaveIncoming(bob, convID, id, "text", []byte("x"), 1, StatusConfirmed); err != nil {
		t.Fatalf("duplicate save should be a no-op, got error: %v", err)
	}

	msgs, err := j.GetMessages(convID)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 message after duplicate resubmit, got %d", len(msgs))
	}
}

func TestOverviewRollupTracksUnreadAndLastMessage(t *testing.T) {
	kv := storage.NewMemory()
	alice := mkUser(1)
	bob := mkUser(2)
	j := New(kv, alice, nil)
	convID := j.EnsureDirectConversation(alice, bob)

	if err := j.SaveIncoming(bob, convID, mkMessageID(1), "text", []byte("first"), 1, StatusConfirmed); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := j.SaveIncoming(bob, convID, mkMessageID(2), "text", []byte("second"), 2, StatusConfirmed); err != nil {
		t.Fatalf("save: %v", err)
	}

	overviews, err := j.GetOverview()
	if err != nil {
		t.Fatalf("get overview: %v", err)
	}
	if len(overviews) != 1 {
		t.Fatalf("expected 1 overview row, got %d", len(overviews))
	}
	o := overviews[0]
	if o.Unread != 2 {
		t.Fatalf("expected unread=2, got %d", o.Unread)
	}
	if o.LastContent != "second" {
		t.Fatalf("expected last content 'second', got %q", o.LastContent)
	}
	if o.LastIndex != 2 {
		t.Fatalf("expected last index 2, got %d", o.LastIndex)
	}
}

func TestSaveOutgoingDoesNotIncrementUnread(t *testing.T) {
	kv := storage.NewMemory()
	alice := mkUser(1)
	bob := mkUser(2)
	j := New(kv, alice, nil)
	convID := j.EnsureDirectConversation(alice, bob)

	if err := j.SaveOutgoing(bob, convID, mkMessageID(1), "text", []byte("hi"), 1, StatusSent); err != nil {
		t.Fatalf("save: %v", err)
	}

	overviews, err := j.GetOverview()
	if err != nil {
		t.Fatalf("get overview: %v", err)
	}
	if len(overviews) != 1 || overviews[0].Unread != 0 {
		t.Fatalf("expected unread=0 for outgoing message, got %+v", overviews)
	}
}

func TestUpdateConfirmationSetsReceivedByAllForDirectChat(t *testing.T) {
	kv := storage.NewMemory()
	alice := mkUser(1)
	bob := mkUser(2)
	j := New(kv, alice, nil)
	convID := j.EnsureDirectConversation(alice, bob)

	id := mkMessageID(1)
	if err := j.SaveOutgoing(bob, convID, id, "text", []byte("hi"), 1, StatusSent); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := j.UpdateConfirmation(bob, id, 50); err != nil {
		t.Fatalf("update confirmation: %v", err)
	}

	msgs, err := j.GetMessages(convID)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Status != StatusConfirmed {
		t.Fatalf("expected status confirmed, got %v", msgs[0].Status)
	}
	if !msgs[0].ReceivedByAll {
		t.Fatalf("expected received_by_all once the only other member confirmed")
	}
}

func TestDeriveDirectConversationIDSymmetric(t *testing.T) {
	alice := mkUser(1)
	bob := mkUser(2)
	if DeriveDirectConversationID(alice, bob) != DeriveDirectConversationID(bob, alice) {
		t.Fatalf("expected conversation id to be independent of argument order")
	}
}

func TestUpdateStatusRejectsBackwardsTransitionExceptFromFailed(t *testing.T) {
	kv := storage.NewMemory()
	alice := mkUser(1)
	bob := mkUser(2)
	j := New(kv, alice, nil)
	convID := j.EnsureDirectConversation(alice, bob)

	id := mkMessageID(1)
	if err := j.SaveOutgoing(bob, convID, id, "text", []byte("hi"), 1, StatusSent); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := j.UpdateStatus(id, StatusPending); err == nil {
		t.Fatalf("expected error transitioning Sent -> Pending")
	}

	if err := j.UpdateStatus(id, StatusFailed); err != nil {
		t.Fatalf("sent -> failed: %v", err)
	}
	if err := j.UpdateStatus(id, StatusPending); err != nil {
		t.Fatalf("failed -> pending should be allowed: %v", err)
	}
}
