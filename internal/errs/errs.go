// Package errs defines the node's error kinds as sentinel values,
// wrapped with fmt.Errorf("...: %w", err) at call sites and unwrapped
// with errors.Is/errors.As.
package errs

import "errors"

var (
	// ErrDecode covers any malformed binary payload on the wire.
	ErrDecode = errors.New("decode error")

	// ErrSignatureInvalid is returned when an Ed25519 signature fails
	// verification.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrDecryptionFailed is returned when an AEAD chunk fails to open.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrUnknownSender is returned when a frame's sender has no known
	// public key to verify against.
	ErrUnknownSender = errors.New("unknown sender")

	// ErrNoRoute is transient: the routing table has no entry for the
	// destination yet. Callers reschedule rather than fail.
	ErrNoRoute = errors.New("no route to destination")

	// ErrBackpressure is transient: the send queue is at its configured
	// bound.
	ErrBackpressure = errors.New("send queue backpressure")

	// ErrStorageError covers any failure from the embedded KV store.
	ErrStorageError = errors.New("storage error")

	// ErrDuplicateMessageID is returned by the journal when a message id
	// was already indexed; it is an idempotent success, not a failure.
	ErrDuplicateMessageID = errors.New("duplicate message id")

	// ErrMalformedEnvelope is returned when a Container's Envelope is
	// missing required fields and cannot be relayed or delivered.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrUserNotFound is returned when a user id has no directory entry.
	ErrUserNotFound = errors.New("user not found")

	// ErrGroupNotFound is returned when a conversation id has no
	// matching group/conversation record.
	ErrGroupNotFound = errors.New("group not found")

	// ErrNoReceiver is returned by pack_and_send when the receiver id is
	// malformed.
	ErrNoReceiver = errors.New("no receiver")

	// ErrEncryption covers any failure in Seal/DeriveSharedKey during
	// pack_and_send.
	ErrEncryption = errors.New("encryption error")

	// ErrSign covers any failure while signing an envelope.
	ErrSign = errors.New("sign error")
)
