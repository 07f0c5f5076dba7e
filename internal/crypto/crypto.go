// Package crypto implements the cryptographic operations the envelope
// wire format depends on: Ed25519 signatures over the serialized
// envelope, and pairwise ChaCha20-Poly1305 AEAD chunks keyed by an
// X25519 key agreement between sender and receiver.
package crypto

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// MaxChunkSize is the largest plaintext slice encrypted into a single
// Data chunk.
const MaxChunkSize = 64 * 1024

// NonceSize is the ChaCha20-Poly1305 nonce length used on the wire.
const NonceSize = chacha20poly1305.NonceSize // 12 bytes

// KeyPair is an Ed25519 signing keypair, also used (via its seed) to
// derive an X25519 key-agreement keypair for envelope encryption.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a new random Ed25519 keypair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate keypair: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// Sign signs data with the keypair's private key.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// Verify checks an Ed25519 signature.
func Verify(pub ed25519.PublicKey, data, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, signature)
}

// x25519PrivateFromEd25519 converts an Ed25519 private key's seed into
// a Curve25519 scalar usable for X25519 key agreement: the clamped
// SHA-512 scalar Ed25519 itself derives from the seed, which pairs with
// the public-key mapping in ed25519PublicToX25519.
func x25519PrivateFromEd25519(priv ed25519.PrivateKey) []byte {
	h := sha512Sum(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32]
}

// DeriveSharedKey computes the pairwise AEAD key shared by senderPriv
// and receiverPub via X25519, used to seal/open the Data chunks of one
// Envelope.
func DeriveSharedKey(senderPriv ed25519.PrivateKey, receiverPub ed25519.PublicKey) ([]byte, error) {
	scalar := x25519PrivateFromEd25519(senderPriv)
	receiverX, err := ed25519PublicToX25519(receiverPub)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(scalar, receiverX)
	if err != nil {
		return nil, fmt.Errorf("x25519 key agreement: %w", err)
	}
	return shared, nil
}

// Chunk is one sealed/opened unit of an Envelope's data field.
type Chunk struct {
	Nonce      [NonceSize]byte
	Ciphertext []byte
}

// Seal splits plaintext into MaxChunkSize pieces and AEAD-seals each
// under key with a fresh random nonce.
func Seal(key []byte, plaintext []byte) ([]Chunk, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("build aead: %w", err)
	}

	if len(plaintext) == 0 {
		plaintext = []byte{}
	}

	var chunks []Chunk
	for offset := 0; offset == 0 || offset < len(plaintext); offset += MaxChunkSize {
		end := offset + MaxChunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		var nonce [NonceSize]byte
		if _, err := cryptorand.Read(nonce[:]); err != nil {
			return nil, fmt.Errorf("generate nonce: %w", err)
		}
		ciphertext := aead.Seal(nil, nonce[:], plaintext[offset:end], nil)
		chunks = append(chunks, Chunk{Nonce: nonce, Ciphertext: ciphertext})
		if end == len(plaintext) {
			break
		}
	}
	return chunks, nil
}

// Open decrypts and concatenates a sequence of chunks under key, in
// order, returning the original plaintext.
func Open(key []byte, chunks []Chunk) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("build aead: %w", err)
	}
	var out []byte
	for i, c := range chunks {
		plain, err := aead.Open(nil, c.Nonce[:], c.Ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("open chunk %d: %w", i, err)
		}
		out = append(out, plain...)
	}
	return out, nil
}
