package crypto

import (
	"bytes"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	data := []byte("envelope bytes")
	sig := Sign(kp.Private, data)
	if !Verify(kp.Public, data, sig) {
		t.Fatal("expected signature to verify")
	}
	if Verify(kp.Public, []byte("tampered"), sig) {
		t.Fatal("expected signature over different data to fail")
	}
}

func TestSharedKeyAgreement(t *testing.T) {
	sender, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate sender keypair: %v", err)
	}
	receiver, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate receiver keypair: %v", err)
	}

	k1, err := DeriveSharedKey(sender.Private, receiver.Public)
	if err != nil {
		t.Fatalf("derive shared key (sender side): %v", err)
	}
	k2, err := DeriveSharedKey(receiver.Private, sender.Public)
	if err != nil {
		t.Fatalf("derive shared key (receiver side): %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatalf("shared keys diverge: %x != %x", k1, k2)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	sender, _ := GenerateKeyPair()
	receiver, _ := GenerateKeyPair()
	key, err := DeriveSharedKey(sender.Private, receiver.Public)
	if err != nil {
		t.Fatalf("derive shared key: %v", err)
	}

	plaintext := bytes.Repeat([]byte("hello mesh "), 10000)
	chunks, err := Seal(key, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for %d bytes of plaintext", len(plaintext))
	}
	for _, c := range chunks {
		if len(c.Ciphertext) > MaxChunkSize+64 {
			t.Fatalf("chunk exceeds expected bound: %d", len(c.Ciphertext))
		}
	}

	key2, err := DeriveSharedKey(receiver.Private, sender.Public)
	if err != nil {
		t.Fatalf("derive receiver shared key: %v", err)
	}
	out, err := Open(key2, chunks)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Fatal("decrypted plaintext does not match original")
	}
}

func TestSealEmptyPlaintext(t *testing.T) {
	sender, _ := GenerateKeyPair()
	receiver, _ := GenerateKeyPair()
	key, _ := DeriveSharedKey(sender.Private, receiver.Public)

	chunks, err := Seal(key, nil)
	if err != nil {
		t.Fatalf("seal empty: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected exactly one (empty) chunk, got %d", len(chunks))
	}

	out, err := Open(key, chunks)
	if err != nil {
		t.Fatalf("open empty: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty plaintext, got %d bytes", len(out))
	}
}
