package crypto

import (
	"crypto/sha512"
	"fmt"
	"math/big"
)

func sha512Sum(b []byte) [64]byte {
	return sha512.Sum512(b)
}

// fieldPrime is 2^255 - 19, the prime defining Curve25519's field.
var fieldPrime = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	return p.Sub(p, big.NewInt(19))
}()

// ed25519PublicToX25519 converts an Ed25519 public key (a point on the
// twisted Edwards curve) to the corresponding Curve25519 Montgomery
// u-coordinate, via the standard birational map u = (1+y)/(1-y). This
// lets a single Ed25519 identity key double as an X25519 key-agreement
// key, so envelopes can be encrypted pairwise using the same keys used
// to sign them.
func ed25519PublicToX25519(pub []byte) ([]byte, error) {
	if len(pub) != 32 {
		return nil, fmt.Errorf("ed25519 public key must be 32 bytes, got %d", len(pub))
	}

	// The encoded point is y in little-endian with the top bit carrying
	// the sign of x; clear it to recover y alone.
	yLE := make([]byte, 32)
	copy(yLE, pub)
	yLE[31] &= 0x7f

	y := leBytesToInt(yLE)

	one := big.NewInt(1)
	numerator := new(big.Int).Add(one, y)
	numerator.Mod(numerator, fieldPrime)

	denominator := new(big.Int).Sub(one, y)
	denominator.Mod(denominator, fieldPrime)

	inv := new(big.Int).ModInverse(denominator, fieldPrime)
	if inv == nil {
		return nil, fmt.Errorf("public key has no valid x25519 mapping")
	}

	u := new(big.Int).Mul(numerator, inv)
	u.Mod(u, fieldPrime)

	return intToLEBytes(u, 32), nil
}

func leBytesToInt(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i, v := range b {
		be[len(b)-1-i] = v
	}
	return new(big.Int).SetBytes(be)
}

func intToLEBytes(v *big.Int, size int) []byte {
	be := v.FillBytes(make([]byte, size))
	out := make([]byte, size)
	for i, b := range be {
		out[size-1-i] = b
	}
	return out
}
