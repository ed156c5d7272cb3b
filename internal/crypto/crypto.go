// internal/crypto/crypto.go
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/sha3"
)

// Identity signing suite: Ed25519 over a canonical byte encoding of the
// payload. The private key is persisted as raw 32-byte seed material,
// never the expanded 64-byte form golang's stdlib prefers internally.

const SeedSize = ed25519.SeedSize // 32

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// KDF folds a domain-separation label and arbitrary parts into a single
// SHA3-256 digest. It is not used for signing (signing runs over the
// canonical payload bytes directly).
func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// GenerateSeed returns fresh Ed25519 seed material from a CSPRNG.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// ExpandSeed derives the public key and the stdlib's expanded private key
// from 32 bytes of seed material.
func ExpandSeed(seed []byte) (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	if len(seed) != SeedSize {
		return nil, nil, fmt.Errorf("crypto: seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	priv = ed25519.NewKeyFromSeed(seed)
	pub = priv.Public().(ed25519.PublicKey)
	return pub, priv, nil
}

// Sign signs msg with the Ed25519 private key, returning the 64-byte
// signature. The caller is responsible for constructing msg as the
// canonical byte encoding of whatever is being signed.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature over msg under
// pub. Never panics on malformed input.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// LoadOrCreateSeed loads 32 bytes of seed material from path, creating a
// fresh CSPRNG-seeded identity file (mode 0600) if none exists yet.
func LoadOrCreateSeed(path string) ([]byte, error) {
	seed, err := os.ReadFile(path)
	if err == nil {
		if len(seed) != SeedSize {
			return nil, fmt.Errorf("crypto: identity file %s has %d bytes, want %d", path, len(seed), SeedSize)
		}
		return seed, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	seed, err = GenerateSeed()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, seed, 0600); err != nil {
		return nil, err
	}
	return seed, nil
}

var ErrBadSeedLength = errors.New("crypto: bad seed length")
