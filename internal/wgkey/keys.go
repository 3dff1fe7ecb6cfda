// Package wgkey generates and validates WireGuard Curve25519 key material.
package wgkey

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair holds a WireGuard key pair, both keys base64-encoded as the
// WireGuard configuration format expects.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// Generate creates a fresh key pair from the system CSPRNG. The private key
// is clamped per the Curve25519 convention before the public key is derived.
func Generate() (*KeyPair, error) {
	var private [32]byte
	if _, err := rand.Read(private[:]); err != nil {
		return nil, fmt.Errorf("wgkey: generate private key: %w", err)
	}
	private[0] &= 248
	private[31] &= 127
	private[31] |= 64

	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("wgkey: derive public key: %w", err)
	}

	return &KeyPair{
		PrivateKey: base64.StdEncoding.EncodeToString(private[:]),
		PublicKey:  base64.StdEncoding.EncodeToString(public),
	}, nil
}

// ValidPublicKey reports whether s is a base64-encoded 32-byte key, the only
// shape the node daemon accepts.
func ValidPublicKey(s string) bool {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return false
	}
	return len(decoded) == 32
}
