package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// Ed25519Scheme verifies "ed25519:<hex public key>" identities.
type Ed25519Scheme struct{}

func (Ed25519Scheme) Name() string { return "ed25519" }

func (Ed25519Scheme) Verify(publicKeyHex string, msg, sig []byte) bool {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// Ed25519Key is an in-process ed25519 capability.
type Ed25519Key struct {
	priv ed25519.PrivateKey
}

// NewEd25519Key builds a capability from a 32-byte seed.
func NewEd25519Key(seed []byte) (*Ed25519Key, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Ed25519Key{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// PublicIdentity implements Capability.
func (k *Ed25519Key) PublicIdentity() string {
	return "ed25519:" + hex.EncodeToString(k.priv.Public().(ed25519.PublicKey))
}

// Sign implements Capability.
func (k *Ed25519Key) Sign(_ context.Context, msg []byte) ([]byte, error) {
	return ed25519.Sign(k.priv, msg), nil
}

// PrivateKey exposes the key for collaborators that sign other artefacts
// (verification attestations) with the same identity.
func (k *Ed25519Key) PrivateKey() ed25519.PrivateKey { return k.priv }
