package signer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// NostrScheme verifies "nostr:<hex x-only public key>" identities: BIP-340
// Schnorr signatures over sha256(msg), the same construction relays use for
// event ids.
type NostrScheme struct{}

func (NostrScheme) Name() string { return "nostr" }

func (NostrScheme) Verify(publicKeyHex string, msg, sig []byte) bool {
	pubBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return false
	}
	s, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(msg)
	return s.Verify(digest[:], pub)
}

// NostrKey is a secp256k1 capability usable both for revision signatures and
// for signing relay events.
type NostrKey struct {
	priv *btcec.PrivateKey
}

// NewNostrKey builds a key from 32 secret bytes.
func NewNostrKey(secret []byte) (*NostrKey, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("nostr secret must be 32 bytes, got %d", len(secret))
	}
	priv, _ := btcec.PrivKeyFromBytes(secret)
	return &NostrKey{priv: priv}, nil
}

// PublicKeyHex returns the x-only public key as hex.
func (k *NostrKey) PublicKeyHex() string {
	return hex.EncodeToString(schnorr.SerializePubKey(k.priv.PubKey()))
}

// SecretHex returns the secret key as hex, the form relay clients expect.
func (k *NostrKey) SecretHex() string {
	return hex.EncodeToString(k.priv.Serialize())
}

// PublicIdentity implements Capability.
func (k *NostrKey) PublicIdentity() string { return "nostr:" + k.PublicKeyHex() }

// Sign implements Capability.
func (k *NostrKey) Sign(_ context.Context, msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	sig, err := schnorr.Sign(k.priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}
