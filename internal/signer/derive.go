package signer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"
	"golang.org/x/crypto/hkdf"
)

// KeyDeriver turns an opaque signing proof (typically a wallet signature over
// DerivationMessage) into a stable keypair. The same proof always yields the
// same key, so nothing needs to be stored.
type KeyDeriver interface {
	Derive(proof []byte) (Capability, error)
}

// DerivationMessage is the message a wallet signs to derive a witnessing
// identity. The timestamp makes every derivation request distinct.
func DerivationMessage(at time.Time) string {
	return fmt.Sprintf("ECHO - Derive Nostr Identity\nTimestamp: %d\n\n"+
		"This signature will be used to deterministically generate a Nostr keypair for witnessing audio recordings.",
		at.UnixMilli())
}

// NostrIdentity is a derived nostr keypair with its bech32 encodings.
type NostrIdentity struct {
	Key  *NostrKey
	NPub string
	NSec string
}

// NostrDeriver derives a nostr key as sha256(proof).
type NostrDeriver struct{}

// Derive implements KeyDeriver.
func (NostrDeriver) Derive(proof []byte) (Capability, error) {
	id, err := DeriveNostrIdentity(proof)
	if err != nil {
		return nil, err
	}
	return id.Key, nil
}

// DeriveNostrIdentity derives the nostr keypair for proof.
func DeriveNostrIdentity(proof []byte) (*NostrIdentity, error) {
	if len(proof) == 0 {
		return nil, fmt.Errorf("derive nostr key: empty proof")
	}
	seed := sha256.Sum256(proof)
	key, err := NewNostrKey(seed[:])
	if err != nil {
		return nil, err
	}
	npub, err := nip19.EncodePublicKey(key.PublicKeyHex())
	if err != nil {
		return nil, fmt.Errorf("encode npub: %w", err)
	}
	nsec, err := nip19.EncodePrivateKey(key.SecretHex())
	if err != nil {
		return nil, fmt.Errorf("encode nsec: %w", err)
	}
	return &NostrIdentity{Key: key, NPub: npub, NSec: nsec}, nil
}

// DecodeProof decodes a hex wallet signature, with or without a 0x prefix.
func DecodeProof(sigHex string) ([]byte, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(sigHex), "0x")
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("decode signing proof: %w", err)
	}
	return b, nil
}

// HKDFDeriver derives an ed25519 key from proof with HKDF-SHA256.
type HKDFDeriver struct {
	Salt []byte
	Info string
}

// Derive implements KeyDeriver.
func (d HKDFDeriver) Derive(proof []byte) (Capability, error) {
	if len(proof) == 0 {
		return nil, fmt.Errorf("derive ed25519 key: empty proof")
	}
	info := d.Info
	if info == "" {
		info = "echo/ed25519/v1"
	}
	seed := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, proof, d.Salt, []byte(info)), seed); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return NewEd25519Key(seed)
}
