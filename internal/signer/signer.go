// Package signer binds revisions to an identity.
//
// Keys are never generated or stored here: a Capability is supplied by an
// external identity provider (wallet, key custodian, derived key) and is opaque
// to the Signer. Verification dispatches on the scheme prefix of the recorded
// public identity and is a black-box predicate to the rest of the engine.
package signer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/officialcmg/echo/internal/address"
	"github.com/officialcmg/echo/internal/chain"
)

var (
	// ErrUnknownScheme is returned when an identity names an unregistered scheme.
	ErrUnknownScheme = errors.New("signer: unknown signature scheme")

	// ErrNotFinalized is returned when asked to sign an empty selfHash.
	ErrNotFinalized = errors.New("signer: selfHash is not finalized")

	// ErrRejected is returned when a produced or supplied signature does not verify.
	ErrRejected = errors.New("signer: signature does not verify")
)

// Capability signs opaque bytes on behalf of a public identity of the form
// "<scheme>:<hex public key>".
type Capability interface {
	PublicIdentity() string
	Sign(ctx context.Context, msg []byte) ([]byte, error)
}

// Scheme verifies signatures for one identity scheme.
type Scheme interface {
	Name() string
	Verify(publicKeyHex string, msg, sig []byte) bool
}

// Signer signs selfHashes and validates recorded signatures.
type Signer struct {
	schemes map[string]Scheme
}

// New returns a Signer for the given schemes. With no arguments it registers
// the ed25519 and nostr schemes.
func New(schemes ...Scheme) *Signer {
	if len(schemes) == 0 {
		schemes = []Scheme{Ed25519Scheme{}, NostrScheme{}}
	}
	s := &Signer{schemes: make(map[string]Scheme, len(schemes))}
	for _, sc := range schemes {
		s.schemes[sc.Name()] = sc
	}
	return s
}

// Sign asks capability to sign selfHash. The message is the UTF-8 form of the
// hash, algorithm prefix included.
func (s *Signer) Sign(ctx context.Context, selfHash address.Hash, capability Capability) (chain.Signature, error) {
	if selfHash.IsZero() {
		return chain.Signature{}, ErrNotFinalized
	}
	identity := capability.PublicIdentity()
	scheme, _, err := s.lookup(identity)
	if err != nil {
		return chain.Signature{}, err
	}

	raw, err := capability.Sign(ctx, []byte(selfHash))
	if err != nil {
		return chain.Signature{}, fmt.Errorf("sign %s: %w", selfHash, err)
	}

	sig := chain.Signature{
		Scheme:         scheme.Name(),
		PublicIdentity: identity,
		Value:          hex.EncodeToString(raw),
	}
	if !s.Valid(selfHash, sig) {
		return chain.Signature{}, fmt.Errorf("%w: capability for %s", ErrRejected, identity)
	}
	return sig, nil
}

// Attach validates sig against the revision at index and records it on c.
// c must only be touched by its single writer.
func (s *Signer) Attach(c *chain.Chain, index uint64, sig chain.Signature) (chain.Revision, error) {
	rev, err := c.RevisionAt(index)
	if err != nil {
		return chain.Revision{}, err
	}
	if !s.Valid(rev.SelfHash, sig) {
		return chain.Revision{}, fmt.Errorf("%w: revision %d", ErrRejected, index)
	}
	return c.AttachSignature(index, sig)
}

// Valid reports whether sig is a valid signature over selfHash.
func (s *Signer) Valid(selfHash address.Hash, sig chain.Signature) bool {
	scheme, keyHex, err := s.lookup(sig.PublicIdentity)
	if err != nil || scheme.Name() != sig.Scheme {
		return false
	}
	raw, err := hex.DecodeString(sig.Value)
	if err != nil {
		return false
	}
	return scheme.Verify(keyHex, []byte(selfHash), raw)
}

func (s *Signer) lookup(identity string) (Scheme, string, error) {
	name, key, ok := strings.Cut(identity, ":")
	if !ok || key == "" {
		return nil, "", fmt.Errorf("%w: malformed identity %q", ErrUnknownScheme, identity)
	}
	scheme, ok := s.schemes[name]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
	return scheme, key, nil
}
