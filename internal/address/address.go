// Package address computes content addresses for byte payloads.
//
// A Hash is the string "<algorithm>:<lowercase hex digest>". The algorithm
// identifier always travels with the digest so that chains written under one
// default remain verifiable after the default changes.
package address

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Algorithm names a supported digest function.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	SHA3_256   Algorithm = "sha3-256"
	BLAKE2b256 Algorithm = "blake2b-256"
)

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = SHA256

// ErrUnknownAlgorithm is returned for algorithm identifiers this package cannot compute.
var ErrUnknownAlgorithm = errors.New("unknown hash algorithm")

// ErrMalformedHash is returned by ParseHash for strings that are not "<alg>:<hex>".
var ErrMalformedHash = errors.New("malformed hash")

// Hash is a content address: "<algorithm>:<hex digest>".
type Hash string

// Algorithm returns the algorithm prefix, or "" if the hash has none.
func (h Hash) Algorithm() Algorithm {
	alg, _, ok := strings.Cut(string(h), ":")
	if !ok {
		return ""
	}
	return Algorithm(alg)
}

// Digest decodes the hex digest part.
func (h Hash) Digest() ([]byte, error) {
	_, hx, ok := strings.Cut(string(h), ":")
	if !ok {
		return nil, ErrMalformedHash
	}
	return hex.DecodeString(hx)
}

// IsZero reports whether h is the empty hash.
func (h Hash) IsZero() bool { return h == "" }

func (h Hash) String() string { return string(h) }

// ParseHash validates s and returns it as a Hash.
func ParseHash(s string) (Hash, error) {
	alg, hx, ok := strings.Cut(s, ":")
	if !ok || alg == "" || hx == "" {
		return "", fmt.Errorf("%w: %q", ErrMalformedHash, s)
	}
	size, err := digestSize(Algorithm(alg))
	if err != nil {
		return "", err
	}
	if hx != strings.ToLower(hx) {
		return "", fmt.Errorf("%w: digest must be lowercase hex", ErrMalformedHash)
	}
	raw, err := hex.DecodeString(hx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
	if len(raw) != size {
		return "", fmt.Errorf("%w: %s digest is %d bytes, want %d", ErrMalformedHash, alg, len(raw), size)
	}
	return Hash(s), nil
}

// Addresser computes content addresses under a fixed algorithm.
// It is stateless and safe for concurrent use.
type Addresser struct {
	alg Algorithm
}

// New returns an Addresser for alg.
func New(alg Algorithm) (*Addresser, error) {
	if _, err := digestSize(alg); err != nil {
		return nil, err
	}
	return &Addresser{alg: alg}, nil
}

// Default returns an Addresser for DefaultAlgorithm.
func Default() *Addresser { return &Addresser{alg: DefaultAlgorithm} }

// ForHash returns an Addresser for the algorithm embedded in h.
func ForHash(h Hash) (*Addresser, error) {
	alg := h.Algorithm()
	if alg == "" {
		return nil, fmt.Errorf("%w: %q", ErrMalformedHash, string(h))
	}
	return New(alg)
}

// Algorithm returns the configured algorithm.
func (a *Addresser) Algorithm() Algorithm { return a.alg }

// AddressOf returns the content address of b. It never fails.
func (a *Addresser) AddressOf(b []byte) Hash {
	h := newHash(a.alg)
	_, _ = h.Write(b)
	return Hash(string(a.alg) + ":" + hex.EncodeToString(h.Sum(nil)))
}

// Matches reports whether h is the address of b under h's own algorithm.
func Matches(h Hash, b []byte) bool {
	a, err := ForHash(h)
	if err != nil {
		return false
	}
	return a.AddressOf(b) == h
}

func digestSize(alg Algorithm) (int, error) {
	switch alg {
	case SHA256, SHA3_256, BLAKE2b256:
		return 32, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(alg))
	}
}

func newHash(alg Algorithm) hash.Hash {
	switch alg {
	case SHA3_256:
		return sha3.New256()
	case BLAKE2b256:
		h, _ := blake2b.New256(nil) // only fails for keys longer than 64 bytes
		return h
	default:
		return sha256.New()
	}
}
