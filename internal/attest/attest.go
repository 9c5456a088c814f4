// Package attest issues portable verification attestations.
//
// An attestation is a compact EdDSA JWT stating that a verifier checked a chain
// and what it concluded. It binds the verdict to the chain tip and to a digest
// of the full report, so a third party holding the artifact can re-run
// verification and compare.
package attest

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/officialcmg/echo/internal/address"
	"github.com/officialcmg/echo/internal/verify"
)

// Claims are the JWT claims of a verification attestation.
type Claims struct {
	jwt.RegisteredClaims
	Verdict      verify.Status `json:"verdict"`
	FailedAt     int           `json:"failed_at"`
	Revisions    int           `json:"revisions"`
	TipSelfHash  address.Hash  `json:"tip_self_hash,omitempty"`
	Policy       verify.Policy `json:"policy"`
	ReportDigest string        `json:"report_digest"`
}

// Issuer signs and verifies attestations with an ed25519 key.
type Issuer struct {
	key    ed25519.PrivateKey
	pub    ed25519.PublicKey
	issuer string
	ttl    time.Duration
}

// NewIssuer creates an Issuer. ttl defaults to 30 days.
func NewIssuer(key ed25519.PrivateKey, issuer string, ttl time.Duration) *Issuer {
	if ttl == 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Issuer{
		key:    key,
		pub:    key.Public().(ed25519.PublicKey),
		issuer: issuer,
		ttl:    ttl,
	}
}

// Issue signs an attestation for chainID's report.
func (i *Issuer) Issue(chainID string, r *verify.Report) (string, error) {
	digest, err := Digest(r)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   chainID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.New().String(),
		},
		Verdict:      r.Verdict,
		FailedAt:     r.FailedAt,
		Revisions:    len(r.Revisions),
		Policy:       r.Policy,
		ReportDigest: digest,
	}
	if n := len(r.Revisions); n > 0 {
		claims.TipSelfHash = r.Revisions[n-1].SelfHash
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign attestation: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an attestation, returning its claims.
func (i *Issuer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return i.pub, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify attestation: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid attestation claims")
	}
	return claims, nil
}

// Matches reports whether claims describe r.
func (c *Claims) Matches(r *verify.Report) bool {
	digest, err := Digest(r)
	return err == nil && digest == c.ReportDigest
}

// PublicKey returns the verification key.
func (i *Issuer) PublicKey() ed25519.PublicKey { return i.pub }

// PublicKeyHex returns the verification key as hex.
func (i *Issuer) PublicKeyHex() string { return hex.EncodeToString(i.pub) }

// Digest is the sha256 of the report's JSON encoding.
func Digest(r *verify.Report) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
