// Package chain implements the revision chain of a recording session.
//
// A chain is an append-only sequence of Revisions. The genesis revision embeds
// the whole initial payload; every later revision addresses only its own
// segment bytes and links to its predecessor's selfHash, so both the content
// and the links are tamper-evident.
//
// A Chain has a single writer and holds no lock. Callers serialise appends and
// attachments; once sealed, Revisions returns an immutable snapshot that can be
// shared with any number of readers.
package chain

import (
	"time"

	"github.com/officialcmg/echo/internal/address"
)

// Segment is one raw chunk handed over by the capture source.
type Segment struct {
	Index      uint64    `json:"index"`
	Data       []byte    `json:"-"`
	CapturedAt time.Time `json:"captured_at"`
}

// Signature is an identity-bound signature over a revision's selfHash.
type Signature struct {
	Scheme         string `json:"scheme"`          // e.g. "ed25519", "nostr"
	PublicIdentity string `json:"public_identity"` // "<scheme>:<hex public key>"
	Value          string `json:"value"`           // hex-encoded signature bytes
}

// WitnessRef points at the broadcast record that attests a revision.
type WitnessRef struct {
	Medium     string `json:"medium"`
	ExternalID string `json:"external_id"`
}

// Revision is one link of the chain.
type Revision struct {
	SequenceIndex uint64       `json:"sequence_index"`
	ContentHash   address.Hash `json:"content_hash"`
	PreviousHash  address.Hash `json:"previous_hash,omitempty"` // empty only for genesis
	SelfHash      address.Hash `json:"self_hash"`
	Content       []byte       `json:"content,omitempty"` // genesis only
	Signature     *Signature   `json:"signature,omitempty"`
	WitnessRef    *WitnessRef  `json:"witness_ref,omitempty"`
}

// IsGenesis reports whether r has no predecessor.
func (r Revision) IsGenesis() bool { return r.PreviousHash.IsZero() }

// Clone returns a deep copy of r.
func (r Revision) Clone() Revision {
	out := r
	if r.Content != nil {
		out.Content = append([]byte(nil), r.Content...)
	}
	if r.Signature != nil {
		s := *r.Signature
		out.Signature = &s
	}
	if r.WitnessRef != nil {
		w := *r.WitnessRef
		out.WitnessRef = &w
	}
	return out
}

// Receipt is an external witness receipt for one revision. ClaimedTimestamp is
// asserted by the broadcast medium and is untrusted until cross-checked.
type Receipt struct {
	RevisionSelfHash   address.Hash `json:"revision_self_hash"`
	Medium             string       `json:"medium"`
	ExternalID         string       `json:"external_id"`
	ConfirmedEndpoints []string     `json:"confirmed_endpoints"`
	ClaimedTimestamp   time.Time    `json:"claimed_timestamp"`
}

// Confirmations returns the number of distinct confirming endpoints.
func (r Receipt) Confirmations() int {
	seen := make(map[string]struct{}, len(r.ConfirmedEndpoints))
	for _, e := range r.ConfirmedEndpoints {
		seen[e] = struct{}{}
	}
	return len(seen)
}
