// Package witness anchors revisions to an external broadcast medium.
//
// The medium is reached through the Broadcaster contract: publish a small
// payload, get back an identifier, later exchange the identifier for a receipt
// naming the endpoints that accepted the broadcast. Receipts are recorded as
// they arrive and never re-derive trust; the verifier decides how many
// confirmations are enough.
package witness

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/officialcmg/echo/internal/address"
	"github.com/officialcmg/echo/internal/chain"
)

// DefaultTags discriminate recording witnesses from other traffic on the medium.
var DefaultTags = []string{"aqua-witness", "echo-recording"}

var (
	// ErrReceiptMismatch is returned when a receipt attests another revision.
	ErrReceiptMismatch = errors.New("witness: receipt does not attest this revision")

	// ErrNotConfirmed is returned by a Broadcaster that cannot find a broadcast yet.
	ErrNotConfirmed = errors.New("witness: broadcast not confirmed")
)

// Broadcaster is the broadcast-medium collaborator. Implementations own their
// retry policy; Broadcast must be safe to call again after a failure.
type Broadcaster interface {
	Medium() string
	Broadcast(ctx context.Context, p Payload) (externalID string, err error)
	Confirm(ctx context.Context, externalID string) (chain.Receipt, error)
}

// Payload is what gets broadcast for one revision.
type Payload struct {
	RevisionSelfHash address.Hash `json:"revision_self_hash"`
	ChainID          string       `json:"chain_id"`
	SequenceIndex    uint64       `json:"sequence_index"`
	Tags             []string     `json:"-"`
}

// NewPayload builds the payload for rev in chain chainID.
func NewPayload(chainID string, rev chain.Revision) Payload {
	return Payload{
		RevisionSelfHash: rev.SelfHash,
		ChainID:          chainID,
		SequenceIndex:    rev.SequenceIndex,
		Tags:             append([]string(nil), DefaultTags...),
	}
}

// Content is the body published on the medium.
func (p Payload) Content() string {
	b, _ := json.Marshal(p) // plain struct of strings and ints
	return string(b)
}

// ParseContent decodes a body produced by Content.
func ParseContent(s string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}
