package chain

import (
	"fmt"

	"github.com/officialcmg/echo/internal/address"
)

// Chain is an ordered, append-only sequence of revisions.
type Chain struct {
	id        string
	addr      *address.Addresser
	revisions []Revision
	sealed    bool
}

// New returns an empty chain identified by id. A nil addresser selects the
// default algorithm.
func New(id string, addr *address.Addresser) *Chain {
	if addr == nil {
		addr = address.Default()
	}
	return &Chain{id: id, addr: addr}
}

// Restore rebuilds a chain from persisted revisions, checking every append
// invariant on the way. The result is sealed when sealed is true.
func Restore(id string, addr *address.Addresser, revs []Revision, sealed bool) (*Chain, error) {
	c := New(id, addr)
	for i, r := range revs {
		if r.SequenceIndex != uint64(i) {
			return nil, &IntegrityError{Index: r.SequenceIndex, Reason: fmt.Sprintf("stored at position %d", i)}
		}
		if got, ok := RecomputeSelfHash(r); !ok || got != r.SelfHash {
			return nil, &IntegrityError{Index: r.SequenceIndex, Reason: "selfHash does not match stored fields"}
		}
		if i == 0 {
			if !r.IsGenesis() || !address.Matches(r.ContentHash, r.Content) {
				return nil, &IntegrityError{Index: 0, Reason: "invalid genesis revision"}
			}
		} else if r.PreviousHash != revs[i-1].SelfHash {
			return nil, &IntegrityError{Index: r.SequenceIndex, Reason: "previousHash does not match predecessor"}
		}
		c.revisions = append(c.revisions, r.Clone())
	}
	c.sealed = sealed
	return c, nil
}

// ID returns the chain identifier.
func (c *Chain) ID() string { return c.id }

// Algorithm returns the hash algorithm new revisions are addressed with.
func (c *Chain) Algorithm() address.Algorithm { return c.addr.Algorithm() }

// AppendGenesis appends the first revision. Its contentHash covers the whole
// initial payload, which is also embedded in the revision.
func (c *Chain) AppendGenesis(seg Segment) (Revision, error) {
	if c.sealed {
		return Revision{}, &InvalidStateError{Op: "append genesis", Reason: "chain is sealed"}
	}
	if len(c.revisions) != 0 {
		return Revision{}, &InvalidStateError{Op: "append genesis", Reason: "chain is not empty"}
	}
	if seg.Index != 0 {
		return Revision{}, &IntegrityError{Index: seg.Index, Reason: "genesis segment must have index 0"}
	}

	content := append([]byte{}, seg.Data...)
	rev := Revision{
		SequenceIndex: 0,
		ContentHash:   c.addr.AddressOf(content),
		Content:       content,
	}
	rev.SelfHash = ComputeSelfHash(c.addr, rev)
	c.revisions = append(c.revisions, rev)
	return rev.Clone(), nil
}

// AppendNext appends a non-genesis revision. Its contentHash covers only the
// segment's own bytes.
func (c *Chain) AppendNext(seg Segment) (Revision, error) {
	if c.sealed {
		return Revision{}, &InvalidStateError{Op: "append", Reason: "chain is sealed"}
	}
	if len(c.revisions) == 0 {
		return Revision{}, &InvalidStateError{Op: "append", Reason: "chain has no genesis revision"}
	}

	last := c.revisions[len(c.revisions)-1]
	want := last.SequenceIndex + 1
	if seg.Index != want {
		return Revision{}, &IntegrityError{
			Index:  seg.Index,
			Reason: fmt.Sprintf("expected segment %d after %d", want, last.SequenceIndex),
		}
	}
	if got, ok := RecomputeSelfHash(last); !ok || got != last.SelfHash {
		return Revision{}, &IntegrityError{Index: last.SequenceIndex, Reason: "tail revision was altered"}
	}

	rev := Revision{
		SequenceIndex: want,
		ContentHash:   c.addr.AddressOf(seg.Data),
		PreviousHash:  last.SelfHash,
	}
	rev.SelfHash = ComputeSelfHash(c.addr, rev)
	c.revisions = append(c.revisions, rev)
	return rev.Clone(), nil
}

// Append dispatches to AppendGenesis for an empty chain and AppendNext otherwise.
func (c *Chain) Append(seg Segment) (Revision, error) {
	if len(c.revisions) == 0 {
		return c.AppendGenesis(seg)
	}
	return c.AppendNext(seg)
}

// Seal closes the chain to further appends. It is idempotent.
func (c *Chain) Seal() { c.sealed = true }

// Sealed reports whether Seal has been called.
func (c *Chain) Sealed() bool { return c.sealed }

// Len returns the number of revisions.
func (c *Chain) Len() int { return len(c.revisions) }

// RevisionAt returns a copy of the revision with the given sequence index.
func (c *Chain) RevisionAt(index uint64) (Revision, error) {
	if index >= uint64(len(c.revisions)) {
		return Revision{}, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	return c.revisions[index].Clone(), nil
}

// Last returns the most recent revision.
func (c *Chain) Last() (Revision, bool) {
	if len(c.revisions) == 0 {
		return Revision{}, false
	}
	return c.revisions[len(c.revisions)-1].Clone(), true
}

// Revisions returns a deep copy of the chain in sequence order.
func (c *Chain) Revisions() []Revision {
	out := make([]Revision, len(c.revisions))
	for i, r := range c.revisions {
		out[i] = r.Clone()
	}
	return out
}

// AttachSignature records sig on the revision at index. The selfHash is left
// untouched. Re-attaching an identical signature is a no-op; replacing a
// different one is refused.
func (c *Chain) AttachSignature(index uint64, sig Signature) (Revision, error) {
	if index >= uint64(len(c.revisions)) {
		return Revision{}, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	rev := &c.revisions[index]
	if rev.Signature != nil {
		if *rev.Signature == sig {
			return rev.Clone(), nil
		}
		return Revision{}, &InvalidStateError{Op: "attach signature", Reason: fmt.Sprintf("revision %d is already signed", index)}
	}
	s := sig
	rev.Signature = &s
	return rev.Clone(), nil
}

// BindWitnessRef records ref on the revision at index unless a reference is
// already bound. The first bound reference wins; the full receipt set lives in
// the receipt side-table.
func (c *Chain) BindWitnessRef(index uint64, ref WitnessRef) (Revision, error) {
	if index >= uint64(len(c.revisions)) {
		return Revision{}, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	rev := &c.revisions[index]
	if rev.WitnessRef == nil {
		w := ref
		rev.WitnessRef = &w
	}
	return rev.Clone(), nil
}
