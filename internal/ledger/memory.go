package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/officialcmg/echo/internal/address"
	"github.com/officialcmg/echo/internal/chain"
	"github.com/officialcmg/echo/internal/witness"
)

// MemoryStore is an in-memory, thread-safe Store. It is useful for tests and
// for single-process deployments that do not need durability.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string]*memChain
}

type memChain struct {
	rec      ChainRecord
	revs     []chain.Revision
	segs     []chain.Segment
	receipts map[address.Hash][]chain.Receipt
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string]*memChain)}
}

func (s *MemoryStore) get(id string) (*memChain, error) {
	c, ok := s.chains[id]
	if !ok {
		return nil, fmt.Errorf("chain %s: %w", id, ErrNotFound)
	}
	return c, nil
}

// CreateChain implements Store.
func (s *MemoryStore) CreateChain(_ context.Context, rec ChainRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chains[rec.ID]; ok {
		return fmt.Errorf("chain %s: %w", rec.ID, ErrExists)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.SealedAt = nil
	s.chains[rec.ID] = &memChain{rec: rec, receipts: make(map[address.Hash][]chain.Receipt)}
	return nil
}

// AppendRevision implements Store.
func (s *MemoryStore) AppendRevision(_ context.Context, chainID string, rev chain.Revision, seg chain.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(chainID)
	if err != nil {
		return err
	}
	if c.rec.Sealed() {
		return fmt.Errorf("chain %s is sealed: %w", chainID, ErrConflict)
	}
	if rev.SequenceIndex != uint64(len(c.revs)) {
		return fmt.Errorf("non-contiguous append: have %d, got %d: %w", len(c.revs), rev.SequenceIndex, ErrConflict)
	}
	seg.Data = append([]byte(nil), seg.Data...)
	c.revs = append(c.revs, rev.Clone())
	c.segs = append(c.segs, seg)
	return nil
}

// UpdateAttachments implements Store.
func (s *MemoryStore) UpdateAttachments(_ context.Context, chainID string, rev chain.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(chainID)
	if err != nil {
		return err
	}
	if rev.SequenceIndex >= uint64(len(c.revs)) || c.revs[rev.SequenceIndex].SelfHash != rev.SelfHash {
		return fmt.Errorf("revision %d of %s: %w", rev.SequenceIndex, chainID, ErrNotFound)
	}
	stored := &c.revs[rev.SequenceIndex]
	cp := rev.Clone()
	stored.Signature = cp.Signature
	stored.WitnessRef = cp.WitnessRef
	return nil
}

// SaveReceipt implements Store.
func (s *MemoryStore) SaveReceipt(_ context.Context, chainID string, r chain.Receipt) (chain.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(chainID)
	if err != nil {
		return chain.Receipt{}, err
	}
	list := c.receipts[r.RevisionSelfHash]
	for i, existing := range list {
		if existing.Medium == r.Medium && existing.ExternalID == r.ExternalID {
			list[i] = witness.Merge(existing, r)
			return cloneReceipt(list[i]), nil
		}
	}
	merged := witness.Merge(chain.Receipt{}, r)
	c.receipts[r.RevisionSelfHash] = append(list, merged)
	return cloneReceipt(merged), nil
}

// SealChain implements Store.
func (s *MemoryStore) SealChain(_ context.Context, chainID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(chainID)
	if err != nil {
		return err
	}
	if c.rec.SealedAt == nil {
		at = at.UTC()
		c.rec.SealedAt = &at
	}
	return nil
}

// GetChain implements Store.
func (s *MemoryStore) GetChain(_ context.Context, chainID string) (*ChainRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.get(chainID)
	if err != nil {
		return nil, err
	}
	rec := c.rec
	if rec.SealedAt != nil {
		at := *rec.SealedAt
		rec.SealedAt = &at
	}
	return &rec, nil
}

// Revisions implements Store.
func (s *MemoryStore) Revisions(_ context.Context, chainID string) ([]chain.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.get(chainID)
	if err != nil {
		return nil, err
	}
	out := make([]chain.Revision, len(c.revs))
	for i, r := range c.revs {
		out[i] = r.Clone()
	}
	return out, nil
}

// Segments implements Store.
func (s *MemoryStore) Segments(_ context.Context, chainID string) ([]chain.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.get(chainID)
	if err != nil {
		return nil, err
	}
	out := make([]chain.Segment, len(c.segs))
	for i, seg := range c.segs {
		seg.Data = append([]byte(nil), seg.Data...)
		out[i] = seg
	}
	return out, nil
}

// Receipts implements Store.
func (s *MemoryStore) Receipts(_ context.Context, chainID string) (map[address.Hash][]chain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.get(chainID)
	if err != nil {
		return nil, err
	}
	out := make(map[address.Hash][]chain.Receipt, len(c.receipts))
	for h, list := range c.receipts {
		cp := make([]chain.Receipt, len(list))
		for i, r := range list {
			cp[i] = cloneReceipt(r)
		}
		out[h] = cp
	}
	return out, nil
}

func cloneReceipt(r chain.Receipt) chain.Receipt {
	r.ConfirmedEndpoints = append([]string(nil), r.ConfirmedEndpoints...)
	return r
}
