// Package ledger persists revision chains, their raw segments and witness
// receipts. The in-memory, PostgreSQL and SQLite stores share one contract and
// one conformance suite.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/officialcmg/echo/internal/address"
	"github.com/officialcmg/echo/internal/chain"
)

var (
	ErrNotFound = errors.New("ledger: not found")
	ErrExists   = errors.New("ledger: already exists")
	ErrConflict = errors.New("ledger: conflicting write")
)

// ChainRecord is the stored header of one chain.
type ChainRecord struct {
	ID        string            `json:"id"`
	Algorithm address.Algorithm `json:"algorithm"`
	CreatedAt time.Time         `json:"created_at"`
	SealedAt  *time.Time        `json:"sealed_at,omitempty"`
}

// Sealed reports whether the chain was sealed.
func (c ChainRecord) Sealed() bool { return c.SealedAt != nil }

// Store is the persistence contract for chains.
type Store interface {
	// CreateChain stores an empty chain header. ErrExists if the id is taken.
	CreateChain(ctx context.Context, rec ChainRecord) error

	// AppendRevision stores rev and the segment it addresses. The sequence index
	// must equal the number of revisions already stored, and the chain must be
	// open; otherwise ErrConflict.
	AppendRevision(ctx context.Context, chainID string, rev chain.Revision, seg chain.Segment) error

	// UpdateAttachments rewrites the signature and witness reference of a stored
	// revision, matched by sequence index and selfHash.
	UpdateAttachments(ctx context.Context, chainID string, rev chain.Revision) error

	// SaveReceipt merges r into the receipts stored for its revision and returns
	// the merged receipt.
	SaveReceipt(ctx context.Context, chainID string, r chain.Receipt) (chain.Receipt, error)

	// SealChain marks the chain sealed. Sealing twice is a no-op.
	SealChain(ctx context.Context, chainID string, at time.Time) error

	GetChain(ctx context.Context, chainID string) (*ChainRecord, error)
	Revisions(ctx context.Context, chainID string) ([]chain.Revision, error)
	Segments(ctx context.Context, chainID string) ([]chain.Segment, error)
	Receipts(ctx context.Context, chainID string) (map[address.Hash][]chain.Receipt, error)
}

// Load rebuilds the in-memory chain for chainID, re-checking every link.
func Load(ctx context.Context, s Store, chainID string) (*chain.Chain, *ChainRecord, error) {
	rec, err := s.GetChain(ctx, chainID)
	if err != nil {
		return nil, nil, err
	}
	revs, err := s.Revisions(ctx, chainID)
	if err != nil {
		return nil, nil, err
	}
	addr, err := address.New(rec.Algorithm)
	if err != nil {
		return nil, nil, err
	}
	c, err := chain.Restore(chainID, addr, revs, rec.Sealed())
	if err != nil {
		return nil, nil, fmt.Errorf("restore chain %s: %w", chainID, err)
	}
	return c, rec, nil
}

// nullableJSON encodes v, or returns nil for a nil pointer.
func nullableJSON[T any](v *T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func decodeNullable[T any](s *string) (*T, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal([]byte(*s), &v); err != nil {
		return nil, err
	}
	return &v, nil
}
