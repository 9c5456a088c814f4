package witness

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/officialcmg/echo/internal/address"
	"github.com/officialcmg/echo/internal/chain"
	"go.uber.org/zap"
)

// Attacher requests witnesses and keeps the receipt side-table keyed by
// revision selfHash. It never touches a chain, so it may run concurrently with
// appends and with itself.
type Attacher struct {
	broadcaster Broadcaster
	logger      *zap.Logger

	mu       sync.RWMutex
	receipts map[address.Hash][]chain.Receipt
}

// NewAttacher creates an Attacher over b.
func NewAttacher(b Broadcaster, logger *zap.Logger) *Attacher {
	return &Attacher{
		broadcaster: b,
		logger:      logger,
		receipts:    make(map[address.Hash][]chain.Receipt),
	}
}

// Medium returns the broadcaster's medium name.
func (a *Attacher) Medium() string { return a.broadcaster.Medium() }

// RequestWitness hands p to the broadcast medium and returns the
// medium-assigned identifier. It may block on the network and honours ctx.
func (a *Attacher) RequestWitness(ctx context.Context, p Payload) (string, error) {
	if p.RevisionSelfHash.IsZero() {
		return "", fmt.Errorf("request witness: empty selfHash")
	}
	id, err := a.broadcaster.Broadcast(ctx, p)
	if err != nil {
		return "", fmt.Errorf("broadcast %s: %w", p.RevisionSelfHash, err)
	}
	a.logger.Debug("witness requested",
		zap.String("self_hash", string(p.RevisionSelfHash)),
		zap.String("external_id", id),
	)
	return id, nil
}

// Confirm fetches the receipt for pendingID and attaches it to rev.
func (a *Attacher) Confirm(ctx context.Context, rev chain.Revision, pendingID string) (chain.Receipt, error) {
	r, err := a.broadcaster.Confirm(ctx, pendingID)
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("confirm %s: %w", pendingID, err)
	}
	return a.AttachReceipt(rev, r)
}

// Witness requests and confirms a witness for rev in one round trip.
func (a *Attacher) Witness(ctx context.Context, chainID string, rev chain.Revision) (chain.Receipt, error) {
	id, err := a.RequestWitness(ctx, NewPayload(chainID, rev))
	if err != nil {
		return chain.Receipt{}, err
	}
	return a.Confirm(ctx, rev, id)
}

// AttachReceipt records r for rev. It is idempotent and monotonic: a receipt
// with an already-known external id is merged, so confirmations only grow.
// The merged receipt is returned.
func (a *Attacher) AttachReceipt(rev chain.Revision, r chain.Receipt) (chain.Receipt, error) {
	if r.RevisionSelfHash != rev.SelfHash {
		return chain.Receipt{}, fmt.Errorf("%w: receipt names %s, revision is %s", ErrReceiptMismatch, r.RevisionSelfHash, rev.SelfHash)
	}
	if r.ExternalID == "" {
		return chain.Receipt{}, fmt.Errorf("attach receipt: empty external id")
	}
	if r.Medium == "" {
		r.Medium = a.broadcaster.Medium()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	list := a.receipts[rev.SelfHash]
	for i, existing := range list {
		if existing.ExternalID == r.ExternalID && existing.Medium == r.Medium {
			list[i] = Merge(existing, r)
			return cloneReceipt(list[i]), nil
		}
	}
	merged := Merge(chain.Receipt{}, r)
	a.receipts[rev.SelfHash] = append(list, merged)
	return cloneReceipt(merged), nil
}

// Load seeds the side-table, merging with anything already attached.
func (a *Attacher) Load(table map[address.Hash][]chain.Receipt) {
	for h, list := range table {
		for _, r := range list {
			if _, err := a.AttachReceipt(chain.Revision{SelfHash: h}, r); err != nil {
				a.logger.Warn("skipping stored receipt", zap.String("self_hash", string(h)), zap.Error(err))
			}
		}
	}
}

// Forget drops the receipts held for selfHash. Callers that persist receipts
// elsewhere use it once the store has them.
func (a *Attacher) Forget(selfHash address.Hash) {
	a.mu.Lock()
	delete(a.receipts, selfHash)
	a.mu.Unlock()
}

// Len returns the number of revisions with receipts held in memory.
func (a *Attacher) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.receipts)
}

// Receipts returns a copy of the receipts recorded for selfHash.
func (a *Attacher) Receipts(selfHash address.Hash) []chain.Receipt {
	a.mu.RLock()
	defer a.mu.RUnlock()
	list := a.receipts[selfHash]
	out := make([]chain.Receipt, len(list))
	for i, r := range list {
		out[i] = cloneReceipt(r)
	}
	return out
}

// Table returns a copy of the whole side-table.
func (a *Attacher) Table() map[address.Hash][]chain.Receipt {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[address.Hash][]chain.Receipt, len(a.receipts))
	for h, list := range a.receipts {
		cp := make([]chain.Receipt, len(list))
		for i, r := range list {
			cp[i] = cloneReceipt(r)
		}
		out[h] = cp
	}
	return out
}

// Merge combines two receipts for the same broadcast. Endpoints are the sorted
// union of both sets; the earliest non-zero claimed timestamp is kept.
func Merge(existing, incoming chain.Receipt) chain.Receipt {
	out := existing
	if out.RevisionSelfHash.IsZero() {
		out.RevisionSelfHash = incoming.RevisionSelfHash
	}
	if out.Medium == "" {
		out.Medium = incoming.Medium
	}
	if out.ExternalID == "" {
		out.ExternalID = incoming.ExternalID
	}
	if out.ClaimedTimestamp.IsZero() ||
		(!incoming.ClaimedTimestamp.IsZero() && incoming.ClaimedTimestamp.Before(out.ClaimedTimestamp)) {
		out.ClaimedTimestamp = incoming.ClaimedTimestamp
	}

	seen := make(map[string]struct{}, len(existing.ConfirmedEndpoints)+len(incoming.ConfirmedEndpoints))
	endpoints := make([]string, 0, len(existing.ConfirmedEndpoints)+len(incoming.ConfirmedEndpoints))
	for _, set := range [][]string{existing.ConfirmedEndpoints, incoming.ConfirmedEndpoints} {
		for _, e := range set {
			if e == "" {
				continue
			}
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			endpoints = append(endpoints, e)
		}
	}
	sort.Strings(endpoints)
	out.ConfirmedEndpoints = endpoints
	return out
}

func cloneReceipt(r chain.Receipt) chain.Receipt {
	r.ConfirmedEndpoints = append([]string(nil), r.ConfirmedEndpoints...)
	return r
}
