package witness

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/officialcmg/echo/internal/chain"
)

// LocalBroadcaster is an in-process medium that confirms every broadcast on a
// fixed endpoint set. It stands in for a relay network in development.
type LocalBroadcaster struct {
	endpoints []string
	now       func() time.Time

	mu        sync.Mutex
	published map[string]localRecord
}

type localRecord struct {
	payload Payload
	at      time.Time
}

// NewLocalBroadcaster creates a LocalBroadcaster confirming on endpoints.
func NewLocalBroadcaster(endpoints ...string) *LocalBroadcaster {
	return &LocalBroadcaster{
		endpoints: append([]string(nil), endpoints...),
		now:       time.Now,
		published: make(map[string]localRecord),
	}
}

// Medium implements Broadcaster.
func (b *LocalBroadcaster) Medium() string { return "local" }

// Broadcast implements Broadcaster. The identifier is the sha256 of the
// content, so re-broadcasting the same payload is idempotent.
func (b *LocalBroadcaster) Broadcast(ctx context.Context, p Payload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(p.Content()))
	id := hex.EncodeToString(sum[:])

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.published[id]; !ok {
		b.published[id] = localRecord{payload: p, at: b.now().UTC()}
	}
	return id, nil
}

// Confirm implements Broadcaster.
func (b *LocalBroadcaster) Confirm(ctx context.Context, externalID string) (chain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return chain.Receipt{}, err
	}
	b.mu.Lock()
	rec, ok := b.published[externalID]
	b.mu.Unlock()
	if !ok {
		return chain.Receipt{}, fmt.Errorf("%w: %s", ErrNotConfirmed, externalID)
	}
	return chain.Receipt{
		RevisionSelfHash:   rec.payload.RevisionSelfHash,
		Medium:             b.Medium(),
		ExternalID:         externalID,
		ConfirmedEndpoints: append([]string(nil), b.endpoints...),
		ClaimedTimestamp:   rec.at,
	}, nil
}
