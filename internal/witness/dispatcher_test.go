package witness_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/officialcmg/echo/internal/chain"
	"github.com/officialcmg/echo/internal/witness"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// slowBroadcaster blocks until released or until ctx ends.
type slowBroadcaster struct {
	*witness.LocalBroadcaster
	release  chan struct{}
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newSlowBroadcaster() *slowBroadcaster {
	return &slowBroadcaster{
		LocalBroadcaster: witness.NewLocalBroadcaster("wss://a"),
		release:          make(chan struct{}),
	}
}

func (s *slowBroadcaster) Broadcast(ctx context.Context, p witness.Payload) (string, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	select {
	case <-s.release:
		return s.LocalBroadcaster.Broadcast(ctx, p)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type results struct {
	mu   sync.Mutex
	errs []error
	ok   int
}

func (r *results) record(_ string, _ chain.Revision, _ chain.Receipt, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errs = append(r.errs, err)
		return
	}
	r.ok++
}

func TestDispatcher_boundedConcurrency(t *testing.T) {
	revs := revisions(t, 6)
	b := newSlowBroadcaster()
	a := witness.NewAttacher(b, zap.NewNop())
	d := witness.NewDispatcher(a, witness.DispatcherConfig{Concurrency: 2, Timeout: 5 * time.Second}, zap.NewNop())
	var res results
	d.SetResultFunc(res.record)

	for _, rev := range revs {
		d.Dispatch("chain-1", rev)
	}
	time.Sleep(50 * time.Millisecond)
	close(b.release)
	d.Wait()

	assert.LessOrEqual(t, b.peak.Load(), int32(2))
	assert.Equal(t, 6, res.ok)
	for _, rev := range revs {
		assert.Len(t, a.Receipts(rev.SelfHash), 1)
	}
}

func TestDispatcher_timeoutLeavesRevisionUnwitnessed(t *testing.T) {
	rev := revisions(t, 1)[0]
	b := newSlowBroadcaster()
	a := witness.NewAttacher(b, zap.NewNop())
	d := witness.NewDispatcher(a, witness.DispatcherConfig{Concurrency: 1, Timeout: 20 * time.Millisecond}, zap.NewNop())
	var res results
	d.SetResultFunc(res.record)

	d.Dispatch("chain-1", rev)
	d.Wait()

	require.Len(t, res.errs, 1)
	assert.True(t, errors.Is(res.errs[0], context.DeadlineExceeded))
	assert.Empty(t, a.Receipts(rev.SelfHash))
}

func TestDispatcher_closeCancelsInFlight(t *testing.T) {
	rev := revisions(t, 1)[0]
	b := newSlowBroadcaster()
	a := witness.NewAttacher(b, zap.NewNop())
	d := witness.NewDispatcher(a, witness.DispatcherConfig{Concurrency: 1, Timeout: time.Minute}, zap.NewNop())
	var res results
	d.SetResultFunc(res.record)

	d.Dispatch("chain-1", rev)
	time.Sleep(10 * time.Millisecond)
	d.Close()

	require.Len(t, res.errs, 1)
	assert.ErrorIs(t, res.errs[0], context.Canceled)
}

func TestRequestWitness_cancelledContext(t *testing.T) {
	rev := revisions(t, 1)[0]
	a := witness.NewAttacher(newSlowBroadcaster(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.RequestWitness(ctx, witness.NewPayload("chain-1", rev))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, a.Receipts(rev.SelfHash))
}

func TestPayload_contentRoundTrip(t *testing.T) {
	rev := revisions(t, 3)[2]
	p := witness.NewPayload("chain-1", rev)
	assert.Equal(t, witness.DefaultTags, p.Tags)

	back, err := witness.ParseContent(p.Content())
	require.NoError(t, err)
	assert.Equal(t, rev.SelfHash, back.RevisionSelfHash)
	assert.Equal(t, uint64(2), back.SequenceIndex)
	assert.Equal(t, "chain-1", back.ChainID)
}

func TestLocalBroadcaster_unknownID(t *testing.T) {
	b := witness.NewLocalBroadcaster("wss://a")
	_, err := b.Confirm(context.Background(), "missing")
	assert.ErrorIs(t, err, witness.ErrNotConfirmed)
}
