package witness

import (
	"context"
	"sync"
	"time"

	"github.com/officialcmg/echo/internal/chain"
	"go.uber.org/zap"
)

// DispatcherConfig bounds background witnessing.
type DispatcherConfig struct {
	Concurrency int           // in-flight witness requests, default 4
	Timeout     time.Duration // per request, default 15s
}

// ResultFunc is called once per dispatched revision with the merged receipt or
// the error that ended the attempt.
type ResultFunc func(chainID string, rev chain.Revision, receipt chain.Receipt, err error)

// Dispatcher runs witness requests in the background so that chain growth is
// never blocked on the network. A failed or timed-out request leaves the
// revision un-witnessed; nothing is retried here.
type Dispatcher struct {
	attacher *Attacher
	cfg      DispatcherConfig
	sem      chan struct{}
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	onResult ResultFunc
	logger   *zap.Logger
}

// NewDispatcher creates a Dispatcher feeding a.
func NewDispatcher(a *Attacher, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		attacher: a,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Concurrency),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
}

// SetResultFunc configures the completion callback.
func (d *Dispatcher) SetResultFunc(fn ResultFunc) {
	d.onResult = fn
}

// Attacher returns the underlying attacher.
func (d *Dispatcher) Attacher() *Attacher { return d.attacher }

// Dispatch witnesses rev in the background and returns immediately.
func (d *Dispatcher) Dispatch(chainID string, rev chain.Revision) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		select {
		case d.sem <- struct{}{}:
		case <-d.ctx.Done():
			d.finish(chainID, rev, chain.Receipt{}, d.ctx.Err())
			return
		}
		defer func() { <-d.sem }()

		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Timeout)
		defer cancel()

		receipt, err := d.attacher.Witness(ctx, chainID, rev)
		d.finish(chainID, rev, receipt, err)
	}()
}

func (d *Dispatcher) finish(chainID string, rev chain.Revision, receipt chain.Receipt, err error) {
	if err != nil {
		d.logger.Warn("witness request failed",
			zap.String("chain_id", chainID),
			zap.Uint64("index", rev.SequenceIndex),
			zap.Error(err),
		)
	} else {
		d.logger.Info("revision witnessed",
			zap.String("chain_id", chainID),
			zap.Uint64("index", rev.SequenceIndex),
			zap.String("external_id", receipt.ExternalID),
			zap.Int("confirmations", receipt.Confirmations()),
		)
	}
	if d.onResult != nil {
		d.onResult(chainID, rev, receipt, err)
	}
}

// Wait blocks until every dispatched request has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Close cancels in-flight requests and waits for them to return.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
