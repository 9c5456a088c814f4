// Package recorder runs recording sessions.
//
// A Session owns one chain for its whole life: it is created by Manager.Start,
// grows one segment at a time through Ingest, and ends with Seal. Ingest is
// the single writer; signatures and witness results are applied under the same
// lock, so callers may use a Session from any goroutine.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/officialcmg/echo/internal/address"
	"github.com/officialcmg/echo/internal/chain"
	"github.com/officialcmg/echo/internal/export"
	"github.com/officialcmg/echo/internal/ledger"
	"github.com/officialcmg/echo/internal/signer"
	"github.com/officialcmg/echo/internal/verify"
	"github.com/officialcmg/echo/internal/witness"
	"go.uber.org/zap"
)

var (
	// ErrSessionFailed is returned by every write to a session that hit an
	// integrity violation or lost a write to the store.
	ErrSessionFailed = errors.New("recorder: session failed")

	// ErrNoWitness is returned when witnessing is requested but no medium is
	// configured.
	ErrNoWitness = errors.New("recorder: witnessing is not configured")
)

// Config configures a Manager.
type Config struct {
	Algorithm       address.Algorithm // defaults to address.DefaultAlgorithm
	WitnessIdentity string            // public identity the witness medium publishes under
}

// MetricsFunc is an optional callback for session events: "segment",
// "signature", "witness", "seal", "failure".
type MetricsFunc func(event string, ok bool)

// Session lifecycle notifications.
const (
	NotifySealed = "session.sealed"
	NotifyFailed = "session.failed"
)

// NotifyFunc is an optional callback for session lifecycle events. It is
// called with the session lock held and must not block.
type NotifyFunc func(ctx context.Context, event string, payload map[string]string)

// Manager creates and tracks sessions.
type Manager struct {
	store      ledger.Store
	signer     *signer.Signer
	verifier   *verify.Verifier
	dispatcher *witness.Dispatcher
	addr       *address.Addresser
	witnessID  string
	now        func() time.Time
	onMetrics  MetricsFunc
	onNotify   NotifyFunc
	logger     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager. dispatcher may be nil, which disables
// witnessing.
func NewManager(store ledger.Store, dispatcher *witness.Dispatcher, cfg Config, logger *zap.Logger) (*Manager, error) {
	alg := cfg.Algorithm
	if alg == "" {
		alg = address.DefaultAlgorithm
	}
	addr, err := address.New(alg)
	if err != nil {
		return nil, err
	}
	sg := signer.New()
	m := &Manager{
		store:      store,
		signer:     sg,
		verifier:   verify.New(sg),
		dispatcher: dispatcher,
		addr:       addr,
		witnessID:  cfg.WitnessIdentity,
		now:        time.Now,
		logger:     logger,
		sessions:   make(map[string]*Session),
	}
	if dispatcher != nil {
		dispatcher.SetResultFunc(m.witnessResult)
	}
	return m, nil
}

// SetMetrics configures the metrics callback.
func (m *Manager) SetMetrics(fn MetricsFunc) { m.onMetrics = fn }

// SetNotify configures the lifecycle callback.
func (m *Manager) SetNotify(fn NotifyFunc) { m.onNotify = fn }

func (m *Manager) notify(ctx context.Context, event string, payload map[string]string) {
	if m.onNotify != nil {
		m.onNotify(ctx, event, payload)
	}
}

// Signer returns the signer used to validate signatures.
func (m *Manager) Signer() *signer.Signer { return m.signer }

func (m *Manager) metric(event string, ok bool) {
	if m.onMetrics != nil {
		m.onMetrics(event, ok)
	}
}

// Start opens a new session with an empty chain.
func (m *Manager) Start(ctx context.Context) (*Session, error) {
	id := uuid.New().String()
	startedAt := m.now().UTC()
	if err := m.store.CreateChain(ctx, ledger.ChainRecord{ID: id, Algorithm: m.addr.Algorithm(), CreatedAt: startedAt}); err != nil {
		return nil, fmt.Errorf("create chain: %w", err)
	}
	s := &Session{
		id:        id,
		mgr:       m,
		chain:     chain.New(id, m.addr),
		startedAt: startedAt,
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("session started", zap.String("session_id", id), zap.String("algorithm", string(m.addr.Algorithm())))
	return s, nil
}

// Get returns the session with id, restoring it from the store when this
// process has not seen it yet.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		return s, nil
	}

	c, rec, err := ledger.Load(ctx, m.store, id)
	if err != nil {
		return nil, err
	}
	s = &Session{id: id, mgr: m, chain: c, startedAt: rec.CreatedAt}
	if rec.SealedAt != nil {
		s.sealedAt = *rec.SealedAt
	}
	for _, r := range c.Revisions() {
		if r.Signature != nil {
			s.publicIdentity = r.Signature.PublicIdentity
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		return existing, nil
	}
	m.sessions[id] = s
	return s, nil
}

func (m *Manager) witnessResult(chainID string, rev chain.Revision, receipt chain.Receipt, err error) {
	m.metric("witness", err == nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	s, ok := m.sessions[chainID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if _, err := s.recordReceipt(context.Background(), rev, receipt); err != nil {
		m.logger.Warn("storing witness receipt failed",
			zap.String("session_id", chainID),
			zap.Uint64("index", rev.SequenceIndex),
			zap.Error(err),
		)
	}
}

// Close waits for in-flight witness requests to finish.
func (m *Manager) Close() {
	if m.dispatcher != nil {
		m.dispatcher.Close()
	}
}

// Session is one recording session.
type Session struct {
	id  string
	mgr *Manager

	mu             sync.Mutex
	chain          *chain.Chain
	startedAt      time.Time
	sealedAt       time.Time
	failed         error
	publicIdentity string
}

// Info is a point-in-time view of a session.
type Info struct {
	ID             string       `json:"id"`
	Algorithm      string       `json:"algorithm"`
	StartedAt      time.Time    `json:"started_at"`
	SealedAt       *time.Time   `json:"sealed_at,omitempty"`
	Revisions      int          `json:"revisions"`
	Tip            address.Hash `json:"tip,omitempty"`
	Failed         string       `json:"failed,omitempty"`
	PublicIdentity string       `json:"public_identity,omitempty"`
}

// ID returns the session id, which is also the chain id.
func (s *Session) ID() string { return s.id }

// Info returns a snapshot of the session state.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:             s.id,
		Algorithm:      string(s.chain.Algorithm()),
		StartedAt:      s.startedAt,
		Revisions:      s.chain.Len(),
		PublicIdentity: s.publicIdentity,
	}
	if s.chain.Sealed() {
		at := s.sealedAt
		info.SealedAt = &at
	}
	if last, ok := s.chain.Last(); ok {
		info.Tip = last.SelfHash
	}
	if s.failed != nil {
		info.Failed = s.failed.Error()
	}
	return info
}

func (s *Session) fail(ctx context.Context, err error) error {
	s.failed = err
	s.mgr.metric("failure", false)
	s.mgr.logger.Error("session failed", zap.String("session_id", s.id), zap.Error(err))
	s.mgr.notify(ctx, NotifyFailed, map[string]string{
		"session_id": s.id,
		"revisions":  strconv.Itoa(s.chain.Len()),
		"error":      err.Error(),
	})
	return fmt.Errorf("%w: %w", ErrSessionFailed, err)
}

// Ingest appends seg. A gap, a reordering or a lost store write fails the
// session permanently; nothing is skipped.
func (s *Session) Ingest(ctx context.Context, seg chain.Segment) (chain.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed != nil {
		return chain.Revision{}, fmt.Errorf("%w: %w", ErrSessionFailed, s.failed)
	}
	if seg.CapturedAt.IsZero() {
		seg.CapturedAt = s.mgr.now().UTC()
	}

	rev, err := s.chain.Append(seg)
	if err != nil {
		s.mgr.metric("segment", false)
		if errors.Is(err, chain.ErrIntegrity) {
			return chain.Revision{}, s.fail(ctx, err)
		}
		return chain.Revision{}, err
	}
	if err := s.mgr.store.AppendRevision(ctx, s.id, rev, seg); err != nil {
		s.mgr.metric("segment", false)
		return chain.Revision{}, s.fail(ctx, fmt.Errorf("persist revision %d: %w", rev.SequenceIndex, err))
	}

	s.mgr.metric("segment", true)
	s.mgr.logger.Debug("segment ingested",
		zap.String("session_id", s.id),
		zap.Uint64("index", rev.SequenceIndex),
		zap.String("self_hash", string(rev.SelfHash)),
	)
	return rev, nil
}

// Revision returns the revision at index.
func (s *Session) Revision(index uint64) (chain.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chain.RevisionAt(index)
}

// Sign asks capability to sign the revision at index and records the result.
func (s *Session) Sign(ctx context.Context, index uint64, capability signer.Capability) (chain.Revision, error) {
	rev, err := s.Revision(index)
	if err != nil {
		return chain.Revision{}, err
	}
	sig, err := s.mgr.signer.Sign(ctx, rev.SelfHash, capability)
	if err != nil {
		s.mgr.metric("signature", false)
		return chain.Revision{}, err
	}
	return s.AttachSignature(ctx, index, sig)
}

// AttachSignature records a signature produced outside the process.
func (s *Session) AttachSignature(ctx context.Context, index uint64, sig chain.Signature) (chain.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, err := s.mgr.signer.Attach(s.chain, index, sig)
	if err != nil {
		s.mgr.metric("signature", false)
		return chain.Revision{}, err
	}
	if err := s.mgr.store.UpdateAttachments(ctx, s.id, rev); err != nil {
		return chain.Revision{}, fmt.Errorf("persist signature: %w", err)
	}
	if s.publicIdentity == "" {
		s.publicIdentity = sig.PublicIdentity
	}
	s.mgr.metric("signature", true)
	return rev, nil
}

// Witness requests a witness for the revision at index in the background.
// The chain keeps growing meanwhile; a failed request leaves the revision
// un-witnessed.
func (s *Session) Witness(index uint64) error {
	if s.mgr.dispatcher == nil {
		return ErrNoWitness
	}
	rev, err := s.Revision(index)
	if err != nil {
		return err
	}
	s.mgr.dispatcher.Dispatch(s.id, rev)
	return nil
}

// WitnessNow witnesses the revision at index and waits for the receipt.
func (s *Session) WitnessNow(ctx context.Context, index uint64) (chain.Receipt, error) {
	if s.mgr.dispatcher == nil {
		return chain.Receipt{}, ErrNoWitness
	}
	rev, err := s.Revision(index)
	if err != nil {
		return chain.Receipt{}, err
	}
	receipt, err := s.mgr.dispatcher.Attacher().Witness(ctx, s.id, rev)
	s.mgr.metric("witness", err == nil)
	if err != nil {
		return chain.Receipt{}, err
	}
	return s.recordReceipt(ctx, rev, receipt)
}

// recordReceipt persists receipt and binds its reference to rev. The store
// merges it with earlier receipts for the same broadcast; the merged receipt
// is returned.
func (s *Session) recordReceipt(ctx context.Context, rev chain.Revision, receipt chain.Receipt) (chain.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Stored before binding so a bound witnessRef always has a receipt.
	merged, err := s.mgr.store.SaveReceipt(ctx, s.id, receipt)
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("persist receipt: %w", err)
	}
	bound, err := s.chain.BindWitnessRef(rev.SequenceIndex, chain.WitnessRef{Medium: receipt.Medium, ExternalID: receipt.ExternalID})
	if err != nil {
		return chain.Receipt{}, err
	}
	if err := s.mgr.store.UpdateAttachments(ctx, s.id, bound); err != nil {
		return chain.Receipt{}, fmt.Errorf("persist witness ref: %w", err)
	}
	if s.mgr.dispatcher != nil {
		s.mgr.dispatcher.Attacher().Forget(rev.SelfHash)
	}
	return merged, nil
}

// Seal closes the session. Sealing twice is a no-op.
func (s *Session) Seal(ctx context.Context) (Info, error) {
	s.mu.Lock()
	if !s.chain.Sealed() {
		at := s.mgr.now().UTC()
		if err := s.mgr.store.SealChain(ctx, s.id, at); err != nil {
			s.mu.Unlock()
			return Info{}, fmt.Errorf("persist seal: %w", err)
		}
		s.chain.Seal()
		s.sealedAt = at
		s.mgr.metric("seal", true)
		s.mgr.logger.Info("session sealed", zap.String("session_id", s.id), zap.Int("revisions", s.chain.Len()))
		payload := map[string]string{
			"session_id": s.id,
			"algorithm":  string(s.mgr.addr.Algorithm()),
			"revisions":  strconv.Itoa(s.chain.Len()),
			"sealed_at":  at.Format(time.RFC3339Nano),
		}
		if tip, ok := s.chain.Last(); ok {
			payload["tip"] = string(tip.SelfHash)
		}
		s.mgr.notify(ctx, NotifySealed, payload)
	}
	s.mu.Unlock()
	return s.Info(), nil
}

// Export builds the portable artifact of a sealed session.
func (s *Session) Export(ctx context.Context) (*export.Artifact, error) {
	segs, err := s.mgr.store.Segments(ctx, s.id)
	if err != nil {
		return nil, err
	}
	receipts, err := s.mgr.store.Receipts(ctx, s.id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return export.Build(s.chain, segs, receipts, export.Info{
		StartedAt:       s.startedAt,
		SealedAt:        s.sealedAt,
		PublicIdentity:  s.publicIdentity,
		WitnessIdentity: s.mgr.witnessID,
	})
}

// Verify verifies the stored chain under policy.
func (s *Session) Verify(ctx context.Context, policy verify.Policy) (*verify.Report, error) {
	revs, err := s.mgr.store.Revisions(ctx, s.id)
	if err != nil {
		return nil, err
	}
	segs, err := s.mgr.store.Segments(ctx, s.id)
	if err != nil {
		return nil, err
	}
	receipts, err := s.mgr.store.Receipts(ctx, s.id)
	if err != nil {
		return nil, err
	}
	in := verify.Input{Revisions: revs, Receipts: receipts, Segments: make(map[uint64][]byte, len(segs))}
	for _, seg := range segs {
		in.Segments[seg.Index] = seg.Data
	}
	return s.mgr.verifier.Verify(ctx, in, policy)
}
