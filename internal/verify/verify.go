// Package verify certifies a revision chain.
//
// Verification walks revisions in the order they are listed, recomputes every
// selfHash and link, validates signatures and counts witness confirmations.
// Findings are reported per revision; the chain verdict is the first revision
// that fails under the caller's Policy. Verify never mutates its input and
// returns identical reports for identical inputs.
package verify

import (
	"context"
	"runtime"

	"github.com/officialcmg/echo/internal/address"
	"github.com/officialcmg/echo/internal/chain"
	"github.com/officialcmg/echo/internal/signer"
	"golang.org/x/sync/errgroup"
)

// Status is a verification finding.
type Status string

const (
	StatusVerified           Status = "VERIFIED"
	StatusTampered           Status = "TAMPERED"
	StatusBrokenLink         Status = "BROKEN_LINK"
	StatusSignatureInvalid   Status = "SIGNATURE_INVALID"
	StatusSigned             Status = "SIGNED"
	StatusUnsigned           Status = "UNSIGNED"
	StatusWitnessOK          Status = "WITNESS_OK"
	StatusWitnessWeak        Status = "WITNESS_WEAK"
	StatusWitnessUnconfirmed Status = "WITNESS_UNCONFIRMED"
	StatusIncomplete         Status = "INCOMPLETE"
)

// DefaultMinConfirmations is the confidence threshold used when a Policy
// leaves it unset.
const DefaultMinConfirmations = 2

// Policy decides which findings fail a revision. TAMPERED, BROKEN_LINK and
// SIGNATURE_INVALID always fail.
type Policy struct {
	MinConfirmations int  `json:"min_confirmations"`
	RequireSignature bool `json:"require_signature"`
	RequireWitness   bool `json:"require_witness"`
}

// DefaultPolicy accepts unsigned and unwitnessed revisions.
func DefaultPolicy() Policy {
	return Policy{MinConfirmations: DefaultMinConfirmations}
}

func (p Policy) normalize() Policy {
	if p.MinConfirmations <= 0 {
		p.MinConfirmations = DefaultMinConfirmations
	}
	return p
}

// Input is everything a verifier looks at. Segments is optional: when the raw
// bytes of a revision are present they are checked against its contentHash.
type Input struct {
	Revisions []chain.Revision
	Receipts  map[address.Hash][]chain.Receipt
	Segments  map[uint64][]byte
}

// SignatureChecker is the black-box signature predicate.
type SignatureChecker interface {
	Valid(selfHash address.Hash, sig chain.Signature) bool
}

// RevisionResult is the outcome for one listed revision.
type RevisionResult struct {
	Position      int          `json:"position"`
	SequenceIndex uint64       `json:"sequence_index"`
	SelfHash      address.Hash `json:"self_hash"`
	Findings      []Status     `json:"findings"`
	Confirmations int          `json:"confirmations"`
	Status        Status       `json:"status"`
	Reason        string       `json:"reason,omitempty"`
}

// Verified reports whether the revision passed.
func (r RevisionResult) Verified() bool { return r.Status == StatusVerified }

// Report is the outcome for a whole chain.
type Report struct {
	Verdict   Status           `json:"verdict"`
	FailedAt  int              `json:"failed_at"` // position of the first failure, -1 when verified
	Policy    Policy           `json:"policy"`
	Revisions []RevisionResult `json:"revisions"`
}

// Verified reports whether the whole chain passed.
func (r *Report) Verified() bool { return r.Verdict == StatusVerified }

// Verifier checks chains against a SignatureChecker.
type Verifier struct {
	sigs        SignatureChecker
	parallelism int
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithParallelism bounds the number of revisions hashed concurrently.
func WithParallelism(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.parallelism = n
		}
	}
}

// New creates a Verifier. A nil checker selects signer.New().
func New(sigs SignatureChecker, opts ...Option) *Verifier {
	if sigs == nil {
		sigs = signer.New()
	}
	v := &Verifier{sigs: sigs, parallelism: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks in with the default signature schemes.
func Verify(ctx context.Context, in Input, policy Policy) (*Report, error) {
	return New(nil).Verify(ctx, in, policy)
}

// local holds the checks that need only the revision itself.
type local struct {
	selfHash   address.Hash
	hashOK     bool
	contentOK  bool
	contentErr string
	sigValid   bool
}

// Verify checks in under policy. The only error is ctx's.
func (v *Verifier) Verify(ctx context.Context, in Input, policy Policy) (*Report, error) {
	policy = policy.normalize()
	revs := in.Revisions

	locals := make([]local, len(revs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.parallelism)
	for i := range revs {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			locals[i] = v.checkLocal(revs[i], in.Segments)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		Verdict:   StatusVerified,
		FailedAt:  -1,
		Policy:    policy,
		Revisions: make([]RevisionResult, len(revs)),
	}
	if len(revs) == 0 {
		report.Verdict = StatusIncomplete
		return report, nil
	}

	for i, r := range revs {
		res := RevisionResult{
			Position:      i,
			SequenceIndex: r.SequenceIndex,
			SelfHash:      r.SelfHash,
		}
		loc := locals[i]

		var integrity Status
		switch {
		case !loc.hashOK:
			integrity, res.Reason = StatusTampered, "selfHash does not match stored fields"
		case !loc.contentOK:
			integrity, res.Reason = StatusTampered, loc.contentErr
		case r.WitnessRef != nil && !witnessRefBacked(r, in.Receipts[r.SelfHash]):
			integrity, res.Reason = StatusTampered, "witnessRef has no matching receipt"
		default:
			integrity, res.Reason = checkLink(i, revs, locals, report.Revisions)
		}
		if integrity != "" {
			res.Findings = append(res.Findings, integrity)
		}

		switch {
		case r.Signature == nil:
			res.Findings = append(res.Findings, StatusUnsigned)
		case loc.sigValid:
			res.Findings = append(res.Findings, StatusSigned)
		default:
			res.Findings = append(res.Findings, StatusSignatureInvalid)
		}

		res.Confirmations = confirmations(r.SelfHash, in.Receipts[r.SelfHash])
		switch {
		case res.Confirmations == 0:
			res.Findings = append(res.Findings, StatusWitnessUnconfirmed)
		case res.Confirmations < policy.MinConfirmations:
			res.Findings = append(res.Findings, StatusWitnessWeak)
		default:
			res.Findings = append(res.Findings, StatusWitnessOK)
		}

		res.Status = aggregate(res.Findings, policy)
		report.Revisions[i] = res
		if res.Status != StatusVerified && report.FailedAt < 0 {
			report.FailedAt = i
			report.Verdict = res.Status
		}
	}

	// A chain whose first listed revision is intact but not a genesis is
	// missing its anchor.
	if locals[0].hashOK && (!revs[0].IsGenesis() || revs[0].SequenceIndex != 0) {
		report.Verdict = StatusIncomplete
		report.FailedAt = 0
	}
	return report, nil
}

func (v *Verifier) checkLocal(r chain.Revision, segments map[uint64][]byte) local {
	var loc local
	loc.selfHash, loc.hashOK = chain.RecomputeSelfHash(r)
	loc.hashOK = loc.hashOK && loc.selfHash == r.SelfHash

	loc.contentOK = true
	if r.IsGenesis() && r.Content != nil && !address.Matches(r.ContentHash, r.Content) {
		loc.contentOK, loc.contentErr = false, "embedded genesis content does not match contentHash"
	}
	if data, ok := segments[r.SequenceIndex]; ok && !address.Matches(r.ContentHash, data) {
		loc.contentOK, loc.contentErr = false, "segment bytes do not match contentHash"
	}

	if r.Signature != nil {
		loc.sigValid = v.sigs.Valid(r.SelfHash, *r.Signature)
	}
	return loc
}

// checkLink compares revision i with its listed predecessor. A predecessor
// that is itself tampered or unlinked cannot anchor anything after it.
func checkLink(i int, revs []chain.Revision, locals []local, done []RevisionResult) (Status, string) {
	r := revs[i]
	if i == 0 {
		if !r.IsGenesis() {
			return StatusBrokenLink, "first listed revision has a predecessor"
		}
		if r.SequenceIndex != 0 {
			return StatusBrokenLink, "genesis sequence index is not 0"
		}
		return "", ""
	}
	prev := revs[i-1]
	if r.IsGenesis() {
		return StatusBrokenLink, "genesis revision listed after position 0"
	}
	if r.SequenceIndex != prev.SequenceIndex+1 {
		return StatusBrokenLink, "sequence index is not contiguous with predecessor"
	}
	if hasAny(done[i-1].Findings, StatusTampered, StatusBrokenLink) {
		return StatusBrokenLink, "predecessor failed integrity checks"
	}
	if r.PreviousHash != locals[i-1].selfHash {
		return StatusBrokenLink, "previousHash does not match predecessor selfHash"
	}
	return "", ""
}

// witnessRefBacked reports whether a receipt for r carries r's witnessRef.
// The reference sits outside selfHash, so the receipt side-table is what
// binds it.
func witnessRefBacked(r chain.Revision, receipts []chain.Receipt) bool {
	for _, rc := range receipts {
		if rc.RevisionSelfHash == r.SelfHash &&
			rc.Medium == r.WitnessRef.Medium &&
			rc.ExternalID == r.WitnessRef.ExternalID {
			return true
		}
	}
	return false
}

// confirmations counts distinct endpoints across receipts that attest selfHash.
func confirmations(selfHash address.Hash, receipts []chain.Receipt) int {
	seen := map[string]struct{}{}
	for _, rc := range receipts {
		if rc.RevisionSelfHash != selfHash {
			continue
		}
		for _, e := range rc.ConfirmedEndpoints {
			if e != "" {
				seen[e] = struct{}{}
			}
		}
	}
	return len(seen)
}

// aggregate returns the first failing finding. Findings are recorded in the
// order integrity, signature, witness, which is also their severity order.
func aggregate(findings []Status, p Policy) Status {
	for _, f := range findings {
		switch f {
		case StatusTampered, StatusBrokenLink, StatusSignatureInvalid:
			return f
		case StatusUnsigned:
			if p.RequireSignature {
				return f
			}
		case StatusWitnessUnconfirmed, StatusWitnessWeak:
			if p.RequireWitness {
				return f
			}
		}
	}
	return StatusVerified
}

func hasAny(findings []Status, want ...Status) bool {
	for _, f := range findings {
		for _, w := range want {
			if f == w {
				return true
			}
		}
	}
	return false
}
