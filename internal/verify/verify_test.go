package verify_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/officialcmg/echo/internal/address"
	"github.com/officialcmg/echo/internal/chain"
	"github.com/officialcmg/echo/internal/signer"
	"github.com/officialcmg/echo/internal/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func build(t testing.TB, payloads ...string) *chain.Chain {
	t.Helper()
	c := chain.New("chain-1", nil)
	for i, p := range payloads {
		_, err := c.Append(chain.Segment{Index: uint64(i), Data: []byte(p)})
		require.NoError(t, err)
	}
	c.Seal()
	return c
}

func payloads(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("segment-%02d", i)
	}
	return out
}

func signAll(t testing.TB, c *chain.Chain) {
	t.Helper()
	key, err := signer.NewEd25519Key(make([]byte, 32))
	require.NoError(t, err)
	s := signer.New()
	for _, rev := range c.Revisions() {
		sig, err := s.Sign(ctx, rev.SelfHash, key)
		require.NoError(t, err)
		_, err = c.AttachSignature(rev.SequenceIndex, sig)
		require.NoError(t, err)
	}
}

func statuses(r *verify.Report) []verify.Status {
	out := make([]verify.Status, len(r.Revisions))
	for i, res := range r.Revisions {
		out[i] = res.Status
	}
	return out
}

func TestVerify_threeSegmentExample(t *testing.T) {
	c := build(t, "A", "B", "C")

	report, err := verify.Verify(ctx, verify.Input{Revisions: c.Revisions()}, verify.DefaultPolicy())
	require.NoError(t, err)

	assert.Equal(t, verify.StatusVerified, report.Verdict)
	assert.Equal(t, -1, report.FailedAt)
	require.Len(t, report.Revisions, 3)
	for _, res := range report.Revisions {
		assert.Equal(t, verify.StatusVerified, res.Status)
		assert.Equal(t, []verify.Status{verify.StatusUnsigned, verify.StatusWitnessUnconfirmed}, res.Findings)
	}
}

func TestVerify_swapBreaksLinkAfterSwapPoint(t *testing.T) {
	revs := build(t, "A", "B", "C").Revisions()
	revs[1], revs[2] = revs[2], revs[1]

	report, err := verify.Verify(ctx, verify.Input{Revisions: revs}, verify.DefaultPolicy())
	require.NoError(t, err)

	assert.Equal(t, []verify.Status{verify.StatusVerified, verify.StatusBrokenLink, verify.StatusBrokenLink}, statuses(report))
	assert.Equal(t, verify.StatusBrokenLink, report.Verdict)
	assert.Equal(t, 1, report.FailedAt)
}

func TestVerify_deleteMiddleRevision(t *testing.T) {
	revs := build(t, payloads(5)...).Revisions()
	revs = append(revs[:2], revs[3:]...)

	report, err := verify.Verify(ctx, verify.Input{Revisions: revs}, verify.DefaultPolicy())
	require.NoError(t, err)

	assert.Equal(t, verify.StatusVerified, report.Revisions[1].Status)
	assert.Equal(t, verify.StatusBrokenLink, report.Revisions[2].Status)
	assert.Equal(t, 2, report.FailedAt)
}

func TestVerify_emptyChainIsIncomplete(t *testing.T) {
	report, err := verify.Verify(ctx, verify.Input{}, verify.DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, verify.StatusIncomplete, report.Verdict)
	assert.Empty(t, report.Revisions)
}

func TestVerify_missingGenesisIsIncomplete(t *testing.T) {
	revs := build(t, "A", "B", "C").Revisions()[1:]

	report, err := verify.Verify(ctx, verify.Input{Revisions: revs}, verify.DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, verify.StatusIncomplete, report.Verdict)
	assert.Equal(t, 0, report.FailedAt)
	assert.Equal(t, verify.StatusBrokenLink, report.Revisions[0].Status)
}

func TestVerify_signatures(t *testing.T) {
	c := build(t, "A", "B", "C")
	signAll(t, c)
	strict := verify.Policy{RequireSignature: true}

	report, err := verify.Verify(ctx, verify.Input{Revisions: c.Revisions()}, strict)
	require.NoError(t, err)
	assert.True(t, report.Verified())
	assert.Contains(t, report.Revisions[0].Findings, verify.StatusSigned)

	t.Run("invalid signature always fails", func(t *testing.T) {
		revs := c.Revisions()
		revs[1].Signature.Value = revs[0].Signature.Value

		report, err := verify.Verify(ctx, verify.Input{Revisions: revs}, verify.DefaultPolicy())
		require.NoError(t, err)
		assert.Equal(t, verify.StatusSignatureInvalid, report.Verdict)
		assert.Equal(t, 1, report.FailedAt)
		// The signature is not part of the link, so the next revision still links.
		assert.Equal(t, verify.StatusVerified, report.Revisions[2].Status)
	})

	t.Run("unsigned fails only when required", func(t *testing.T) {
		unsigned := build(t, "A", "B")
		report, err := verify.Verify(ctx, verify.Input{Revisions: unsigned.Revisions()}, strict)
		require.NoError(t, err)
		assert.Equal(t, verify.StatusUnsigned, report.Verdict)
		assert.Equal(t, 0, report.FailedAt)
	})
}

func TestVerify_witnessConfidence(t *testing.T) {
	revs := build(t, "A", "B", "C").Revisions()
	receipt := func(rev chain.Revision, endpoints ...string) chain.Receipt {
		return chain.Receipt{RevisionSelfHash: rev.SelfHash, Medium: "local", ExternalID: "ev-" + string(rev.SelfHash), ConfirmedEndpoints: endpoints}
	}
	in := verify.Input{
		Revisions: revs,
		Receipts: map[address.Hash][]chain.Receipt{
			revs[0].SelfHash: {receipt(revs[0], "wss://a", "wss://b")},
			revs[1].SelfHash: {receipt(revs[1], "wss://a"), receipt(revs[1], "wss://a")},
			// Filed under revision 2 but attesting revision 0: ignored.
			revs[2].SelfHash: {receipt(revs[0], "wss://a", "wss://b", "wss://c")},
		},
	}

	report, err := verify.Verify(ctx, in, verify.DefaultPolicy())
	require.NoError(t, err)
	assert.True(t, report.Verified())
	assert.Contains(t, report.Revisions[0].Findings, verify.StatusWitnessOK)
	assert.Contains(t, report.Revisions[1].Findings, verify.StatusWitnessWeak)
	assert.Equal(t, 1, report.Revisions[1].Confirmations)
	assert.Contains(t, report.Revisions[2].Findings, verify.StatusWitnessUnconfirmed)

	report, err = verify.Verify(ctx, in, verify.Policy{RequireWitness: true})
	require.NoError(t, err)
	assert.Equal(t, verify.StatusWitnessWeak, report.Verdict)
	assert.Equal(t, 1, report.FailedAt)

	report, err = verify.Verify(ctx, in, verify.Policy{RequireWitness: true, MinConfirmations: 1})
	require.NoError(t, err)
	assert.Equal(t, verify.StatusWitnessUnconfirmed, report.Verdict)
	assert.Equal(t, 2, report.FailedAt)
}

func TestVerify_witnessRefMustHaveReceipt(t *testing.T) {
	c := build(t, "A", "B", "C")
	genuine := chain.WitnessRef{Medium: "nostr", ExternalID: "genuine"}
	_, err := c.BindWitnessRef(1, genuine)
	require.NoError(t, err)
	revs := c.Revisions()
	in := verify.Input{
		Revisions: revs,
		Receipts: map[address.Hash][]chain.Receipt{
			revs[1].SelfHash: {{RevisionSelfHash: revs[1].SelfHash, Medium: "nostr", ExternalID: "genuine", ConfirmedEndpoints: []string{"wss://a"}}},
		},
	}

	report, err := verify.Verify(ctx, in, verify.DefaultPolicy())
	require.NoError(t, err)
	assert.True(t, report.Verified())

	revs[1].WitnessRef.ExternalID = "forged-event-id"
	report, err = verify.Verify(ctx, in, verify.DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, []verify.Status{verify.StatusVerified, verify.StatusTampered, verify.StatusBrokenLink}, statuses(report))
	assert.Equal(t, 1, report.FailedAt)
	assert.Equal(t, "witnessRef has no matching receipt", report.Revisions[1].Reason)

	revs[1].WitnessRef.ExternalID = "genuine"
	revs[2].WitnessRef = &chain.WitnessRef{Medium: "nostr", ExternalID: "never-broadcast"}
	report, err = verify.Verify(ctx, in, verify.DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, verify.StatusTampered, report.Verdict)
	assert.Equal(t, 2, report.FailedAt)
}

func TestVerify_segmentBytes(t *testing.T) {
	revs := build(t, "A", "B", "C").Revisions()

	report, err := verify.Verify(ctx, verify.Input{
		Revisions: revs,
		Segments:  map[uint64][]byte{1: []byte("B"), 2: []byte("C")},
	}, verify.DefaultPolicy())
	require.NoError(t, err)
	assert.True(t, report.Verified())

	report, err = verify.Verify(ctx, verify.Input{
		Revisions: revs,
		Segments:  map[uint64][]byte{1: []byte("b")},
	}, verify.DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, []verify.Status{verify.StatusVerified, verify.StatusTampered, verify.StatusBrokenLink}, statuses(report))
}

func TestVerify_genesisEmbeddedContent(t *testing.T) {
	revs := build(t, "A", "B").Revisions()
	revs[0].Content = []byte("Z")

	report, err := verify.Verify(ctx, verify.Input{Revisions: revs}, verify.DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, verify.StatusTampered, report.Verdict)
	assert.Equal(t, 0, report.FailedAt)
}

func TestVerify_otherAlgorithm(t *testing.T) {
	a, err := address.New(address.BLAKE2b256)
	require.NoError(t, err)
	c := chain.New("chain-1", a)
	for i, p := range []string{"A", "B"} {
		_, err := c.Append(chain.Segment{Index: uint64(i), Data: []byte(p)})
		require.NoError(t, err)
	}

	report, err := verify.Verify(ctx, verify.Input{Revisions: c.Revisions()}, verify.DefaultPolicy())
	require.NoError(t, err)
	assert.True(t, report.Verified())
}

func TestVerify_deterministicAndReadOnly(t *testing.T) {
	c := build(t, payloads(8)...)
	signAll(t, c)
	revs := c.Revisions()
	revs[3].ContentHash = revs[4].ContentHash
	before := make([]chain.Revision, len(revs))
	for i, r := range revs {
		before[i] = r.Clone()
	}

	v := verify.New(nil, verify.WithParallelism(3))
	first, err := v.Verify(ctx, verify.Input{Revisions: revs}, verify.DefaultPolicy())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := v.Verify(ctx, verify.Input{Revisions: revs}, verify.DefaultPolicy())
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, before, revs)
}

func TestVerify_cancelled(t *testing.T) {
	revs := build(t, payloads(4)...).Revisions()
	cctx, cancel := context.WithCancel(ctx)
	cancel()

	_, err := verify.Verify(cctx, verify.Input{Revisions: revs}, verify.DefaultPolicy())
	assert.ErrorIs(t, err, context.Canceled)
}

// mutate alters one stored field of r without recomputing selfHash. Field 3
// points the witnessRef at an event no receipt backs.
func mutate(r *chain.Revision, field int) {
	other := address.Default().AddressOf([]byte("forged"))
	switch field {
	case 0:
		r.SequenceIndex += 100
	case 1:
		r.ContentHash = other
	case 2:
		r.PreviousHash = other
	case 3:
		r.WitnessRef = &chain.WitnessRef{Medium: "nostr", ExternalID: "forged-event-id"}
	default:
		r.SelfHash = other
	}
}

func TestVerify_properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("untouched chains verify", prop.ForAll(
		func(n int) bool {
			c := build(t, payloads(n)...)
			revs := c.Revisions()
			for i := 1; i < len(revs); i++ {
				if revs[i].PreviousHash != revs[i-1].SelfHash {
					return false
				}
			}
			report, err := verify.Verify(ctx, verify.Input{Revisions: revs}, verify.DefaultPolicy())
			return err == nil && report.Verified()
		},
		gen.IntRange(1, 16),
	))

	properties.Property("tampering k reports k TAMPERED and everything after BROKEN_LINK", prop.ForAll(
		func(n, k, field int) bool {
			k %= n
			revs := build(t, payloads(n)...).Revisions()
			mutate(&revs[k], field)

			report, err := verify.Verify(ctx, verify.Input{Revisions: revs}, verify.DefaultPolicy())
			if err != nil {
				return false
			}
			for i, res := range report.Revisions {
				switch {
				case i < k && res.Status != verify.StatusVerified:
					return false
				case i == k && res.Status != verify.StatusTampered:
					return false
				case i > k && res.Status != verify.StatusBrokenLink:
					return false
				}
			}
			return report.FailedAt == k
		},
		gen.IntRange(1, 12),
		gen.IntRange(0, 11),
		gen.IntRange(0, 4),
	))

	properties.Property("altering k's signature reports k SIGNATURE_INVALID only", prop.ForAll(
		func(n, k int) bool {
			k %= n
			c := build(t, payloads(n)...)
			signAll(t, c)
			revs := c.Revisions()
			v := revs[k].Signature.Value
			last := "0"
			if v[len(v)-1] == '0' {
				last = "1"
			}
			revs[k].Signature.Value = v[:len(v)-1] + last

			report, err := verify.Verify(ctx, verify.Input{Revisions: revs}, verify.Policy{RequireSignature: true})
			if err != nil {
				return false
			}
			for i, res := range report.Revisions {
				want := verify.StatusVerified
				if i == k {
					want = verify.StatusSignatureInvalid
				}
				if res.Status != want {
					return false
				}
			}
			return report.FailedAt == k
		},
		gen.IntRange(1, 12),
		gen.IntRange(0, 11),
	))

	properties.Property("deleting k breaks the link at k", prop.ForAll(
		func(n, k int) bool {
			k = 1 + k%(n-2)
			revs := build(t, payloads(n)...).Revisions()
			revs = append(revs[:k], revs[k+1:]...)

			report, err := verify.Verify(ctx, verify.Input{Revisions: revs}, verify.DefaultPolicy())
			return err == nil &&
				report.Revisions[k].Status == verify.StatusBrokenLink &&
				report.FailedAt == k
		},
		gen.IntRange(3, 12),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
