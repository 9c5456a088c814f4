package client_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/officialcmg/echo/internal/api"
	"github.com/officialcmg/echo/internal/attest"
	"github.com/officialcmg/echo/internal/chain"
	"github.com/officialcmg/echo/internal/ledger"
	"github.com/officialcmg/echo/internal/recorder"
	"github.com/officialcmg/echo/internal/signer"
	"github.com/officialcmg/echo/internal/verify"
	"github.com/officialcmg/echo/internal/witness"
	"github.com/officialcmg/echo/pkg/client"
	"go.uber.org/zap"
)

// ── Test server ─────────────────────────────────────────────────────────

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	a := witness.NewAttacher(witness.NewLocalBroadcaster("wss://a", "wss://b"), zap.NewNop())
	d := witness.NewDispatcher(a, witness.DispatcherConfig{Concurrency: 2, Timeout: time.Second}, zap.NewNop())
	mgr, err := recorder.NewManager(ledger.NewMemoryStore(), d, recorder.Config{WitnessIdentity: "local"}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.Close)

	_, priv, _ := ed25519.GenerateKey(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	router := api.NewRouter(ctx, mgr, api.RouterConfig{Issuer: attest.NewIssuer(priv, "echo-test", time.Hour)}, zap.NewNop())

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func record(t *testing.T, c *client.Client, chunks ...string) string {
	t.Helper()
	ctx := context.Background()
	info, err := c.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	for i, data := range chunks {
		rev, err := c.Ingest(ctx, info.ID, chain.Segment{Index: uint64(i), Data: []byte(data), CapturedAt: time.Now()})
		if err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
		if rev.SequenceIndex != uint64(i) {
			t.Fatalf("expected sequence index %d, got %d", i, rev.SequenceIndex)
		}
	}
	if _, err := c.Seal(ctx, info.ID); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return info.ID
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestNew_invalidURL(t *testing.T) {
	for _, base := range []string{"", "localhost:8080", "://bad"} {
		if _, err := client.New(base); err == nil {
			t.Errorf("New(%q): expected error", base)
		}
	}
}

func TestRecordSignExportVerify(t *testing.T) {
	srv := newServer(t)
	c := client.MustNew(srv.URL, client.WithTimeout(5*time.Second), client.WithUserAgent("echo-test"))
	ctx := context.Background()

	id := record(t, c, "chunk-0", "chunk-1", "chunk-2")

	key, err := signer.NewEd25519Key(bytes.Repeat([]byte{3}, ed25519.SeedSize))
	if err != nil {
		t.Fatalf("NewEd25519Key: %v", err)
	}
	for i := uint64(0); i < 3; i++ {
		rev, err := c.Sign(ctx, id, i, key)
		if err != nil {
			t.Fatalf("Sign %d: %v", i, err)
		}
		if rev.Signature == nil || rev.Signature.PublicIdentity != key.PublicIdentity() {
			t.Fatalf("revision %d: signature not attached", i)
		}
	}
	for i := uint64(0); i < 3; i++ {
		if _, err := c.WitnessNow(ctx, id, i); err != nil {
			t.Fatalf("WitnessNow %d: %v", i, err)
		}
	}

	strict := verify.Policy{MinConfirmations: 2, RequireSignature: true, RequireWitness: true}
	report, err := c.VerifySession(ctx, id, strict)
	if err != nil {
		t.Fatalf("VerifySession: %v", err)
	}
	if report.Verdict != verify.StatusVerified {
		t.Fatalf("expected VERIFIED, got %s", report.Verdict)
	}

	a, err := c.Export(ctx, id)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if a.Metadata.PublicIdentity != key.PublicIdentity() {
		t.Errorf("expected public identity %s, got %s", key.PublicIdentity(), a.Metadata.PublicIdentity)
	}

	res, err := c.VerifyArtifact(ctx, a, strict, true)
	if err != nil {
		t.Fatalf("VerifyArtifact: %v", err)
	}
	if res.Report.Verdict != verify.StatusVerified || res.Attestation == "" {
		t.Errorf("expected VERIFIED with attestation, got %s %q", res.Report.Verdict, res.Attestation)
	}

	// Reordering revisions in the artifact must be caught.
	a.Revisions[1], a.Revisions[2] = a.Revisions[2], a.Revisions[1]
	res, err = c.VerifyArtifact(ctx, a, verify.DefaultPolicy(), false)
	if err != nil {
		t.Fatalf("VerifyArtifact: %v", err)
	}
	if res.Report.Verdict != verify.StatusBrokenLink || res.Report.FailedAt != 1 {
		t.Errorf("expected BROKEN_LINK at 1, got %s at %d", res.Report.Verdict, res.Report.FailedAt)
	}
}

func TestWitness_async(t *testing.T) {
	srv := newServer(t)
	c := client.MustNew(srv.URL)
	id := record(t, c, "chunk-0")

	ack, err := c.Witness(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("Witness: %v", err)
	}
	if ack.Status != "pending" || ack.SessionID != id {
		t.Errorf("unexpected ack: %+v", ack)
	}
}

func TestErrors(t *testing.T) {
	srv := newServer(t)
	c := client.MustNew(srv.URL)
	ctx := context.Background()

	_, err := c.GetSession(ctx, "missing")
	if !errors.Is(err, client.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	info, err := c.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	_, err = c.Export(ctx, info.ID)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 APIError, got %v", err)
	}

	if _, err := c.Ingest(ctx, info.ID, chain.Segment{Index: 1, Data: []byte("late")}); err == nil {
		t.Error("expected error for out-of-order first segment")
	}
}
