package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/officialcmg/echo/internal/address"
	"github.com/officialcmg/echo/internal/verify"
	"github.com/officialcmg/echo/internal/witness"
	"go.uber.org/zap"
)

func writeChunks(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
		if err := os.WriteFile(paths[i], []byte("audio:"+n), 0o600); err != nil {
			t.Fatalf("write %s: %v", n, err)
		}
	}
	return paths
}

func TestOrderChunks_numbered(t *testing.T) {
	got := orderChunks([]string{"a/chunk_10.webm", "a/chunk_2.webm", "a/chunk_0.webm", "a/chunk_1.webm"})
	want := []uint64{0, 1, 2, 10}
	for i, c := range got {
		if c.index != want[i] {
			t.Errorf("position %d: got index %d, want %d", i, c.index, want[i])
		}
	}
}

func TestOrderChunks_argumentOrder(t *testing.T) {
	got := orderChunks([]string{"b.webm", "chunk_5.webm", "a.webm"})
	for i, c := range got {
		if c.index != uint64(i) {
			t.Errorf("position %d: got index %d", i, c.index)
		}
	}
	if got[0].path != "b.webm" {
		t.Errorf("expected argument order, got %s first", got[0].path)
	}
}

func TestSigningCapability(t *testing.T) {
	if c, err := signingCapability("", "ed25519"); err != nil || c != nil {
		t.Fatalf("empty proof: got %v, %v", c, err)
	}
	ed, err := signingCapability("0xdeadbeef", "ed25519")
	if err != nil {
		t.Fatalf("ed25519: %v", err)
	}
	again, _ := signingCapability("deadbeef", "ed25519")
	if ed.PublicIdentity() != again.PublicIdentity() {
		t.Error("same proof must derive the same identity")
	}
	if !strings.HasPrefix(ed.PublicIdentity(), "ed25519:") {
		t.Errorf("unexpected identity %s", ed.PublicIdentity())
	}
	n, err := signingCapability("deadbeef", "nostr")
	if err != nil || !strings.HasPrefix(n.PublicIdentity(), "nostr:") {
		t.Errorf("nostr: got %v, %v", n, err)
	}
	if _, err := signingCapability("deadbeef", "rsa"); err == nil {
		t.Error("expected error for unknown scheme")
	}
	if _, err := signingCapability("zz", "ed25519"); err == nil {
		t.Error("expected error for non-hex proof")
	}
}

func TestRecordLocal_signedAndWitnessed(t *testing.T) {
	paths := writeChunks(t, "chunk_0.webm", "chunk_1.webm", "chunk_2.webm")
	capability, err := signingCapability("cafebabe", "nostr")
	if err != nil {
		t.Fatalf("signingCapability: %v", err)
	}

	a, err := recordLocal(context.Background(), recordOptions{
		chunks:     orderChunks(paths),
		algorithm:  address.SHA3_256,
		capability: capability,
		witness:    witness.NewLocalBroadcaster("wss://a", "wss://b"),
		witnessID:  "local",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("recordLocal: %v", err)
	}
	if a.Algorithm != address.SHA3_256 || len(a.Revisions) != 3 {
		t.Fatalf("unexpected artifact: %s with %d revisions", a.Algorithm, len(a.Revisions))
	}

	strict := verify.Policy{MinConfirmations: 2, RequireSignature: true, RequireWitness: true}
	report, err := verify.Verify(context.Background(), a.VerifyInput(), strict)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.Verified() {
		t.Fatalf("expected VERIFIED, got %s at %d", report.Verdict, report.FailedAt)
	}

	var buf bytes.Buffer
	if err := printReportText(&buf, a.ChainID, report, ""); err != nil {
		t.Fatalf("printReportText: %v", err)
	}
	if !strings.Contains(buf.String(), "Verdict:  VERIFIED") {
		t.Errorf("text report missing verdict:\n%s", buf.String())
	}
}

func TestRecordLocal_missingChunkFails(t *testing.T) {
	paths := writeChunks(t, "chunk_0.webm", "chunk_2.webm")

	_, err := recordLocal(context.Background(), recordOptions{chunks: orderChunks(paths)}, zap.NewNop())
	if err == nil {
		t.Fatal("expected a gap to fail the recording")
	}
	if !strings.Contains(err.Error(), "chunk_2.webm") {
		t.Errorf("error should name the offending file: %v", err)
	}
}

func TestPrintReportJSON(t *testing.T) {
	paths := writeChunks(t, "one.webm", "two.webm")
	a, err := recordLocal(context.Background(), recordOptions{chunks: orderChunks(paths)}, zap.NewNop())
	if err != nil {
		t.Fatalf("recordLocal: %v", err)
	}
	report, _ := verify.Verify(context.Background(), a.VerifyInput(), verify.DefaultPolicy())

	var buf bytes.Buffer
	if err := printReportJSON(&buf, a.ChainID, report, "tok"); err != nil {
		t.Fatalf("printReportJSON: %v", err)
	}
	for _, want := range []string{fmt.Sprintf(`"chain_id": %q`, a.ChainID), `"verdict": "VERIFIED"`, `"attestation": "tok"`} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("JSON report missing %s:\n%s", want, buf.String())
		}
	}
}
