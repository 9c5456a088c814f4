package api_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/officialcmg/echo/internal/api"
	"github.com/officialcmg/echo/internal/attest"
	"github.com/officialcmg/echo/internal/chain"
	"github.com/officialcmg/echo/internal/export"
	"github.com/officialcmg/echo/internal/ledger"
	"github.com/officialcmg/echo/internal/recorder"
	"github.com/officialcmg/echo/internal/signer"
	"github.com/officialcmg/echo/internal/verify"
	"github.com/officialcmg/echo/internal/witness"
	"go.uber.org/zap"
)

type testServer struct {
	router     *gin.Engine
	mgr        *recorder.Manager
	dispatcher *witness.Dispatcher
	issuer     *attest.Issuer
}

func setupRouter(t *testing.T, withWitness bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var d *witness.Dispatcher
	if withWitness {
		a := witness.NewAttacher(witness.NewLocalBroadcaster("wss://a", "wss://b"), zap.NewNop())
		d = witness.NewDispatcher(a, witness.DispatcherConfig{Concurrency: 2, Timeout: time.Second}, zap.NewNop())
	}
	mgr, err := recorder.NewManager(ledger.NewMemoryStore(), d, recorder.Config{WitnessIdentity: "local"}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	mgr.SetMetrics(api.RecordSessionEvent)
	t.Cleanup(mgr.Close)

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	issuer := attest.NewIssuer(priv, "echo-test", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	router := api.NewRouter(ctx, mgr, api.RouterConfig{Issuer: issuer}, zap.NewNop())
	return &testServer{router: router, mgr: mgr, dispatcher: d, issuer: issuer}
}

func (s *testServer) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) startSession(t *testing.T) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/sessions", nil, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var info recorder.Info
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return info.ID
}

func (s *testServer) ingest(t *testing.T, id string, idx int, data string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/segments", []byte(data), map[string]string{
		"X-Segment-Index": strconv.Itoa(idx),
		"X-Captured-At":   time.Date(2024, 1, 1, 0, 0, idx, 0, time.UTC).Format(time.RFC3339Nano),
	})
}

func (s *testServer) record(t *testing.T, chunks ...string) string {
	t.Helper()
	id := s.startSession(t)
	for i, data := range chunks {
		if w := s.ingest(t, id, i, data); w.Code != http.StatusCreated {
			t.Fatalf("ingest %d: expected 201, got %d: %s", i, w.Code, w.Body.String())
		}
	}
	if w := s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/seal", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("seal: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	return id
}

func decodeReport(t *testing.T, body []byte) (*verify.Report, string) {
	t.Helper()
	var resp struct {
		Report      *verify.Report `json:"report"`
		Attestation string         `json:"attestation"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode verify response: %v", err)
	}
	return resp.Report, resp.Attestation
}

func TestRecordExportVerify(t *testing.T) {
	s := setupRouter(t, true)
	id := s.record(t, "chunk-0", "chunk-1", "chunk-2")

	w := s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/export", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	a, err := export.Decode(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if len(a.Revisions) != 3 || a.Metadata.TotalChunks != 3 {
		t.Fatalf("expected 3 revisions and chunks, got %d/%d", len(a.Revisions), a.Metadata.TotalChunks)
	}

	w = s.do(t, http.MethodPost, "/api/v1/verify?attest=true", w.Body.Bytes(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	report, token := decodeReport(t, w.Body.Bytes())
	if report.Verdict != verify.StatusVerified || report.FailedAt != -1 {
		t.Errorf("expected VERIFIED/-1, got %s/%d", report.Verdict, report.FailedAt)
	}
	if token == "" {
		t.Fatal("expected an attestation token")
	}

	body, _ := json.Marshal(map[string]string{"token": token})
	w = s.do(t, http.MethodPost, "/api/v1/attestations/check", body, nil)
	var check struct {
		Valid  bool          `json:"valid"`
		Claims attest.Claims `json:"claims"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &check); err != nil {
		t.Fatalf("decode check: %v", err)
	}
	if !check.Valid || check.Claims.Subject != id || check.Claims.Revisions != 3 {
		t.Errorf("unexpected check result: %s", w.Body.String())
	}
}

func TestVerify_tamperedArtifact(t *testing.T) {
	s := setupRouter(t, false)
	id := s.record(t, "chunk-0", "chunk-1", "chunk-2")

	w := s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/export", nil, nil)
	a, err := export.Decode(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	for i := range a.Segments {
		if a.Segments[i].Index == 1 {
			a.Segments[i].Data = []byte("spliced")
		}
	}
	var buf bytes.Buffer
	if err := export.Encode(&buf, a); err != nil {
		t.Fatalf("encode artifact: %v", err)
	}

	w = s.do(t, http.MethodPost, "/api/v1/verify", buf.Bytes(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	report, token := decodeReport(t, w.Body.Bytes())
	if report.Verdict != verify.StatusTampered || report.FailedAt != 1 {
		t.Errorf("expected TAMPERED at 1, got %s at %d", report.Verdict, report.FailedAt)
	}
	if token != "" {
		t.Error("attestation issued without ?attest=true")
	}
}

func TestVerify_badRequests(t *testing.T) {
	s := setupRouter(t, false)

	cases := []struct {
		name string
		path string
		body string
	}{
		{"not json", "/api/v1/verify", "not-json"},
		{"wrong format", "/api/v1/verify", `{"format":"other/1"}`},
		{"bad policy", "/api/v1/verify?min_confirmations=zero", `{"format":"echo-artifact/1"}`},
		{"bad flag", "/api/v1/verify?require_signature=maybe", `{"format":"echo-artifact/1"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, tc.path, []byte(tc.body), nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestSessionVerify_policyFromQuery(t *testing.T) {
	s := setupRouter(t, false)
	id := s.record(t, "chunk-0", "chunk-1")

	w := s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/verify", nil, nil)
	var report verify.Report
	json.Unmarshal(w.Body.Bytes(), &report)
	if report.Verdict != verify.StatusVerified {
		t.Fatalf("expected VERIFIED, got %s", report.Verdict)
	}

	w = s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/verify?require_signature=true", nil, nil)
	json.Unmarshal(w.Body.Bytes(), &report)
	if report.Verdict != verify.StatusUnsigned || report.FailedAt != 0 {
		t.Errorf("expected UNSIGNED at 0, got %s at %d", report.Verdict, report.FailedAt)
	}
}

func TestIngest_validation(t *testing.T) {
	s := setupRouter(t, false)
	id := s.startSession(t)

	w := s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/segments", []byte("x"), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing index: expected 400, got %d", w.Code)
	}
	w = s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/segments", []byte("x"), map[string]string{
		"X-Segment-Index": "0",
		"X-Captured-At":   "yesterday",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad timestamp: expected 400, got %d", w.Code)
	}
	w = s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/segments", nil, map[string]string{"X-Segment-Index": "0"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty body: expected 400, got %d", w.Code)
	}
}

func TestIngest_gapFailsSession(t *testing.T) {
	s := setupRouter(t, false)
	id := s.startSession(t)

	if w := s.ingest(t, id, 0, "chunk-0"); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	if w := s.ingest(t, id, 2, "chunk-2"); w.Code != http.StatusConflict {
		t.Fatalf("gap: expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if w := s.ingest(t, id, 1, "chunk-1"); w.Code != http.StatusConflict {
		t.Errorf("after failure: expected 409, got %d", w.Code)
	}

	w := s.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil, nil)
	var info recorder.Info
	json.Unmarshal(w.Body.Bytes(), &info)
	if info.Failed == "" || info.Revisions != 1 {
		t.Errorf("expected failed session with 1 revision, got %+v", info)
	}
}

func TestSession_notFound(t *testing.T) {
	s := setupRouter(t, false)

	for _, path := range []string{
		"/api/v1/sessions/missing",
		"/api/v1/sessions/missing/export",
		"/api/v1/sessions/missing/revisions/0",
	} {
		if w := s.do(t, http.MethodGet, path, nil, nil); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}

	id := s.record(t, "chunk-0")
	if w := s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/revisions/5", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("revision 5: expected 404, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/revisions/x", nil, nil); w.Code != http.StatusBadRequest {
		t.Errorf("revision x: expected 400, got %d", w.Code)
	}
}

func TestExport_requiresSeal(t *testing.T) {
	s := setupRouter(t, false)
	id := s.startSession(t)
	s.ingest(t, id, 0, "chunk-0")

	if w := s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/export", nil, nil); w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAttachSignature(t *testing.T) {
	s := setupRouter(t, false)
	id := s.record(t, "chunk-0", "chunk-1")

	key, err := signer.NewEd25519Key(bytes.Repeat([]byte{7}, ed25519.SeedSize))
	if err != nil {
		t.Fatalf("NewEd25519Key: %v", err)
	}
	for idx := 0; idx < 2; idx++ {
		w := s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/sessions/%s/revisions/%d", id, idx), nil, nil)
		var rev chain.Revision
		json.Unmarshal(w.Body.Bytes(), &rev)

		sig, err := signer.New().Sign(context.Background(), rev.SelfHash, key)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		body, _ := json.Marshal(sig)
		w = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/sessions/%s/revisions/%d/signature", id, idx), body, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("attach %d: expected 200, got %d: %s", idx, w.Code, w.Body.String())
		}
	}

	w := s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/verify?require_signature=true", nil, nil)
	var report verify.Report
	json.Unmarshal(w.Body.Bytes(), &report)
	if report.Verdict != verify.StatusVerified {
		t.Errorf("expected VERIFIED, got %s: %s", report.Verdict, w.Body.String())
	}

	w = s.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil, nil)
	var info recorder.Info
	json.Unmarshal(w.Body.Bytes(), &info)
	if info.PublicIdentity != key.PublicIdentity() {
		t.Errorf("expected public identity %s, got %s", key.PublicIdentity(), info.PublicIdentity)
	}
}

func TestAttachSignature_rejectsForeignSignature(t *testing.T) {
	s := setupRouter(t, false)
	id := s.record(t, "chunk-0", "chunk-1")

	key, _ := signer.NewEd25519Key(bytes.Repeat([]byte{9}, ed25519.SeedSize))
	w := s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/revisions/1", nil, nil)
	var rev chain.Revision
	json.Unmarshal(w.Body.Bytes(), &rev)
	sig, err := signer.New().Sign(context.Background(), rev.SelfHash, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	body, _ := json.Marshal(sig)
	w = s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/revisions/0/signature", body, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	w = s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/revisions/0/signature", []byte("{"), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", w.Code)
	}
}

func TestWitness(t *testing.T) {
	s := setupRouter(t, true)
	id := s.record(t, "chunk-0", "chunk-1")

	w := s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/revisions/0/witness?wait=true", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sync witness: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var receipt chain.Receipt
	json.Unmarshal(w.Body.Bytes(), &receipt)
	if receipt.Confirmations() != 2 {
		t.Errorf("expected 2 confirmations, got %d", receipt.Confirmations())
	}

	w = s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/revisions/1/witness", nil, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("async witness: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	s.dispatcher.Wait()

	w = s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/verify?require_witness=true", nil, nil)
	var report verify.Report
	json.Unmarshal(w.Body.Bytes(), &report)
	if report.Verdict != verify.StatusVerified {
		t.Errorf("expected VERIFIED, got %s: %s", report.Verdict, w.Body.String())
	}
}

func TestWitness_notConfigured(t *testing.T) {
	s := setupRouter(t, false)
	id := s.record(t, "chunk-0")

	w := s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/revisions/0/witness", nil, nil)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("expected 501, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAttestationKey(t *testing.T) {
	s := setupRouter(t, false)

	w := s.do(t, http.MethodGet, "/api/v1/attestations/key", nil, nil)
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["public_key"] != s.issuer.PublicKeyHex() {
		t.Errorf("expected %s, got %s", s.issuer.PublicKeyHex(), resp["public_key"])
	}

	body, _ := json.Marshal(map[string]string{"token": "not-a-token"})
	w = s.do(t, http.MethodPost, "/api/v1/attestations/check", body, nil)
	var check map[string]any
	json.Unmarshal(w.Body.Bytes(), &check)
	if check["valid"] != false {
		t.Errorf("expected valid=false, got %v", check["valid"])
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := setupRouter(t, false)
	s.record(t, "chunk-0")

	if w := s.do(t, http.MethodGet, "/healthz", nil, nil); w.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", w.Code)
	}
	w := s.do(t, http.MethodGet, "/metrics", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", w.Code)
	}
	for _, name := range []string{"echo_requests_total", "echo_session_events_total"} {
		if !bytes.Contains(w.Body.Bytes(), []byte(name)) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
