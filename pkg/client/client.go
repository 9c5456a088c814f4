package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/officialcmg/echo/internal/chain"
	"github.com/officialcmg/echo/internal/export"
	"github.com/officialcmg/echo/internal/recorder"
	"github.com/officialcmg/echo/internal/signer"
	"github.com/officialcmg/echo/internal/verify"
)

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// Is makes errors.Is(err, ErrNotFound) work for 404 answers.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// VerifyResult is the answer to VerifyArtifact.
type VerifyResult struct {
	Report      *verify.Report `json:"report"`
	Attestation string         `json:"attestation,omitempty"`
}

// WitnessAck is the answer to an asynchronous witness request.
type WitnessAck struct {
	SessionID     string `json:"session_id"`
	SequenceIndex uint64 `json:"sequence_index"`
	Status        string `json:"status"`
}

// Client talks to an echod server.
type Client struct {
	base       string
	httpClient *http.Client
	userAgent  string
	maxBody    int64
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("nil http client")
		}
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) error {
		c.userAgent = ua
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a self-signed server.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: c.httpClient.Timeout,
		}
		return nil
	}
}

// New creates a Client for the server at base.
//
//	c, err := client.New("http://localhost:8080", client.WithTimeout(time.Minute))
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		userAgent:  "echo-client",
		maxBody:    64 << 20,
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// StartSession opens a recording session.
func (c *Client) StartSession(ctx context.Context) (*recorder.Info, error) {
	var info recorder.Info
	if err := c.call(ctx, http.MethodPost, "/sessions", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetSession returns the session state.
func (c *Client) GetSession(ctx context.Context, id string) (*recorder.Info, error) {
	var info recorder.Info
	if err := c.call(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Ingest uploads one segment and returns the revision it produced.
func (c *Client) Ingest(ctx context.Context, sessionID string, seg chain.Segment) (*chain.Revision, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/segments", bytes.NewReader(seg.Data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Segment-Index", strconv.FormatUint(seg.Index, 10))
	if !seg.CapturedAt.IsZero() {
		req.Header.Set("X-Captured-At", seg.CapturedAt.UTC().Format(time.RFC3339Nano))
	}
	var rev chain.Revision
	if err := c.do(req, &rev); err != nil {
		return nil, err
	}
	return &rev, nil
}

// Seal closes the session.
func (c *Client) Seal(ctx context.Context, sessionID string) (*recorder.Info, error) {
	var info recorder.Info
	if err := c.call(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/seal", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Revision fetches one revision.
func (c *Client) Revision(ctx context.Context, sessionID string, index uint64) (*chain.Revision, error) {
	var rev chain.Revision
	if err := c.call(ctx, http.MethodGet, revisionPath(sessionID, index), nil, &rev); err != nil {
		return nil, err
	}
	return &rev, nil
}

// AttachSignature posts a signature produced by the caller.
func (c *Client) AttachSignature(ctx context.Context, sessionID string, index uint64, sig chain.Signature) (*chain.Revision, error) {
	var rev chain.Revision
	if err := c.call(ctx, http.MethodPost, revisionPath(sessionID, index)+"/signature", sig, &rev); err != nil {
		return nil, err
	}
	return &rev, nil
}

// Sign fetches the revision at index, signs its selfHash locally with
// capability and attaches the signature. The key never leaves the caller.
func (c *Client) Sign(ctx context.Context, sessionID string, index uint64, capability signer.Capability) (*chain.Revision, error) {
	rev, err := c.Revision(ctx, sessionID, index)
	if err != nil {
		return nil, err
	}
	sig, err := signer.New().Sign(ctx, rev.SelfHash, capability)
	if err != nil {
		return nil, err
	}
	return c.AttachSignature(ctx, sessionID, index, sig)
}

// Witness asks the server to witness a revision in the background.
func (c *Client) Witness(ctx context.Context, sessionID string, index uint64) (*WitnessAck, error) {
	var ack WitnessAck
	if err := c.call(ctx, http.MethodPost, revisionPath(sessionID, index)+"/witness", nil, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// WitnessNow witnesses a revision and waits for the receipt.
func (c *Client) WitnessNow(ctx context.Context, sessionID string, index uint64) (*chain.Receipt, error) {
	var r chain.Receipt
	if err := c.call(ctx, http.MethodPost, revisionPath(sessionID, index)+"/witness?wait=true", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Export downloads the artifact of a sealed session.
func (c *Client) Export(ctx context.Context, sessionID string) (*export.Artifact, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/export", nil)
	if err != nil {
		return nil, err
	}
	body, err := c.send(req)
	if err != nil {
		return nil, err
	}
	return export.Decode(bytes.NewReader(body))
}

// VerifySession verifies the chain the server stores for sessionID.
func (c *Client) VerifySession(ctx context.Context, sessionID string, policy verify.Policy) (*verify.Report, error) {
	var r verify.Report
	path := "/sessions/" + url.PathEscape(sessionID) + "/verify?" + policyQuery(policy).Encode()
	if err := c.call(ctx, http.MethodGet, path, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// VerifyArtifact uploads a for stateless verification. With attest set the
// server also returns a signed attestation of the report.
func (c *Client) VerifyArtifact(ctx context.Context, a *export.Artifact, policy verify.Policy, attest bool) (*VerifyResult, error) {
	var buf bytes.Buffer
	if err := export.Encode(&buf, a); err != nil {
		return nil, err
	}
	q := policyQuery(policy)
	if attest {
		q.Set("attest", "true")
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/verify?"+q.Encode(), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	var res VerifyResult
	if err := c.do(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func revisionPath(sessionID string, index uint64) string {
	return "/sessions/" + url.PathEscape(sessionID) + "/revisions/" + strconv.FormatUint(index, 10)
}

func policyQuery(p verify.Policy) url.Values {
	q := url.Values{}
	if p.MinConfirmations > 0 {
		q.Set("min_confirmations", strconv.Itoa(p.MinConfirmations))
	}
	if p.RequireSignature {
		q.Set("require_signature", "true")
	}
	if p.RequireWitness {
		q.Set("require_witness", "true")
	}
	return q
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+"/api/v1"+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	body, err := c.send(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// send executes req and returns the body of a 2xx answer.
func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return body, nil
}
