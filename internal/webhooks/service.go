// Package webhooks delivers session lifecycle events to configured HTTP
// receivers. Every body is signed with the subscription's secret.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// retryDelays is the wait before each attempt.
var retryDelays = []time.Duration{0, time.Second, 5 * time.Second, 25 * time.Second}

// Service fans events out to subscriptions.
type Service struct {
	subs       []Subscription
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService validates subs and creates a Service.
func NewService(subs []Subscription, logger *zap.Logger) (*Service, error) {
	for _, s := range subs {
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("webhooks: invalid subscription URL %q", s.URL)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		subs:       subs,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		delays:     retryDelays,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

// Subscriptions returns the number of configured receivers.
func (s *Service) Subscriptions() int { return len(s.subs) }

// Dispatch sends the event to every matching subscription in the
// background. Deliveries outlive ctx and stop at Close.
func (s *Service) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	for _, sub := range s.subs {
		if !sub.wants(eventType) {
			continue
		}
		s.wg.Add(1)
		go func(sub Subscription) {
			defer s.wg.Done()
			s.deliver(sub, eventType, body)
		}(sub)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (s *Service) Wait() { s.wg.Wait() }

// Close abandons pending retries and waits for deliveries to return.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// deliver sends body to a single subscription with retries.
func (s *Service) deliver(sub Subscription, eventType string, body []byte) {
	signature := signPayload(body, sub.Secret)

	for attempt := 1; attempt <= len(s.delays); attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(s.delays[attempt-1]):
			case <-s.ctx.Done():
				return
			}
		}

		d := s.doDelivery(sub.URL, body, signature)
		d.EventType = eventType
		d.Attempt = attempt

		if s.onMetrics != nil {
			s.onMetrics(d.Success)
		}
		if d.Success {
			return
		}

		s.logger.Warn("webhook: delivery failed",
			zap.String("url", d.URL),
			zap.String("event", eventType),
			zap.Int("attempt", attempt),
			zap.String("error", d.ErrorMessage),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (s *Service) doDelivery(target string, body []byte, signature string) Delivery {
	d := Delivery{URL: target}
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		d.ErrorMessage = err.Error()
		return d
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		d.ErrorMessage = err.Error()
		return d
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	d.StatusCode = resp.StatusCode
	d.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !d.Success {
		d.ErrorMessage = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return d
}

// signPayload computes an HMAC-SHA256 signature. An empty secret disables
// signing.
func signPayload(body []byte, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
func VerifySignature(body []byte, secret, signature string) bool {
	want := signPayload(body, secret)
	return want != "" && hmac.Equal([]byte(want), []byte(signature))
}
