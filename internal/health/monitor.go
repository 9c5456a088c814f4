// Package health tracks the reachability of witness endpoints.
//
// A Monitor probes every endpoint on an interval with bounded concurrency and
// reports transitions only: an endpoint turns degraded after FailThreshold
// consecutive failures and healthy again on its first success.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds monitor configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
	Concurrency   int
}

// Prober checks one endpoint.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context, endpoint string) error

// Probe implements Prober.
func (f ProbeFunc) Probe(ctx context.Context, endpoint string) error { return f(ctx, endpoint) }

// StatusFunc is called when an endpoint changes state.
type StatusFunc func(endpoint string, healthy bool)

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(endpoint string, success bool)

// Monitor runs periodic endpoint probes.
type Monitor struct {
	endpoints []string
	prober    Prober
	cfg       Config
	onStatus  StatusFunc
	onMetrics MetricsRecordFunc
	logger    *zap.Logger

	mu         sync.Mutex
	failCounts map[string]int
}

// New creates a Monitor over endpoints. All endpoints start healthy.
func New(endpoints []string, prober Prober, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 10
	}
	return &Monitor{
		endpoints:  append([]string(nil), endpoints...),
		prober:     prober,
		cfg:        cfg,
		logger:     logger,
		failCounts: make(map[string]int),
	}
}

// SetStatusFunc configures the transition callback.
func (m *Monitor) SetStatusFunc(fn StatusFunc) {
	m.onStatus = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (m *Monitor) SetMetricsRecord(fn MetricsRecordFunc) {
	m.onMetrics = fn
}

// Run probes on every tick until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.CheckAll(ctx)
	for {
		select {
		case <-ticker.C:
			m.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll probes every endpoint once with bounded concurrency.
func (m *Monitor) CheckAll(ctx context.Context) {
	sem := make(chan struct{}, m.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, e := range m.endpoints {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
			err := m.prober.Probe(pctx, endpoint)
			cancel()
			m.record(endpoint, err)
		}(e)
	}

	wg.Wait()
}

func (m *Monitor) record(endpoint string, err error) {
	success := err == nil
	if m.onMetrics != nil {
		m.onMetrics(endpoint, success)
	}

	m.mu.Lock()
	prev := m.failCounts[endpoint]
	if success {
		m.failCounts[endpoint] = 0
	} else {
		m.failCounts[endpoint]++
	}
	count := m.failCounts[endpoint]
	m.mu.Unlock()

	switch {
	case success && prev >= m.cfg.FailThreshold:
		m.logger.Info("health: endpoint recovered", zap.String("endpoint", endpoint))
		m.notify(endpoint, true)
	case !success && count == m.cfg.FailThreshold:
		m.logger.Warn("health: endpoint degraded",
			zap.String("endpoint", endpoint),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
		m.notify(endpoint, false)
	case !success:
		m.logger.Debug("health: probe failed", zap.String("endpoint", endpoint), zap.Error(err))
	}
}

func (m *Monitor) notify(endpoint string, healthy bool) {
	if m.onStatus != nil {
		m.onStatus(endpoint, healthy)
	}
}

// Healthy returns the endpoints currently below the failure threshold, sorted.
func (m *Monitor) Healthy() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.endpoints {
		if m.failCounts[e] < m.cfg.FailThreshold {
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}
