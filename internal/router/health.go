package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/scottylabs/kennel/internal/config"
	"github.com/scottylabs/kennel/internal/logfields"
	"github.com/scottylabs/kennel/internal/store"
)

// backendHealth is the monitor's view of one service backend, keyed by the
// deployment's generated domain.
type backendHealth struct {
	failures int
	healthy  bool
}

// Monitor probes the backends of active service deployments and evicts
// routes whose backends stop answering. Deployment rows are never mutated:
// an evicted backend keeps getting probed, and the periodic full reload
// re-adds its route once a probe succeeds again.
type Monitor struct {
	store    *store.Store
	table    *Table
	client   *http.Client
	interval time.Duration
	maxFails int

	mu    sync.Mutex
	state map[string]*backendHealth

	log *slog.Logger
}

func NewMonitor(st *store.Store, table *Table, log *slog.Logger) *Monitor {
	return &Monitor{
		store:    st,
		table:    table,
		client:   &http.Client{Timeout: config.HealthCheckTimeout},
		interval: config.HealthCheckInterval,
		maxFails: config.MaxConsecutiveHealthFailures,
		state:    make(map[string]*backendHealth),
		log:      log,
	}
}

// Run probes on a fixed interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// Healthy reports whether the domain's backend is currently considered
// healthy. Unknown domains are healthy; the reload path uses this to keep
// evicted backends out of the table until a probe succeeds.
func (m *Monitor) Healthy(domain string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state[domain]
	return !ok || s.healthy
}

// noteActive resets the domain's health state. A deployment that just passed
// its rollout health check starts healthy regardless of its predecessor's
// probe history.
func (m *Monitor) noteActive(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[domain] = &backendHealth{healthy: true}
}

// sweep probes the backend of every active service deployment once. A route
// is evicted when its counter reaches maxFails while still marked healthy;
// static deployments have no backend to probe.
func (m *Monitor) sweep(ctx context.Context) {
	rows, err := m.store.Deployments.ListActiveWithServices(ctx)
	if err != nil {
		m.log.Warn("listing deployments for health sweep failed", logfields.Error(err))
		return
	}

	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		if row.Port == nil {
			continue
		}
		domain := row.Domain
		seen[domain] = true

		up := m.probe(ctx, *row.Port)

		m.mu.Lock()
		s := m.state[domain]
		if s == nil {
			s = &backendHealth{healthy: true}
			m.state[domain] = s
		}
		var recovered, evict bool
		if up {
			recovered = !s.healthy
			s.failures = 0
			s.healthy = true
		} else {
			s.failures++
			if s.failures >= m.maxFails && s.healthy {
				s.healthy = false
				evict = true
			}
		}
		fails := s.failures
		m.mu.Unlock()

		switch {
		case recovered:
			m.log.Info("backend recovered", logfields.Domain(domain), logfields.Port(*row.Port))
		case evict:
			m.table.Remove(domain)
			if row.CustomDomain != nil && *row.CustomDomain != "" {
				m.table.Remove(*row.CustomDomain)
			}
			m.log.Error("route evicted after repeated health failures",
				logfields.Domain(domain), logfields.Port(*row.Port))
		case !up:
			m.log.Warn("health probe failed",
				logfields.Domain(domain), logfields.Port(*row.Port),
				slog.Int("consecutive", fails))
		}
	}

	// Drop state for deployments that are no longer active.
	m.mu.Lock()
	for domain := range m.state {
		if !seen[domain] {
			delete(m.state, domain)
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) probe(ctx context.Context, port int) bool {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
