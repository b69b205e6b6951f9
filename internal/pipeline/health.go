package pipeline

import (
	"slices"
	"sync"
	"time"

	"github.com/emperorhan/vault-harvester/internal/domain/model"
	"github.com/emperorhan/vault-harvester/internal/metrics"
)

// HealthStatus represents the health state of a chain's harvest runs.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"

	// DefaultUnhealthyThreshold is the number of consecutive failed runs
	// before a chain is considered unhealthy.
	DefaultUnhealthyThreshold = 3

	// DefaultDegradedLatencyThreshold is the P95 run duration above which a
	// chain is considered degraded.
	DefaultDegradedLatencyThreshold = 10 * time.Minute

	latencyWindowSize = 10
)

// healthGauge maps a status to the value exported on ChainHealthStatus.
var healthGauge = map[HealthStatus]float64{
	HealthStatusUnknown:   0,
	HealthStatusHealthy:   1,
	HealthStatusDegraded:  2,
	HealthStatusUnhealthy: 3,
}

// ChainHealth tracks the health of one chain across runs.
type ChainHealth struct {
	mu                       sync.RWMutex
	chain                    model.ChainID
	status                   HealthStatus
	consecutiveFailures      int
	lastSuccessAt            *time.Time
	lastFailureAt            *time.Time
	lastError                string
	unhealthyThreshold       int
	recentLatencies          []time.Duration
	degradedLatencyThreshold time.Duration
	now                      func() time.Time
}

func NewChainHealth(chain model.ChainID) *ChainHealth {
	return &ChainHealth{
		chain:                    chain,
		status:                   HealthStatusUnknown,
		unhealthyThreshold:       DefaultUnhealthyThreshold,
		recentLatencies:          make([]time.Duration, 0, latencyWindowSize),
		degradedLatencyThreshold: DefaultDegradedLatencyThreshold,
		now:                      time.Now,
	}
}

// RecordRun records the duration and outcome of a run. It returns true when
// a failing chain recovered on this run.
func (h *ChainHealth) RecordRun(d time.Duration, err error) (recovered bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.recentLatencies) >= latencyWindowSize {
		h.recentLatencies = h.recentLatencies[1:]
	}
	h.recentLatencies = append(h.recentLatencies, d)

	now := h.now()
	if err != nil {
		h.consecutiveFailures++
		h.lastFailureAt = &now
		h.lastError = err.Error()
		if h.consecutiveFailures >= h.unhealthyThreshold {
			h.status = HealthStatusUnhealthy
		} else {
			h.status = HealthStatusDegraded
		}
	} else {
		recovered = h.status == HealthStatusUnhealthy
		h.consecutiveFailures = 0
		h.lastSuccessAt = &now
		h.lastError = ""
		if h.isLatencyDegraded() {
			h.status = HealthStatusDegraded
		} else {
			h.status = HealthStatusHealthy
		}
	}

	label := h.chain.String()
	metrics.ChainHealthStatus.WithLabelValues(label).Set(healthGauge[h.status])
	metrics.ChainConsecutiveFailures.WithLabelValues(label).Set(float64(h.consecutiveFailures))
	return recovered
}

// isLatencyDegraded must be called with mu held.
func (h *ChainHealth) isLatencyDegraded() bool {
	if len(h.recentLatencies) < 2 {
		return false
	}
	return h.percentileLatency(95) > h.degradedLatencyThreshold
}

// percentileLatency must be called with mu held.
func (h *ChainHealth) percentileLatency(pct int) time.Duration {
	n := len(h.recentLatencies)
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(h.recentLatencies)
	slices.Sort(sorted)
	idx := (pct*n - 1) / 100
	idx = max(0, min(idx, n-1))
	return sorted[idx]
}

func (h *ChainHealth) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Chain:               h.chain.String(),
		Status:              string(h.status),
		ConsecutiveFailures: h.consecutiveFailures,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
		LastError:           h.lastError,
	}
}

// HealthSnapshot is a point-in-time view of chain health (JSON-safe).
type HealthSnapshot struct {
	Chain               string     `json:"chain"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// HealthRegistry holds the health tracker of every processed chain.
type HealthRegistry struct {
	mu     sync.RWMutex
	chains map[model.ChainID]*ChainHealth
}

func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{chains: make(map[model.ChainID]*ChainHealth)}
}

// For returns the tracker of chain, creating it on first use.
func (r *HealthRegistry) For(chain model.ChainID) *ChainHealth {
	r.mu.RLock()
	h, ok := r.chains[chain]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.chains[chain]; !ok {
		h = NewChainHealth(chain)
		r.chains[chain] = h
	}
	return h
}

// Snapshots returns every chain's health sorted by chain id.
func (r *HealthRegistry) Snapshots() []HealthSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HealthSnapshot, 0, len(r.chains))
	for _, h := range r.chains {
		out = append(out, h.Snapshot())
	}
	slices.SortFunc(out, func(a, b HealthSnapshot) int {
		switch {
		case a.Chain < b.Chain:
			return -1
		case a.Chain > b.Chain:
			return 1
		}
		return 0
	})
	return out
}

// Healthy is false when any chain is unhealthy.
func (r *HealthRegistry) Healthy() bool {
	for _, s := range r.Snapshots() {
		if s.Status == string(HealthStatusUnhealthy) {
			return false
		}
	}
	return true
}
