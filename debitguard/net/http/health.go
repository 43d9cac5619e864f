package http

import (
	"context"
	"sort"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/circuitbreaker"
)

const (
	StatusAvailable = "available"
	StatusDegraded  = "degraded"
)

// DefaultCheckTimeout bounds each dependency check.
const DefaultCheckTimeout = 2 * time.Second

// Check probes one dependency.
type Check func(ctx context.Context) error

// DependencyStatus is one entry of a HealthReport.
type DependencyStatus struct {
	Healthy bool   `json:"healthy"`
	Circuit string `json:"circuit,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthReport is the /health body.
type HealthReport struct {
	Status       string                      `json:"status"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// Health aggregates dependency checks and circuit breaker states. A
// dependency is healthy when its check passes and its breaker is not open.
type Health struct {
	checks   map[string]Check
	breakers *circuitbreaker.Manager
	timeout  time.Duration
}

// NewHealth returns a Health reading breaker states from breakers, which may
// be nil.
func NewHealth(breakers *circuitbreaker.Manager) *Health {
	return &Health{checks: make(map[string]Check), breakers: breakers, timeout: DefaultCheckTimeout}
}

// Add registers a named check.
func (h *Health) Add(name string, check Check) *Health {
	h.checks[name] = check

	return h
}

// Check runs every probe.
func (h *Health) Check(ctx context.Context) HealthReport {
	report := HealthReport{Status: StatusAvailable, Dependencies: make(map[string]DependencyStatus)}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
		err := h.checks[name](checkCtx)

		cancel()

		status := DependencyStatus{Healthy: err == nil}
		if err != nil {
			status.Error = err.Error()
		}

		report.Dependencies[name] = status
	}

	if h.breakers != nil {
		for name, state := range h.breakers.States() {
			status := report.Dependencies[name]
			if _, checked := h.checks[name]; !checked {
				status.Healthy = true
			}

			status.Circuit = string(state)
			if state == circuitbreaker.StateOpen {
				status.Healthy = false
			}

			report.Dependencies[name] = status
		}
	}

	for _, dep := range report.Dependencies {
		if !dep.Healthy {
			report.Status = StatusDegraded
		}
	}

	return report
}
