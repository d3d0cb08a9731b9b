package observability

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ComponentStatus represents the health status of a component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// HealthCheck is a function that checks component health.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the health report for a single component.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	Latency     time.Duration   `json:"latency_ms"`
	Details     map[string]any  `json:"details,omitempty"`
}

// SystemHealth is the aggregate health of the service. The worst component
// status wins.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	Uptime     time.Duration              `json:"uptime"`
}

// PingCheck adapts a ping function (pgxpool.Pool.Ping, redis Ping, ...) to a
// HealthCheck. A ping slower than slow reports degraded.
func PingCheck(ping func(ctx context.Context) error, slow time.Duration) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
		}
		if slow > 0 && time.Since(start) > slow {
			return ComponentHealth{Status: StatusDegraded, Message: "slow ping"}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// HealthMonitor runs the registered checks periodically and on demand.
type HealthMonitor struct {
	mu           sync.RWMutex
	checks       map[string]HealthCheck
	results      map[string]ComponentHealth
	startTime    time.Time
	interval     time.Duration
	checkTimeout time.Duration
}

// NewHealthMonitor creates a monitor that checks components at interval.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		checks:       make(map[string]HealthCheck),
		results:      make(map[string]ComponentHealth),
		startTime:    time.Now(),
		interval:     interval,
		checkTimeout: 5 * time.Second,
	}
}

// Register adds a named health check.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Run checks periodically until ctx is cancelled.
func (m *HealthMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.runChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

// Check runs all checks now and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.runChecks(ctx)
	return m.Snapshot()
}

// ComponentStatus returns the most recent result for a named component.
func (m *HealthMonitor) ComponentStatus(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.results[name]
	return h, ok
}

// runChecks executes every check concurrently, each under checkTimeout, and
// logs status transitions.
func (m *HealthMonitor) runChecks(ctx context.Context) {
	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()

	var (
		wg         sync.WaitGroup
		resMu      sync.Mutex
		newResults = make(map[string]ComponentHealth, len(checks))
	)
	for name, fn := range checks {
		wg.Add(1)
		go func(name string, fn HealthCheck) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
			defer cancel()

			start := time.Now()
			result := fn(cctx)
			result.Name = name
			result.LastChecked = time.Now()
			result.Latency = time.Since(start)

			resMu.Lock()
			newResults[name] = result
			resMu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	m.mu.Lock()
	old := m.results
	m.results = newResults
	m.mu.Unlock()

	for name, cur := range newResults {
		prev, existed := old[name]
		if existed && prev.Status == cur.Status {
			continue
		}
		ev := log.Info()
		switch cur.Status {
		case StatusUnhealthy:
			ev = log.Error()
		case StatusDegraded:
			ev = log.Warn()
		}
		ev.Str("component", name).Str("status", string(cur.Status)).Str("message", cur.Message).
			Msg("health: status changed")
	}
}

// Snapshot builds a SystemHealth from the latest results without checking.
func (m *HealthMonitor) Snapshot() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(m.results))
	worst := StatusHealthy
	for name, h := range m.results {
		components[name] = h
		if statusSeverity(h.Status) > statusSeverity(worst) {
			worst = h.Status
		}
	}

	return SystemHealth{
		Status:     worst,
		Components: components,
		Timestamp:  time.Now(),
		Uptime:     time.Since(m.startTime),
	}
}

func statusSeverity(s ComponentStatus) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return -1
	}
}
