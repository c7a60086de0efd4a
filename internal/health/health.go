// Package health aggregates named check results into an overall status.
package health

import (
	"sync"
	"time"

	"github.com/dar-k-dev/p-progress/internal/logging"
)

var log = logging.L("health")

// Status is the outcome of a single check.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	}
	return false
}

// Check is the latest result recorded for a name.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Monitor records check results. Checks are reported in the order they were
// first recorded.
type Monitor struct {
	mu     sync.RWMutex
	order  []string
	checks map[string]Check
}

func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]Check)}
}

// Update records the result for name. Unrecognized statuses are stored as
// Unhealthy.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		status = Unhealthy
	}

	m.mu.Lock()
	if _, ok := m.checks[name]; !ok {
		m.order = append(m.order, name)
	}
	m.checks[name] = Check{
		Name:      name,
		Status:    status,
		Message:   message,
		UpdatedAt: time.Now(),
	}
	m.mu.Unlock()

	if status != Healthy {
		log.Warn("check not healthy", "check", name, "status", string(status), "message", message)
	}
}

// Overall returns the worst recorded status, or Unknown when nothing has
// been recorded.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if rank(c.Status) > rank(worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns the checks in recording order.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Check, 0, len(m.order))
	for _, name := range m.order {
		result = append(result, m.checks[name])
	}
	return result
}

// Unknown ranks worst.
func rank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	default:
		return 3
	}
}
