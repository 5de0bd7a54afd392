package metrics

import (
	"sync"
	"time"
)

// TimerSummary aggregates the recorded durations of one named operation
type TimerSummary struct {
	Count     int64   `json:"count"`
	TotalMs   int64   `json:"total_ms"`
	AverageMs float64 `json:"average_ms"`
	MinMs     int64   `json:"min_ms"`
	MaxMs     int64   `json:"max_ms"`
}

// OutcomeSummary tracks how often a named operation fails
type OutcomeSummary struct {
	Total     int64   `json:"total"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
}

type timerState struct {
	count   int64
	totalMs int64
	minMs   int64
	maxMs   int64
}

type outcomeState struct {
	total  int64
	errors int64
}

// Metrics is an in-process collector exposed on the /metrics endpoint.
// Counters, timers and outcome rates accumulate per name; health flags
// reflect the last reported state of each dependency.
type Metrics struct {
	mu        sync.Mutex
	counters  map[string]int64
	timers    map[string]*timerState
	outcomes  map[string]*outcomeState
	health    map[string]bool
	startedAt time.Time
}

// NewMetrics creates an empty collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:  make(map[string]int64),
		timers:    make(map[string]*timerState),
		outcomes:  make(map[string]*outcomeState),
		health:    make(map[string]bool),
		startedAt: time.Now(),
	}
}

// IncrementCounter increments a counter by one
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the given amount
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

// RecordTimer folds one duration into the named timer's summary
func (m *Metrics) RecordTimer(name string, durationMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[name]
	if !ok {
		t = &timerState{minMs: durationMs, maxMs: durationMs}
		m.timers[name] = t
	}
	t.count++
	t.totalMs += durationMs
	if durationMs < t.minMs {
		t.minMs = durationMs
	}
	if durationMs > t.maxMs {
		t.maxMs = durationMs
	}
}

// RecordSuccess counts one successful run of the named operation
func (m *Metrics) RecordSuccess(name string) {
	m.recordOutcome(name, false)
}

// RecordError counts one failed run of the named operation
func (m *Metrics) RecordError(name string) {
	m.recordOutcome(name, true)
}

func (m *Metrics) recordOutcome(name string, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.outcomes[name]
	if !ok {
		o = &outcomeState{}
		m.outcomes[name] = o
	}
	o.total++
	if failed {
		o.errors++
	}
}

// SetHealth records whether a dependency is currently reachable
func (m *Metrics) SetHealth(component string, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health[component] = healthy
}

// GetCounters returns a snapshot of all counters
func (m *Metrics) GetCounters() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int64, len(m.counters))
	for name, v := range m.counters {
		out[name] = v
	}
	return out
}

// GetTimers returns a snapshot of all timer summaries
func (m *Metrics) GetTimers() map[string]TimerSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]TimerSummary, len(m.timers))
	for name, t := range m.timers {
		var avg float64
		if t.count > 0 {
			avg = float64(t.totalMs) / float64(t.count)
		}
		out[name] = TimerSummary{
			Count:     t.count,
			TotalMs:   t.totalMs,
			AverageMs: avg,
			MinMs:     t.minMs,
			MaxMs:     t.maxMs,
		}
	}
	return out
}

// GetErrorRates returns a snapshot of all outcome summaries, with the
// error rate expressed as a percentage
func (m *Metrics) GetErrorRates() map[string]OutcomeSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]OutcomeSummary, len(m.outcomes))
	for name, o := range m.outcomes {
		var rate float64
		if o.total > 0 {
			rate = float64(o.errors) / float64(o.total) * 100.0
		}
		out[name] = OutcomeSummary{
			Total:     o.total,
			Errors:    o.errors,
			ErrorRate: rate,
		}
	}
	return out
}

// GetHealthChecks returns the last reported state of every dependency
func (m *Metrics) GetHealthChecks() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]bool, len(m.health))
	for name, v := range m.health {
		out[name] = v
	}
	return out
}

// GetUptimeSeconds returns the seconds since the collector was created
func (m *Metrics) GetUptimeSeconds() int64 {
	return int64(time.Since(m.startedAt).Seconds())
}

// GetAllMetrics returns every snapshot in the shape served by /metrics
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": m.GetUptimeSeconds(),
		"counters":       m.GetCounters(),
		"timers":         m.GetTimers(),
		"error_rates":    m.GetErrorRates(),
		"health_checks":  m.GetHealthChecks(),
	}
}
