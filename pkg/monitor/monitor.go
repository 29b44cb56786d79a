// Package monitor tracks communication health of the gateway's upstream
// dependencies and raises an alarm while one is failing.
package monitor

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// AlarmState is the state of a communication alarm.
type AlarmState int

const (
	// AlarmCleared means the dependency answered on the last attempt.
	AlarmCleared AlarmState = iota
	// AlarmRaised means the dependency has been failing.
	AlarmRaised
)

func (s AlarmState) String() string {
	switch s {
	case AlarmCleared:
		return "cleared"
	case AlarmRaised:
		return "raised"
	default:
		return "unknown"
	}
}

// Dependency names.
const (
	DependencyCDF   = "cdf"
	DependencyTimer = "timer"
	DependencyStore = "store"
)

// AlarmSink receives alarm state changes, typically a metrics gauge.
type AlarmSink interface {
	SetCommAlarm(dependency string, raised bool)
}

// ChangeHandler is called after the alarm changes state.
type ChangeHandler func(dependency string, state AlarmState)

// Config configures a Monitor.
type Config struct {
	// RaiseAfter is the number of consecutive failures that raise the alarm.
	RaiseAfter int
}

// DefaultConfig raises on the first failure.
func DefaultConfig() Config {
	return Config{RaiseAfter: 1}
}

// Stats is a snapshot of a Monitor.
type Stats struct {
	State            AlarmState
	Successes        uint64
	Failures         uint64
	ConsecutiveFails int
	LastFailure      time.Time
	LastError        string
}

// Monitor tracks one dependency.
type Monitor struct {
	dependency string
	config     Config
	sink       AlarmSink
	logger     *zap.Logger

	mu       sync.Mutex
	stats    Stats
	handlers []ChangeHandler
}

// New creates a monitor for dependency. sink may be nil.
func New(dependency string, config Config, sink AlarmSink, logger *zap.Logger) *Monitor {
	if config.RaiseAfter < 1 {
		config.RaiseAfter = 1
	}
	return &Monitor{
		dependency: dependency,
		config:     config,
		sink:       sink,
		logger:     logger.With(zap.String("dependency", dependency)),
	}
}

// OnChange registers a handler for alarm transitions.
func (m *Monitor) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Success records a successful exchange and clears a raised alarm.
func (m *Monitor) Success() {
	m.mu.Lock()
	m.stats.Successes++
	m.stats.ConsecutiveFails = 0
	if m.stats.State != AlarmRaised {
		m.mu.Unlock()
		return
	}
	m.stats.State = AlarmCleared
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.Unlock()

	m.logger.Info("Communication restored, clearing alarm")
	m.notify(handlers, AlarmCleared)
}

// Failure records a failed exchange and raises the alarm once the threshold is reached.
func (m *Monitor) Failure(err error) {
	m.mu.Lock()
	m.stats.Failures++
	m.stats.ConsecutiveFails++
	m.stats.LastFailure = time.Now()
	if err != nil {
		m.stats.LastError = err.Error()
	}
	if m.stats.State == AlarmRaised || m.stats.ConsecutiveFails < m.config.RaiseAfter {
		m.mu.Unlock()
		return
	}
	m.stats.State = AlarmRaised
	handlers := append([]ChangeHandler(nil), m.handlers...)
	fails := m.stats.ConsecutiveFails
	m.mu.Unlock()

	m.logger.Error("Communication failure, raising alarm",
		zap.Int("consecutive_fails", fails),
		zap.Error(err))
	m.notify(handlers, AlarmRaised)
}

// State returns the current alarm state.
func (m *Monitor) State() AlarmState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.State
}

// Stats returns a snapshot.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Monitor) notify(handlers []ChangeHandler, state AlarmState) {
	if m.sink != nil {
		m.sink.SetCommAlarm(m.dependency, state == AlarmRaised)
	}
	for _, h := range handlers {
		h(m.dependency, state)
	}
}

// Set groups the monitors for every dependency.
type Set struct {
	CDF   *Monitor
	Timer *Monitor
	Store *Monitor
}

// NewSet creates monitors for the CDF, timer service and session store.
func NewSet(config Config, sink AlarmSink, logger *zap.Logger) *Set {
	return &Set{
		CDF:   New(DependencyCDF, config, sink, logger),
		Timer: New(DependencyTimer, config, sink, logger),
		Store: New(DependencyStore, config, sink, logger),
	}
}

// Raised returns the dependencies whose alarm is raised.
func (s *Set) Raised() []string {
	var out []string
	for _, m := range []*Monitor{s.CDF, s.Timer, s.Store} {
		if m.State() == AlarmRaised {
			out = append(out, m.dependency)
		}
	}
	return out
}
