// Package health implements a lightweight MAPE-K self-healing loop
// (Monitor -> Analyze -> Plan -> Execute -> Knowledge) watching the
// peer manager: if the live peer count stays at zero for a full check
// cycle, or handshake failures spike, it logs a diagnosis and can
// trigger a discovery restart.
package health

import (
	"log/slog"
	"sync"
	"time"
)

// CheckInterval is how often the loop samples peer manager state.
const CheckInterval = 10 * time.Second

// HandshakeFailureThreshold is the fraction of recent handshake
// attempts that may fail before it is treated as an anomaly.
const HandshakeFailureThreshold = 0.5

// Action is a healing action the loop can request.
type Action int

const (
	ActionNone Action = iota
	ActionRestartDiscovery
)

func (a Action) String() string {
	switch a {
	case ActionRestartDiscovery:
		return "restart_discovery"
	default:
		return "none"
	}
}

// Observation is a single monitoring sample.
type Observation struct {
	Timestamp        time.Time
	PeerCount        int
	RecentHandshakes int
	RecentFailures   int
}

// HealingEvent records a diagnosis and the action taken for it.
type HealingEvent struct {
	Timestamp   time.Time
	Observation Observation
	Diagnosis   string
	Action      Action
	Success     bool
}

// StatsProvider supplies the peer manager counters the loop watches.
type StatsProvider interface {
	PeerCount() int
	RecentHandshakeStats() (attempts, failures int)
}

// ActionExecutor applies a healing action chosen by Analyze.
type ActionExecutor interface {
	ExecuteAction(Action) error
}

// Monitor runs the MAPE-K loop.
type Monitor struct {
	mu sync.RWMutex

	stats    StatsProvider
	executor ActionExecutor

	observations []Observation
	events       []HealingEvent
	maxHistory   int

	zeroPeerStreak int

	stopCh chan struct{}
	logger *slog.Logger
}

// NewMonitor creates a Monitor that samples stats and, when a rule
// fires, calls executor.
func NewMonitor(stats StatsProvider, executor ActionExecutor) *Monitor {
	return &Monitor{
		stats:      stats,
		executor:   executor,
		maxHistory: 100,
		stopCh:     make(chan struct{}),
		logger:     slog.Default().With("component", "health"),
	}
}

// Start begins the periodic check loop.
func (m *Monitor) Start() {
	go m.loop()
	m.logger.Info("self-healing loop started", "interval", CheckInterval)
}

// Stop halts the loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.logger.Info("self-healing loop stopped")
}

// Events returns the history of diagnoses and actions taken.
func (m *Monitor) Events() []HealingEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]HealingEvent, len(m.events))
	copy(out, m.events)
	return out
}

// LatestObservation returns the most recent sample, or nil if the loop
// has not run a cycle yet.
func (m *Monitor) LatestObservation() *Observation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.observations) == 0 {
		return nil
	}
	obs := m.observations[len(m.observations)-1]
	return &obs
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cycle()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) cycle() {
	obs := m.monitor()
	diagnosis, action := m.analyze(obs)

	success := true
	if action != ActionNone && m.executor != nil {
		if err := m.executor.ExecuteAction(action); err != nil {
			m.logger.Error("healing action failed", "action", action, "error", err)
			success = false
		} else {
			m.logger.Info("healing action executed", "action", action, "diagnosis", diagnosis)
		}
	} else if action == ActionNone && diagnosis != "" {
		m.logger.Warn("anomaly detected", "diagnosis", diagnosis)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.observations) >= m.maxHistory {
		m.observations = m.observations[1:]
	}
	m.observations = append(m.observations, obs)

	if action != ActionNone {
		if len(m.events) >= m.maxHistory {
			m.events = m.events[1:]
		}
		m.events = append(m.events, HealingEvent{
			Timestamp:   time.Now(),
			Observation: obs,
			Diagnosis:   diagnosis,
			Action:      action,
			Success:     success,
		})
	}
}

func (m *Monitor) monitor() Observation {
	attempts, failures := m.stats.RecentHandshakeStats()
	return Observation{
		Timestamp:        time.Now(),
		PeerCount:        m.stats.PeerCount(),
		RecentHandshakes: attempts,
		RecentFailures:   failures,
	}
}

func (m *Monitor) analyze(obs Observation) (string, Action) {
	if obs.PeerCount == 0 {
		m.zeroPeerStreak++
	} else {
		m.zeroPeerStreak = 0
	}

	if m.zeroPeerStreak >= 1 {
		return "no live peers for a full check cycle", ActionRestartDiscovery
	}

	if obs.RecentHandshakes > 0 {
		failureRatio := float64(obs.RecentFailures) / float64(obs.RecentHandshakes)
		if failureRatio > HandshakeFailureThreshold {
			return "majority of recent handshakes failed", ActionNone
		}
	}

	return "", ActionNone
}
