// Package telemetry periodically snapshots process and peer-manager
// counters and logs them. Nothing is pushed anywhere external: this
// node has no control plane to report to, so the reporter only keeps
// an in-memory history for local inspection (and a future status
// command to read from).
package telemetry

import (
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// Metrics is a single snapshot of node telemetry.
type Metrics struct {
	Timestamp time.Time

	GoRoutines  int
	HeapAllocMB float64

	PeersLive         int
	HandshakeAttempts int
	HandshakeFailures int
	BytesSent         int64
	BytesRecv         int64
	UptimeSec         float64
}

// StatsSource supplies the peer-manager counters a snapshot needs.
type StatsSource interface {
	PeerCount() int
	RecentHandshakeStats() (attempts, failures int)
	BytesTotal() (sent, recv int64)
}

// Reporter collects metrics snapshots on demand and keeps a bounded
// history of them.
type Reporter struct {
	mu      sync.RWMutex
	source  StatsSource
	latest  *Metrics
	history []Metrics
	maxHist int
	started time.Time
	logger  *slog.Logger
}

// NewReporter creates a Reporter reading from source.
func NewReporter(source StatsSource) *Reporter {
	return &Reporter{
		source:  source,
		history: make([]Metrics, 0, 60),
		maxHist: 60,
		started: time.Now(),
		logger:  slog.Default().With("component", "telemetry"),
	}
}

// Collect gathers a fresh snapshot, records it in history, and returns
// it.
func (r *Reporter) Collect() Metrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m := Metrics{
		Timestamp:   time.Now(),
		GoRoutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(mem.HeapAlloc) / 1024 / 1024,
		UptimeSec:   time.Since(r.started).Seconds(),
	}

	if r.source != nil {
		m.PeersLive = r.source.PeerCount()
		m.HandshakeAttempts, m.HandshakeFailures = r.source.RecentHandshakeStats()
		m.BytesSent, m.BytesRecv = r.source.BytesTotal()
	}

	r.mu.Lock()
	r.latest = &m
	if len(r.history) >= r.maxHist {
		r.history = r.history[1:]
	}
	r.history = append(r.history, m)
	r.mu.Unlock()

	return m
}

// Latest returns the most recent snapshot, or nil if Collect has never
// run.
func (r *Reporter) Latest() *Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil {
		return nil
	}
	m := *r.latest
	return &m
}

// History returns every retained snapshot, oldest first.
func (r *Reporter) History() []Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metrics, len(r.history))
	copy(out, r.history)
	return out
}

// Log writes snapshot m at info level, in the teacher's
// structured key/value style.
func (r *Reporter) Log(m Metrics) {
	r.logger.Info("telemetry snapshot",
		"goroutines", m.GoRoutines,
		"heap_alloc_mb", m.HeapAllocMB,
		"peers_live", m.PeersLive,
		"handshake_attempts", m.HandshakeAttempts,
		"handshake_failures", m.HandshakeFailures,
		"bytes_sent", m.BytesSent,
		"bytes_recv", m.BytesRecv,
		"uptime_sec", m.UptimeSec,
	)
}
