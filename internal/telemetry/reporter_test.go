package telemetry

import "testing"

type mockSource struct {
	peerCount  int
	attempts   int
	failures   int
	sent, recv int64
}

func (m *mockSource) PeerCount() int { return m.peerCount }

func (m *mockSource) RecentHandshakeStats() (attempts, failures int) {
	return m.attempts, m.failures
}

func (m *mockSource) BytesTotal() (sent, recv int64) {
	return m.sent, m.recv
}

func TestNewReporter_StartsEmpty(t *testing.T) {
	r := NewReporter(nil)
	if r.latest != nil {
		t.Error("latest should be nil initially")
	}
	if len(r.History()) != 0 {
		t.Error("history should be empty initially")
	}
}

func TestCollect_BasicMetrics(t *testing.T) {
	r := NewReporter(nil)
	m := r.Collect()

	if m.GoRoutines <= 0 {
		t.Error("GoRoutines should be positive")
	}
	if m.UptimeSec < 0 {
		t.Error("UptimeSec should not be negative")
	}
	if m.HeapAllocMB <= 0 {
		t.Error("HeapAllocMB should be positive")
	}
}

func TestCollect_WithSource(t *testing.T) {
	src := &mockSource{peerCount: 5, attempts: 10, failures: 2, sent: 100, recv: 200}
	r := NewReporter(src)
	m := r.Collect()

	if m.PeersLive != 5 {
		t.Errorf("PeersLive = %d, want 5", m.PeersLive)
	}
	if m.HandshakeAttempts != 10 || m.HandshakeFailures != 2 {
		t.Errorf("handshake stats = %d/%d, want 10/2", m.HandshakeAttempts, m.HandshakeFailures)
	}
	if m.BytesSent != 100 || m.BytesRecv != 200 {
		t.Errorf("bytes = %d/%d, want 100/200", m.BytesSent, m.BytesRecv)
	}
}

func TestLatest_BeforeCollect(t *testing.T) {
	r := NewReporter(nil)
	if r.Latest() != nil {
		t.Error("Latest should return nil before first Collect")
	}
}

func TestLatest_AfterCollect(t *testing.T) {
	r := NewReporter(nil)
	r.Collect()
	if r.Latest() == nil {
		t.Fatal("Latest should not be nil after Collect")
	}
}

func TestHistory_Accumulates(t *testing.T) {
	r := NewReporter(nil)
	for i := 0; i < 5; i++ {
		r.Collect()
	}
	if got := len(r.History()); got != 5 {
		t.Errorf("history length = %d, want 5", got)
	}
}

func TestHistory_MaxLimit(t *testing.T) {
	r := NewReporter(nil)
	r.maxHist = 3

	for i := 0; i < 10; i++ {
		r.Collect()
	}

	if got := len(r.History()); got != 3 {
		t.Errorf("history length = %d, want max 3", got)
	}
}

func TestHistory_ReturnsCopy(t *testing.T) {
	r := NewReporter(nil)
	r.Collect()

	h1 := r.History()
	h2 := r.History()

	if len(h1) > 0 {
		h1[0].GoRoutines = 999999
	}
	if h2[0].GoRoutines == 999999 {
		t.Error("History should return a copy, not a reference")
	}
}
