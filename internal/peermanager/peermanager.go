// Package peermanager owns the TCP listener that accepts inbound
// handshakes, the connector that dials addresses discovery reports,
// and the map of live PeerConnections keyed by feed id. It enforces
// spec.md's at-most-one-connection-per-peer invariant: if two connect
// attempts for the same feed id race, the side whose own public key
// sorts lexicographically smaller keeps its connection and the other's
// is closed.
package peermanager

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"scuttlechat/internal/eventbus"
	"scuttlechat/internal/identity"
	"scuttlechat/internal/peeraddr"
	"scuttlechat/internal/peerconn"
	"scuttlechat/internal/shs"
)

// Manager multiplexes every live peer connection onto one event bus.
type Manager struct {
	id  *identity.Identity
	bus *eventbus.Bus

	logger *slog.Logger

	mu    sync.Mutex
	peers map[string]*peerconn.PeerConnection

	listener net.Listener

	handshakeAttempts atomic.Int64
	handshakeFailures atomic.Int64
}

// New creates a Manager for identity id, publishing events to bus.
func New(id *identity.Identity, bus *eventbus.Bus) *Manager {
	return &Manager{
		id:     id,
		bus:    bus,
		logger: slog.Default().With("component", "peermanager"),
		peers:  make(map[string]*peerconn.PeerConnection),
	}
}

// Listen starts accepting inbound connections on bindAddr until ctx is
// canceled.
func (m *Manager) Listen(ctx context.Context, bindAddr string) error {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("peermanager: listen on %s: %w", bindAddr, err)
	}
	m.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Warn("accept failed", "error", err)
			continue
		}
		go m.acceptOne(conn)
	}
}

func (m *Manager) acceptOne(conn net.Conn) {
	m.handshakeAttempts.Add(1)
	keys, clientPub, err := shs.Server(conn, m.id, shs.DefaultTimeout)
	if err != nil {
		m.handshakeFailures.Add(1)
		conn.Close()
		m.logger.Warn("inbound handshake failed", "remote", conn.RemoteAddr(), "error", err)
		m.bus.Publish(eventbus.Event{Kind: eventbus.KindHandshakeFailed, Err: err})
		return
	}

	feedID := peeraddr.PeerAddress{PublicKey: clientPub}.FeedID()
	m.adopt(conn, feedID, keys, clientPub)
}

// Connect dials addr and runs the client side of the handshake.
func (m *Manager) Connect(addr peeraddr.PeerAddress) error {
	conn, err := net.DialTimeout("tcp", addr.DialAddr(), shs.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("peermanager: dial %s: %w", addr.DialAddr(), err)
	}

	m.handshakeAttempts.Add(1)
	keys, err := shs.Client(conn, m.id, addr.PublicKey, shs.DefaultTimeout)
	if err != nil {
		m.handshakeFailures.Add(1)
		conn.Close()
		m.logger.Warn("outbound handshake failed", "peer", addr.FeedID(), "error", err)
		m.bus.Publish(eventbus.Event{Kind: eventbus.KindHandshakeFailed, FeedID: addr.FeedID(), Err: err})
		return err
	}

	m.adopt(conn, addr.FeedID(), keys, addr.PublicKey)
	return nil
}

// adopt registers a freshly authenticated connection, resolving any
// race against an existing connection to the same feed id before
// starting it.
func (m *Manager) adopt(conn net.Conn, feedID string, keys *shs.Keys, remotePub ed25519.PublicKey) {
	m.mu.Lock()
	if existing, ok := m.peers[feedID]; ok {
		if m.shouldYieldTo(remotePub) {
			m.mu.Unlock()
			m.logger.Info("dropping new connection in favor of existing", "feed_id", feedID)
			conn.Close()
			return
		}
		m.logger.Info("replacing existing connection", "feed_id", feedID)
		existing.Close()
	}

	pc := peerconn.New(conn, feedID, keys, m.bus)
	m.peers[feedID] = pc
	m.mu.Unlock()

	pc.Start()
	m.logger.Info("peer connected", "feed_id", feedID)
	m.bus.Publish(eventbus.Event{Kind: eventbus.KindHandshakeSucceeded, FeedID: feedID})
}

// shouldYieldTo reports whether our local identity should back off in
// favor of the peer identified by remotePub, per the lexicographic
// tie-break: the smaller public key wins and keeps its connection.
func (m *Manager) shouldYieldTo(remotePub ed25519.PublicKey) bool {
	return bytes.Compare(m.id.SignPublic, remotePub) > 0
}

// Peer returns the live connection for feedID, if any.
func (m *Manager) Peer(feedID string) (*peerconn.PeerConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.peers[feedID]
	return pc, ok
}

// Peers returns the feed ids of every currently live connection.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.peers))
	for id, pc := range m.peers {
		if pc.State() == peerconn.StateLive {
			ids = append(ids, id)
		}
	}
	return ids
}

// Broadcast sends body to every live peer, best-effort.
func (m *Manager) Broadcast(body []byte) {
	m.mu.Lock()
	targets := make([]*peerconn.PeerConnection, 0, len(m.peers))
	for _, pc := range m.peers {
		targets = append(targets, pc)
	}
	m.mu.Unlock()

	for _, pc := range targets {
		if err := pc.Send(body); err != nil {
			m.logger.Debug("broadcast skipped dead peer", "feed_id", pc.FeedID, "error", err)
		}
	}
}

// Remove drops a connection from the live set once it has closed, and
// reports whether it was still registered.
func (m *Manager) Remove(feedID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[feedID]; !ok {
		return false
	}
	delete(m.peers, feedID)
	return true
}

// PeerCount returns the number of currently live connections. It
// implements health.StatsProvider.
func (m *Manager) PeerCount() int {
	return len(m.Peers())
}

// RecentHandshakeStats implements health.StatsProvider. Counts are
// cumulative for the process lifetime rather than windowed: this node
// is not expected to run long enough between restarts for that
// distinction to matter.
func (m *Manager) RecentHandshakeStats() (attempts, failures int) {
	return int(m.handshakeAttempts.Load()), int(m.handshakeFailures.Load())
}

// BytesTotal sums BytesSent/BytesRecv across every connection still
// registered (not yet Removed), whatever its state.
// Implements telemetry.StatsSource.
func (m *Manager) BytesTotal() (sent, recv int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pc := range m.peers {
		sent += pc.BytesSent()
		recv += pc.BytesRecv()
	}
	return sent, recv
}

// Close tears down every live connection and stops accepting new ones.
func (m *Manager) Close() {
	if m.listener != nil {
		m.listener.Close()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pc := range m.peers {
		pc.Close()
	}
}
