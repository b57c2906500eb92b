// Package peerconn owns one live connection to a peer after its
// handshake has completed: a reader goroutine that turns box-stream
// frames into eventbus events, a writer goroutine that drains an
// unbounded outbound queue, and the small state machine tracking
// whether either side has said goodbye.
package peerconn

import (
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"scuttlechat/internal/boxstream"
	"scuttlechat/internal/eventbus"
	"scuttlechat/internal/noncegen"
	"scuttlechat/internal/shs"
)

// State is the lifecycle of a PeerConnection.
type State int

const (
	StateNew State = iota
	StateLive
	StateHalfClosedRemote // peer said goodbye; we can still write
	StateHalfClosedLocal  // we said goodbye; we can still read
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateLive:
		return "live"
	case StateHalfClosedRemote:
		return "half-closed-remote"
	case StateHalfClosedLocal:
		return "half-closed-local"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Send once the connection has begun closing.
var ErrClosed = errors.New("peerconn: connection is closed")

// PeerConnection is a single authenticated, encrypted session with one
// peer, identified by that peer's feed id.
type PeerConnection struct {
	FeedID string

	conn   net.Conn
	reader *boxstream.Reader
	writer *boxstream.Writer

	logger *slog.Logger
	bus    *eventbus.Bus

	mu    sync.Mutex
	state State

	bytesSent atomic.Int64
	bytesRecv atomic.Int64

	outbound *unboundedQueue
	done     chan struct{}
}

// BytesSent returns the number of plaintext body bytes sent so far.
func (pc *PeerConnection) BytesSent() int64 { return pc.bytesSent.Load() }

// BytesRecv returns the number of plaintext body bytes received so far.
func (pc *PeerConnection) BytesRecv() int64 { return pc.bytesRecv.Load() }

// New wraps an authenticated net.Conn and the keys its handshake
// produced into a PeerConnection ready to Start.
func New(conn net.Conn, feedID string, keys *shs.Keys, bus *eventbus.Bus) *PeerConnection {
	readGen := noncegen.New(keys.ReadNonceSeed)
	writeGen := noncegen.New(keys.WriteNonceSeed)

	return &PeerConnection{
		FeedID:   feedID,
		conn:     conn,
		reader:   boxstream.NewReader(conn, keys.ReadKey, readGen),
		writer:   boxstream.NewWriter(conn, keys.WriteKey, writeGen),
		logger:   slog.Default().With("component", "peerconn", "feed_id", feedID),
		bus:      bus,
		state:    StateNew,
		outbound: newUnboundedQueue(),
		done:     make(chan struct{}),
	}
}

// State returns the connection's current lifecycle state.
func (pc *PeerConnection) State() State {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// Start launches the reader and writer goroutines. The connection is
// StateLive once Start returns.
func (pc *PeerConnection) Start() {
	pc.mu.Lock()
	pc.state = StateLive
	pc.mu.Unlock()

	go pc.readLoop()
	go pc.writeLoop()
}

// Send enqueues body for delivery to the peer. It never blocks on the
// network; the outbound queue grows to hold whatever has not yet been
// written.
func (pc *PeerConnection) Send(body []byte) error {
	pc.mu.Lock()
	state := pc.state
	pc.mu.Unlock()

	if state == StateClosed || state == StateFailed || state == StateHalfClosedLocal {
		return ErrClosed
	}
	pc.outbound.push(body)
	return nil
}

// Close begins a graceful shutdown: a goodbye frame is queued behind
// any pending outbound messages, and once written the writer goroutine
// exits. The underlying connection itself is closed once both
// directions have said goodbye.
func (pc *PeerConnection) Close() {
	pc.mu.Lock()
	switch pc.state {
	case StateClosed, StateFailed, StateHalfClosedLocal:
		pc.mu.Unlock()
		return
	case StateHalfClosedRemote:
		pc.state = StateClosed
	default:
		pc.state = StateHalfClosedLocal
	}
	pc.mu.Unlock()

	// Even when the peer already said goodbye, our own goodbye frame is
	// still only on the outbound queue here: the transport is closed by
	// finishLocalGoodbye once the writer goroutine actually drains it,
	// not synchronously from this call.
	pc.outbound.pushGoodbye()
}

func (pc *PeerConnection) readLoop() {
	for {
		body, err := pc.reader.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				pc.handleRemoteGoodbye()
				return
			}
			pc.handleFailure(err)
			return
		}
		pc.bytesRecv.Add(int64(len(body)))
		pc.bus.Publish(eventbus.Event{
			Kind:   eventbus.KindMessageReceived,
			FeedID: pc.FeedID,
			Body:   renderBody(body),
		})
	}
}

func (pc *PeerConnection) writeLoop() {
	for {
		item, isGoodbye, ok := pc.outbound.pop()
		if !ok {
			return
		}
		var err error
		if isGoodbye {
			err = pc.writer.WriteGoodbye()
		} else {
			err = pc.writer.WriteFrame(item)
			if err == nil {
				pc.bytesSent.Add(int64(len(item)))
			}
		}
		if err != nil {
			pc.handleFailure(err)
			return
		}
		if isGoodbye {
			pc.finishLocalGoodbye()
			return
		}
	}
}

func (pc *PeerConnection) handleRemoteGoodbye() {
	pc.mu.Lock()
	switch pc.state {
	case StateHalfClosedLocal:
		pc.state = StateClosed
	default:
		pc.state = StateHalfClosedRemote
	}
	pc.mu.Unlock()

	// If we'd already said our own goodbye (StateHalfClosedLocal), it may
	// still be sitting unwritten on the outbound queue: closing here
	// instead of in finishLocalGoodbye would race the writer goroutine.
	pc.bus.Publish(eventbus.Event{Kind: eventbus.KindConnectionClosed, FeedID: pc.FeedID})
}

func (pc *PeerConnection) finishLocalGoodbye() {
	pc.mu.Lock()
	already := pc.state == StateClosed
	pc.mu.Unlock()
	if already {
		pc.conn.Close()
	}
}

func (pc *PeerConnection) handleFailure(err error) {
	pc.mu.Lock()
	pc.state = StateFailed
	pc.mu.Unlock()

	pc.conn.Close()
	pc.outbound.close()
	pc.logger.Warn("connection failed", "error", err)
	pc.bus.Publish(eventbus.Event{Kind: eventbus.KindConnectionClosed, FeedID: pc.FeedID, Err: err})
}

// renderBody renders a received message body as UTF-8 text if it is
// valid UTF-8, or as hex otherwise, per the peer connection's display
// contract.
func renderBody(body []byte) string {
	if utf8.Valid(body) {
		return string(body)
	}
	return hex.EncodeToString(body)
}
