// Package eventbus merges the several independent producers a running
// node has — terminal input, a periodic tick, newly discovered peers,
// and per-connection peer events — onto one channel a single consumer
// drains in order. All producers share one bounded buffer; a producer
// blocks only while that buffer is full.
package eventbus

import (
	"context"
	"time"

	"scuttlechat/internal/peeraddr"
)

// Kind tags which variant of Event a value holds.
type Kind int

const (
	KindInput Kind = iota
	KindTick
	KindPeerDiscovered
	KindHandshakeSucceeded
	KindHandshakeFailed
	KindMessageReceived
	KindConnectionClosed
)

// TickInterval is how often KindTick events are emitted, giving the
// consumer a chance to run periodic bookkeeping (telemetry snapshots)
// even when nothing else is happening.
const TickInterval = 250 * time.Millisecond

// Event is a tagged union; only the fields relevant to Kind are set.
type Event struct {
	Kind Kind

	// KindInput
	Line string

	// KindPeerDiscovered
	Peer peeraddr.PeerAddress

	// KindHandshakeSucceeded, KindHandshakeFailed, KindMessageReceived,
	// KindConnectionClosed
	FeedID string

	// KindMessageReceived
	Body string

	// KindHandshakeFailed, KindConnectionClosed
	Err error
}

const busBuffer = 64

// Bus is the single channel every producer writes to and the consumer
// reads from.
type Bus struct {
	events chan Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{events: make(chan Event, busBuffer)}
}

// Events returns the channel to range over.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// Publish enqueues an event. Producers call this from their own
// goroutine; Publish blocks only if the bus buffer is full, which
// signals the consumer has fallen far behind.
func (b *Bus) Publish(e Event) {
	b.events <- e
}

// RunTicker publishes KindTick events every TickInterval until ctx is
// canceled.
func (b *Bus) RunTicker(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.Publish(Event{Kind: KindTick})
		case <-ctx.Done():
			return
		}
	}
}

// RunInput reads lines from lines (typically a bufio.Scanner fed by
// os.Stdin) and publishes them as KindInput events until the channel
// closes or ctx is canceled.
func (b *Bus) RunInput(ctx context.Context, lines <-chan string) {
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			b.Publish(Event{Kind: KindInput, Line: line})
		case <-ctx.Done():
			return
		}
	}
}
