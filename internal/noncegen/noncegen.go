// Package noncegen implements the 24-byte counting nonce used by the
// box-stream codec and the handshake's per-direction key schedule.
package noncegen

const Size = 24

// Generator is a 24-byte big-endian counter seeded once and then advanced
// by one on every Next call. One Generator belongs to exactly one
// direction of exactly one connection; it is never shared between the
// reader and writer halves.
type Generator struct {
	counter [Size]byte
}

// New creates a Generator seeded at the given value. The first call to
// Next returns the seed itself; each subsequent call returns the prior
// value plus one.
func New(seed [Size]byte) *Generator {
	return &Generator{counter: seed}
}

// Next returns the current counter value and advances it by one,
// big-endian, treating the 24 bytes as a single integer modulo 2^192.
func (g *Generator) Next() [Size]byte {
	cur := g.counter
	increment(&g.counter)
	return cur
}

func increment(b *[Size]byte) {
	for i := Size - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			return
		}
	}
	// Wrapped past 2^192 distinct nonces; not a practical concern at
	// 4096-byte frames. Left as silent wraparound per spec design notes.
}
