// Package shs drives the four-message handshake that authenticates a
// freshly dialed or accepted TCP connection and derives the symmetric
// keys box-stream needs.
//
// The exchange is a Station-to-Station variant: both sides contribute a
// fresh ephemeral X25519 keypair for the Diffie-Hellman step (giving
// forward secrecy per connection), and each side proves ownership of
// its long-term Ed25519 identity by signing a transcript that includes
// the resulting shared secret. The client authenticates against a
// server public key it already holds (from the PeerAddress it dialed);
// the server has no such advance knowledge and learns the client's
// public key from message 3.
package shs

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cloudflare/circl/dh/x25519"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/secretbox"

	"scuttlechat/internal/identity"
	"scuttlechat/internal/noncegen"
)

// DefaultTimeout bounds how long a handshake may take end to end before
// it is abandoned, matching spec.md's 500ms connect budget.
const DefaultTimeout = 500 * time.Millisecond

var (
	// ErrConnectTimeout is returned when the handshake does not finish
	// within its deadline.
	ErrConnectTimeout = errors.New("shs: handshake timed out")
	// ErrTransportClosed is returned when the underlying connection is
	// closed mid-handshake.
	ErrTransportClosed = errors.New("shs: transport closed during handshake")
	// ErrProtocolRejected is returned when a peer's signature fails to
	// verify: it does not hold the private key for the identity it
	// claims.
	ErrProtocolRejected = errors.New("shs: peer rejected (bad signature)")
	// ErrWrongNetworkKey is returned when a peer's hello tag does not
	// match our configured network key: the two sides are on different
	// networks and must not proceed.
	ErrWrongNetworkKey = errors.New("shs: wrong network key")
)

const (
	helloSize = 32 + x25519.Size // network-key tag || ephemeral pubkey

	msg3PlainSize = ed25519.PublicKeySize + ed25519.SignatureSize // 96
	msg3CryptSize = msg3PlainSize + secretbox.Overhead            // 112

	msg4PlainSize = ed25519.SignatureSize              // 64
	msg4CryptSize = msg4PlainSize + secretbox.Overhead // 80
)

// Keys holds the four symmetric values box-stream needs, already
// resolved to "read" and "write" from the local peer's point of view.
type Keys struct {
	ReadKey        [32]byte
	ReadNonceSeed  [noncegen.Size]byte
	WriteKey       [32]byte
	WriteNonceSeed [noncegen.Size]byte
}

// Client runs the initiating side of the handshake over conn. serverPub
// is the long-term Ed25519 public key the dialed PeerAddress advertised.
// It returns the derived session keys.
func Client(conn net.Conn, id *identity.Identity, serverPub ed25519.PublicKey, timeout time.Duration) (*Keys, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("shs: set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	ephPub, ephPriv, err := generateEphemeral()
	if err != nil {
		return nil, err
	}

	if err := writeHello(conn, id.NetworkKey, ephPub); err != nil {
		return nil, err
	}
	peerEphPub, err := readHello(conn, id.NetworkKey)
	if err != nil {
		return nil, err
	}

	shared := computeShared(ephPriv, peerEphPub)
	appKey := blake2bKeyed(id.NetworkKey[:], shared[:])

	transcript3 := concatBytes(id.NetworkKey[:], ephPub[:], peerEphPub[:], shared[:])
	sig := ed25519.Sign(id.SignPrivate, transcript3)

	plain3 := make([]byte, 0, msg3PlainSize)
	plain3 = append(plain3, id.SignPublic...)
	plain3 = append(plain3, sig...)

	msg3Key := blake2bKeyed(appKey[:], []byte("handshake-msg3"))
	var zeroNonce [24]byte
	sealed3 := secretbox.Seal(nil, plain3, &zeroNonce, &msg3Key)
	if err := writeAll(conn, sealed3); err != nil {
		return nil, err
	}

	sealed4, err := readExact(conn, msg4CryptSize)
	if err != nil {
		return nil, err
	}
	msg4Key := blake2bKeyed(appKey[:], []byte("handshake-msg4"))
	plain4, ok := secretbox.Open(nil, sealed4, &zeroNonce, &msg4Key)
	if !ok {
		return nil, ErrProtocolRejected
	}

	transcript4 := concatBytes(id.NetworkKey[:], peerEphPub[:], ephPub[:], shared[:], id.SignPublic)
	if !ed25519.Verify(serverPub, transcript4, plain4) {
		return nil, ErrProtocolRejected
	}

	return deriveKeys(id.NetworkKey, appKey, ephPub, peerEphPub, fromClient), nil
}

// Server runs the accepting side of the handshake over conn. It returns
// the derived session keys and the long-term public key the client
// proved ownership of.
func Server(conn net.Conn, id *identity.Identity, timeout time.Duration) (*Keys, ed25519.PublicKey, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, fmt.Errorf("shs: set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	peerEphPub, err := readHello(conn, id.NetworkKey)
	if err != nil {
		return nil, nil, err
	}

	ephPub, ephPriv, err := generateEphemeral()
	if err != nil {
		return nil, nil, err
	}
	if err := writeHello(conn, id.NetworkKey, ephPub); err != nil {
		return nil, nil, err
	}

	shared := computeShared(ephPriv, peerEphPub)
	appKey := blake2bKeyed(id.NetworkKey[:], shared[:])

	sealed3, err := readExact(conn, msg3CryptSize)
	if err != nil {
		return nil, nil, err
	}
	msg3Key := blake2bKeyed(appKey[:], []byte("handshake-msg3"))
	var zeroNonce [24]byte
	plain3, ok := secretbox.Open(nil, sealed3, &zeroNonce, &msg3Key)
	if !ok {
		return nil, nil, ErrProtocolRejected
	}
	clientPub := ed25519.PublicKey(append([]byte(nil), plain3[:ed25519.PublicKeySize]...))
	sig3 := plain3[ed25519.PublicKeySize:]

	transcript3 := concatBytes(id.NetworkKey[:], peerEphPub[:], ephPub[:], shared[:])
	if !ed25519.Verify(clientPub, transcript3, sig3) {
		return nil, nil, ErrProtocolRejected
	}

	transcript4 := concatBytes(id.NetworkKey[:], ephPub[:], peerEphPub[:], shared[:], clientPub)
	sig4 := ed25519.Sign(id.SignPrivate, transcript4)

	msg4Key := blake2bKeyed(appKey[:], []byte("handshake-msg4"))
	sealed4 := secretbox.Seal(nil, sig4, &zeroNonce, &msg4Key)
	if err := writeAll(conn, sealed4); err != nil {
		return nil, nil, err
	}

	keys := deriveKeys(id.NetworkKey, appKey, ephPub, peerEphPub, fromServer)
	return keys, clientPub, nil
}

type side int

const (
	fromClient side = iota
	fromServer
)

// deriveKeys resolves the final session keys. ourEph/theirEph are the
// local and remote ephemeral public keys exchanged in messages 1/2.
func deriveKeys(networkKey [identity.NetworkKeySize]byte, appKey [32]byte, ourEph, theirEph x25519.Key, s side) *Keys {
	clientToServer := blake2bKeyed(appKey[:], []byte("client-to-server"))
	serverToClient := blake2bKeyed(appKey[:], []byte("server-to-client"))

	var ourSeed, theirSeed [32]byte
	ourSeed = blake2bKeyed(networkKey[:], ourEph[:])
	theirSeed = blake2bKeyed(networkKey[:], theirEph[:])

	keys := &Keys{}
	switch s {
	case fromClient:
		keys.WriteKey = clientToServer
		keys.ReadKey = serverToClient
	case fromServer:
		keys.WriteKey = serverToClient
		keys.ReadKey = clientToServer
	}
	copy(keys.WriteNonceSeed[:], ourSeed[:noncegen.Size])
	copy(keys.ReadNonceSeed[:], theirSeed[:noncegen.Size])
	return keys
}

func generateEphemeral() (pub, priv x25519.Key, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return pub, priv, fmt.Errorf("shs: generate ephemeral key: %w", err)
	}
	x25519.KeyGen(&pub, &priv)
	return pub, priv, nil
}

func computeShared(ourPriv, theirPub x25519.Key) [x25519.Size]byte {
	var shared x25519.Key
	x25519.Shared(&shared, &ourPriv, &theirPub)
	return shared
}

func writeHello(conn net.Conn, networkKey [identity.NetworkKeySize]byte, ephPub x25519.Key) error {
	tag := blake2bKeyed(networkKey[:], ephPub[:])
	msg := make([]byte, 0, helloSize)
	msg = append(msg, tag[:]...)
	msg = append(msg, ephPub[:]...)
	return writeAll(conn, msg)
}

func readHello(conn net.Conn, networkKey [identity.NetworkKeySize]byte) (x25519.Key, error) {
	var zero x25519.Key
	msg, err := readExact(conn, helloSize)
	if err != nil {
		return zero, err
	}
	tag, ephPubBytes := msg[:32], msg[32:]

	wantTag := blake2bKeyed(networkKey[:], ephPubBytes)
	if !constantTimeEqual(tag, wantTag[:]) {
		return zero, ErrWrongNetworkKey
	}

	var ephPub x25519.Key
	copy(ephPub[:], ephPubBytes)
	return ephPub, nil
}

func blake2bKeyed(key []byte, parts ...[]byte) [32]byte {
	h, err := blake2b.New256(key)
	if err != nil {
		// Only returns an error for an oversized key, which never
		// happens here: all our keys are fixed-size.
		panic(fmt.Sprintf("shs: blake2b keyed hash: %v", err))
	}
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func concatBytes(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func writeAll(conn net.Conn, data []byte) error {
	if _, err := conn.Write(data); err != nil {
		return classifyIOErr(err)
	}
	return nil
}

func readExact(conn net.Conn, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, classifyIOErr(err)
	}
	return buf, nil
}

func classifyIOErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	return fmt.Errorf("shs: %w", err)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
