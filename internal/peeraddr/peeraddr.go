// Package peeraddr parses and formats the multiserver-style addresses
// peers announce over discovery and use to dial each other:
//
//	net:198.51.100.7:8008~shs:Rfm7P6hJ5dFz8D0cB1oKIi6EVsE5zkh+M9oXvH9gTzQ=
//	ws://198.51.100.7:8008~shs:Rfm7P6hJ5dFz8D0cB1oKIi6EVsE5zkh+M9oXvH9gTzQ=
//
// The transport tag is one of the two fixed literal prefixes "net:" or
// "ws://" (not an arbitrary scheme followed by a colon), and the
// "~shs:" pubkey suffix is likewise fixed; everything in between is
// opaque transport addressing handed to net.Dial unchanged.
package peeraddr

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Transport names a supported dial transport.
type Transport string

const (
	TransportNet Transport = "net"
	TransportWS  Transport = "ws"
)

// transportPrefixes maps each Transport to its literal wire-format
// prefix. "ws" carries the "://" that "net" doesn't, so the prefix
// can't be derived from the Transport value by simple concatenation.
var transportPrefixes = map[Transport]string{
	TransportNet: "net:",
	TransportWS:  "ws://",
}

// ErrParse is returned for any malformed address string.
var ErrParse = errors.New("peeraddr: malformed address")

// PeerAddress identifies how to reach a peer and which long-term public
// key it must present during the handshake.
type PeerAddress struct {
	Transport Transport
	Host      string
	Port      uint16
	PublicKey ed25519.PublicKey
}

// cutTransportPrefix strips whichever of the two literal transport
// prefixes s starts with, reporting which Transport it names. Unlike
// splitting on the first colon, this correctly handles "ws://" (whose
// own host:port segment also contains colons after the prefix).
func cutTransportPrefix(s string) (transport Transport, rest string, ok bool) {
	for t, prefix := range transportPrefixes {
		if strings.HasPrefix(s, prefix) {
			return t, s[len(prefix):], true
		}
	}
	return "", "", false
}

// Parse decodes a multiserver address string.
func Parse(s string) (PeerAddress, error) {
	transport, rest, ok := cutTransportPrefix(s)
	if !ok {
		return PeerAddress{}, fmt.Errorf("%w: no net: or ws:// prefix in %q", ErrParse, s)
	}

	shsSep := strings.Index(rest, "~shs:")
	if shsSep < 0 {
		return PeerAddress{}, fmt.Errorf("%w: no ~shs: suffix in %q", ErrParse, s)
	}
	endpoint := rest[:shsSep]
	pubkeyB64 := rest[shsSep+len("~shs:"):]

	hostSep := strings.LastIndex(endpoint, ":")
	if hostSep < 0 {
		return PeerAddress{}, fmt.Errorf("%w: no host:port in %q", ErrParse, s)
	}
	host := endpoint[:hostSep]
	portStr := endpoint[hostSep+1:]

	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return PeerAddress{}, fmt.Errorf("%w: bad port %q", ErrParse, portStr)
	}

	pubkey, err := base64.StdEncoding.DecodeString(pubkeyB64)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("%w: bad base64 pubkey: %v", ErrParse, err)
	}
	if len(pubkey) != ed25519.PublicKeySize {
		return PeerAddress{}, fmt.Errorf("%w: pubkey is %d bytes, want %d", ErrParse, len(pubkey), ed25519.PublicKeySize)
	}

	return PeerAddress{
		Transport: transport,
		Host:      host,
		Port:      port,
		PublicKey: ed25519.PublicKey(pubkey),
	}, nil
}

// String renders the canonical multiserver form.
func (a PeerAddress) String() string {
	return fmt.Sprintf("%s%s:%d~shs:%s", transportPrefixes[a.Transport], a.Host, a.Port, base64.StdEncoding.EncodeToString(a.PublicKey))
}

// DialAddr returns the host:port suitable for net.Dial.
func (a PeerAddress) DialAddr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// FeedID renders the peer's canonical feed identifier:
// "@<base64 pubkey>.ed25519".
func (a PeerAddress) FeedID() string {
	return "@" + base64.StdEncoding.EncodeToString(a.PublicKey) + ".ed25519"
}

// Equal reports whether two addresses name the same peer identity.
// Peers are identified by public key, not by network location: the
// same feed may be reachable at several addresses.
func (a PeerAddress) Equal(other PeerAddress) bool {
	return ed25519.PublicKey(a.PublicKey).Equal(ed25519.PublicKey(other.PublicKey))
}
