package discovery

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"scuttlechat/internal/peeraddr"
)

func testPeerAddr(t *testing.T, host string, port uint16) peeraddr.PeerAddress {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return peeraddr.PeerAddress{
		Transport: peeraddr.TransportNet,
		Host:      host,
		Port:      port,
		PublicKey: pub,
	}
}

func TestHandleMessage_IgnoresSelf(t *testing.T) {
	self := testPeerAddr(t, "192.168.1.10", DefaultPort)
	l := NewListener(self, DefaultPort)

	var got []peeraddr.PeerAddress
	l.Discovered = func(a peeraddr.PeerAddress) { got = append(got, a) }

	l.handleMessage([]byte(self.String()))

	if len(got) != 0 {
		t.Errorf("handleMessage should ignore our own announcement, got %d callbacks", len(got))
	}
}

func TestHandleMessage_ReportsOtherPeer(t *testing.T) {
	self := testPeerAddr(t, "192.168.1.10", DefaultPort)
	other := testPeerAddr(t, "192.168.1.20", DefaultPort)
	l := NewListener(self, DefaultPort)

	var got []peeraddr.PeerAddress
	l.Discovered = func(a peeraddr.PeerAddress) { got = append(got, a) }

	l.handleMessage([]byte(other.String()))

	if len(got) != 1 {
		t.Fatalf("handleMessage reported %d peers, want 1", len(got))
	}
	if !got[0].Equal(other) {
		t.Error("reported peer does not match the announced one")
	}
}

func TestHandleMessage_MultipleAddressesSplitBySemicolon(t *testing.T) {
	self := testPeerAddr(t, "192.168.1.10", DefaultPort)
	peerA := testPeerAddr(t, "192.168.1.20", DefaultPort)
	peerB := testPeerAddr(t, "192.168.1.21", DefaultPort)
	l := NewListener(self, DefaultPort)

	var got []peeraddr.PeerAddress
	l.Discovered = func(a peeraddr.PeerAddress) { got = append(got, a) }

	batch := peerA.String() + ";" + peerB.String()
	l.handleMessage([]byte(batch))

	if len(got) != 2 {
		t.Fatalf("handleMessage reported %d peers, want 2", len(got))
	}
}

func TestHandleMessage_IgnoresUnparseableField(t *testing.T) {
	self := testPeerAddr(t, "192.168.1.10", DefaultPort)
	l := NewListener(self, DefaultPort)

	called := false
	l.Discovered = func(a peeraddr.PeerAddress) { called = true }

	l.handleMessage([]byte("not a valid address"))

	if called {
		t.Error("handleMessage should not invoke Discovered for unparseable data")
	}
}

func TestHandleMessage_EmptyFieldsSkipped(t *testing.T) {
	self := testPeerAddr(t, "192.168.1.10", DefaultPort)
	other := testPeerAddr(t, "192.168.1.20", DefaultPort)
	l := NewListener(self, DefaultPort)

	var got []peeraddr.PeerAddress
	l.Discovered = func(a peeraddr.PeerAddress) { got = append(got, a) }

	l.handleMessage([]byte(";;" + other.String() + ";;"))

	if len(got) != 1 {
		t.Fatalf("handleMessage reported %d peers, want 1", len(got))
	}
}
