package shs

import (
	"crypto/ed25519"
	"errors"
	"net"
	"testing"
	"time"

	"scuttlechat/internal/identity"
)

func newTestIdentity(t *testing.T, networkKey [identity.NetworkKeySize]byte) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(networkKey)
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	return id
}

func TestHandshake_SuccessProducesSymmetricKeys(t *testing.T) {
	networkKey := identity.DefaultNetworkKey
	clientID := newTestIdentity(t, networkKey)
	serverID := newTestIdentity(t, networkKey)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	type serverResult struct {
		keys      *Keys
		clientPub ed25519.PublicKey
		err       error
	}
	serverDone := make(chan serverResult, 1)
	go func() {
		keys, clientPub, err := Server(serverConn, serverID, time.Second)
		serverDone <- serverResult{keys, clientPub, err}
	}()

	clientKeys, err := Client(clientConn, clientID, serverID.SignPublic, time.Second)
	if err != nil {
		t.Fatalf("Client handshake: %v", err)
	}

	sr := <-serverDone
	if sr.err != nil {
		t.Fatalf("Server handshake: %v", sr.err)
	}

	if clientKeys.WriteKey != sr.keys.ReadKey {
		t.Error("client write key does not match server read key")
	}
	if clientKeys.ReadKey != sr.keys.WriteKey {
		t.Error("client read key does not match server write key")
	}
	if clientKeys.WriteNonceSeed != sr.keys.ReadNonceSeed {
		t.Error("client write nonce seed does not match server read nonce seed")
	}
	if clientKeys.ReadNonceSeed != sr.keys.WriteNonceSeed {
		t.Error("client read nonce seed does not match server write nonce seed")
	}
	if !sr.clientPub.Equal(clientID.SignPublic) {
		t.Error("server did not learn the client's true public key")
	}
}

func TestHandshake_WrongNetworkKeyRejected(t *testing.T) {
	clientNetworkKey := identity.DefaultNetworkKey
	serverNetworkKey := identity.DefaultNetworkKey
	serverNetworkKey[0] ^= 0xff

	clientID := newTestIdentity(t, clientNetworkKey)
	serverID := newTestIdentity(t, serverNetworkKey)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverDone := make(chan error, 1)
	go func() {
		_, _, err := Server(serverConn, serverID, time.Second)
		serverDone <- err
	}()

	_, clientErr := Client(clientConn, clientID, serverID.SignPublic, time.Second)
	serverErr := <-serverDone

	if !errors.Is(clientErr, ErrWrongNetworkKey) && !errors.Is(serverErr, ErrWrongNetworkKey) {
		t.Errorf("expected ErrWrongNetworkKey on one side, got client=%v server=%v", clientErr, serverErr)
	}
}

func TestHandshake_WrongServerKeyRejected(t *testing.T) {
	networkKey := identity.DefaultNetworkKey
	clientID := newTestIdentity(t, networkKey)
	serverID := newTestIdentity(t, networkKey)
	impostor := newTestIdentity(t, networkKey)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		Server(serverConn, serverID, time.Second)
	}()

	_, err := Client(clientConn, clientID, impostor.SignPublic, time.Second)
	if !errors.Is(err, ErrProtocolRejected) {
		t.Errorf("Client handshake against wrong server key = %v, want ErrProtocolRejected", err)
	}
}

func TestHandshake_TimeoutWhenPeerSilent(t *testing.T) {
	networkKey := identity.DefaultNetworkKey
	clientID := newTestIdentity(t, networkKey)
	serverID := newTestIdentity(t, networkKey)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	// Nothing reads the server side, so the client's hello never gets a
	// reply and the deadline should fire.
	_, err := Client(clientConn, clientID, serverID.SignPublic, 50*time.Millisecond)
	if !errors.Is(err, ErrConnectTimeout) {
		t.Errorf("Client handshake with silent peer = %v, want ErrConnectTimeout", err)
	}
}
