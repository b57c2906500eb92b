// Package identity manages the local long-term keypair: a signing
// (Ed25519) keypair that doubles as the node's feed id, and a static
// X25519 keypair that is generated and persisted alongside it. The
// handshake in internal/shs uses the signing keypair and fresh
// ephemeral X25519 keys; it does not use the static X25519 keypair.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cloudflare/circl/dh/x25519"
)

// NetworkKeySize is the length of the shared per-network constant that
// gates the handshake (spec: "a fixed 32-byte network_key").
const NetworkKeySize = 32

// DefaultNetworkKey is used when no network key is configured. Any two
// nodes that want to talk to each other must share the same network key.
var DefaultNetworkKey = [NetworkKeySize]byte{
	0xd4, 0xa1, 0xcb, 0x88, 0xa6, 0x6f, 0x02, 0xf8,
	0xdb, 0x63, 0x5c, 0xe2, 0x64, 0x41, 0xcc, 0x5d,
	0xac, 0x1b, 0x08, 0x42, 0x0c, 0xea, 0xac, 0x23,
	0x08, 0x39, 0xb7, 0x55, 0x84, 0x5a, 0x9f, 0xfd,
}

// Identity is the node's long-term cryptographic material: process-wide,
// initialized once at startup, never mutated.
type Identity struct {
	SignPublic  ed25519.PublicKey
	SignPrivate ed25519.PrivateKey
	DHPublic    x25519.Key
	DHPrivate   x25519.Key
	NetworkKey  [NetworkKeySize]byte
}

// FeedID returns the textual identifier derived from the signing public
// key: "@<base64-pk>.ed25519".
func (id *Identity) FeedID() string {
	return "@" + base64.StdEncoding.EncodeToString(id.SignPublic) + ".ed25519"
}

type keyfile struct {
	SignPublic  string `json:"sign_public"`
	SignPrivate string `json:"sign_private"`
	DHPublic    string `json:"dh_public"`
	DHPrivate   string `json:"dh_private"`
}

// Generate creates a fresh Identity with a random keypair.
func Generate(networkKey [NetworkKeySize]byte) (*Identity, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	var dhPub, dhPriv x25519.Key
	if _, err := rand.Read(dhPriv[:]); err != nil {
		return nil, fmt.Errorf("generate dh key: %w", err)
	}
	x25519.KeyGen(&dhPub, &dhPriv)

	return &Identity{
		SignPublic:  signPub,
		SignPrivate: signPriv,
		DHPublic:    dhPub,
		DHPrivate:   dhPriv,
		NetworkKey:  networkKey,
	}, nil
}

// LoadOrGenerate loads an Identity from path, generating and persisting a
// fresh one if the file does not exist. Matches spec §6: "If absent,
// generate a fresh pair and (optionally) persist."
func LoadOrGenerate(path string, networkKey [NetworkKeySize]byte) (*Identity, error) {
	id, err := Load(path, networkKey)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	id, genErr := Generate(networkKey)
	if genErr != nil {
		return nil, genErr
	}
	if saveErr := id.Save(path); saveErr != nil {
		return nil, fmt.Errorf("persist generated identity: %w", saveErr)
	}
	return id, nil
}

// Load reads an Identity's keyfile from path.
func Load(path string, networkKey [NetworkKeySize]byte) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var kf keyfile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("malformed keyfile %s: %w", path, err)
	}

	signPub, err := base64.StdEncoding.DecodeString(kf.SignPublic)
	if err != nil || len(signPub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("malformed keyfile %s: bad sign_public", path)
	}
	signPriv, err := base64.StdEncoding.DecodeString(kf.SignPrivate)
	if err != nil || len(signPriv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("malformed keyfile %s: bad sign_private", path)
	}
	dhPubBytes, err := base64.StdEncoding.DecodeString(kf.DHPublic)
	if err != nil || len(dhPubBytes) != x25519.Size {
		return nil, fmt.Errorf("malformed keyfile %s: bad dh_public", path)
	}
	dhPrivBytes, err := base64.StdEncoding.DecodeString(kf.DHPrivate)
	if err != nil || len(dhPrivBytes) != x25519.Size {
		return nil, fmt.Errorf("malformed keyfile %s: bad dh_private", path)
	}

	id := &Identity{
		SignPublic:  ed25519.PublicKey(signPub),
		SignPrivate: ed25519.PrivateKey(signPriv),
		NetworkKey:  networkKey,
	}
	copy(id.DHPublic[:], dhPubBytes)
	copy(id.DHPrivate[:], dhPrivBytes)
	return id, nil
}

// Save persists the Identity's keypair to path, creating parent
// directories as needed. The file is written with 0600 permissions
// since it contains secret key material.
func (id *Identity) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create keyfile dir: %w", err)
	}

	kf := keyfile{
		SignPublic:  base64.StdEncoding.EncodeToString(id.SignPublic),
		SignPrivate: base64.StdEncoding.EncodeToString(id.SignPrivate),
		DHPublic:    base64.StdEncoding.EncodeToString(id.DHPublic[:]),
		DHPrivate:   base64.StdEncoding.EncodeToString(id.DHPrivate[:]),
	}

	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keyfile: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}
