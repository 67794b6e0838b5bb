package bridge

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/DeBrosOfficial/shmbus/pkg/errors"
)

// Identity is the key pair a bridge host is known by.
type Identity struct {
	PrivateKey crypto.PrivKey
	PeerID     peer.ID
}

// GenerateIdentity creates a fresh Ed25519 identity.
func GenerateIdentity() (*Identity, error) {
	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, 2048, rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate key pair")
	}
	return identityFromKey(priv)
}

func identityFromKey(priv crypto.PrivKey) (*Identity, error) {
	peerID, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive peer id")
	}
	return &Identity{PrivateKey: priv, PeerID: peerID}, nil
}

// SaveIdentity writes the private key to path, readable by the owner only.
func SaveIdentity(identity *Identity, path string) error {
	data, err := crypto.MarshalPrivateKey(identity.PrivateKey)
	if err != nil {
		return errors.Wrap(err, "failed to marshal private key")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrap(err, "failed to create identity directory")
	}
	return os.WriteFile(path, data, 0600)
}

// LoadIdentity reads a key written by SaveIdentity.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	priv, err := crypto.UnmarshalPrivateKey(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal identity %s", path)
	}
	return identityFromKey(priv)
}

// LoadOrCreateIdentity loads the identity at path, replacing a missing or
// unreadable one with a new key so the peer id stays stable across restarts.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	path = expandHome(path)
	if id, err := LoadIdentity(path); err == nil {
		return id, nil
	}

	id, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := SaveIdentity(id, path); err != nil {
		return nil, errors.Wrapf(err, "failed to save identity %s", path)
	}
	return id, nil
}

func expandHome(path string) string {
	path = os.ExpandEnv(path)
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
