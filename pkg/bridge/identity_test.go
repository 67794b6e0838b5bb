package bridge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")

	first, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, first.PeerID, second.PeerID)
}

func TestLoadOrCreateIdentityReplacesCorruptKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0600))

	_, err := LoadIdentity(path)
	require.Error(t, err)

	id, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	loaded, err := LoadIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, id.PeerID, loaded.PeerID)
}

func TestNewHostKeepsIdentity(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.IdentityFile = filepath.Join(t.TempDir(), "identity.key")

	h1, err := NewHost(cfg)
	require.NoError(t, err)
	id := h1.ID()
	require.NoError(t, h1.Close())

	h2, err := NewHost(cfg)
	require.NoError(t, err)
	defer h2.Close()
	assert.Equal(t, id, h2.ID())
}
