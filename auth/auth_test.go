package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBorderRoutersFile(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "border_routers.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestVerifyAcceptsCorrectToken(t *testing.T) {
	dir := t.TempDir()
	path := writeBorderRoutersFile(t, dir, `{
		"border_routers": {
			"br1": {"auth_token": "secret-token", "network_prefix": "fd00::/64", "nodes": ["node-a"]}
		}
	}`)

	store := NewStore(path, time.Minute)
	assert.True(t, store.Verify("br1", "secret-token"))
	assert.False(t, store.Verify("br1", "wrong-token"))
	assert.False(t, store.Verify("unknown-br", "secret-token"))
}

func TestNodesReturnsDeclaredList(t *testing.T) {
	dir := t.TempDir()
	path := writeBorderRoutersFile(t, dir, `{
		"border_routers": {
			"br1": {"auth_token": "t", "network_prefix": "fd00::/64", "nodes": ["node-a", "node-b"]}
		}
	}`)

	store := NewStore(path, time.Minute)
	assert.ElementsMatch(t, []string{"node-a", "node-b"}, store.Nodes("br1"))
	assert.Nil(t, store.Nodes("unknown-br"))
}

func TestMissingFileIsTreatedAsEmptyNotError(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "does-not-exist.json"), time.Minute)
	assert.False(t, store.Verify("br1", "anything"))
	assert.Empty(t, store.AllBRIDs())
}

func TestAddBRWritesAtomicallyAndForcesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "border_routers.json")

	store := NewStore(path, time.Hour)
	err := store.AddBR("br1", BRConfig{AuthToken: "tok", NetworkPrefix: "fd00::/64", Nodes: []string{"node-a"}})
	require.NoError(t, err)

	// no leftover tmp file
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	assert.True(t, store.Verify("br1", "tok"), "a write must be visible to the very next read, even within the TTL window")

	// a fresh Store reading the same path sees the persisted entry
	reopened := NewStore(path, time.Hour)
	assert.True(t, reopened.Verify("br1", "tok"))
}

func TestConfigCacheRefreshesAfterTTL(t *testing.T) {
	dir := t.TempDir()
	path := writeBorderRoutersFile(t, dir, `{"border_routers": {"br1": {"auth_token": "old", "network_prefix": "fd00::/64", "nodes": []}}}`)

	store := NewStore(path, 20*time.Millisecond)
	assert.True(t, store.Verify("br1", "old"))

	writeBorderRoutersFile(t, dir, `{"border_routers": {"br1": {"auth_token": "new", "network_prefix": "fd00::/64", "nodes": []}}}`)
	time.Sleep(40 * time.Millisecond)

	assert.True(t, store.Verify("br1", "new"), "cache must refresh once its TTL has elapsed")
}
