package resolver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshcoord/topology"
)

var testMeshLocalPrefix = [8]byte{0xfd, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01}

func writeAddressesFile(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "adresses.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestNodeNameForAddressDirectMatch(t *testing.T) {
	dir := t.TempDir()
	path := writeAddressesFile(t, dir, `{
		"nodes": {
			"living-room-sensor": {"address": "fd00:0:0:1::1"}
		}
	}`)

	r := New(path, time.Minute, testMeshLocalPrefix, topology.New())
	name, ok := r.NodeNameForAddress("fd00:0:0:1::1", "p1")
	require.True(t, ok)
	assert.Equal(t, "living-room-sensor", name)
}

func TestNodeNameForAddressRLOCBackResolution(t *testing.T) {
	dir := t.TempDir()
	path := writeAddressesFile(t, dir, `{
		"nodes": {
			"hallway-sensor": {"address": "fd00:0:0:1::abcd"}
		}
	}`)

	topo := topology.New()
	topo.UpsertNode(topology.NodeEvent{
		Partition: "p1", ExtAddr: "001122334455aabb",
		RLOC16: "0x4400", MLEID: "fd00:0:0:1::abcd",
	}, "br1")

	r := New(path, time.Minute, testMeshLocalPrefix, topo)

	// an RLOC address for the same node, not itself present in the config
	// file, must resolve via the topology aggregator's rloc16 -> node ->
	// ML-EID chain down to the configured name.
	name, ok := r.NodeNameForAddress("fd00:0:0:1:0:ff:fe00:4400", "p1")
	require.True(t, ok)
	assert.Equal(t, "hallway-sensor", name)
}

func TestNodeNameForAddressUnresolvedReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	path := writeAddressesFile(t, dir, `{"nodes": {}}`)
	r := New(path, time.Minute, testMeshLocalPrefix, topology.New())

	_, ok := r.NodeNameForAddress("fd00:0:0:1::9999", "p1")
	assert.False(t, ok)
}

func TestAddressForNodeNameAndConnectedNodes(t *testing.T) {
	dir := t.TempDir()
	path := writeAddressesFile(t, dir, `{
		"nodes": {
			"gateway-node": {"address": "fd00:0:0:1::1", "connexes": ["sensor-a", "sensor-b"]}
		}
	}`)

	r := New(path, time.Minute, testMeshLocalPrefix, topology.New())
	addr, ok := r.AddressForNodeName("gateway-node")
	require.True(t, ok)
	assert.Equal(t, "fd00:0:0:1::1", addr)

	assert.ElementsMatch(t, []string{"sensor-a", "sensor-b"}, r.ConnectedNodes("gateway-node"))
	assert.Nil(t, r.ConnectedNodes("unknown-node"))
}

func TestNodesByOrderSortsAscending(t *testing.T) {
	dir := t.TempDir()
	path := writeAddressesFile(t, dir, `{
		"nodes": {
			"third": {"address": "fd00::3", "ordre": 3},
			"first": {"address": "fd00::1", "ordre": 1},
			"unordered": {"address": "fd00::9"},
			"second": {"address": "fd00::2", "ordre": 2}
		}
	}`)

	r := New(path, time.Minute, testMeshLocalPrefix, topology.New())
	ordered := r.NodesByOrder()
	require.Len(t, ordered, 3, "nodes without an explicit ordre are omitted")
	assert.Equal(t, []OrderedNode{{Name: "first", Ordre: 1}, {Name: "second", Ordre: 2}, {Name: "third", Ordre: 3}}, ordered)
}

func TestSaveNodeWritesAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adresses.json")
	r := New(path, time.Hour, testMeshLocalPrefix, topology.New())

	err := r.SaveNode("new-node", NodeConfig{Address: "fd00:0:0:1::42"})
	require.NoError(t, err)

	addr, ok := r.AddressForNodeName("new-node")
	require.True(t, ok)
	assert.Equal(t, "fd00:0:0:1::42", addr)
}
