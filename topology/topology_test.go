package topology

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertNodeDedupsByPartitionAndExtAddr(t *testing.T) {
	a := New()

	ok := a.UpsertNode(NodeEvent{Partition: "p1", ExtAddr: "aabb", RLOC16: "0x4400", Role: "router"}, "br1")
	require.True(t, ok)
	ok = a.UpsertNode(NodeEvent{Partition: "p1", ExtAddr: "aabb", RLOC16: "0x4401", Role: "leader"}, "br2")
	require.True(t, ok)

	snap := a.GetTopology()
	require.Len(t, snap.Nodes, 1, "same (partition, ext_addr) must dedup to a single node")

	n := snap.Nodes[0]
	assert.ElementsMatch(t, []string{"0x4400", "0x4401"}, n.RLOC16s, "both reported rloc16s accumulate")
	assert.ElementsMatch(t, []string{"router", "leader"}, n.Roles)
	assert.ElementsMatch(t, []string{"br1", "br2"}, n.BRIDs)
	assert.Equal(t, "leader", n.StrongestRole())
}

func TestUpsertNodeRejectsEventsMissingKey(t *testing.T) {
	a := New()
	assert.False(t, a.UpsertNode(NodeEvent{Partition: "p1"}, "br1"))
	assert.False(t, a.UpsertNode(NodeEvent{ExtAddr: "aabb"}, "br1"))
	assert.Empty(t, a.GetTopology().Nodes)
}

func TestUpsertRouterLinkIsUndirected(t *testing.T) {
	a := New()

	ok := a.UpsertRouterLink(RouterLinkEvent{Partition: "p1", RLOC16A: "0x4400", RLOC16B: "0x5800", AvgRSSI: -60})
	require.True(t, ok)
	ok = a.UpsertRouterLink(RouterLinkEvent{Partition: "p1", RLOC16A: "0x5800", RLOC16B: "0x4400", AvgRSSI: -55})
	require.True(t, ok)

	snap := a.GetTopology()
	require.Len(t, snap.RouterLinks, 1, "{A,B} and {B,A} must collapse to the same undirected link")
	assert.Equal(t, -55.0, snap.RouterLinks[0].AvgRSSI, "newest sample overwrites, regardless of input order")
}

func TestUpsertRouterLinkNewerSampleWinsAtomically(t *testing.T) {
	a := New()
	older := time.Now().Add(-time.Minute)
	newer := time.Now()

	a.UpsertRouterLink(RouterLinkEvent{Partition: "p1", RLOC16A: "0x1", RLOC16B: "0x2", AvgRSSI: -70, LQI: 1, Timestamp: newer})
	a.UpsertRouterLink(RouterLinkEvent{Partition: "p1", RLOC16A: "0x1", RLOC16B: "0x2", AvgRSSI: -99, LQI: 99, Timestamp: older})

	snap := a.GetTopology()
	require.Len(t, snap.RouterLinks, 1)
	assert.Equal(t, -70.0, snap.RouterLinks[0].AvgRSSI, "a stale sample must never overwrite a newer one")
	assert.Equal(t, 1, snap.RouterLinks[0].LQI)
}

func TestUpsertChildLinkIsOrderedAndUpsertsChildNode(t *testing.T) {
	a := New()

	ok := a.UpsertChildLink(ChildLinkEvent{
		Partition: "p1", ParentRLOC16: "0x4400", ChildRLOC16: "0x4401",
		ChildExtAddr: "ccdd", AvgRSSI: -50,
	}, "br1")
	require.True(t, ok)

	snap := a.GetTopology()
	require.Len(t, snap.ChildLinks, 1)
	require.Len(t, snap.Nodes, 1, "a child link with ChildExtAddr also upserts the child as a node")
	assert.Equal(t, "ccdd", snap.Nodes[0].ExtAddr)
	assert.Contains(t, snap.Nodes[0].Roles, "child")

	// reversing parent/child is a distinct ordered key, not a dedup
	a.UpsertChildLink(ChildLinkEvent{Partition: "p1", ParentRLOC16: "0x4401", ChildRLOC16: "0x4400"}, "br1")
	snap = a.GetTopology()
	assert.Len(t, snap.ChildLinks, 2)
}

func TestFindNodeByRLOC16AndMLEID(t *testing.T) {
	a := New()
	a.UpsertNode(NodeEvent{Partition: "p1", ExtAddr: "aabb", RLOC16: "0x4400", MLEID: "fd00::1"}, "br1")

	n, found := a.FindNodeByRLOC16("p1", "0x4400")
	require.True(t, found)
	assert.Equal(t, "aabb", n.ExtAddr)

	_, found = a.FindNodeByRLOC16("other-partition", "0x4400")
	assert.False(t, found, "rloc16 lookup must be partition-scoped")

	n, found = a.FindNodeByMLEID("fd00::1")
	require.True(t, found)
	assert.Equal(t, "aabb", n.ExtAddr)
}

func TestGetStatsMatchesGetTopology(t *testing.T) {
	a := New()
	a.UpsertNode(NodeEvent{Partition: "p1", ExtAddr: "aabb"}, "br1")
	a.UpsertRouterLink(RouterLinkEvent{Partition: "p1", RLOC16A: "0x1", RLOC16B: "0x2"})

	stats := a.GetStats()
	assert.Equal(t, 1, stats.NodeCount)
	assert.Equal(t, 1, stats.RouterLinkCount)
	assert.Equal(t, 0, stats.ChildLinkCount)

	snap := a.GetTopology()
	assert.Equal(t, len(snap.Nodes), stats.NodeCount)
	assert.Equal(t, len(snap.RouterLinks), stats.RouterLinkCount)
	assert.Equal(t, len(snap.ChildLinks), stats.ChildLinkCount)
	assert.Equal(t, snap.Generation, stats.Generation)
}

func TestClearWipesAllTables(t *testing.T) {
	a := New()
	a.UpsertNode(NodeEvent{Partition: "p1", ExtAddr: "aabb"}, "br1")
	a.UpsertRouterLink(RouterLinkEvent{Partition: "p1", RLOC16A: "0x1", RLOC16B: "0x2"})
	a.UpsertChildLink(ChildLinkEvent{Partition: "p1", ParentRLOC16: "0x1", ChildRLOC16: "0x3"}, "br1")
	a.Clear()
	snap := a.GetTopology()
	assert.Empty(t, snap.Nodes)
	assert.Empty(t, snap.RouterLinks)
	assert.Empty(t, snap.ChildLinks)
}
