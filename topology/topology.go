// Package topology is the Network Diagnostic aggregator (C6): a
// deduplicated view of mesh nodes, router links, and child links,
// accumulated across reconnects, partitions, and reporting BRs.
package topology

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// NodeKey uniquely identifies a physical node across reconnects and
// rloc16 renumbering: the pair (partition, extended address).
type NodeKey struct {
	PartitionID string
	ExtAddr     string
}

// Node is the accumulated view of one physical node.
type Node struct {
	Partition      string          `json:"partition"`
	ExtAddr        string          `json:"ext_addr"`
	RLOC16s        map[string]bool `json:"-"`
	MLEIDs         map[string]bool `json:"-"`
	Roles          map[string]bool `json:"-"`
	BRIDs          map[string]bool `json:"-"`
	IsBorderRouter bool            `json:"is_border_router"`
	LastSeen       time.Time       `json:"last_seen"`
}

// NodeSnapshot is the JSON-serializable read view of a Node.
type NodeSnapshot struct {
	Partition      string    `json:"partition"`
	ExtAddr        string    `json:"ext_addr"`
	RLOC16s        []string  `json:"rloc16s"`
	MLEIDs         []string  `json:"mleids"`
	Roles          []string  `json:"roles"`
	BRIDs          []string  `json:"br_ids"`
	IsBorderRouter bool      `json:"is_border_router"`
	LastSeen       time.Time `json:"last_seen"`
}

// roleStrength ranks roles so the display layer can pick the "strongest"
// one when multiple BRs disagree: leader > router > reed > child.
var roleStrength = map[string]int{"leader": 4, "router": 3, "reed": 2, "child": 1}

// StrongestRole returns the highest-ranked role observed for a node, or
// "" if none were recorded.
func (s NodeSnapshot) StrongestRole() string {
	best, bestRank := "", -1
	for _, r := range s.Roles {
		if rank := roleStrength[r]; rank > bestRank {
			best, bestRank = r, rank
		}
	}
	return best
}

func newNode(partition, extAddr string) *Node {
	return &Node{
		Partition: partition,
		ExtAddr:   extAddr,
		RLOC16s:   map[string]bool{},
		MLEIDs:    map[string]bool{},
		Roles:     map[string]bool{},
		BRIDs:     map[string]bool{},
	}
}

func (n *Node) snapshot() NodeSnapshot {
	return NodeSnapshot{
		Partition:      n.Partition,
		ExtAddr:        n.ExtAddr,
		RLOC16s:        sortedKeys(n.RLOC16s),
		MLEIDs:         sortedKeys(n.MLEIDs),
		Roles:          sortedKeys(n.Roles),
		BRIDs:          sortedKeys(n.BRIDs),
		IsBorderRouter: n.IsBorderRouter,
		LastSeen:       n.LastSeen,
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RouterLinkKey is an unordered pair of RLOC16s within a partition.
type RouterLinkKey struct {
	Partition string
	A, B      string // A <= B lexicographically; see routerLinkKey
}

// RouterLink carries the latest radio-quality sample between two routers.
type RouterLink struct {
	Partition string    `json:"partition"`
	A         string    `json:"rloc16_a"`
	B         string    `json:"rloc16_b"`
	AvgRSSI   float64   `json:"avg_rssi"`
	LastRSSI  float64   `json:"last_rssi"`
	LQI       int       `json:"lqi"`
	MarginDB  float64   `json:"margin_db"`
	FrameErr  float64   `json:"frame_err"`
	MsgErr    float64   `json:"msg_err"`
	LastSeen  time.Time `json:"last_seen"`
}

// ChildLinkKey is the ordered pair (parent, child) within a partition.
type ChildLinkKey struct {
	Partition    string
	ParentRLOC16 string
	ChildRLOC16  string
}

// ChildLink carries the latest radio-quality sample between a router and
// one of its children.
type ChildLink struct {
	Partition     string    `json:"partition"`
	ParentRLOC16  string    `json:"parent_rloc16"`
	ChildRLOC16   string    `json:"child_rloc16"`
	AvgRSSI       float64   `json:"avg_rssi"`
	LastRSSI      float64   `json:"last_rssi"`
	LQI           int       `json:"lqi"`
	Mode          string    `json:"mode"` // rx-on | mtd | sed
	ThreadVersion string    `json:"thread_version"`
	LastSeen      time.Time `json:"last_seen"`
}

// NodeEvent is the upsert input for a single node observation. Zero
// values for optional fields mean "not reported" and never erase a prior
// observation — only present fields are merged in.
type NodeEvent struct {
	Partition      string
	ExtAddr        string
	RLOC16         string // optional
	MLEID          string // optional
	Role           string // optional
	IsBorderRouter bool
	Timestamp      time.Time
}

// RouterLinkEvent is the upsert input for a router-link diagnostic sample.
type RouterLinkEvent struct {
	Partition           string
	RLOC16A, RLOC16B    string
	AvgRSSI, LastRSSI   float64
	LQI                 int
	MarginDB            float64
	FrameErr, MsgErr    float64
	Timestamp           time.Time
}

// ChildLinkEvent is the upsert input for a child-link diagnostic sample,
// plus the child's own identity so upsertChildLink can also upsert the
// child as a node when its ext_addr and partition are present.
type ChildLinkEvent struct {
	Partition         string
	ParentRLOC16      string
	ChildRLOC16       string
	ChildExtAddr      string // optional — enables upserting the child as a node
	AvgRSSI, LastRSSI float64
	LQI               int
	Mode              string
	ThreadVersion     string
	Timestamp         time.Time
}

// Aggregator is the concurrency-safe topology store. Each table has its
// own lock so a slow snapshot of one table never blocks upserts into
// another.
type Aggregator struct {
	nodesMu sync.RWMutex
	nodes   map[NodeKey]*Node

	routerMu sync.RWMutex
	routers  map[RouterLinkKey]*RouterLink

	childMu sync.RWMutex
	children map[ChildLinkKey]*ChildLink

	// generation counts mutations across all three tables. It is bumped
	// with an atomic add rather than under any one table's lock, since a
	// single upsert only ever touches one table's mutex and the counter
	// needs to stay coherent across all of them. Callers use it to tell
	// whether a topology snapshot is worth refetching without comparing
	// the full payload.
	generation int64
}

func New() *Aggregator {
	return &Aggregator{
		nodes:    map[NodeKey]*Node{},
		routers:  map[RouterLinkKey]*RouterLink{},
		children: map[ChildLinkKey]*ChildLink{},
	}
}

// UpsertNode merges ev into the node identified by (ev.Partition,
// ev.ExtAddr), reported by brID. Events lacking a partition or ext_addr
// are rejected silently — there is no key to upsert against.
func (a *Aggregator) UpsertNode(ev NodeEvent, brID string) bool {
	if ev.Partition == "" || ev.ExtAddr == "" {
		return false
	}

	a.nodesMu.Lock()
	defer a.nodesMu.Unlock()

	key := NodeKey{PartitionID: ev.Partition, ExtAddr: ev.ExtAddr}
	n, exists := a.nodes[key]
	if !exists {
		n = newNode(ev.Partition, ev.ExtAddr)
		a.nodes[key] = n
	}

	if ev.RLOC16 != "" {
		n.RLOC16s[ev.RLOC16] = true
	}
	if ev.MLEID != "" {
		n.MLEIDs[ev.MLEID] = true
	}
	if ev.Role != "" {
		n.Roles[ev.Role] = true
	}
	if brID != "" {
		n.BRIDs[brID] = true
	}
	if ev.IsBorderRouter {
		n.IsBorderRouter = true
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if ts.After(n.LastSeen) {
		n.LastSeen = ts
	}

	atomic.AddInt64(&a.generation, 1)
	return true
}

// routerLinkKey canonicalizes an unordered pair so {a,b} and {b,a} map to
// the same key.
func routerLinkKey(partition, rlocA, rlocB string) RouterLinkKey {
	if rlocA > rlocB {
		rlocA, rlocB = rlocB, rlocA
	}
	return RouterLinkKey{Partition: partition, A: rlocA, B: rlocB}
}

// UpsertRouterLink overwrites the metric fields for an unordered
// (rloc16_a, rloc16_b) pair with ev's sample if ev's timestamp is the
// newest seen so far for that pair — all metrics move atomically
// together, never a mix of old and new fields.
func (a *Aggregator) UpsertRouterLink(ev RouterLinkEvent) bool {
	if ev.Partition == "" || ev.RLOC16A == "" || ev.RLOC16B == "" {
		return false
	}

	a.routerMu.Lock()
	defer a.routerMu.Unlock()

	key := routerLinkKey(ev.Partition, ev.RLOC16A, ev.RLOC16B)
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	existing, exists := a.routers[key]
	if exists && existing.LastSeen.After(ts) {
		return true // a newer sample already landed; this one loses the race
	}

	a.routers[key] = &RouterLink{
		Partition: ev.Partition,
		A:         key.A,
		B:         key.B,
		AvgRSSI:   ev.AvgRSSI,
		LastRSSI:  ev.LastRSSI,
		LQI:       ev.LQI,
		MarginDB:  ev.MarginDB,
		FrameErr:  ev.FrameErr,
		MsgErr:    ev.MsgErr,
		LastSeen:  ts,
	}
	atomic.AddInt64(&a.generation, 1)
	return true
}

// UpsertChildLink overwrites the metric fields for the ordered
// (parent, child) pair, and additionally upserts the child as a node
// when ev.ChildExtAddr and ev.Partition are both present.
func (a *Aggregator) UpsertChildLink(ev ChildLinkEvent, brID string) bool {
	if ev.Partition == "" || ev.ParentRLOC16 == "" || ev.ChildRLOC16 == "" {
		return false
	}

	a.childMu.Lock()
	key := ChildLinkKey{Partition: ev.Partition, ParentRLOC16: ev.ParentRLOC16, ChildRLOC16: ev.ChildRLOC16}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if existing, exists := a.children[key]; !exists || !existing.LastSeen.After(ts) {
		a.children[key] = &ChildLink{
			Partition:     ev.Partition,
			ParentRLOC16:  ev.ParentRLOC16,
			ChildRLOC16:   ev.ChildRLOC16,
			AvgRSSI:       ev.AvgRSSI,
			LastRSSI:      ev.LastRSSI,
			LQI:           ev.LQI,
			Mode:          ev.Mode,
			ThreadVersion: ev.ThreadVersion,
			LastSeen:      ts,
		}
		atomic.AddInt64(&a.generation, 1)
	}
	a.childMu.Unlock()

	if ev.ChildExtAddr != "" {
		a.UpsertNode(NodeEvent{
			Partition: ev.Partition,
			ExtAddr:   ev.ChildExtAddr,
			RLOC16:    ev.ChildRLOC16,
			Role:      "child",
			Timestamp: ts,
		}, brID)
	}

	return true
}

// FindNodeByRLOC16 returns a node in partition whose accumulated rloc16
// set contains rloc16, if any — used by the resolver to back-resolve a
// RLOC address to a node's ML-EID set. Observed rloc16s are never
// removed, so a node that has since been renumbered still matches; when
// several nodes match, which one is returned is not defined.
func (a *Aggregator) FindNodeByRLOC16(partition, rloc16 string) (NodeSnapshot, bool) {
	a.nodesMu.RLock()
	defer a.nodesMu.RUnlock()

	for key, n := range a.nodes {
		if key.PartitionID == partition && n.RLOC16s[rloc16] {
			return n.snapshot(), true
		}
	}
	return NodeSnapshot{}, false
}

// FindNodeByMLEID returns the node whose recorded ML-EID set contains
// mleid, across any partition.
func (a *Aggregator) FindNodeByMLEID(mleid string) (NodeSnapshot, bool) {
	a.nodesMu.RLock()
	defer a.nodesMu.RUnlock()

	for _, n := range a.nodes {
		if n.MLEIDs[mleid] {
			return n.snapshot(), true
		}
	}
	return NodeSnapshot{}, false
}

// Snapshot is the JSON-serializable read view of the whole aggregator.
type Snapshot struct {
	Nodes       []NodeSnapshot `json:"nodes"`
	RouterLinks []RouterLink   `json:"router_links"`
	ChildLinks  []ChildLink    `json:"child_links"`
	Generation  int64          `json:"generation"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// Stats is the lightweight count-only view, for status endpoints that
// don't need the full topology payload.
type Stats struct {
	NodeCount       int       `json:"node_count"`
	RouterLinkCount int       `json:"router_link_count"`
	ChildLinkCount  int       `json:"child_link_count"`
	Generation      int64     `json:"generation"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// GetTopology returns a stable snapshot of all three tables.
func (a *Aggregator) GetTopology() Snapshot {
	a.nodesMu.RLock()
	nodes := make([]NodeSnapshot, 0, len(a.nodes))
	for _, n := range a.nodes {
		nodes = append(nodes, n.snapshot())
	}
	a.nodesMu.RUnlock()

	a.routerMu.RLock()
	routers := make([]RouterLink, 0, len(a.routers))
	for _, l := range a.routers {
		routers = append(routers, *l)
	}
	a.routerMu.RUnlock()

	a.childMu.RLock()
	children := make([]ChildLink, 0, len(a.children))
	for _, l := range a.children {
		children = append(children, *l)
	}
	a.childMu.RUnlock()

	return Snapshot{
		Nodes:       nodes,
		RouterLinks: routers,
		ChildLinks:  children,
		Generation:  atomic.LoadInt64(&a.generation),
		GeneratedAt: time.Now(),
	}
}

// GetStats returns counts only, without materializing full records.
func (a *Aggregator) GetStats() Stats {
	a.nodesMu.RLock()
	nodeCount := len(a.nodes)
	a.nodesMu.RUnlock()

	a.routerMu.RLock()
	routerCount := len(a.routers)
	a.routerMu.RUnlock()

	a.childMu.RLock()
	childCount := len(a.children)
	a.childMu.RUnlock()

	return Stats{
		NodeCount:       nodeCount,
		RouterLinkCount: routerCount,
		ChildLinkCount:  childCount,
		Generation:      atomic.LoadInt64(&a.generation),
		GeneratedAt:     time.Now(),
	}
}

// Clear wipes all three tables. Used for a manual full refresh.
func (a *Aggregator) Clear() {
	a.nodesMu.Lock()
	a.nodes = map[NodeKey]*Node{}
	a.nodesMu.Unlock()

	a.routerMu.Lock()
	a.routers = map[RouterLinkKey]*RouterLink{}
	a.routerMu.Unlock()

	a.childMu.Lock()
	a.children = map[ChildLinkKey]*ChildLink{}
	a.childMu.Unlock()

	atomic.AddInt64(&a.generation, 1)
}
