// Package resolver is the address resolver (C3): a TTL-cached,
// bi-directional name↔IPv6 map loaded from the node-inventory config
// file, layered with back-resolution through the topology aggregator for
// RLOC and unmapped ML-EID addresses.
package resolver

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"meshcoord/addr"
	"meshcoord/topology"
)

// NodeConfig is one node's entry in adresses.json.
type NodeConfig struct {
	Address  string   `json:"address"`
	Ordre    *int     `json:"ordre,omitempty"`
	Connexes []string `json:"connexes,omitempty"`
}

type fileFormat struct {
	Nodes map[string]NodeConfig `json:"nodes"`
}

// Resolver is the name/address resolution layer. Its config-file view is
// read-only during a lookup: reloads atomically swap in a freshly parsed
// map, so a caller never observes a partially updated config (I5).
type Resolver struct {
	path            string
	ttl             time.Duration
	meshLocalPrefix [8]byte
	topo            *topology.Aggregator

	mu       sync.Mutex
	byName   map[string]NodeConfig
	byAddr   map[string]string // lowercased ML-EID string -> name
	loadedAt time.Time
}

// New returns a Resolver reading path, with cache ttl, consulting topo
// for back-resolution of RLOC and unmapped ML-EID addresses.
func New(path string, ttl time.Duration, meshLocalPrefix [8]byte, topo *topology.Aggregator) *Resolver {
	return &Resolver{path: path, ttl: ttl, meshLocalPrefix: meshLocalPrefix, topo: topo}
}

// load refreshes the in-memory view if stale, or unconditionally when
// forceReload is set. Must be called with mu held; it swaps in new maps
// atomically rather than mutating the existing ones in place.
func (r *Resolver) load(forceReload bool) error {
	if !forceReload && r.byName != nil && time.Since(r.loadedAt) < r.ttl {
		return nil
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.byName = map[string]NodeConfig{}
			r.byAddr = map[string]string{}
			r.loadedAt = time.Now()
			return nil
		}
		return fmt.Errorf("resolver: read %s: %w", r.path, err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return fmt.Errorf("resolver: parse %s: %w", r.path, err)
	}
	if ff.Nodes == nil {
		ff.Nodes = map[string]NodeConfig{}
	}

	byAddr := make(map[string]string, len(ff.Nodes))
	for name, cfg := range ff.Nodes {
		if cfg.Address != "" {
			byAddr[normalizeAddr(cfg.Address)] = name
		}
	}

	r.byName = ff.Nodes
	r.byAddr = byAddr
	r.loadedAt = time.Now()
	return nil
}

func normalizeAddr(s string) string {
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	return strings.ToLower(strings.TrimSpace(s))
}

// Reload forces an immediate reread of the config file, for use after a
// write.
func (r *Resolver) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(true)
}

// NodeNameForAddress resolves ipv6Str to a business name, layered as:
// (1) direct ML-EID match in the config file; (2) if the input is a
// RLOC/ALOC address, look up the partition-local node reporting that
// rloc16 in the topology aggregator and resolve any of its ML-EIDs;
// (3) if the input is an ML-EID not present in the config but known to
// the aggregator, the same indirect path. Returns ("", false) if no name
// can be derived by any path.
func (r *Resolver) NodeNameForAddress(ipv6Str, partition string) (string, bool) {
	ip, err := addr.ParseIPv6(ipv6Str)
	if err != nil {
		return "", false
	}

	r.mu.Lock()
	if err := r.load(false); err != nil {
		r.mu.Unlock()
		return "", false
	}
	byAddr := r.byAddr
	r.mu.Unlock()

	if name, ok := byAddr[normalizeAddr(ipv6Str)]; ok {
		return name, true
	}

	if rloc16, isRLOC := addr.RLOC16Of(ip); isRLOC && r.topo != nil {
		if node, found := r.topo.FindNodeByRLOC16(partition, rloc16); found {
			for _, mleid := range node.MLEIDs {
				if name, ok := byAddr[normalizeAddr(mleid)]; ok {
					return name, true
				}
			}
		}
		return "", false
	}

	if r.topo != nil {
		if node, found := r.topo.FindNodeByMLEID(normalizeAddr(ipv6Str)); found {
			for _, mleid := range node.MLEIDs {
				if name, ok := byAddr[normalizeAddr(mleid)]; ok {
					return name, true
				}
			}
		}
	}

	return "", false
}

// AddressForNodeName resolves name to its configured ML-EID, case
// sensitively on the name itself (names are config keys).
func (r *Resolver) AddressForNodeName(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.load(false); err != nil {
		return "", false
	}
	cfg, ok := r.byName[name]
	if !ok {
		return "", false
	}
	return cfg.Address, true
}

// ConnectedNodes returns the connexes list declared for name in the
// config file.
func (r *Resolver) ConnectedNodes(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.load(false); err != nil {
		return nil
	}
	cfg, ok := r.byName[name]
	if !ok {
		return nil
	}
	out := make([]string, len(cfg.Connexes))
	copy(out, cfg.Connexes)
	return out
}

// OrderedNode pairs a node name with its declared display order.
type OrderedNode struct {
	Name  string
	Ordre int
}

// NodesByOrder returns every node with an explicit "ordre" field, sorted
// ascending; nodes without one are omitted.
func (r *Resolver) NodesByOrder() []OrderedNode {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.load(false); err != nil {
		return nil
	}
	var out []OrderedNode
	for name, cfg := range r.byName {
		if cfg.Ordre != nil {
			out = append(out, OrderedNode{Name: name, Ordre: *cfg.Ordre})
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Ordre < out[j-1].Ordre; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// IsRLOC, RLOC16Of, LinkLocalFromEUI64, and ExtAddrMatchesMLEID are the
// pure classification helpers from package addr, re-exported here for
// convenience since C3 names them as its own derived functions.
func IsRLOC(ip net.IP) bool                     { return addr.IsRLOC(ip) }
func RLOC16Of(ip net.IP) (string, bool)        { return addr.RLOC16Of(ip) }
func LinkLocalFromEUI64(extAddrHex string) (net.IP, error) { return addr.LinkLocalFromEUI64(extAddrHex) }
func ExtAddrMatchesMLEID(extAddrHex string, mleid net.IP) (bool, error) {
	return addr.ExtAddrMatchesMLEID(extAddrHex, mleid)
}

// SaveNode writes or replaces a node's config entry and forces a reload.
func (r *Resolver) SaveNode(name string, cfg NodeConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.load(true); err != nil && !os.IsNotExist(err) {
		return err
	}
	if r.byName == nil {
		r.byName = map[string]NodeConfig{}
	}
	r.byName[name] = cfg

	if err := writeFileAtomic(r.path, fileFormat{Nodes: r.byName}); err != nil {
		return err
	}
	return r.load(true)
}

func writeFileAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("resolver: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("resolver: mkdir %s: %w", dir, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("resolver: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
