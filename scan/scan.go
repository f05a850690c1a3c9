// Package scan is the scan orchestrator (C9): on a successful
// scan_node_result, it walks the reported children and neighbors and
// enqueues follow-up scan_node commands back to the reporting BR, using
// link-local addresses derived from each neighbor's extended address.
// Link-local is preferred over RLOC because it is always reachable
// within one radio hop of the BR, matching the BR-as-proxy relationship.
package scan

import (
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"meshcoord/addr"
)

// NeighborInfo is one entry from a node's reported network view.
type NeighborInfo struct {
	ExtAddr string
	RLOC16  string
	IsChild bool
}

// ResultEvent is the parsed form of an inbound scan_node_result message.
type ResultEvent struct {
	BRID       string
	TargetIPv6 string
	NodeName   string
	RequestID  string
	Success    bool
	Error      string
	Children   []NeighborInfo
	Neighbors  []NeighborInfo
}

// Sender is the subset of the gateway's outbound contract the
// orchestrator needs: enqueue a scan_node command on a BR's outbound
// queue. Implemented by the gateway; kept as an interface here so this
// package never imports the gateway (which imports this one).
type Sender interface {
	SendScanNode(brID, targetIPv6, nodeName, requestID string) bool
}

// Orchestrator drives reactive re-scanning.
type Orchestrator struct {
	sender Sender
}

func New(sender Sender) *Orchestrator {
	return &Orchestrator{sender: sender}
}

// HandleScanResult processes one scan_node_result. On failure it only
// logs — no follow-up scans are scheduled. On success, every child is
// scanned, and every neighbor not also reported as a child is scanned,
// each via its link-local address and a fresh request id.
func (o *Orchestrator) HandleScanResult(ev ResultEvent) {
	if !ev.Success {
		log.Warnf("scan: %s result for %s failed: %s", ev.BRID, ev.NodeName, ev.Error)
		return
	}

	seen := make(map[string]bool, len(ev.Children))
	for _, c := range ev.Children {
		seen[c.ExtAddr] = true
		o.followUp(ev.BRID, c)
	}
	for _, n := range ev.Neighbors {
		if n.IsChild || seen[n.ExtAddr] {
			continue
		}
		o.followUp(ev.BRID, n)
	}
}

func (o *Orchestrator) followUp(brID string, n NeighborInfo) {
	if n.ExtAddr == "" {
		return
	}
	ip, err := addr.LinkLocalFromEUI64(n.ExtAddr)
	if err != nil {
		log.Debugf("scan: cannot derive link-local for %s: %v", n.ExtAddr, err)
		return
	}
	requestID := uuid.New().String()
	o.sender.SendScanNode(brID, ip.String(), "", requestID)
}

// TriggerOnNewNode issues an opportunistic scan of a node the moment it
// is first observed via a node_event, so its network view gets pulled
// in without waiting for the BR's own periodic scan cycle.
func (o *Orchestrator) TriggerOnNewNode(brID, ipv6, nodeName string) {
	if ipv6 == "" {
		return
	}
	requestID := uuid.New().String()
	o.sender.SendScanNode(brID, ipv6, nodeName, requestID)
}
