// Package gateway is the WebSocket gateway (C7): it accepts BR
// connections, authenticates them, runs one RX loop and one TX worker
// per session, and routes incoming messages to the registry, resolver,
// topology aggregator, fan-out bus, and per-BR event log.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"meshcoord/applog"
	"meshcoord/auth"
	"meshcoord/bus"
	"meshcoord/registry"
	"meshcoord/resolver"
	"meshcoord/scan"
	"meshcoord/topology"
)

const (
	txQueueSize  = 256
	teardownWait = 2 * time.Second
)

// txItem is what flows through a session's outbound channel: either a
// text frame to write, or the shutdown sentinel (isSentinel true).
type txItem struct {
	payload    []byte
	isSentinel bool
}

// session is the per-BR live handle stored (as `any`) in the registry.
type session struct {
	brID     string
	conn     *websocket.Conn
	outbound chan txItem

	teardownOnce sync.Once
	txDone       chan struct{}
}

func newSession(brID string, conn *websocket.Conn) *session {
	return &session{
		brID:     brID,
		conn:     conn,
		outbound: make(chan txItem, txQueueSize),
		txDone:   make(chan struct{}),
	}
}

// mappingEntry is one row of the dynamic ipv6→{name, BR, last-seen} map.
type mappingEntry struct {
	NodeName string
	BRID     string
	LastSeen time.Time
}

// Gateway wires together every collaborator the message router needs.
// Every collaborator except the scan orchestrator is passed in at
// construction time; the orchestrator is attached afterwards with
// SetScanner. There is no module-level state.
type Gateway struct {
	Registry *registry.Registry
	Resolver *resolver.Resolver
	Auth     *auth.Store
	Topology *topology.Aggregator
	Bus      *bus.Bus
	Scanner  *scan.Orchestrator
	Log      *applog.Writer

	upgrader websocket.Upgrader

	mappingMu sync.Mutex
	mapping   map[string]*mappingEntry
}

// Config groups the collaborators New needs.
type Config struct {
	Registry *registry.Registry
	Resolver *resolver.Resolver
	Auth     *auth.Store
	Topology *topology.Aggregator
	Bus      *bus.Bus
	Log      *applog.Writer
}

// New builds a Gateway. The scan orchestrator is wired separately via
// SetScanner since it in turn needs a reference back to the gateway as
// its scan.Sender — breaking what would otherwise be a constructor cycle.
func New(cfg Config) *Gateway {
	return &Gateway{
		Registry: cfg.Registry,
		Resolver: cfg.Resolver,
		Auth:     cfg.Auth,
		Topology: cfg.Topology,
		Bus:      cfg.Bus,
		Log:      cfg.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		mapping: make(map[string]*mappingEntry),
	}
}

// logEvent persists one inbound BR event as a JSON line in brID's event
// log, if a writer is configured. Failures are logged but never block or
// fail the caller — the event log is a durability aid, not part of the
// routing path.
func (g *Gateway) logEvent(brID string, v any) {
	if g.Log == nil {
		return
	}
	line, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := g.Log.WriteEvent(brID, line); err != nil {
		log.Warnf("gateway: %s failed to persist event log line: %v", brID, err)
	}
}

// SetScanner attaches the scan orchestrator once it has been constructed
// with this Gateway as its Sender.
func (g *Gateway) SetScanner(s *scan.Orchestrator) {
	g.Scanner = s
}

// ServeHTTP upgrades the request to a WebSocket, authenticates the BR,
// registers its session, and runs the connection until the socket
// closes, at which point it tears the session back down.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	brID := q.Get("br_id")
	token := q.Get("auth_token")
	networkPrefix := q.Get("network_prefix")

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("gateway: upgrade failed: %v", err)
		return
	}

	if brID == "" || token == "" {
		writeJSONAndClose(conn, map[string]any{"type": "error", "message": "Missing br_id or auth_token"})
		return
	}

	if !g.Auth.Verify(brID, token) {
		writeJSONAndClose(conn, map[string]any{"type": "error", "message": "Authentication failed"})
		return
	}

	nodes := g.Auth.Nodes(brID)
	sess := newSession(brID, conn)
	g.Registry.Register(brID, sess, networkPrefix, nodes)

	go g.txWorker(sess)

	writeJSON(conn, map[string]any{
		"type":        "connected",
		"status":      "ok",
		"br_id":       brID,
		"server_time": time.Now().Unix(),
		"nodes":       nodes,
		"message":     "Border Router connected successfully",
	})

	g.rxLoop(sess)
	g.teardown(sess)
}

// rxLoop blocks reading frames until the connection ends, dispatching
// each decoded message to the router. It never tears down the session
// itself on a malformed or unknown frame — only on read EOF/error.
func (g *Gateway) rxLoop(sess *session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			log.Warnf("gateway: %s sent malformed JSON, discarding", sess.brID)
			continue
		}
		typ, _ := raw["type"].(string)
		if typ == "" {
			log.Warnf("gateway: %s sent frame with no type, discarding", sess.brID)
			continue
		}
		g.dispatch(sess, typ, raw)
	}
}

// txWorker drains sess.outbound, writing each item as a text frame,
// until it receives the shutdown sentinel. A write failure is logged but
// does not stop the worker — it keeps draining so the queue empties
// before teardown releases the session (the RX loop, not the TX worker,
// is responsible for detecting a dead socket).
func (g *Gateway) txWorker(sess *session) {
	defer close(sess.txDone)
	for item := range sess.outbound {
		if item.isSentinel {
			return
		}
		if err := sess.conn.WriteMessage(websocket.TextMessage, item.payload); err != nil {
			log.Warnf("gateway: %s write failed: %v", sess.brID, err)
		}
	}
}

// teardown pushes the shutdown sentinel, waits up to teardownWait for
// the TX worker to exit, then unregisters the session. Idempotent.
func (g *Gateway) teardown(sess *session) {
	sess.teardownOnce.Do(func() {
		sess.outbound <- txItem{isSentinel: true}
		select {
		case <-sess.txDone:
		case <-time.After(teardownWait):
			log.Warnf("gateway: %s TX worker did not stop within %s", sess.brID, teardownWait)
		}
		g.Registry.Unregister(sess.brID, sess)
		sess.conn.Close()
	})
}

func writeJSON(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, data)
}

func writeJSONAndClose(conn *websocket.Conn, v any) {
	writeJSON(conn, v)
	conn.Close()
}

// enqueue pushes payload onto brID's outbound queue if it has a live
// online session, returning false otherwise.
func (g *Gateway) enqueue(brID string, payload []byte) bool {
	handle, ok := g.Registry.SessionHandle(brID)
	if !ok {
		return false
	}
	sess, ok := handle.(*session)
	if !ok {
		return false
	}
	select {
	case sess.outbound <- txItem{payload: payload}:
		g.Registry.IncrementCommandCounter(brID)
		return true
	default:
		log.Warnf("gateway: %s outbound queue full, dropping command", brID)
		return false
	}
}

func (g *Gateway) enqueueJSON(brID string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return g.enqueue(brID, data)
}

// SendScanNode implements scan.Sender: enqueues a scan_node command on
// brID's outbound queue.
func (g *Gateway) SendScanNode(brID, targetIPv6, nodeName, requestID string) bool {
	return g.enqueueJSON(brID, map[string]any{
		"command":     "scan_node",
		"target_ipv6": targetIPv6,
		"node_name":   nodeName,
		"request_id":  requestID,
	})
}

// SendCommandToNode resolves name to its ML-EID, finds the owning BR,
// and enqueues a send_coap command. It always enqueues rather than
// writing to the socket directly; success reflects only that the
// command was queued, not that it was ultimately delivered.
func (g *Gateway) SendCommandToNode(name, kind string, payload any) (bool, error) {
	addr, ok := g.Resolver.AddressForNodeName(name)
	if !ok {
		return false, fmt.Errorf("gateway: unknown node %q", name)
	}
	brID, ok := g.Registry.LookupBRForNode(name)
	if !ok {
		return false, fmt.Errorf("gateway: no online BR declares node %q", name)
	}

	ok = g.enqueueJSON(brID, map[string]any{
		"command":      "send_coap",
		"target_ipv6":  addr,
		"command_type": kind,
		"payload":      payload,
		"request_id":   uuid.New().String(),
	})
	if !ok {
		return false, fmt.Errorf("gateway: failed to enqueue command to %s", brID)
	}
	return true, nil
}

// dispatch routes one decoded inbound message by its "type" field.
func (g *Gateway) dispatch(sess *session, typ string, raw map[string]any) {
	switch typ {
	case "heartbeat":
		g.handleHeartbeat(sess, raw)
	case "node_event":
		g.handleNodeEvent(sess, raw)
	case "node_discovered":
		g.handleNodeDiscovered(sess, raw)
	case "command_response":
		g.handleCommandResponse(sess, raw)
	case "topology_update":
		g.handleTopologyUpdate(sess, raw)
	case "scan_node_result":
		g.handleScanNodeResult(sess, raw)
	case "diagnostic_node":
		g.handleDiagnosticNode(sess, raw)
	case "diagnostic_link":
		g.handleDiagnosticLink(sess, raw)
	case "diagnostic_child":
		g.handleDiagnosticChild(sess, raw)
	default:
		log.Warnf("gateway: %s sent unknown message type %q, discarding", sess.brID, typ)
	}
}

func (g *Gateway) handleHeartbeat(sess *session, raw map[string]any) {
	var nodesCount *int
	if v, ok := raw["nodes_count"].(float64); ok {
		n := int(v)
		nodesCount = &n
	}
	g.Registry.UpdateHeartbeat(sess.brID, nodesCount)
	g.enqueueJSON(sess.brID, map[string]any{
		"type":          "heartbeat_ack",
		"timestamp":     time.Now().Unix(),
		"server_status": "ok",
	})
}

// updateMapping refreshes the dynamic ipv6 mapping, returning whether
// ipv6 was not previously known.
func (g *Gateway) updateMapping(ipv6, nodeName, brID string) bool {
	g.mappingMu.Lock()
	defer g.mappingMu.Unlock()

	_, existed := g.mapping[ipv6]
	g.mapping[ipv6] = &mappingEntry{NodeName: nodeName, BRID: brID, LastSeen: time.Now()}
	return !existed
}

// ActiveNode is the public view of one entry in the dynamic mapping.
type ActiveNode struct {
	Name       string    `json:"name"`
	IPv6       string    `json:"ipv6"`
	BRID       string    `json:"br_id"`
	LastSeen   time.Time `json:"last_seen"`
	SecondsAgo float64   `json:"seconds_ago"`
}

// ActiveNodes returns every mapping entry last seen within window.
func (g *Gateway) ActiveNodes(window time.Duration) []ActiveNode {
	g.mappingMu.Lock()
	defer g.mappingMu.Unlock()

	now := time.Now()
	var out []ActiveNode
	for ipv6, e := range g.mapping {
		age := now.Sub(e.LastSeen)
		if age <= window {
			out = append(out, ActiveNode{Name: e.NodeName, IPv6: ipv6, BRID: e.BRID, LastSeen: e.LastSeen, SecondsAgo: age.Seconds()})
		}
	}
	return out
}

// resolveOrSynthesize resolves ipv6 to a business name via the resolver,
// falling back to a synthesized "unknown-<suffix>" name so the event can
// still propagate even when no inventory entry matches the address.
func (g *Gateway) resolveOrSynthesize(ipv6, partition string) string {
	if name, ok := g.Resolver.NodeNameForAddress(ipv6, partition); ok {
		return name
	}
	suffix := ipv6
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return "unknown-" + suffix
}

func (g *Gateway) handleNodeEvent(sess *session, raw map[string]any) {
	sourceIPv6, _ := raw["source_ipv6"].(string)
	if sourceIPv6 == "" {
		log.Warnf("gateway: %s node_event missing source_ipv6, discarding", sess.brID)
		return
	}
	eventType, _ := raw["event_type"].(string)
	payload := raw["payload"]
	partition, _ := raw["partition"].(string)

	name := g.resolveOrSynthesize(sourceIPv6, partition)
	isNew := g.updateMapping(sourceIPv6, name, sess.brID)

	if isNew {
		g.Bus.Publish(bus.NodeUpdate, map[string]any{
			"node_name": name,
			"ipv6":      sourceIPv6,
			"br_id":     sess.brID,
			"timestamp": time.Now().Unix(),
		})
		if g.Scanner != nil {
			g.Scanner.TriggerOnNewNode(sess.brID, sourceIPv6, name)
		}
	}

	g.Registry.IncrementEventCounter(sess.brID)

	evt := map[string]any{
		"type":       "node_event",
		"node":       name,
		"br_id":      sess.brID,
		"ipv6":       sourceIPv6,
		"event_type": eventType,
		"payload":    payload,
		"timestamp":  time.Now().Unix(),
	}
	g.logEvent(sess.brID, evt)
	g.Bus.Publish(bus.NodeEvent, evt)
}

func (g *Gateway) handleNodeDiscovered(sess *session, raw map[string]any) {
	sourceIPv6, _ := raw["source_ipv6"].(string)
	if sourceIPv6 == "" {
		log.Warnf("gateway: %s node_discovered missing source_ipv6, discarding", sess.brID)
		return
	}
	partition, _ := raw["partition"].(string)
	name := g.resolveOrSynthesize(sourceIPv6, partition)
	g.updateMapping(sourceIPv6, name, sess.brID)

	g.Bus.Publish(bus.NodeDiscovered, map[string]any{
		"node":      name,
		"br_id":     sess.brID,
		"ipv6":      sourceIPv6,
		"timestamp": time.Now().Unix(),
	})
}

func (g *Gateway) handleCommandResponse(sess *session, raw map[string]any) {
	requestID, _ := raw["request_id"].(string)
	if requestID == "" {
		log.Warnf("gateway: %s command_response missing request_id, discarding", sess.brID)
		return
	}
	node, _ := raw["node"].(string)
	status, _ := raw["status"].(string)

	evt := map[string]any{
		"type":       "command_response",
		"request_id": requestID,
		"node":       node,
		"br_id":      sess.brID,
		"status":     status,
		"result":     raw["result"],
		"error":      raw["error"],
		"timestamp":  time.Now().Unix(),
	}
	g.logEvent(sess.brID, evt)
	g.Bus.Publish(bus.CommandCompleted, evt)
}

func (g *Gateway) handleTopologyUpdate(sess *session, raw map[string]any) {
	nodes := stringSlice(raw["nodes"])
	g.Registry.UpdateNodesList(sess.brID, nodes)

	g.Bus.Publish(bus.TopologyUpdate, map[string]any{
		"br_id":       sess.brID,
		"nodes_count": len(nodes),
		"timestamp":   time.Now().Unix(),
	})
}

func (g *Gateway) handleScanNodeResult(sess *session, raw map[string]any) {
	targetIPv6, _ := raw["target_ipv6"].(string)
	nodeName, _ := raw["node_name"].(string)
	requestID, _ := raw["request_id"].(string)
	success, _ := raw["success"].(bool)
	errMsg, _ := raw["error"].(string)

	if !success {
		log.Warnf("gateway: %s scan_node_result for %s failed: %s", sess.brID, nodeName, errMsg)
		g.Bus.Publish(bus.ScanNodeResult, map[string]any{
			"br_id": sess.brID, "node_name": nodeName, "success": false, "error": errMsg, "timestamp": time.Now().Unix(),
		})
		return
	}

	info, _ := raw["network_info"].(map[string]any)
	partition, _ := info["partition"].(string)
	extAddr, _ := info["ext_addr"].(string)
	rloc16, _ := info["rloc16"].(string)
	role, _ := info["role"].(string)

	if partition != "" && extAddr != "" {
		g.Topology.UpsertNode(topology.NodeEvent{
			Partition: partition,
			ExtAddr:   extAddr,
			RLOC16:    rloc16,
			Role:      role,
		}, sess.brID)
	}

	if g.Scanner != nil {
		g.Scanner.HandleScanResult(scan.ResultEvent{
			BRID:       sess.brID,
			TargetIPv6: targetIPv6,
			NodeName:   nodeName,
			RequestID:  requestID,
			Success:    true,
			Children:   neighborList(info["children"]),
			Neighbors:  neighborList(info["neighbors"]),
		})
	}

	g.Bus.Publish(bus.ScanNodeResult, map[string]any{
		"br_id": sess.brID, "node_name": nodeName, "target_ipv6": targetIPv6, "success": true, "timestamp": time.Now().Unix(),
	})
}

func (g *Gateway) handleDiagnosticNode(sess *session, raw map[string]any) {
	partition, _ := raw["partition"].(string)
	extAddr, _ := raw["ext_addr"].(string)
	rloc16, _ := raw["rloc16"].(string)
	mleid, _ := raw["mleid"].(string)
	role, _ := raw["role"].(string)
	isBR, _ := raw["is_br"].(bool)

	if !g.Topology.UpsertNode(topology.NodeEvent{
		Partition: partition, ExtAddr: extAddr, RLOC16: rloc16, MLEID: mleid, Role: role, IsBorderRouter: isBR,
	}, sess.brID) {
		log.Warnf("gateway: %s diagnostic_node missing partition/ext_addr, discarding", sess.brID)
		return
	}

	name := ""
	if mleid != "" {
		if n, ok := g.Resolver.NodeNameForAddress(mleid, partition); ok {
			name = n
		}
	}

	evt := map[string]any{
		"type": "diagnostic_node", "br_id": sess.brID, "partition": partition, "ext_addr": extAddr,
		"rloc16": rloc16, "mleid": mleid, "role": role, "node_name": name, "timestamp": time.Now().Unix(),
	}
	g.logEvent(sess.brID, evt)
	g.Bus.Publish(bus.DiagnosticNode, evt)
}

func (g *Gateway) handleDiagnosticLink(sess *session, raw map[string]any) {
	partition, _ := raw["partition"].(string)
	rlocA, _ := raw["rloc16_a"].(string)
	rlocB, _ := raw["rloc16_b"].(string)

	if !g.Topology.UpsertRouterLink(topology.RouterLinkEvent{
		Partition: partition, RLOC16A: rlocA, RLOC16B: rlocB,
		AvgRSSI:  floatOf(raw["avg_rssi"]),
		LastRSSI: floatOf(raw["last_rssi"]),
		LQI:      int(floatOf(raw["lqi"])),
		MarginDB: floatOf(raw["margin_db"]),
		FrameErr: floatOf(raw["frame_err"]),
		MsgErr:   floatOf(raw["msg_err"]),
	}) {
		log.Warnf("gateway: %s diagnostic_link missing partition/rloc16 pair, discarding", sess.brID)
		return
	}

	evt := map[string]any{
		"type": "diagnostic_link", "br_id": sess.brID, "partition": partition,
		"rloc16_a": rlocA, "rloc16_b": rlocB, "timestamp": time.Now().Unix(),
	}
	g.logEvent(sess.brID, evt)
	g.Bus.Publish(bus.DiagnosticLink, evt)
}

func (g *Gateway) handleDiagnosticChild(sess *session, raw map[string]any) {
	partition, _ := raw["partition"].(string)
	parentRLOC16, _ := raw["parent_rloc16"].(string)
	childRLOC16, _ := raw["child_rloc16"].(string)
	childExtAddr, _ := raw["child_ext_addr"].(string)

	if !g.Topology.UpsertChildLink(topology.ChildLinkEvent{
		Partition: partition, ParentRLOC16: parentRLOC16, ChildRLOC16: childRLOC16, ChildExtAddr: childExtAddr,
		AvgRSSI:       floatOf(raw["avg_rssi"]),
		LastRSSI:      floatOf(raw["last_rssi"]),
		LQI:           int(floatOf(raw["lqi"])),
		Mode:          stringOf(raw["mode"]),
		ThreadVersion: stringOf(raw["thread_version"]),
	}, sess.brID) {
		log.Warnf("gateway: %s diagnostic_child missing partition/rloc16 pair, discarding", sess.brID)
		return
	}

	evt := map[string]any{
		"type": "diagnostic_child", "br_id": sess.brID, "partition": partition,
		"parent_rloc16": parentRLOC16, "child_rloc16": childRLOC16, "timestamp": time.Now().Unix(),
	}
	g.logEvent(sess.brID, evt)
	g.Bus.Publish(bus.DiagnosticChild, evt)
}

func floatOf(v any) float64 {
	f, _ := v.(float64)
	return f
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func neighborList(v any) []scan.NeighborInfo {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]scan.NeighborInfo, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, scan.NeighborInfo{
			ExtAddr: stringOf(m["ext_addr"]),
			RLOC16:  stringOf(m["rloc16"]),
			IsChild: boolOf(m["is_child"]),
		})
	}
	return out
}

func boolOf(v any) bool {
	b, _ := v.(bool)
	return b
}

