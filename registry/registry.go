// Package registry is the BR registry (C5): a concurrency-safe catalog
// of border-router sessions, their declared nodes, heartbeat timestamps,
// and counters, with a background liveness sweeper.
package registry

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Status is a BR session's online/offline state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Session is one BR's registry record. Handle is an opaque reference to
// the gateway's live session object (its outbound queue and TX worker);
// the registry never dereferences it, it only stores and returns it so
// the gateway can look a session back up by BR id.
type Session struct {
	BRID           string
	Handle         any
	NetworkPrefix  string
	Nodes          []string
	Status         Status
	ConnectedAt    time.Time
	Disconnected   time.Time
	LastHeartbeat  time.Time
	HeartbeatCount int
	CommandsSent   int
	EventsReceived int
}

// Registry is the BR session table.
type Registry struct {
	heartbeatTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
	nodeToBR map[string]string

	stopSweeper chan struct{}
}

// New returns a Registry using heartbeatTimeout for both the
// online/offline staleness check and the background sweeper's threshold,
// and starts the sweeper goroutine (5s period).
func New(heartbeatTimeout time.Duration) *Registry {
	r := &Registry{
		heartbeatTimeout: heartbeatTimeout,
		sessions:         make(map[string]*Session),
		nodeToBR:         make(map[string]string),
		stopSweeper:      make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Register installs (brID, handle) as the online session for brID,
// replacing any prior record for brID. A prior handle for the same BR id
// is superseded here, not torn down by the caller first; Unregister
// guards against a superseded session's teardown racing this call and
// clobbering the new one, by only acting when the handle it is passed
// still matches the currently registered session.
func (r *Registry) Register(brID string, handle any, networkPrefix string, nodes []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prior, reconnect := r.sessions[brID]
	if reconnect {
		for _, n := range prior.Nodes {
			if r.nodeToBR[n] == brID {
				delete(r.nodeToBR, n)
			}
		}
		log.Infof("registry: %s reconnected", brID)
	}

	s := &Session{
		BRID:          brID,
		Handle:        handle,
		NetworkPrefix: networkPrefix,
		Nodes:         append([]string(nil), nodes...),
		Status:        StatusOnline,
		ConnectedAt:   time.Now(),
		LastHeartbeat: time.Now(),
	}
	r.sessions[brID] = s

	for _, n := range nodes {
		r.nodeToBR[n] = brID
	}
}

// Unregister marks brID offline and removes its declared nodes from the
// node→BR index, but keeps the record itself for statistics. handle must
// match the session's currently registered handle; a mismatch means a
// newer session has already superseded the one tearing down, so the call
// is a no-op rather than marking the new session offline.
func (r *Registry) Unregister(brID string, handle any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[brID]
	if !ok || s.Handle != handle {
		return false
	}
	s.Status = StatusOffline
	s.Disconnected = time.Now()

	for _, n := range s.Nodes {
		if r.nodeToBR[n] == brID {
			delete(r.nodeToBR, n)
		}
	}
	return true
}

// UpdateHeartbeat refreshes brID's last-heartbeat time and increments its
// heartbeat count. If brID has no record yet, it is auto-registered with
// an empty node list, treating the heartbeat itself as first contact. If
// it was offline, it flips back online.
func (r *Registry) UpdateHeartbeat(brID string, nodesCount *int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[brID]
	if !ok {
		s = &Session{BRID: brID, Status: StatusOnline, ConnectedAt: time.Now()}
		r.sessions[brID] = s
	}
	s.LastHeartbeat = time.Now()
	s.HeartbeatCount++
	if s.Status == StatusOffline {
		s.Status = StatusOnline
	}
}

// isOnlineLocked is the pure staleness computation, called from a
// context that already holds (at least) a read lock on s. Splitting it
// out this way avoids re-entrant locking when computing liveness from
// inside a method that already holds the mutex.
func (r *Registry) isOnlineLocked(s *Session) bool {
	if s.Status != StatusOnline {
		return false
	}
	return time.Since(s.LastHeartbeat) < r.heartbeatTimeout
}

// IsOnline reports whether brID is currently online and within its
// heartbeat window.
func (r *Registry) IsOnline(brID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[brID]
	if !ok {
		return false
	}
	return r.isOnlineLocked(s)
}

// LookupBRForNode returns the BR id that currently declares name, if that
// BR is online.
func (r *Registry) LookupBRForNode(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	brID, ok := r.nodeToBR[name]
	if !ok {
		return "", false
	}
	s, ok := r.sessions[brID]
	if !ok || !r.isOnlineLocked(s) {
		return "", false
	}
	return brID, true
}

// SessionHandle returns the live session handle for brID, if online.
func (r *Registry) SessionHandle(brID string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[brID]
	if !ok || !r.isOnlineLocked(s) {
		return nil, false
	}
	return s.Handle, true
}

// IncrementCommandCounter bumps brID's commands-sent counter.
func (r *Registry) IncrementCommandCounter(brID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[brID]; ok {
		s.CommandsSent++
	}
}

// IncrementEventCounter bumps brID's events-received counter.
func (r *Registry) IncrementEventCounter(brID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[brID]; ok {
		s.EventsReceived++
	}
}

// UpdateNodesList replaces brID's declared node list (used by the
// topology_update message type), refreshing the node→BR index.
func (r *Registry) UpdateNodesList(brID string, nodes []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[brID]
	if !ok {
		return
	}
	for _, n := range s.Nodes {
		if r.nodeToBR[n] == brID {
			delete(r.nodeToBR, n)
		}
	}
	s.Nodes = append([]string(nil), nodes...)
	for _, n := range nodes {
		r.nodeToBR[n] = brID
	}
}

// Snapshot is the stable, JSON-serializable read view of one session.
type Snapshot struct {
	BRID           string    `json:"br_id"`
	NetworkPrefix  string    `json:"network_prefix"`
	Nodes          []string  `json:"nodes"`
	NodesCount     int       `json:"nodes_count"`
	Status         Status    `json:"status"`
	ConnectedAt    time.Time `json:"connected_at"`
	Disconnected   time.Time `json:"disconnected_at,omitempty"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	// TimeSinceHeartbeat is the age of LastHeartbeat in seconds at the
	// moment the snapshot was taken.
	TimeSinceHeartbeat float64 `json:"time_since_heartbeat"`
	HeartbeatCount int       `json:"heartbeat_count"`
	CommandsSent   int       `json:"commands_sent"`
	EventsReceived int       `json:"events_received"`
	Online         bool      `json:"online"`
}

func snapshotOf(r *Registry, s *Session) Snapshot {
	return Snapshot{
		BRID:           s.BRID,
		NetworkPrefix:  s.NetworkPrefix,
		Nodes:          append([]string(nil), s.Nodes...),
		NodesCount:     len(s.Nodes),
		Status:         s.Status,
		ConnectedAt:    s.ConnectedAt,
		Disconnected:   s.Disconnected,
		LastHeartbeat:  s.LastHeartbeat,
		TimeSinceHeartbeat: time.Since(s.LastHeartbeat).Seconds(),
		HeartbeatCount: s.HeartbeatCount,
		CommandsSent:   s.CommandsSent,
		EventsReceived: s.EventsReceived,
		Online:         r.isOnlineLocked(s),
	}
}

// Snapshot returns a stable copy of every known BR record (online or
// offline), for status endpoints and tests.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, snapshotOf(r, s))
	}
	return out
}

// ActiveBRs returns only the currently-online BR records.
func (r *Registry) ActiveBRs() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Snapshot
	for _, s := range r.sessions {
		if r.isOnlineLocked(s) {
			out = append(out, snapshotOf(r, s))
		}
	}
	return out
}

// sweepLoop wakes every 5s and flips any session whose last heartbeat
// has exceeded heartbeatTimeout to offline.
func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepOnce()
		case <-r.stopSweeper:
			return
		}
	}
}

func (r *Registry) sweepOnce() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.Status == StatusOnline && time.Since(s.LastHeartbeat) >= r.heartbeatTimeout {
			s.Status = StatusOffline
			s.Disconnected = time.Now()
			for _, n := range s.Nodes {
				if r.nodeToBR[n] == s.BRID {
					delete(r.nodeToBR, n)
				}
			}
			log.Warnf("registry: %s heartbeat expired, marked offline", s.BRID)
		}
	}
}

// Stop halts the background sweeper. Safe to call once.
func (r *Registry) Stop() {
	close(r.stopSweeper)
}
