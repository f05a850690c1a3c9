// Package auth is the BR credential store (C4): a TTL-cached table of
// border-router tokens and declared nodes, with constant-time token
// comparison.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// BRConfig is one border router's entry in border_routers.json.
type BRConfig struct {
	AuthToken      string   `json:"auth_token"`
	NetworkPrefix  string   `json:"network_prefix"`
	Location       string   `json:"location,omitempty"`
	Nodes          []string `json:"nodes"`
}

// fileFormat mirrors border_routers.json's wire shape exactly.
type fileFormat struct {
	BorderRouters map[string]BRConfig `json:"border_routers"`
}

// Store is the credential cache. Reads are served from an in-memory
// snapshot refreshed lazily when it is older than TTL; writes force an
// immediate reload so the next read sees them.
type Store struct {
	path string
	ttl  time.Duration

	mu       sync.Mutex
	loaded   map[string]BRConfig
	loadedAt time.Time
}

// NewStore returns a Store that reads path, refreshing its cache after
// ttl has elapsed since the last load.
func NewStore(path string, ttl time.Duration) *Store {
	return &Store{path: path, ttl: ttl}
}

// load refreshes the in-memory snapshot if it is stale, unless
// forceReload is set. Must be called with mu held.
func (s *Store) load(forceReload bool) error {
	if !forceReload && s.loaded != nil && time.Since(s.loadedAt) < s.ttl {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = map[string]BRConfig{}
			s.loadedAt = time.Now()
			return nil
		}
		return fmt.Errorf("auth: read %s: %w", s.path, err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return fmt.Errorf("auth: parse %s: %w", s.path, err)
	}
	if ff.BorderRouters == nil {
		ff.BorderRouters = map[string]BRConfig{}
	}

	s.loaded = ff.BorderRouters
	s.loadedAt = time.Now()
	return nil
}

// Verify reports whether token is the correct auth token for brID, using
// a constant-time comparison so timing does not leak how many leading
// bytes matched. An unknown brID always fails.
func (s *Store) Verify(brID, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(false); err != nil {
		log.Warnf("auth: verify %s: %v", brID, err)
		return false
	}

	cfg, ok := s.loaded[brID]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cfg.AuthToken), []byte(token)) == 1
}

// Nodes returns the declared node list for brID, or nil if brID is
// unconfigured.
func (s *Store) Nodes(brID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(false); err != nil {
		log.Warnf("auth: nodes %s: %v", brID, err)
		return nil
	}
	cfg, ok := s.loaded[brID]
	if !ok {
		return nil
	}
	out := make([]string, len(cfg.Nodes))
	copy(out, cfg.Nodes)
	return out
}

// Get returns the full config record for brID.
func (s *Store) Get(brID string) (BRConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(false); err != nil {
		log.Warnf("auth: get %s: %v", brID, err)
		return BRConfig{}, false
	}
	cfg, ok := s.loaded[brID]
	return cfg, ok
}

// IsConfigured reports whether brID has an entry in the store.
func (s *Store) IsConfigured(brID string) bool {
	_, ok := s.Get(brID)
	return ok
}

// AllBRIDs returns every configured BR id.
func (s *Store) AllBRIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(false); err != nil {
		log.Warnf("auth: all ids: %v", err)
		return nil
	}
	ids := make([]string, 0, len(s.loaded))
	for id := range s.loaded {
		ids = append(ids, id)
	}
	return ids
}

// AddBR appends or replaces a BR's config entry and atomically rewrites
// the backing file, then forces a cache reload so subsequent reads see
// the change immediately.
func (s *Store) AddBR(brID string, cfg BRConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(true); err != nil && !os.IsNotExist(err) {
		return err
	}
	if s.loaded == nil {
		s.loaded = map[string]BRConfig{}
	}
	s.loaded[brID] = cfg

	if err := writeFileAtomic(s.path, fileFormat{BorderRouters: s.loaded}); err != nil {
		return err
	}

	return s.load(true)
}

// writeFileAtomic marshals v as indented JSON and writes it via a
// tmp-file-then-rename, so readers never observe a partially written
// file.
func writeFileAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("auth: mkdir %s: %w", dir, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("auth: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("auth: rename %s: %w", tmp, err)
	}
	return nil
}
