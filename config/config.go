package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the coordinator's own runtime configuration. The two
// Thread-domain config files (node inventory and BR credentials) have
// their own fixed JSON shape (see resolver and auth packages) and are
// loaded separately, by path named here.
type Config struct {
	Mesh   MeshConfig   `yaml:"mesh"`
	CoAP   CoAPConfig   `yaml:"coap"`
	Logs   LogsConfig   `yaml:"logs"`
	Server ServerConfig `yaml:"server"`
}

// MeshConfig names the two config files and the coordinator's timing
// knobs for heartbeat liveness and dynamic-mapping retention.
type MeshConfig struct {
	AddressesPath     string        `yaml:"addresses_path"`
	BorderRoutersPath string        `yaml:"border_routers_path"`
	MeshLocalPrefix   string        `yaml:"mesh_local_prefix"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ActiveNodeWindow  time.Duration `yaml:"active_node_window"`
	ConfigCacheTTL    time.Duration `yaml:"config_cache_ttl"`
}

// CoAPConfig carries the UDP reply-wait timeout for direct CoAP node
// probes. main.go does not pass it to any component: the scan
// orchestrator sends its scans as scan_node commands through the owning
// BR and does not use a CoAP client.
type CoAPConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type LogsConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

// Load reads path as YAML over a defaulted Config, then applies any
// environment overrides (see applyEnvOverrides). Per-field YAML values
// take precedence over the compiled-in defaults; environment variables
// take precedence over both, so a deployment can override a single
// setting without touching the checked-in config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Mesh: MeshConfig{
			AddressesPath:     "config/adresses.json",
			BorderRoutersPath: "config/border_routers.json",
			MeshLocalPrefix:   "fd00:0:0:1::",
			HeartbeatTimeout:  30 * time.Second,
			ActiveNodeWindow:  60 * time.Second,
			ConfigCacheTTL:    60 * time.Second,
		},
		CoAP: CoAPConfig{
			Timeout: 2 * time.Second,
		},
		Logs: LogsConfig{
			Path:          "/data/logs",
			RetentionDays: 30,
		},
		Server: ServerConfig{
			Port: 8080,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MESHCOORD_ADDRESSES_PATH"); v != "" {
		cfg.Mesh.AddressesPath = v
	}
	if v := os.Getenv("MESHCOORD_BORDER_ROUTERS_PATH"); v != "" {
		cfg.Mesh.BorderRoutersPath = v
	}
	if v := os.Getenv("MESHCOORD_HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Mesh.HeartbeatTimeout = d
		}
	}
	if v := os.Getenv("MESHCOORD_ACTIVE_NODE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Mesh.ActiveNodeWindow = d
		}
	}
	if v := os.Getenv("MESHCOORD_COAP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CoAP.Timeout = d
		}
	}
	if v := os.Getenv("MESHCOORD_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
}
