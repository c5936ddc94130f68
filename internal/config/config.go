// Package config loads YAML configuration for the Master and Node
// processes, then applies environment-variable overrides so a container
// deployment never needs a mounted secrets file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Master is the top-level configuration for the Master process.
type Master struct {
	ListenAddr      string         `yaml:"listen_addr"`
	DatabaseURL     string         `yaml:"database_url"`
	MasterKeyHex    string         `yaml:"master_key_hex"` // current generation, 32 bytes hex
	PriorKeysHex    []string       `yaml:"prior_keys_hex"` // older generations, for rotation tolerance
	JWTSigningKey   string         `yaml:"jwt_signing_key"`
	JWTIssuer       string         `yaml:"jwt_issuer"`
	LogLevel        string         `yaml:"log_level"`
	LogJSON         bool           `yaml:"log_json"`
	ErrorLogPath    string         `yaml:"error_log_path"`
	Retention       RetentionConf  `yaml:"retention"`
	Reconciliation  ReconcileConf  `yaml:"reconciliation"`
	Quota           QuotaConf      `yaml:"quota"`
	CORSOrigins     []string       `yaml:"cors_origins"`
}

// RetentionConf is the global default retention policy: settable
// per-node and per-site via internal/settings, terminal fallback here.
type RetentionConf struct {
	GraceDays int `yaml:"grace_days"`
}

// ReconcileConf configures periodic drift reconciliation.
type ReconcileConf struct {
	IntervalCron  string  `yaml:"interval_cron"`
	DriftFraction float64 `yaml:"drift_fraction"`
}

// QuotaConf configures pre-flight estimation fallbacks.
type QuotaConf struct {
	DefaultEstimateBytes int64 `yaml:"default_estimate_bytes"`
	UsedTolerance        int64 `yaml:"used_tolerance_bytes"`
}

// Node is the top-level configuration for the Node daemon process.
type Node struct {
	MasterURL       string      `yaml:"master_url"`
	APIKeyPath      string      `yaml:"api_key_path"`
	Hostname        string      `yaml:"hostname"`
	TempRoot        string      `yaml:"temp_root"`
	LocalStorePath  string      `yaml:"local_store_path"`
	LogLevel        string      `yaml:"log_level"`
	LogJSON         bool        `yaml:"log_json"`
	Governor        GovernorConf `yaml:"governor"`
	KeepOnFailure   bool        `yaml:"keep_on_failure"`
}

// GovernorConf configures the Node's resource governor.
type GovernorConf struct {
	IOPermits          int   `yaml:"io_permits"`
	NetworkPermits     int   `yaml:"network_permits"`
	CPUWorkers         int   `yaml:"cpu_workers"`
	UploadBandwidthBps int64 `yaml:"upload_bandwidth_bytes_per_sec"` // 0 = unlimited
}

// LoadMaster reads and parses a Master YAML config file, then applies
// FLEETBACKUP_MASTER_* environment overrides.
func LoadMaster(path string) (*Master, error) {
	m := defaultMaster()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read master config: %w", err)
		}
		if err := yaml.Unmarshal(data, m); err != nil {
			return nil, fmt.Errorf("parse master config: %w", err)
		}
	}
	applyEnvOverrides("FLEETBACKUP_MASTER_", m)
	return m, nil
}

// LoadNode reads and parses a Node YAML config file, then applies
// FLEETBACKUP_NODE_* environment overrides.
func LoadNode(path string) (*Node, error) {
	n := defaultNode()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read node config: %w", err)
		}
		if err := yaml.Unmarshal(data, n); err != nil {
			return nil, fmt.Errorf("parse node config: %w", err)
		}
	}
	applyEnvOverrides("FLEETBACKUP_NODE_", n)
	return n, nil
}

func defaultMaster() *Master {
	return &Master{
		ListenAddr: ":8443",
		LogLevel:   "info",
		LogJSON:    true,
		Retention:  RetentionConf{GraceDays: 7},
		Reconciliation: ReconcileConf{
			IntervalCron:  "0 */6 * * *",
			DriftFraction: 0.01,
		},
		Quota: QuotaConf{
			DefaultEstimateBytes: 1 << 30, // 1 GiB
			UsedTolerance:        512 << 20,
		},
	}
}

func defaultNode() *Node {
	return &Node{
		TempRoot:       "/var/tmp/wp-backup-work",
		LocalStorePath: "/var/lib/fleetbackup-node/state.db",
		LogLevel:       "info",
		LogJSON:        true,
		Governor: GovernorConf{
			IOPermits:      2,
			NetworkPermits: 1,
			CPUWorkers:     4,
		},
	}
}

// applyEnvOverrides walks a small, explicit set of scalar fields rather
// than reflecting over the whole struct — the override surface is meant to
// cover secrets and deployment-specific knobs, not every YAML key.
func applyEnvOverrides(prefix string, target any) {
	switch t := target.(type) {
	case *Master:
		if v, ok := lookupEnv(prefix, "DATABASE_URL"); ok {
			t.DatabaseURL = v
		}
		if v, ok := lookupEnv(prefix, "LISTEN_ADDR"); ok {
			t.ListenAddr = v
		}
		if v, ok := lookupEnv(prefix, "MASTER_KEY_HEX"); ok {
			t.MasterKeyHex = v
		}
		if v, ok := lookupEnv(prefix, "JWT_SIGNING_KEY"); ok {
			t.JWTSigningKey = v
		}
	case *Node:
		if v, ok := lookupEnv(prefix, "MASTER_URL"); ok {
			t.MasterURL = v
		}
		if v, ok := lookupEnv(prefix, "API_KEY_PATH"); ok {
			t.APIKeyPath = v
		}
		if v, ok := lookupEnv(prefix, "UPLOAD_BANDWIDTH_BYTES_PER_SEC"); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				t.Governor.UploadBandwidthBps = n
			}
		}
	}
}

func lookupEnv(prefix, key string) (string, bool) {
	v, ok := os.LookupEnv(prefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}
