// Package config loads the bridge node's configuration bundle: YAML
// defaults layered with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/kizuna-net/bridge/pkg/utils"
)

// AppConfig is the root configuration bundle for one node.
type AppConfig struct {
	Node    NodeConfig    `yaml:"node" json:"node"`
	P2P     P2PConfig     `yaml:"p2p" json:"p2p"`
	HTTP    HTTPConfig    `yaml:"http" json:"http"`
	KTP     KTPConfig     `yaml:"ktp" json:"ktp"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// NodeConfig carries identity and default-topic settings.
type NodeConfig struct {
	DataDir      string `yaml:"data_dir" json:"data_dir"`
	AgentID      string `yaml:"agent_id" json:"agent_id"`
	Role         string `yaml:"role" json:"role"`
	DefaultTopic string `yaml:"default_topic" json:"default_topic"`
}

// P2PConfig contains the overlay manager's libp2p and DHT configuration.
type P2PConfig struct {
	Port           int      `yaml:"port" json:"port"`
	Rendezvous     string   `yaml:"rendezvous" json:"rendezvous"`
	EnableMDNS     bool     `yaml:"enable_mdns" json:"enable_mdns"`
	EnableDHT      bool     `yaml:"enable_dht" json:"enable_dht"`
	BootstrapPeers []string `yaml:"bootstrap_peers" json:"bootstrap_peers"`
}

// HTTPConfig contains the loopback control-plane configuration.
type HTTPConfig struct {
	Port   int    `yaml:"port" json:"port"`
	Bind   string `yaml:"bind" json:"bind"`
	APIKey string `yaml:"api_key" json:"api_key"`
}

// KTPConfig tunes the task engine's retry and reaper behaviour.
type KTPConfig struct {
	MaxAttempts        int  `yaml:"max_attempts" json:"max_attempts"`
	RetryBaseMs        int  `yaml:"retry_base_ms" json:"retry_base_ms"`
	RetryCapMs         int  `yaml:"retry_cap_ms" json:"retry_cap_ms"`
	EntropyEnabled     bool `yaml:"entropy_enabled" json:"entropy_enabled"`
	PeerTimeoutMs      int  `yaml:"peer_timeout_ms" json:"peer_timeout_ms"`
	HeartbeatMs        int  `yaml:"heartbeat_ms" json:"heartbeat_ms"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// DefaultConfig returns the configuration a node boots with absent a file
// or environment overrides.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Node: NodeConfig{
			DataDir:      "./data",
			AgentID:      "kizuna-node",
			Role:         "agent",
			DefaultTopic: "kizuna-default",
		},
		P2P: P2PConfig{
			Port:       0,
			Rendezvous: "kizuna-bridge",
			EnableMDNS: true,
			EnableDHT:  true,
		},
		HTTP: HTTPConfig{
			Port: 3000,
			Bind: "127.0.0.1",
		},
		KTP: KTPConfig{
			MaxAttempts:    3,
			RetryBaseMs:    5000,
			RetryCapMs:     60000,
			EntropyEnabled: false,
			PeerTimeoutMs:  10000,
			HeartbeatMs:    2500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults
// when the file does not exist, and always applying environment overrides
// last so they take precedence over both the file and the defaults.
func LoadConfig(path string, logger *logrus.Logger) (*AppConfig, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Warnf("configuration file %s not found, using defaults", path)
		applyEnvironmentOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := utils.ExpandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	applyEnvironmentOverrides(cfg)
	return cfg, nil
}

// SaveConfig writes cfg as YAML to path, creating parent directories.
func SaveConfig(cfg *AppConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func validateConfig(cfg *AppConfig) error {
	if cfg.Node.DefaultTopic == "" {
		return fmt.Errorf("node.default_topic cannot be empty")
	}
	if cfg.P2P.Rendezvous == "" {
		return fmt.Errorf("p2p.rendezvous cannot be empty")
	}
	if cfg.KTP.MaxAttempts <= 0 {
		return fmt.Errorf("ktp.max_attempts must be positive")
	}
	if cfg.KTP.RetryBaseMs <= 0 || cfg.KTP.RetryCapMs < cfg.KTP.RetryBaseMs {
		return fmt.Errorf("ktp.retry_base_ms/retry_cap_ms misconfigured")
	}
	return nil
}

// applyEnvironmentOverrides layers environment variables over cfg, matching
// the precedence documented in SPEC_FULL.md §A.
func applyEnvironmentOverrides(cfg *AppConfig) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("AGENT_ID"); v != "" {
		cfg.Node.AgentID = v
	}
	if v := os.Getenv("AGENT_ROLE"); v != "" {
		cfg.Node.Role = v
	}
	if v := os.Getenv("DEFAULT_TOPIC"); v != "" {
		cfg.Node.DefaultTopic = v
	}

	if v := os.Getenv("P2P_PORT"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &cfg.P2P.Port); err != nil {
			logrus.Warnf("invalid P2P_PORT: %s", v)
		}
	}
	if v := os.Getenv("P2P_RENDEZVOUS"); v != "" {
		cfg.P2P.Rendezvous = v
	}
	if v := os.Getenv("BOOTSTRAP_PEERS"); v != "" {
		parts := strings.Split(v, ",")
		cfg.P2P.BootstrapPeers = cfg.P2P.BootstrapPeers[:0]
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.P2P.BootstrapPeers = append(cfg.P2P.BootstrapPeers, p)
			}
		}
	}

	if v := os.Getenv("HTTP_PORT"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &cfg.HTTP.Port); err != nil {
			logrus.Warnf("invalid HTTP_PORT: %s", v)
		}
	}
	if v := os.Getenv("HTTP_BIND"); v != "" {
		cfg.HTTP.Bind = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.HTTP.APIKey = v
	}

	cfg.KTP.EntropyEnabled = utils.BoolFromEnv("ENTROPY_ENABLED", cfg.KTP.EntropyEnabled)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// The bind host follows §4.6: the control plane binds on all
	// interfaces only once an API key is configured.
	if cfg.HTTP.APIKey != "" && cfg.HTTP.Bind == "127.0.0.1" {
		cfg.HTTP.Bind = "0.0.0.0"
	}
}
