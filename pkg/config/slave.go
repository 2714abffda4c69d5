package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// SlaveConfig drives the slave binary: which endpoint to dial, identity, and
// reconnect/scan tuning.
type SlaveConfig struct {
	Mode      string `json:"mode"` // direct | relay | tunnel
	MasterURL string `json:"master_url,omitempty"`
	RelayURL  string `json:"relay_url,omitempty"`
	TunnelURL string `json:"tunnel_url,omitempty"`
	Secret    string `json:"secret"`
	SlaveID   string `json:"slave_id,omitempty"`
	Name      string `json:"name,omitempty"`
	DataDir   string `json:"data_dir"`

	HeartbeatMS        int `json:"heartbeat_ms"`
	HandshakeTimeoutMS int `json:"handshake_timeout_ms"`
	BackoffMinMS       int `json:"backoff_min_ms"`
	BackoffMaxMS       int `json:"backoff_max_ms"`

	DNSServers   []string     `json:"dns_servers,omitempty"`
	ScanDefaults ScanDefaults `json:"scan_defaults"`
	InsecureTLS  bool         `json:"insecure_tls,omitempty"`
	Log          LogConfig    `json:"log"`
}

func DefaultSlaveConfig() SlaveConfig {
	return SlaveConfig{
		Mode:               ModeDirect,
		DataDir:            "data",
		Log:                defaultLog(),
		HeartbeatMS:        30000,
		HandshakeTimeoutMS: 10000,
		BackoffMinMS:       1000,
		BackoffMaxMS:       60000,
	}
}

// LoadSlave reads path (default config/slave.json), applies environment
// overrides and validates.
func LoadSlave(path string) (SlaveConfig, error) {
	if path == "" {
		path = "config/slave.json"
	}
	cfg := DefaultSlaveConfig()
	if err := readJSON(path, &cfg); err != nil {
		return cfg, err
	}
	envStr("DM_MODE", &cfg.Mode)
	envStr("DM_MASTER_URL", &cfg.MasterURL)
	envStr("DM_RELAY_URL", &cfg.RelayURL)
	envStr("DM_TUNNEL_URL", &cfg.TunnelURL)
	envStr("DM_SECRET_KEY", &cfg.Secret)
	envStr("DM_SLAVE_ID", &cfg.SlaveID)
	envStr("DM_SLAVE_NAME", &cfg.Name)
	envStr("DM_DATA_DIR", &cfg.DataDir)
	envBool("DM_INSECURE_TLS", &cfg.InsecureTLS)
	envInt("DM_HEARTBEAT_MS", &cfg.HeartbeatMS)
	envInt("DM_HANDSHAKE_TIMEOUT_MS", &cfg.HandshakeTimeoutMS)
	envInt("DM_BACKOFF_MIN_MS", &cfg.BackoffMinMS)
	envInt("DM_BACKOFF_MAX_MS", &cfg.BackoffMaxMS)
	if v := splitCSV(os.Getenv("DM_DNS_SERVERS")); len(v) > 0 {
		cfg.DNSServers = v
	}
	cfg.Log.applyEnv()

	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.Secret = strings.TrimSpace(cfg.Secret)
	cfg.SlaveID = strings.TrimSpace(cfg.SlaveID)
	cfg.Name = strings.TrimSpace(cfg.Name)
	if _, err := cfg.Endpoint(); err != nil {
		return cfg, err
	}
	if err := checkSecret(cfg.Secret); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Endpoint resolves the URL the configured mode dials.
func (c SlaveConfig) Endpoint() (string, error) {
	switch c.Mode {
	case ModeDirect:
		if strings.TrimSpace(c.MasterURL) == "" {
			return "", fmt.Errorf("config: direct mode needs master_url")
		}
		return strings.TrimSpace(c.MasterURL), nil
	case ModeRelay:
		if strings.TrimSpace(c.RelayURL) == "" {
			return "", fmt.Errorf("config: relay mode needs relay_url")
		}
		return strings.TrimSpace(c.RelayURL), nil
	case ModeTunnel:
		if strings.TrimSpace(c.TunnelURL) == "" {
			return "", fmt.Errorf("config: tunnel mode needs tunnel_url")
		}
		return strings.TrimSpace(c.TunnelURL), nil
	}
	return "", fmt.Errorf("config: unknown slave mode %q", c.Mode)
}

func (c SlaveConfig) Heartbeat() time.Duration        { return ms(c.HeartbeatMS) }
func (c SlaveConfig) HandshakeTimeout() time.Duration { return ms(c.HandshakeTimeoutMS) }
func (c SlaveConfig) BackoffMin() time.Duration       { return ms(c.BackoffMinMS) }
func (c SlaveConfig) BackoffMax() time.Duration       { return ms(c.BackoffMaxMS) }
