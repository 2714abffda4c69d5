package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// MasterConfig drives the master binary: where slaves attach, where the
// admin API listens, and the session/grace timing.
type MasterConfig struct {
	Mode       string    `json:"mode"` // direct | relay
	ListenAddr string    `json:"listen_addr"`
	RelayURL   string    `json:"relay_url,omitempty"`
	AdminAddr  string    `json:"admin_addr"`
	Secret     string    `json:"secret"`
	DataDir    string    `json:"data_dir"`
	TLS        TLSConfig `json:"tls"`
	Log        LogConfig `json:"log"`

	HeartbeatMS        int `json:"heartbeat_ms"`
	HandshakeTimeoutMS int `json:"handshake_timeout_ms"`
	GraceMS            int `json:"grace_ms"`

	ScanDefaults ScanDefaults `json:"scan_defaults"`
	InsecureTLS  bool         `json:"insecure_tls,omitempty"`
}

func DefaultMasterConfig() MasterConfig {
	return MasterConfig{
		Mode:               ModeDirect,
		ListenAddr:         ":7600",
		AdminAddr:          "127.0.0.1:7680",
		DataDir:            "data",
		Log:                defaultLog(),
		HeartbeatMS:        30000,
		HandshakeTimeoutMS: 10000,
		GraceMS:            30000,
	}
}

// LoadMaster reads path (default config/master.json), applies environment
// overrides and validates.
func LoadMaster(path string) (MasterConfig, error) {
	if path == "" {
		path = "config/master.json"
	}
	cfg := DefaultMasterConfig()
	if err := readJSON(path, &cfg); err != nil {
		return cfg, err
	}
	envStr("DM_MODE", &cfg.Mode)
	envStr("DM_LISTEN_ADDR", &cfg.ListenAddr)
	envStr("DM_RELAY_URL", &cfg.RelayURL)
	envStr("DM_ADMIN_ADDR", &cfg.AdminAddr)
	envStr("DM_SECRET_KEY", &cfg.Secret)
	envStr("DM_DATA_DIR", &cfg.DataDir)
	envBool("DM_TLS_ENABLE", &cfg.TLS.Enable)
	envStr("DM_TLS_CERT", &cfg.TLS.CertFile)
	envStr("DM_TLS_KEY", &cfg.TLS.KeyFile)
	envBool("DM_INSECURE_TLS", &cfg.InsecureTLS)
	envInt("DM_HEARTBEAT_MS", &cfg.HeartbeatMS)
	envInt("DM_HANDSHAKE_TIMEOUT_MS", &cfg.HandshakeTimeoutMS)
	envInt("DM_GRACE_MS", &cfg.GraceMS)
	cfg.Log.applyEnv()

	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.Secret = strings.TrimSpace(cfg.Secret)
	switch cfg.Mode {
	case ModeDirect:
	case ModeRelay:
		if strings.TrimSpace(cfg.RelayURL) == "" {
			return cfg, fmt.Errorf("config: relay mode needs relay_url")
		}
	default:
		return cfg, fmt.Errorf("config: unknown master mode %q", cfg.Mode)
	}
	if err := checkSecret(cfg.Secret); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c MasterConfig) Heartbeat() time.Duration        { return ms(c.HeartbeatMS) }
func (c MasterConfig) HandshakeTimeout() time.Duration { return ms(c.HandshakeTimeoutMS) }
func (c MasterConfig) Grace() time.Duration            { return ms(c.GraceMS) }

// AdminTokenPath is where the generated admin API token hash lives.
func (c MasterConfig) AdminTokenPath() string {
	return filepath.Join(c.DataDir, "admin_token")
}
