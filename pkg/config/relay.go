package config

import (
	"strings"
	"time"
)

// RelayConfig drives the relay binary.
type RelayConfig struct {
	ListenAddr string    `json:"listen_addr"`
	Secret     string    `json:"secret"`
	TLS        TLSConfig `json:"tls"`
	Log        LogConfig `json:"log"`

	BufferDepth        int `json:"buffer_depth"`
	PingIntervalMS     int `json:"ping_interval_ms"`
	HandshakeTimeoutMS int `json:"handshake_timeout_ms"`
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		ListenAddr:         ":7620",
		Log:                defaultLog(),
		BufferDepth:        128,
		PingIntervalMS:     30000,
		HandshakeTimeoutMS: 10000,
	}
}

// LoadRelay reads path (default config/relay.json), applies environment
// overrides and validates.
func LoadRelay(path string) (RelayConfig, error) {
	if path == "" {
		path = "config/relay.json"
	}
	cfg := DefaultRelayConfig()
	if err := readJSON(path, &cfg); err != nil {
		return cfg, err
	}
	envStr("DM_LISTEN_ADDR", &cfg.ListenAddr)
	envStr("DM_SECRET_KEY", &cfg.Secret)
	envBool("DM_TLS_ENABLE", &cfg.TLS.Enable)
	envStr("DM_TLS_CERT", &cfg.TLS.CertFile)
	envStr("DM_TLS_KEY", &cfg.TLS.KeyFile)
	envInt("DM_BUFFER_DEPTH", &cfg.BufferDepth)
	envInt("DM_PING_INTERVAL_MS", &cfg.PingIntervalMS)
	envInt("DM_HANDSHAKE_TIMEOUT_MS", &cfg.HandshakeTimeoutMS)
	cfg.Log.applyEnv()

	cfg.Secret = strings.TrimSpace(cfg.Secret)
	if err := checkSecret(cfg.Secret); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c RelayConfig) PingInterval() time.Duration     { return ms(c.PingIntervalMS) }
func (c RelayConfig) HandshakeTimeout() time.Duration { return ms(c.HandshakeTimeoutMS) }
