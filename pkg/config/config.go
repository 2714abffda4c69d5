// Package config loads per-binary JSON configuration files with DM_*
// environment overrides. Precedence: environment > file > defaults. The file
// is optional; a missing path falls back to defaults plus environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Connection modes. Masters listen directly or attach through a relay;
// slaves additionally support a tunneled wss:// endpoint.
const (
	ModeDirect = "direct"
	ModeRelay  = "relay"
	ModeTunnel = "tunnel"
)

// MinSecretLen is the shortest shared secret accepted at startup.
const MinSecretLen = 32

var ErrShortSecret = fmt.Errorf("config: secret shorter than %d bytes", MinSecretLen)

type TLSConfig struct {
	Enable   bool   `json:"enable"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
}

// LogConfig shapes the rotating file log next to the binary.
type LogConfig struct {
	Dir        string `json:"dir,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

func defaultLog() LogConfig {
	return LogConfig{MaxSizeMB: 20, MaxBackups: 5, MaxAgeDays: 7}
}

func (l *LogConfig) applyEnv() {
	envStr("DM_LOG_DIR", &l.Dir)
	envInt("DM_LOG_MAX_SIZE_MB", &l.MaxSizeMB)
	envInt("DM_LOG_MAX_BACKUPS", &l.MaxBackups)
	envInt("DM_LOG_MAX_AGE_DAYS", &l.MaxAgeDays)
}

// ScanDefaults seed the scan arguments a binary submits or executes when the
// command leaves a field unset.
type ScanDefaults struct {
	Ports       []int    `json:"ports,omitempty"`
	Services    []string `json:"services,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
	TimeoutMS   int      `json:"timeout_ms,omitempty"`
}

// readJSON loads path into cfg when the file exists. A present but
// unparseable file is an error; absence is not.
func readJSON(path string, cfg any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func envStr(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || strings.EqualFold(v, "true")
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func checkSecret(s string) error {
	if s == "" {
		return errors.New("config: secret required (set DM_SECRET_KEY or the secret field)")
	}
	if len(s) < MinSecretLen {
		return ErrShortSecret
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
