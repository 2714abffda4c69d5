package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const goodSecret = "0123456789abcdef0123456789abcdef"

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadMasterDefaultsAndFile(t *testing.T) {
	path := writeFile(t, "master.json", `{
		"secret": "`+goodSecret+`",
		"listen_addr": ":9000",
		"grace_ms": 5000
	}`)
	cfg, err := LoadMaster(path)
	if err != nil {
		t.Fatalf("LoadMaster: %v", err)
	}
	if cfg.Mode != ModeDirect {
		t.Fatalf("mode = %q, want default direct", cfg.Mode)
	}
	if cfg.ListenAddr != ":9000" || cfg.GraceMS != 5000 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.HeartbeatMS != 30000 || cfg.AdminAddr != "127.0.0.1:7680" {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "master.json", `{"secret": "file-secret-that-is-32-bytes-lng", "listen_addr": ":9000"}`)
	t.Setenv("DM_LISTEN_ADDR", ":9100")
	t.Setenv("DM_SECRET_KEY", goodSecret)
	cfg, err := LoadMaster(path)
	if err != nil {
		t.Fatalf("LoadMaster: %v", err)
	}
	if cfg.ListenAddr != ":9100" || cfg.Secret != goodSecret {
		t.Fatalf("env did not win: %+v", cfg)
	}
}

func TestShortSecretRejected(t *testing.T) {
	t.Setenv("DM_SECRET_KEY", "too-short")
	_, err := LoadMaster(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, ErrShortSecret) {
		t.Fatalf("err = %v, want ErrShortSecret", err)
	}
}

func TestMissingSecretRejected(t *testing.T) {
	_, err := LoadRelay(filepath.Join(t.TempDir(), "absent.json"))
	if err == nil {
		t.Fatalf("relay config without secret accepted")
	}
}

func TestMalformedFileRejected(t *testing.T) {
	path := writeFile(t, "master.json", `{not json`)
	if _, err := LoadMaster(path); err == nil {
		t.Fatalf("malformed file accepted")
	}
}

func TestSlaveEndpointPerMode(t *testing.T) {
	t.Setenv("DM_SECRET_KEY", goodSecret)

	t.Setenv("DM_MODE", "direct")
	t.Setenv("DM_MASTER_URL", "ws://master:7600/ws")
	cfg, err := LoadSlave(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadSlave direct: %v", err)
	}
	if ep, _ := cfg.Endpoint(); ep != "ws://master:7600/ws" {
		t.Fatalf("endpoint = %q", ep)
	}

	t.Setenv("DM_MODE", "relay")
	if _, err := LoadSlave(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("relay mode without relay_url accepted")
	}
	t.Setenv("DM_RELAY_URL", "wss://relay:7620/ws")
	cfg, err = LoadSlave(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadSlave relay: %v", err)
	}
	if ep, _ := cfg.Endpoint(); ep != "wss://relay:7620/ws" {
		t.Fatalf("endpoint = %q", ep)
	}
}

func TestSlaveDNSServersFromEnv(t *testing.T) {
	t.Setenv("DM_SECRET_KEY", goodSecret)
	t.Setenv("DM_MODE", "direct")
	t.Setenv("DM_MASTER_URL", "ws://m:1/ws")
	t.Setenv("DM_DNS_SERVERS", " 9.9.9.9 , , 8.8.8.8:5353 ")
	cfg, err := LoadSlave(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadSlave: %v", err)
	}
	want := []string{"9.9.9.9", "8.8.8.8:5353"}
	if len(cfg.DNSServers) != len(want) {
		t.Fatalf("dns servers = %v", cfg.DNSServers)
	}
	for i := range want {
		if cfg.DNSServers[i] != want[i] {
			t.Fatalf("dns servers = %v, want %v", cfg.DNSServers, want)
		}
	}
}

func TestUnknownModeRejected(t *testing.T) {
	t.Setenv("DM_SECRET_KEY", goodSecret)
	t.Setenv("DM_MODE", "carrier-pigeon")
	if _, err := LoadMaster(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("unknown mode accepted")
	}
}

func TestRelayDefaults(t *testing.T) {
	t.Setenv("DM_SECRET_KEY", goodSecret)
	cfg, err := LoadRelay(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadRelay: %v", err)
	}
	if cfg.BufferDepth != 128 || cfg.ListenAddr != ":7620" || cfg.PingIntervalMS != 30000 {
		t.Fatalf("defaults = %+v", cfg)
	}
}
