package logging

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"darkmatter/fleet/pkg/config"
)

func TestSetupWritesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	Setup("unit", config.LogConfig{Dir: dir, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1})
	log.Printf("hello from the test")

	b, err := os.ReadFile(filepath.Join(dir, "unit.log"))
	if err != nil {
		t.Fatalf("log file: %v", err)
	}
	if !strings.Contains(string(b), "hello from the test") {
		t.Fatalf("log line missing: %q", b)
	}
}
