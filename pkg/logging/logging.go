// Package logging routes the process-wide logger to a rotating file and
// stdout. Every binary calls Setup once, before anything logs.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"darkmatter/fleet/pkg/config"
)

// Setup writes logs/<app>.log (rotated per cfg) alongside stdout. The
// directory defaults to logs/ next to the executable.
func Setup(app string, cfg config.LogConfig) {
	dir := cfg.Dir
	if dir == "" {
		exe, _ := os.Executable()
		dir = filepath.Join(filepath.Dir(exe), "logs")
	}
	_ = os.MkdirAll(dir, 0o755)
	w := &lumberjack.Logger{
		Filename:   filepath.Join(dir, app+".log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   false,
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(io.MultiWriter(os.Stdout, w))
}
