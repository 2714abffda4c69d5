package slave

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"time"

	"darkmatter/fleet/pkg/proto"
	"darkmatter/fleet/pkg/scan"
	"darkmatter/fleet/pkg/session"
)

func (c *Controller) handleScan(ctx context.Context, sess *session.Session, corr string, raw json.RawMessage) {
	var args proto.ScanArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			c.finish(corr, func() error {
				return sess.SendError(corr, proto.CodeBadArgs, "malformed scan args")
			})
			return
		}
	}
	cfg := c.scanConfig(args)
	log.Printf("[SLAVE] scan %s: %d target patterns, %d ports", corr, len(cfg.Targets), len(cfg.Ports))

	sum, err := scan.Run(ctx, cfg, func(r proto.ScanResult) {
		_ = sess.SendResult(corr, &proto.Result{Scan: &r})
	})
	switch {
	case err == nil:
		c.finish(corr, func() error {
			return sess.SendResult(corr, &proto.Result{Final: true, Summary: &sum})
		})
	case errors.Is(err, context.Canceled):
		c.finish(corr, func() error {
			return sess.SendResult(corr, &proto.Result{Final: true, Cancelled: true, Summary: &sum})
		})
	default:
		c.finish(corr, func() error {
			return sess.SendError(corr, proto.CodeBadArgs, err.Error())
		})
	}
}

// scanConfig fills holes in the request from the configured defaults.
func (c *Controller) scanConfig(args proto.ScanArgs) scan.Config {
	c.mu.Lock()
	def := c.scanDefaults
	c.mu.Unlock()
	if len(args.Targets) == 0 {
		args.Targets = def.Targets
	}
	if len(args.Ports) == 0 {
		args.Ports = def.Ports
	}
	if len(args.Services) == 0 {
		args.Services = def.Services
	}
	if args.Concurrency == 0 {
		args.Concurrency = def.Concurrency
	}
	if args.TimeoutMS == 0 {
		args.TimeoutMS = def.TimeoutMS
	}
	return scan.Config{
		Targets:     args.Targets,
		Ports:       args.Ports,
		Services:    args.Services,
		Concurrency: args.Concurrency,
		Timeout:     time.Duration(args.TimeoutMS) * time.Millisecond,
		Resolver:    c.opts.Resolver,
	}
}

func (c *Controller) handleConfigure(ctx context.Context, sess *session.Session, corr string, raw json.RawMessage) {
	var args proto.ConfigureArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		c.finish(corr, func() error {
			return sess.SendError(corr, proto.CodeBadArgs, "malformed configure args")
		})
		return
	}
	if args.HeartbeatMS != 0 && args.HeartbeatMS < 1000 {
		c.finish(corr, func() error {
			return sess.SendError(corr, proto.CodeBadArgs, "heartbeat_ms below 1000")
		})
		return
	}

	c.mu.Lock()
	if args.HeartbeatMS > 0 {
		// Takes effect on the next session; the running session keeps the
		// interval both sides agreed on.
		c.heartbeatMS = args.HeartbeatMS
	}
	if args.ScanArgs != nil {
		mergeScanDefaults(&c.scanDefaults, args.ScanArgs)
	}
	settings := c.settingsLocked()
	c.mu.Unlock()

	if args.Persist {
		if err := c.persistSettings(); err != nil {
			log.Printf("[SLAVE] persist settings: %v", err)
		}
	}
	c.finish(corr, func() error {
		return sess.SendResult(corr, &proto.Result{Final: true, Settings: &settings})
	})
}

func mergeScanDefaults(dst, src *proto.ScanArgs) {
	if len(src.Targets) > 0 {
		dst.Targets = src.Targets
	}
	if len(src.Ports) > 0 {
		dst.Ports = src.Ports
	}
	if len(src.Services) > 0 {
		dst.Services = src.Services
	}
	if src.Concurrency > 0 {
		dst.Concurrency = src.Concurrency
	}
	if src.TimeoutMS > 0 {
		dst.TimeoutMS = src.TimeoutMS
	}
}

func (c *Controller) settingsLocked() proto.Settings {
	hb := c.heartbeatMS
	if hb == 0 && c.opts.Heartbeat > 0 {
		hb = int(c.opts.Heartbeat / time.Millisecond)
	}
	return proto.Settings{
		HeartbeatMS: hb,
		ScanPorts:   c.scanDefaults.Ports,
		ScanTimeout: c.scanDefaults.TimeoutMS,
		ScanWorkers: c.scanDefaults.Concurrency,
		Services:    c.scanDefaults.Services,
	}
}

type persistedSettings struct {
	HeartbeatMS  int             `json:"heartbeat_ms,omitempty"`
	ScanDefaults *proto.ScanArgs `json:"scan_defaults,omitempty"`
}

func (c *Controller) settingsPath() string {
	if c.opts.DataDir == "" {
		return ""
	}
	return filepath.Join(c.opts.DataDir, "settings.json")
}

func (c *Controller) persistSettings() error {
	path := c.settingsPath()
	if path == "" {
		return errors.New("no data dir configured")
	}
	c.mu.Lock()
	ps := persistedSettings{HeartbeatMS: c.heartbeatMS}
	defaults := c.scanDefaults
	c.mu.Unlock()
	ps.ScanDefaults = &defaults
	b, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (c *Controller) loadSettings() {
	path := c.settingsPath()
	if path == "" {
		return
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var ps persistedSettings
	if err := json.Unmarshal(b, &ps); err != nil {
		log.Printf("[SLAVE] ignoring unreadable settings file %s: %v", path, err)
		return
	}
	c.mu.Lock()
	if ps.HeartbeatMS > 0 {
		c.heartbeatMS = ps.HeartbeatMS
	}
	if ps.ScanDefaults != nil {
		mergeScanDefaults(&c.scanDefaults, ps.ScanDefaults)
	}
	c.mu.Unlock()
}
