package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	svc "github.com/kardianos/service"
	"github.com/spf13/cobra"

	"darkmatter/fleet/pkg/auth"
	"darkmatter/fleet/pkg/config"
	"darkmatter/fleet/pkg/logging"
	"darkmatter/fleet/pkg/proto"
	"darkmatter/fleet/pkg/relay"
	"darkmatter/fleet/pkg/scan"
	"darkmatter/fleet/pkg/slave"
	"darkmatter/fleet/pkg/transport"
)

var version = "0.1.0"

var errConfigChanged = errors.New("config changed")

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:     "fleet-slave",
		Short:   "Worker node executing scan commands for its master",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			runLoop(ctx, cfgPath)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default config/slave.json)")
	root.AddCommand(serviceCmd(&cfgPath))
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// runLoop keeps the controller alive across config reloads and startup
// errors (missing config, unreachable endpoint name resolution).
func runLoop(ctx context.Context, cfgPath string) {
	for {
		err := runSlave(ctx, cfgPath)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, errConfigChanged):
			log.Printf("[SLAVE] config changed, restarting")
		case err != nil:
			log.Printf("[SLAVE] run error: %v", err)
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return
			}
		default:
			return
		}
	}
}

func runSlave(ctx context.Context, cfgPath string) error {
	cfg, err := config.LoadSlave(cfgPath)
	if err != nil {
		return err
	}
	logging.Setup("slave", cfg.Log)

	a, err := auth.New(cfg.Secret)
	if err != nil {
		return err
	}
	id := cfg.SlaveID
	if id == "" {
		if id, err = slave.EnsureID(cfg.DataDir); err != nil {
			return err
		}
	}
	name := cfg.Name
	if name == "" {
		name, _ = os.Hostname()
	}

	dialer, err := buildDialer(cfg, a, id, name)
	if err != nil {
		return err
	}
	var resolver scan.Resolver
	if len(cfg.DNSServers) > 0 {
		resolver = scan.NewMultiResolver(cfg.DNSServers, 0, 0)
	}
	ctrl, err := slave.New(slave.Options{
		Auth:       a,
		Dialer:     dialer,
		SlaveID:    id,
		Name:       name,
		Heartbeat:  cfg.Heartbeat(),
		BackoffMin: cfg.BackoffMin(),
		BackoffMax: cfg.BackoffMax(),
		ScanDefaults: proto.ScanArgs{
			Ports:       cfg.ScanDefaults.Ports,
			Services:    cfg.ScanDefaults.Services,
			Concurrency: cfg.ScanDefaults.Concurrency,
			TimeoutMS:   cfg.ScanDefaults.TimeoutMS,
		},
		Resolver: resolver,
		DataDir:  cfg.DataDir,
	})
	if err != nil {
		return err
	}

	endpoint, _ := cfg.Endpoint()
	log.Printf("[SLAVE] %s (%s) connecting via %s to %s", id, name, cfg.Mode, endpoint)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	reload := make(chan struct{}, 1)
	go watchSlaveConfig(cfgPath, reload, runCtx.Done())
	var changed atomic.Bool
	go func() {
		select {
		case <-reload:
			changed.Store(true)
			cancel()
		case <-runCtx.Done():
		}
	}()

	err = ctrl.Run(runCtx)
	if changed.Load() {
		return errConfigChanged
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func buildDialer(cfg config.SlaveConfig, a *auth.Authenticator, id, name string) (transport.Dialer, error) {
	endpoint, err := cfg.Endpoint()
	if err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case config.ModeDirect:
		return &transport.DirectDialer{URL: endpoint, HandshakeTimeout: cfg.HandshakeTimeout()}, nil
	case config.ModeRelay:
		return &relay.Dialer{
			URL:              endpoint,
			Auth:             a,
			SlaveID:          id,
			Name:             name,
			HandshakeTimeout: cfg.HandshakeTimeout(),
			InsecureTLS:      cfg.InsecureTLS,
		}, nil
	case config.ModeTunnel:
		return &transport.TunnelDialer{Endpoint: endpoint, InsecureTLS: cfg.InsecureTLS}, nil
	}
	return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
}

// watchSlaveConfig signals reload when the config file is rewritten.
// Debounced; editors produce bursts of writes.
func watchSlaveConfig(path string, reload chan<- struct{}, done <-chan struct{}) {
	if path == "" {
		path = filepath.Join("config", "slave.json")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	defer w.Close()
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return
	}
	last := time.Now()
	for {
		select {
		case ev := <-w.Events:
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || filepath.Base(ev.Name) != filepath.Base(abs) {
				continue
			}
			if time.Since(last) < 500*time.Millisecond {
				continue
			}
			last = time.Now()
			select {
			case reload <- struct{}{}:
			default:
			}
		case <-w.Errors:
		case <-done:
			return
		}
	}
}

// ---- Service integration ----

type program struct{ cfgPath string }

func (p *program) Start(s svc.Service) error {
	go runLoop(context.Background(), p.cfgPath)
	return nil
}

func (p *program) Stop(s svc.Service) error {
	os.Exit(0)
	return nil
}

func serviceCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:       "service [install|uninstall|start|stop|run]",
		Short:     "Manage the slave as a system service",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"install", "uninstall", "start", "stop", "run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			sc := &svc.Config{
				Name:        "fleet-slave",
				DisplayName: "fleet-slave",
				Description: "Fleet worker node",
				Arguments:   serviceArgs(*cfgPath),
				Option:      map[string]interface{}{"Restart": "on-failure", "RunAtLoad": true, "StartType": "automatic"},
			}
			s, err := svc.New(&program{cfgPath: *cfgPath}, sc)
			if err != nil {
				return err
			}
			switch strings.ToLower(args[0]) {
			case "install":
				return s.Install()
			case "uninstall":
				return s.Uninstall()
			case "start":
				return s.Start()
			case "stop":
				return s.Stop()
			case "run":
				return s.Run()
			}
			return fmt.Errorf("unknown service command: %s", args[0])
		},
	}
}

func serviceArgs(cfgPath string) []string {
	args := []string{"service", "run"}
	if cfgPath != "" {
		args = append(args, "--config", cfgPath)
	}
	return args
}
