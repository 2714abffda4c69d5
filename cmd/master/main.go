package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"darkmatter/fleet/pkg/auth"
	"darkmatter/fleet/pkg/config"
	"darkmatter/fleet/pkg/logging"
	"darkmatter/fleet/pkg/master"
	"darkmatter/fleet/pkg/relay"
	"darkmatter/fleet/pkg/transport"
)

var version = "0.1.0"

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:     "fleet-master",
		Short:   "Fleet orchestrator commanding slaves over direct or relayed sessions",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaster(cfgPath)
		},
	}
	root.Flags().StringVar(&cfgPath, "config", "", "config file (default config/master.json)")
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMaster(cfgPath string) error {
	cfg, err := config.LoadMaster(cfgPath)
	if err != nil {
		return err
	}
	logging.Setup("master", cfg.Log)

	a, err := auth.New(cfg.Secret)
	if err != nil {
		return err
	}
	orch, err := master.New(master.Options{
		Auth:      a,
		Heartbeat: cfg.Heartbeat(),
		Grace:     cfg.Grace(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := buildListener(ctx, cfg, a)
	if err != nil {
		return err
	}

	api := newAdminAPI(orch, cfg.ScanDefaults)
	if err := api.initToken(cfg.AdminTokenPath()); err != nil {
		log.Printf("[MASTER] admin token init error: %v", err)
	}
	admin := &http.Server{Addr: cfg.AdminAddr, Handler: api.routes()}
	go func() {
		log.Printf("[MASTER] admin API on %s", cfg.AdminAddr)
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[MASTER] admin API: %v", err)
		}
	}()
	go watchMasterConfig(ctx, cfgPath, api)

	err = orch.Serve(ctx, ln)

	shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = admin.Shutdown(shutCtx)
	orch.Close()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func buildListener(ctx context.Context, cfg config.MasterConfig, a *auth.Authenticator) (transport.Listener, error) {
	switch cfg.Mode {
	case config.ModeRelay:
		l, err := relay.Listen(ctx, relay.ListenConfig{
			URL:              cfg.RelayURL,
			Auth:             a,
			Name:             "master",
			HandshakeTimeout: cfg.HandshakeTimeout(),
			InsecureTLS:      cfg.InsecureTLS,
		})
		if err != nil {
			return nil, err
		}
		log.Printf("[MASTER] attached to relay %s", cfg.RelayURL)
		return l, nil
	default:
		certFile, keyFile := "", ""
		if cfg.TLS.Enable {
			certFile, keyFile = cfg.TLS.CertFile, cfg.TLS.KeyFile
		}
		l, err := transport.ListenDirect(cfg.ListenAddr, certFile, keyFile)
		if err != nil {
			return nil, err
		}
		log.Printf("[MASTER] listening for slaves on %s (tls=%v)", l.Addr(), cfg.TLS.Enable)
		return l, nil
	}
}

// watchMasterConfig hot-reloads scan defaults when the config file is
// rewritten. Connection settings still need a restart.
func watchMasterConfig(ctx context.Context, path string, api *adminAPI) {
	if path == "" {
		path = filepath.Join("config", "master.json")
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
			mc, err := config.LoadMaster(abs)
			if err != nil {
				log.Printf("[MASTER] config reload failed: %v", err)
				continue
			}
			api.setDefaults(mc.ScanDefaults)
			log.Printf("[MASTER] scan defaults reloaded")
		case <-w.Errors:
		case <-ctx.Done():
			return
		}
	}
}
