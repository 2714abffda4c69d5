package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"darkmatter/fleet/pkg/config"
	"darkmatter/fleet/pkg/logging"
	"darkmatter/fleet/pkg/relay"
)

var version = "0.1.0"

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:     "fleet-relay",
		Short:   "Rendezvous relay forwarding frames between master and slave legs",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cfgPath)
		},
	}
	root.Flags().StringVar(&cfgPath, "config", "", "config file (default config/relay.json)")
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRelay(cfgPath string) error {
	cfg, err := config.LoadRelay(cfgPath)
	if err != nil {
		return err
	}
	logging.Setup("relay", cfg.Log)

	srv, err := relay.New(relay.Config{
		Secret:           cfg.Secret,
		BufferDepth:      cfg.BufferDepth,
		PingInterval:     cfg.PingInterval(),
		HandshakeTimeout: cfg.HandshakeTimeout(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	certFile, keyFile := "", ""
	if cfg.TLS.Enable {
		certFile, keyFile = cfg.TLS.CertFile, cfg.TLS.KeyFile
	}
	return srv.Run(ctx, cfg.ListenAddr, certFile, keyFile)
}
