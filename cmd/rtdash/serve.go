// ABOUTME: The serve subcommand: config loading, hub + server wiring, and graceful shutdown.
// ABOUTME: Flags override the YAML file and RTDASH_* environment variables.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/neurolive/rtdash/dash"
	"github.com/neurolive/rtdash/hub"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		bind       string
		dir        string
		token      string
		assetDir   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard server",
		Long: `Start the dashboard server against an acquisition output directory.

Configuration layers, later wins: defaults, then the YAML config file,
then RTDASH_* environment variables, then these flags. The server binds
to loopback unless allow_remote is set explicitly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig(configPath, bind, dir, token, assetDir)
			if err != nil {
				return err
			}

			h := hub.New(hub.Config{
				Dir:          cfg.Dir,
				MaxReplay:    cfg.HubMaxReplay(),
				MetaInterval: cfg.MetaInterval(),
			})
			h.Start()
			defer h.Stop()

			srv := dash.NewServer(cfg, h)

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Printf("component=main action=serve bind=%s dir=%s", cfg.Bind, cfg.Dir)
			if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			log.Printf("component=main action=shutdown")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "rtdash.yaml", "path to the YAML config file")
	cmd.Flags().StringVar(&bind, "bind", "", "listen address (overrides config)")
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "acquisition output directory to watch")
	cmd.Flags().StringVar(&token, "token", "", "access token (prefer RTDASH_TOKEN)")
	cmd.Flags().StringVar(&assetDir, "asset-dir", "", "static dashboard asset directory")
	return cmd
}

// loadServeConfig layers flag overrides on top of file and environment
// configuration, then re-validates.
func loadServeConfig(path, bind, dir, token, assetDir string) (dash.Config, error) {
	cfg, err := dash.LoadConfig(path)
	if err != nil {
		// Flags may still complete a config the file and env left invalid.
		if !errors.Is(err, dash.ErrNoToken) && !errors.Is(err, dash.ErrNoWatchDir) {
			return cfg, err
		}
	}

	if bind != "" {
		cfg.Bind = bind
	}
	if dir != "" {
		cfg.Dir = dir
	}
	if token != "" {
		cfg.Token = token
	}
	if assetDir != "" {
		cfg.AssetDir = assetDir
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
