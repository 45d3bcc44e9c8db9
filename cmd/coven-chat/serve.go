// ABOUTME: serve command: runs the shared conversation store service
// ABOUTME: SQLite storage with change events pushed to clients over WebSocket

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/remote"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the shared conversation store service",
	Long: `Serve the conversation store over HTTP so several chat views can share it.
Clients connect with store.backend: remote and store.url pointing here.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Store.Backend != config.StoreSQLite {
			return fmt.Errorf("serve needs store.backend %q, got %q", config.StoreSQLite, cfg.Store.Backend)
		}
		ctx := cmd.Context()

		s, err := openSQLite(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		n, err := openNotifier(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer n.Close()

		addr := cfg.Server.StoreAddr
		if serveAddr != "" {
			addr = serveAddr
		}

		color.Cyan(banner)
		logger.Info("starting store service",
			"version", version,
			"addr", addr,
			"db", cfg.Store.Path,
			"driver", cfg.Store.Driver,
			"notifier", cfg.Notifier.Backend,
		)
		return remote.NewServer(s, n, logger).Run(ctx, addr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default server.store_addr)")
}
