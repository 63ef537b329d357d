package main

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wkf/trade-engine/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only reporting API",
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := openInfra(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer in.Close()

		svc := api.NewService(in.store, cfg.Location())
		return runGroup(cmd.Context(), func(ctx context.Context, g *errgroup.Group) {
			watch(ctx, g, cfg, in.store)
			serveHTTP(ctx, g, newServer(cfg, api.NewRouter("serve", in.store, svc, nil)))
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
