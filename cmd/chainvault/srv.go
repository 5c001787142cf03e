package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chainvault/internal/config"
	"chainvault/internal/server"
)

func newSrvCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "srv",
		Short: "Run the chainvault API server, anchor workers and local ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg == nil {
				return fmt.Errorf("config not initialized")
			}
			if cfg.DBPath == "" {
				return fmt.Errorf("db path is required")
			}

			logger := slog.Default()
			addr, err := server.ListenAddr(cfg.APIURL)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			v, err := openVault(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer v.Close()

			srv := server.New(addr, server.Deps{
				Store:    v.store,
				Content:  v.content,
				Registry: v.registry,
				Anchors:  v.anchors,
				Verifier: v.verifier,
				Shares:   v.shares,
				Node:     v.node(),
			}, server.Options{
				AllowRegistration:  cfg.AllowRegistration,
				CORSOrigins:        cfg.CORSOrigins,
				MaxUploadBytes:     cfg.Uploads.MaxUploadBytes,
				MultipartMaxMemory: cfg.Uploads.MultipartMaxMemory,
				GCBatchSize:        cfg.Blobs.GCBatchSize,
			}, logger)

			g, gctx := errgroup.WithContext(ctx)
			if v.local != nil {
				g.Go(func() error {
					v.local.Run(gctx)
					return nil
				})
			}
			g.Go(func() error {
				if err := v.anchors.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("anchor workers: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				return srv.ListenAndServe(gctx)
			})
			return g.Wait()
		},
	}
}
