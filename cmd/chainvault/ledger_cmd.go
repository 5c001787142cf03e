package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"chainvault/internal/api"
	"chainvault/internal/config"
	"chainvault/internal/ledger"
)

func newLedgerCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the anchor ledger",
	}
	cmd.AddCommand(newLedgerHeadCmd(cfg, jsonOutput))
	cmd.AddCommand(newLedgerBlockCmd(cfg, jsonOutput))
	cmd.AddCommand(newLedgerVerifyCmd(cfg, jsonOutput))
	cmd.AddCommand(newLedgerReorgCmd(cfg, jsonOutput))
	return cmd
}

func newLedgerHeadCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "head",
		Short: "Show the newest block",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				head, err := client.LedgerHead(cmd.Context())
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(head)
				}
				if head.Height == 0 {
					return writePlain("empty ledger\n")
				}
				return writeLines([]string{
					fmt.Sprintf("height: %d", head.Height),
					fmt.Sprintf("root: %s", head.Root),
					fmt.Sprintf("block_hash: %s", head.BlockHash),
					fmt.Sprintf("timestamp: %s", formatTime(head.Timestamp)),
				})
			})
		},
	}
}

func newLedgerBlockCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "block <height>",
		Short: "Show one block and its leaves",
		Args:  requireExactlyArgs(1, "block height is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			height, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || height == 0 {
				return fmt.Errorf("invalid block height %q", args[0])
			}
			return withClient(cfg, func(client *api.Client) error {
				block, err := client.LedgerBlock(cmd.Context(), height)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(block)
				}
				lines := []string{
					fmt.Sprintf("height: %d", block.Height),
					fmt.Sprintf("hash: %s", block.Hash),
					fmt.Sprintf("prev_hash: %s", block.PrevHash),
					fmt.Sprintf("root: %s", block.Root),
					fmt.Sprintf("timestamp: %s", formatTime(block.Timestamp)),
					fmt.Sprintf("leaves: %d", len(block.Leaves)),
				}
				for i, leaf := range block.Leaves {
					lines = append(lines, fmt.Sprintf("  %d %s", i, leaf))
				}
				return writeLines(lines)
			})
		},
	}
}

func newLedgerVerifyCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Walk the chain and check every block link and root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				report, err := client.LedgerVerify(cmd.Context())
				if err != nil {
					return err
				}
				if *jsonOutput {
					if err := writeJSON(report); err != nil {
						return err
					}
				} else {
					status := "valid"
					if !report.Valid {
						status = "INVALID: " + report.Error
					}
					if err := writePlain("%d blocks, %d leaves, height %d: %s\n", report.Blocks, report.Leaves, report.Height, status); err != nil {
						return err
					}
				}
				if !report.Valid {
					return errors.New("ledger chain is invalid")
				}
				return nil
			})
		},
	}
}

// newLedgerReorgCmd rewinds the local ledger file directly. The server must be
// stopped since the ledger file is held open while it runs.
func newLedgerReorgCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:    "reorg <from-height>",
		Short:  "Drop blocks at or above a height in the local ledger (server must be stopped)",
		Hidden: true,
		Args:   requireExactlyArgs(1, "from-height is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Ledger.Backend != "" && cfg.Ledger.Backend != "local" {
				return fmt.Errorf("reorg only applies to the local ledger backend, not %q", cfg.Ledger.Backend)
			}
			height, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || height == 0 {
				return fmt.Errorf("invalid height %q", args[0])
			}
			if !force {
				return errors.New("reorg drops blocks permanently; pass --force")
			}

			l, err := ledger.OpenLocal(ledger.LocalConfig{Path: cfg.Ledger.Path}, slog.Default())
			if err != nil {
				return fmt.Errorf("%w (is the server still running?)", err)
			}
			defer l.Close()

			dropped, err := l.Reorg(cmd.Context(), height)
			if err != nil {
				return err
			}
			if *jsonOutput {
				return writeJSON(map[string]any{"from_height": height, "dropped_blocks": dropped})
			}
			return writePlain("dropped %d blocks; stale receipts re-anchor once the server reconciles\n", dropped)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "confirm dropping blocks")
	return cmd
}
