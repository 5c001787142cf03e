package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chainvault/internal/api"
	"chainvault/internal/config"
)

func newShareCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Create, inspect, revoke and redeem share tokens",
	}
	cmd.AddCommand(newShareCreateCmd(cfg, jsonOutput))
	cmd.AddCommand(newShareListCmd(cfg, jsonOutput))
	cmd.AddCommand(newShareInfoCmd(cfg, jsonOutput))
	cmd.AddCommand(newShareRevokeCmd(cfg, jsonOutput))
	cmd.AddCommand(newShareRedeemCmd(cfg))
	return cmd
}

func newShareCreateCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		ttl        string
		maxUses    int
		permission string
	)

	cmd := &cobra.Command{
		Use:   "create <file-id> [version-id]",
		Short: "Share one version (latest by default)",
		Args:  requireRangeArgs(1, 2, "file id is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				versionID, err := resolveVersionID(cmd.Context(), client, args)
				if err != nil {
					return err
				}
				share, err := client.CreateShare(cmd.Context(), api.ShareCreateRequest{
					FileID:     args[0],
					VersionID:  versionID,
					Permission: permission,
					TTL:        ttl,
					MaxUses:    maxUses,
				})
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(share)
				}
				return writeShareDetail(share)
			})
		},
	}

	cmd.Flags().StringVar(&ttl, "ttl", "", "lifetime such as 24h (server default when empty)")
	cmd.Flags().IntVar(&maxUses, "max-uses", 0, "number of redemptions allowed (server default when 0)")
	cmd.Flags().StringVar(&permission, "permission", "", "permission granted: read_only or read_download")
	return cmd
}

func newShareListCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "list <file-id>",
		Short: "List the shares issued for a file",
		Args:  requireExactlyArgs(1, "file id is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				shares, err := client.ListShares(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(shares)
				}
				if len(shares) == 0 {
					return writePlain("no shares\n")
				}
				for _, s := range shares {
					if err := writePlain("%s\t%s\t%d/%d uses\texpires %s\n", s.ID, s.State, s.UseCount, s.MaxUses, formatTime(s.ExpiresAt)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newShareInfoCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "info <token>",
		Short: "Show a share's state without consuming a use",
		Args:  requireExactlyArgs(1, "share token is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				share, err := client.ShareInfo(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(share)
				}
				return writeShareDetail(share)
			})
		},
	}
}

func newShareRevokeCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke a share immediately",
		Args:  requireExactlyArgs(1, "share token is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				share, err := client.RevokeShare(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(share)
				}
				return writePlain("revoked %s\n", share.ID)
			})
		},
	}
}

func newShareRedeemCmd(cfg *config.Config) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "redeem <token>",
		Short: "Consume one use of a share and download its content",
		Args:  requireExactlyArgs(1, "share token is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst := os.Stdout
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				dst = f
			}

			return withClient(cfg, func(client *api.Client) error {
				header, err := client.Redeem(cmd.Context(), args[0], dst)
				if err != nil {
					if dst != os.Stdout {
						_ = os.Remove(out)
					}
					return err
				}
				fmt.Fprintf(os.Stderr, "digest %s, %s, %s uses left\n",
					header.Get(api.HeaderDigest), header.Get(api.HeaderVerification), header.Get(api.HeaderUsesLeft))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "write content to this path instead of stdout")
	return cmd
}
