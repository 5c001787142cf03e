package main

import (
	"github.com/spf13/cobra"

	"chainvault/internal/api"
	"chainvault/internal/config"
)

func newAnchorCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var now bool
	var wait bool

	cmd := &cobra.Command{
		Use:   "anchor <file-id> [version-id]",
		Short: "Show a version's anchor receipt, or anchor it now",
		Args:  requireRangeArgs(1, 2, "file id is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				versionID, err := resolveVersionID(cmd.Context(), client, args)
				if err != nil {
					return err
				}

				var resp api.AnchorResponse
				if now || wait {
					resp, err = client.Anchor(cmd.Context(), args[0], versionID, wait)
				} else {
					resp, err = client.GetAnchor(cmd.Context(), args[0], versionID)
				}
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(resp)
				}
				return writeAnchorDetail(resp)
			})
		},
	}

	cmd.Flags().BoolVar(&now, "now", false, "queue the version for anchoring (re-anchor when stale)")
	cmd.Flags().BoolVar(&wait, "wait", false, "anchor and wait for the receipt")
	return cmd
}
