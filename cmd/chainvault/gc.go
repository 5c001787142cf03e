package main

import (
	"errors"

	"github.com/spf13/cobra"

	"chainvault/internal/api"
	"chainvault/internal/config"
)

func newGCCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		dryRun    bool
		force     bool
		batchSize int
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove stored blobs no version references (admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchSize < 0 {
				return errors.New("--batch-size must be >= 0")
			}
			// --force deletes unless --dry-run was also given explicitly.
			apply := force && !(cmd.Flags().Changed("dry-run") && dryRun)

			return withClient(cfg, func(client *api.Client) error {
				resp, err := client.AdminGC(cmd.Context(), api.BlobGCRequest{BatchSize: batchSize, DryRun: !apply}, apply)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(resp)
				}
				verb := "would delete"
				if !resp.DryRun {
					verb = "deleted"
				}
				count := resp.CandidateCount
				if !resp.DryRun {
					count = resp.DeletedCount
				}
				if err := writePlain("%s %d blobs (%d bytes)\n", verb, count, resp.ReclaimedBytes); err != nil {
					return err
				}
				for _, digest := range resp.Digests {
					if err := writePlain("  %s\n", digest); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "report candidates without deleting (the default without --force)")
	cmd.Flags().BoolVar(&force, "force", false, "delete unreferenced blobs")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "max blobs per pass (server default when 0)")
	return cmd
}
