package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"chainvault/internal/config"
	"chainvault/internal/format"
)

func newRootCmd(cfg *config.Config) *cobra.Command {
	var (
		jsonOutput   bool
		outputFormat string
	)
	level := &levelFlag{}

	cmd := &cobra.Command{
		Use:           "chainvault",
		Short:         "Chainvault stores files by content and anchors them to a ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if warning := applyConfiguredLevel(level, cfg.LogLevel); warning != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), warning)
			}
			if outputFormat != "" {
				formatter, err := format.New(outputFormat)
				if err != nil {
					return err
				}
				outputFormatter = formatter
				jsonOutput = true
			}
			return nil
		},
	}

	cmd.Version = version
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
	cmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "structured output format: json, json-pretty or yaml")
	cmd.PersistentFlags().Var(level, "log-level", "log level: debug, info, warn or error")

	cmd.AddCommand(
		newSrvCmd(cfg),
		newMigrateCmd(cfg, &jsonOutput),
		newConfigCmd(cfg),
		newUserCmd(cfg, &jsonOutput),
		newRegisterCmd(cfg, &jsonOutput),
		newLoginCmd(cfg, &jsonOutput),
		newLogoutCmd(cfg),
		newWhoamiCmd(cfg, &jsonOutput),
		newUploadCmd(cfg, &jsonOutput),
		newFilesCmd(cfg, &jsonOutput),
		newVersionsCmd(cfg, &jsonOutput),
		newDownloadCmd(cfg),
		newAnchorCmd(cfg, &jsonOutput),
		newShareCmd(cfg, &jsonOutput),
		newLedgerCmd(cfg, &jsonOutput),
		newVerifyCmd(cfg, &jsonOutput),
		newGCCmd(cfg, &jsonOutput),
	)

	return cmd
}
