package main

import (
	"os"

	"github.com/spf13/cobra"

	"chainvault/internal/api"
	internalauth "chainvault/internal/auth"
	"chainvault/internal/config"
)

func newUserCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts (requires admin credentials)",
	}
	cmd.AddCommand(newUserAddCmd(cfg, jsonOutput))
	cmd.AddCommand(newUserListCmd(cfg, jsonOutput))
	cmd.AddCommand(newUserSetDisabledCmd(cfg, jsonOutput, "disable", "Disable one account", true))
	cmd.AddCommand(newUserSetDisabledCmd(cfg, jsonOutput, "enable", "Enable one account", false))
	cmd.AddCommand(newUserDeleteCmd(cfg))
	return cmd
}

func newUserAddCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var passwordStdin bool
	var role string

	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create one account",
		Args:  requireExactlyArgs(1, "username is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := internalauth.NormalizeUsername(args[0])
			if err != nil {
				return err
			}
			password, err := readSecret(passwordStdin, os.Stdin, "Password: ")
			if err != nil {
				return err
			}

			return withClient(cfg, func(client *api.Client) error {
				created, err := client.AdminCreateUser(cmd.Context(), api.AdminUserCreateRequest{
					Username: username,
					Password: password,
					Role:     role,
				})
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(created)
				}
				return writePlain("created %s %s (%s)\n", created.Role, created.Username, created.ID)
			})
		},
	}

	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read password from stdin")
	cmd.Flags().StringVar(&role, "role", "", "account role: user or admin (default user)")
	return cmd
}

func newUserListCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				users, err := client.AdminListUsers(cmd.Context())
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(map[string]any{"count": len(users), "users": users})
				}
				if len(users) == 0 {
					return writePlain("no accounts\n")
				}
				if err := writePlain("USERNAME\tROLE\tSTATUS\tFILES\tSHARES\tID\n"); err != nil {
					return err
				}
				for _, user := range users {
					status := "enabled"
					if user.Disabled {
						status = "disabled"
					}
					if err := writePlain("%s\t%s\t%s\t%d\t%d\t%s\n", user.Username, user.Role, status, user.Files, user.ActiveShares, user.ID); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newUserSetDisabledCmd(cfg *config.Config, jsonOutput *bool, name, short string, disabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <username>",
		Short: short,
		Args:  requireExactlyArgs(1, "username is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := internalauth.NormalizeUsername(args[0])
			if err != nil {
				return err
			}

			return withClient(cfg, func(client *api.Client) error {
				updated, err := client.AdminSetUserDisabled(cmd.Context(), username, disabled)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(updated)
				}
				return writePlain("%sd %s\n", name, updated.Username)
			})
		},
	}
}

func newUserDeleteCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <username>",
		Aliases: []string{"rm"},
		Short:   "Delete one account and its sessions",
		Args:    requireExactlyArgs(1, "username is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := internalauth.NormalizeUsername(args[0])
			if err != nil {
				return err
			}
			return withClient(cfg, func(client *api.Client) error {
				if err := client.AdminDeleteUser(cmd.Context(), username); err != nil {
					return err
				}
				return writePlain("deleted %s\n", username)
			})
		},
	}
}
