package main

import (
	"os"

	"github.com/spf13/cobra"

	"chainvault/internal/api"
	"chainvault/internal/config"
)

func newRegisterCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var passwordStdin bool

	cmd := &cobra.Command{
		Use:   "register <username>",
		Short: "Create an account (the first account becomes admin)",
		Args:  requireExactlyArgs(1, "username is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readSecret(passwordStdin, os.Stdin, "Password: ")
			if err != nil {
				return err
			}
			return withClient(cfg, func(client *api.Client) error {
				user, err := client.Register(cmd.Context(), args[0], password)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(user)
				}
				return writePlain("registered %s (%s)\n", user.Username, user.Role)
			})
		},
	}

	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read password from stdin")
	return cmd
}

func newLoginCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var passwordStdin bool

	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Open a session and print its bearer token",
		Args:  requireExactlyArgs(1, "username is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readSecret(passwordStdin, os.Stdin, "Password: ")
			if err != nil {
				return err
			}
			return withClient(cfg, func(client *api.Client) error {
				resp, err := client.Login(cmd.Context(), args[0], password)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(resp)
				}
				return writeLines([]string{
					"logged in as " + resp.Username + " (" + resp.Role + ") until " + formatTime(resp.ExpiresAt),
					"export CHAINVAULT_TOKEN=" + resp.Token,
				})
			})
		},
	}

	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read password from stdin")
	return cmd
}

func newLogoutCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session in CHAINVAULT_TOKEN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				if err := client.Logout(cmd.Context()); err != nil {
					return err
				}
				return writePlain("session revoked; unset CHAINVAULT_TOKEN\n")
			})
		},
	}
}

func newWhoamiCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show how the server sees this client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				me, err := client.Me(cmd.Context())
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(me)
				}
				if !me.Authenticated {
					return writePlain("not authenticated (%s mode)\n", me.AuthType)
				}
				return writePlain("%s (%s) via %s\n", me.Username, me.Role, me.AuthType)
			})
		},
	}
}
