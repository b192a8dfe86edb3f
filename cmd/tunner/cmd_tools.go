package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/emessiha/tunner/internal/app"
	"github.com/emessiha/tunner/internal/sshd"
)

var echoListen string

var commandEcho = &cobra.Command{
	Use:   "echo",
	Short: "Run a TCP echo server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.RunEcho(cmd.Context(), echoListen)
	},
}

var commandHashPassword = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Print the bcrypt hash of a password for the sshd users map",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var password string
		if len(args) == 1 {
			password = args[0]
		} else {
			var err error
			if password, err = promptSecret("Password"); err != nil {
				return err
			}
		}
		if password == "" {
			return fmt.Errorf("empty password")
		}

		hash, err := sshd.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

var commandVersion = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "tunner", version)
	},
}

func init() {
	commandEcho.Flags().StringVarP(&echoListen, "listen", "l", "127.0.0.1:8888", "address to listen on")
	mainCommand.AddCommand(commandEcho, commandHashPassword, commandVersion)
}
