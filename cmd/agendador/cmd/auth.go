package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	email    string
	password string
	name     string
)

const passwordEnv = "AGENDADOR_PASSWORD"

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the session",
	Long: `Log in with email and password. The password is read from --password or,
when omitted, from the AGENDADOR_PASSWORD environment variable.

Examples:
  AGENDADOR_PASSWORD=secret agendador login --email ana@example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := resolvePassword()
		if err != nil {
			return err
		}
		client, err := newClient(false)
		if err != nil {
			return err
		}
		defer client.Close()

		res, err := client.Login(cmd.Context(), email, pw)
		if err != nil {
			return describe(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s)\n", res.User.Name, res.User.Email)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := resolvePassword()
		if err != nil {
			return err
		}
		client, err := newClient(false)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Register(cmd.Context(), name, email, pw); err != nil {
			return describe(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Account created, you can now log in")
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(false)
		if err != nil {
			return err
		}
		defer client.Close()
		return client.Logout(cmd.Context())
	},
}

func resolvePassword() (string, error) {
	if password != "" {
		return password, nil
	}
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}
	return "", errors.New("password required: pass --password or set " + passwordEnv)
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, registerCmd} {
		c.Flags().StringVarP(&email, "email", "e", "", "account email")
		c.Flags().StringVarP(&password, "password", "p", "", "account password")
		_ = c.MarkFlagRequired("email")
	}
	registerCmd.Flags().StringVarP(&name, "name", "n", "", "display name")
	_ = registerCmd.MarkFlagRequired("name")

	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd)
}
