package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(false)
		if err != nil {
			return err
		}
		defer client.Close()

		st, err := client.Status(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if statusJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		if !st.LoggedIn {
			fmt.Fprintln(out, "Not logged in")
			return nil
		}
		fmt.Fprintf(out, "User:    %s %s\n", st.UserID, st.Email)
		if st.HasAccess && !st.ExpiresAt.IsZero() {
			left := time.Until(st.ExpiresAt).Round(time.Second)
			if left <= 0 {
				fmt.Fprintln(out, "Access:  expired, will refresh on next request")
			} else {
				fmt.Fprintf(out, "Access:  valid for %s\n", left)
			}
		} else {
			fmt.Fprintln(out, "Access:  missing")
		}
		fmt.Fprintf(out, "Refresh: %t\n", st.HasRefresh)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print status as JSON")
	rootCmd.AddCommand(statusCmd)
}
