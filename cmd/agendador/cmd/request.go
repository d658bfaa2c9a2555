package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/DanielMarcoD/agendador"
)

var requestData string

var requestCmd = &cobra.Command{
	Use:   "request METHOD PATH",
	Short: "Send an authenticated API request",
	Long: `Send a request with the stored session. A 401 triggers one refresh and a
single retry.

Examples:
  agendador request GET /events
  agendador request POST /events --data '{"title":"Dentist"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(false)
		if err != nil {
			return err
		}
		defer client.Close()

		req := agendador.Request{Method: strings.ToUpper(args[0]), Path: args[1]}
		if requestData != "" {
			if !json.Valid([]byte(requestData)) {
				return fmt.Errorf("--data is not valid JSON")
			}
			req.Body = json.RawMessage(requestData)
		}

		res, err := client.Do(cmd.Context(), req)
		if err != nil {
			return describe(err)
		}

		log.WithField("request_id", res.RequestID).Debugf("HTTP %d", res.Status)
		out := cmd.OutOrStdout()
		switch {
		case res.Empty():
			fmt.Fprintln(out, http.StatusText(res.Status))
		case res.IsJSON():
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, res.Body, "", "  "); err != nil {
				fmt.Fprintln(out, res.Text())
				return nil
			}
			fmt.Fprintln(out, pretty.String())
		default:
			fmt.Fprintln(out, res.Text())
		}
		return nil
	},
}

func init() {
	requestCmd.Flags().StringVarP(&requestData, "data", "d", "", "JSON request body")
	rootCmd.AddCommand(requestCmd)
}
