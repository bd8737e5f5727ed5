package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/aman-churiwal/event-gate/internal/client"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Print the deployment's current quota window",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(gateURL, client.WithLogger(logger))
		if err != nil {
			return err
		}

		u, err := c.Usage(cmd.Context(), deployment)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(u)
	},
}

func init() {
	rootCmd.AddCommand(usageCmd)
}
