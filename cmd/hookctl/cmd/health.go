package cmd

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the ingest service",
	Long:  `Call /healthz on the ingest service, which pings its database.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var body map[string]any
		err := doRequest(http.MethodGet, "/healthz", nil, nil, &body)
		out := cmd.OutOrStdout()
		var apiErr *apiError
		switch {
		case errors.As(err, &apiErr):
			fmt.Fprintf(out, "✗ Service is unhealthy (HTTP %d)\n", apiErr.Status)
			return err
		case err != nil:
			return fmt.Errorf("health check failed: %w", err)
		}
		fmt.Fprintln(out, "✓ Service is healthy")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
