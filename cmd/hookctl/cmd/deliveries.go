package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookloop/internal/ledger"
)

var deliveriesCmd = &cobra.Command{
	Use:     "deliveries",
	Aliases: []string{"delivery"},
	Short:   "Inspect webhook deliveries recorded in the ledger",
}

var deliveriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded deliveries",
	Long: `List deliveries that produced tasks.

Example:
  hookctl deliveries list --status failed`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limitStr, _ := cmd.Flags().GetString("limit")

		limit, err := parseLimit(limitStr)
		if err != nil {
			return err
		}
		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}

		var resp struct {
			Deliveries []ledger.Record `json:"deliveries"`
		}
		if err := getJSON("/v1/deliveries", q, &resp); err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, resp)
		}
		if len(resp.Deliveries) == 0 {
			fmt.Fprintln(out, "No deliveries found")
			return nil
		}
		for _, d := range resp.Deliveries {
			fmt.Fprintf(out, "%s  %-14s %-9s tasks=%d  %s", d.DeliveryID, d.EventType, d.Status, d.TaskCount, formatTime(d.CreatedAt))
			if d.Error != "" {
				fmt.Fprintf(out, "  error=%q", d.Error)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

var deliveriesGetCmd = &cobra.Command{
	Use:   "get [delivery-id]",
	Short: "Show one delivery record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rec ledger.Record
		if err := getJSON("/v1/deliveries/"+url.PathEscape(args[0]), nil, &rec); err != nil {
			return fmt.Errorf("failed to get delivery: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, rec)
		}
		fmt.Fprintf(out, "Delivery %s\n", rec.DeliveryID)
		fmt.Fprintf(out, "  Event: %s\n", rec.EventType)
		fmt.Fprintf(out, "  Status: %s\n", rec.Status)
		fmt.Fprintf(out, "  Task type: %s (priority %d, %d task(s))\n", rec.TaskType, rec.Priority, rec.TaskCount)
		if rec.Error != "" {
			fmt.Fprintf(out, "  Error: %s\n", rec.Error)
		}
		if rec.ProcessedAt != nil {
			fmt.Fprintf(out, "  Processed: %s\n", formatTime(*rec.ProcessedAt))
		}
		fmt.Fprintf(out, "  Received: %s\n", formatTime(rec.CreatedAt))
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay [delivery-id]",
	Short: "Replay a delivery whose tasks failed to enqueue",
	Long: `Re-run classification and enqueue for a delivery in failed status.

Example:
  hookctl replay 72d3162e-cc78-11e3-81ab-4c9367dc0958`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Status     string   `json:"status"`
			DeliveryID string   `json:"delivery_id"`
			Tasks      []string `json:"tasks"`
		}
		err := doRequest(http.MethodPost, "/v1/deliveries/"+url.PathEscape(args[0])+"/replay", nil, nil, &resp)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			return fmt.Errorf("delivery %s is not in failed status", args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to replay delivery: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, resp)
		}
		fmt.Fprintf(out, "Replayed delivery %s: %s\n", resp.DeliveryID, resp.Status)
		for _, id := range resp.Tasks {
			fmt.Fprintf(out, "  task %s\n", id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deliveriesCmd)
	rootCmd.AddCommand(replayCmd)
	deliveriesCmd.AddCommand(deliveriesListCmd)
	deliveriesCmd.AddCommand(deliveriesGetCmd)

	deliveriesListCmd.Flags().String("status", "", "filter by status (pending, processed, failed)")
	deliveriesListCmd.Flags().String("limit", "", "maximum number of results")
}
