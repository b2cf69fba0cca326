package cmd

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/hookloop/internal/config"
	"github.com/austindbirch/hookloop/internal/signature"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Sign and send test webhooks",
}

var webhookSignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Print the X-Hub-Signature-256 value for a payload",
	Long: `Print the signature header value a provider would send for a payload.

Example:
  hookctl webhook sign --secret s3cr3t --file payload.json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		body, err := readPayload(cmd)
		if err != nil {
			return err
		}
		if secret == "" {
			return errors.New("--secret is required")
		}
		fmt.Fprintln(cmd.OutOrStdout(), signature.Sign(secret, body))
		return nil
	},
}

var webhookSendCmd = &cobra.Command{
	Use:   "send [tenant-slug]",
	Short: "Sign a payload and POST it to the webhook endpoint",
	Long: `Sign a payload with the tenant secret and deliver it like GitHub would.

Example:
  hookctl webhook send acme --event pull_request --secret s3cr3t --file pr.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		event, _ := cmd.Flags().GetString("event")
		deliveryID, _ := cmd.Flags().GetString("delivery-id")
		provider, _ := cmd.Flags().GetString("provider")
		if secret == "" || event == "" {
			return errors.New("--secret and --event are required")
		}
		body, err := readPayload(cmd)
		if err != nil {
			return err
		}
		if deliveryID == "" {
			deliveryID = uuid.NewString()
		}

		hdr := config.FromEnv().Webhook
		h := http.Header{}
		h.Set("Content-Type", "application/json")
		h.Set(hdr.EventHeader, event)
		h.Set(hdr.DeliveryHeader, deliveryID)
		h.Set(hdr.SignatureHeader, signature.Sign(secret, body))

		var resp struct {
			Status     string   `json:"status"`
			DeliveryID string   `json:"delivery_id"`
			Tasks      []string `json:"tasks"`
		}
		path := "/webhooks/" + url.PathEscape(provider) + "/" + url.PathEscape(args[0])
		if err := doRequest(http.MethodPost, path, h, body, &resp); err != nil {
			return fmt.Errorf("webhook %s rejected: %w", deliveryID, err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, resp)
		}
		fmt.Fprintf(out, "Delivery %s: %s\n", deliveryID, resp.Status)
		for _, id := range resp.Tasks {
			fmt.Fprintf(out, "  task %s\n", id)
		}
		return nil
	},
}

// readPayload takes --data, then --file ("-" is stdin)
func readPayload(cmd *cobra.Command) ([]byte, error) {
	data, _ := cmd.Flags().GetString("data")
	file, _ := cmd.Flags().GetString("file")
	switch {
	case data != "":
		return []byte(data), nil
	case file == "-":
		return io.ReadAll(cmd.InOrStdin())
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return b, nil
	}
	return nil, errors.New("one of --data or --file is required")
}

func init() {
	rootCmd.AddCommand(webhookCmd)
	webhookCmd.AddCommand(webhookSignCmd)
	webhookCmd.AddCommand(webhookSendCmd)

	for _, c := range []*cobra.Command{webhookSignCmd, webhookSendCmd} {
		c.Flags().String("secret", "", "tenant webhook secret")
		c.Flags().String("data", "", "inline JSON payload")
		c.Flags().String("file", "", "payload file, - for stdin")
	}
	webhookSendCmd.Flags().String("event", "", "event type header, e.g. pull_request")
	webhookSendCmd.Flags().String("delivery-id", "", "delivery id header (default: random UUID)")
	webhookSendCmd.Flags().String("provider", "github", "provider path segment")
}
